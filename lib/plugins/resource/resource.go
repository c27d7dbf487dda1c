// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package resource reports failed and slow loads of the host's static
// resources. The host routes its asset filesystem through [Plugin.Wrap];
// the wrapper reports files that cannot be opened or read, and files
// that stay open longer than the slow threshold.
package resource

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/record"
)

// Name is the plugin name used for lookups through the monitor.
const Name = "resource"

const (
	DefaultSlowThreshold    = 10 * time.Second
	DefaultTimeoutThreshold = 30 * time.Second
)

// Type classifies a resource by its extension.
type Type string

const (
	TypeScript Type = "script"
	TypeCSS    Type = "css"
	TypeOther  Type = "other"
)

// ErrorType classifies a failed load.
type ErrorType string

const (
	ErrorNotFound   ErrorType = "not_found"
	ErrorPermission ErrorType = "permission"
	ErrorTimeout    ErrorType = "timeout"
	ErrorRead       ErrorType = "read"
	ErrorUnknown    ErrorType = "unknown"
)

// Info is the payload of a resource record.
type Info struct {
	Path         string    `json:"path"`
	ResourceType Type      `json:"resourceType"`
	ErrorType    ErrorType `json:"errorType,omitempty"`
	Message      string    `json:"errorMessage,omitempty"`
	Slow         bool      `json:"slow,omitempty"`
	Size         int64     `json:"transferSize,omitempty"`
	LoadTime     int64     `json:"loadTime"`
	Timestamp    int64     `json:"timestamp"`
}

// Options configures the plugin.
type Options struct {
	// SlowThreshold is how long a file may stay open before it is
	// reported as slow.
	SlowThreshold time.Duration

	// TimeoutThreshold upgrades a slow report to a timeout.
	TimeoutThreshold time.Duration

	// Ignore skips paths for which it returns true.
	Ignore func(name string) bool
}

// Plugin is the resource plugin.
type Plugin struct {
	*monitor.Base
	options Options
}

// New returns an uninstalled resource plugin.
func New(options Options) *Plugin {
	if options.SlowThreshold <= 0 {
		options.SlowThreshold = DefaultSlowThreshold
	}
	if options.TimeoutThreshold <= 0 {
		options.TimeoutThreshold = DefaultTimeoutThreshold
	}
	return &Plugin{Base: monitor.NewBase(Name), options: options}
}

func (p *Plugin) Install(host monitor.Host) error { return p.Base.Install(host, nil) }

func (p *Plugin) Uninstall() error { return p.Base.Uninstall(nil) }

// Wrap returns fsys with load reporting. While the plugin is not
// installed the wrapper passes every call straight through.
func (p *Plugin) Wrap(fsys fs.FS) fs.FS {
	return &watchedFS{plugin: p, fsys: fsys}
}

func (p *Plugin) report(info Info) {
	p.SafeExecute(func() {
		if err := p.Report(context.Background(), record.Partial{Type: record.TypeResource, Payload: info}); err != nil {
			p.Logger().Warn("resource report failed", "path", info.Path, "error", err)
		}
	})
}

type watchedFS struct {
	plugin *Plugin
	fsys   fs.FS
}

func (w *watchedFS) Open(name string) (fs.File, error) {
	host := w.plugin.Host()
	if host == nil || (w.plugin.options.Ignore != nil && w.plugin.options.Ignore(name)) {
		return w.fsys.Open(name)
	}

	start := host.Clock().Now()
	file, err := w.fsys.Open(name)
	if err != nil {
		w.plugin.report(Info{
			Path:         name,
			ResourceType: TypeOf(name),
			ErrorType:    classify(err),
			Message:      err.Error(),
			LoadTime:     host.Clock().Now().Sub(start).Milliseconds(),
			Timestamp:    clock.Millis(host.Clock()),
		})
		return nil, err
	}

	if info, statErr := file.Stat(); statErr == nil && info.IsDir() {
		return file, nil
	}
	return &watchedFile{File: file, plugin: w.plugin, clock: host.Clock(), name: name, start: start}, nil
}

type watchedFile struct {
	fs.File
	plugin *Plugin
	clock  clock.Clock
	name   string
	start  time.Time

	size     int64
	reported bool
}

func (f *watchedFile) Read(buffer []byte) (int, error) {
	n, err := f.File.Read(buffer)
	f.size += int64(n)
	if err != nil && !errors.Is(err, io.EOF) && !f.reported {
		f.reported = true
		f.plugin.report(f.info(ErrorRead, err.Error()))
	}
	return n, err
}

func (f *watchedFile) Close() error {
	err := f.File.Close()
	if f.reported {
		return err
	}
	elapsed := f.clock.Now().Sub(f.start)
	switch {
	case elapsed >= f.plugin.options.TimeoutThreshold:
		f.plugin.report(f.info(ErrorTimeout, "load exceeded "+f.plugin.options.TimeoutThreshold.String()))
	case elapsed >= f.plugin.options.SlowThreshold:
		info := f.info("", "")
		info.Slow = true
		f.plugin.report(info)
	}
	return err
}

func (f *watchedFile) info(errorType ErrorType, message string) Info {
	return Info{
		Path:         f.name,
		ResourceType: TypeOf(f.name),
		ErrorType:    errorType,
		Message:      message,
		Size:         f.size,
		LoadTime:     f.clock.Now().Sub(f.start).Milliseconds(),
		Timestamp:    clock.Millis(f.clock),
	}
}

// TypeOf infers the resource type from the file extension.
func TypeOf(name string) Type {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(name), ".")) {
	case "js", "mjs", "cjs", "jsx", "ts", "tsx", "wasm":
		return TypeScript
	case "css", "scss", "sass", "less":
		return TypeCSS
	default:
		return TypeOther
	}
}

func classify(err error) ErrorType {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrorNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrorPermission
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	default:
		return ErrorUnknown
	}
}
