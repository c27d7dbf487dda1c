// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package console captures the host's structured log output.
//
// Installing replaces slog.Default with a logger whose handler tees
// every record to the previous destination and, at or above the
// capture level, into an in-memory buffer. When the buffer reaches
// MaxRecords it is reported as one console record and emptied. The
// buffer is also reported when the host is hidden or unloads, and on
// uninstall, which restores the previous default logger and the
// standard log package's output.
package console

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/logging"
	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/payload"
	"github.com/bureau-foundation/webeye/lib/record"
)

// Name is the plugin name used for lookups through the monitor.
const Name = "console"

// DefaultIgnore drops the monitor's own diagnostics if they are ever
// routed through the default logger.
var DefaultIgnore = []*regexp.Regexp{regexp.MustCompile(`\[webeye\]`)}

// Entry is one captured log record.
type Entry struct {
	Timestamp int64          `json:"timestamp"`
	Level     string         `json:"levelName"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"args,omitempty"`
	Source    string         `json:"source,omitempty"`
}

// Batch is the payload of a console record.
type Batch struct {
	Logs       []Entry `json:"logs"`
	Count      int     `json:"count"`
	ReportTime int64   `json:"reportTime"`
}

// Options configures the plugin.
type Options struct {
	// Level is the lowest captured level. Default: info.
	Level slog.Level

	// MaxRecords is the buffer size that triggers a report.
	// Default: 100.
	MaxRecords int

	// Ignore drops records whose message matches any pattern. nil
	// selects DefaultIgnore.
	Ignore []*regexp.Regexp

	// Source adds the file:line of the logging call.
	Source bool

	// Next receives every record, captured or not. nil selects a
	// logging.New handler at info level on stderr.
	Next slog.Handler
}

// Plugin is the console plugin.
type Plugin struct {
	*monitor.Base
	options Options

	mutex       sync.Mutex
	level       slog.Level
	entries     []Entry
	previous    *slog.Logger
	logWriter   logOutput
	unsubscribe []func()
}

type logOutput struct {
	writer io.Writer
	flags  int
}

// New returns an uninstalled console plugin.
func New(options Options) *Plugin {
	if options.MaxRecords <= 0 {
		options.MaxRecords = 100
	}
	if options.Ignore == nil {
		options.Ignore = DefaultIgnore
	}
	return &Plugin{
		Base:    monitor.NewBase(Name),
		options: options,
		level:   options.Level,
	}
}

func (p *Plugin) Install(host monitor.Host) error { return p.Base.Install(host, p.init) }

func (p *Plugin) Uninstall() error { return p.Base.Uninstall(p.destroy) }

func (p *Plugin) init(host monitor.Host) error {
	next := p.options.Next
	if next == nil {
		logger, err := logging.New(logging.Options{Level: "info"})
		if err != nil {
			return err
		}
		next = logger.Handler()
	}

	report := func(any) { p.ReportNow(context.Background()) }

	p.mutex.Lock()
	p.previous = slog.Default()
	p.logWriter = logOutput{writer: log.Writer(), flags: log.Flags()}
	p.unsubscribe = []func(){
		host.Events().On(monitor.TopicHidden, report),
		host.Events().On(monitor.TopicUnload, report),
	}
	p.mutex.Unlock()

	slog.SetDefault(slog.New(&handler{plugin: p, next: next}))
	return nil
}

func (p *Plugin) destroy() error {
	p.mutex.Lock()
	previous, output := p.previous, p.logWriter
	unsubscribe := p.unsubscribe
	p.previous, p.unsubscribe = nil, nil
	p.mutex.Unlock()

	for _, off := range unsubscribe {
		off()
	}
	if previous != nil {
		slog.SetDefault(previous)
		log.SetOutput(output.writer)
		log.SetFlags(output.flags)
	}
	p.ReportNow(context.Background())
	return nil
}

// SetLevel changes the lowest captured level.
func (p *Plugin) SetLevel(level slog.Level) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.level = level
}

func (p *Plugin) captureLevel() slog.Level {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.level
}

// Count returns the number of buffered entries.
func (p *Plugin) Count() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.entries)
}

// Clear drops the buffered entries without reporting them.
func (p *Plugin) Clear() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.entries = nil
}

// ReportNow reports the buffered entries, if any, and empties the
// buffer.
func (p *Plugin) ReportNow(ctx context.Context) {
	p.mutex.Lock()
	entries := p.entries
	p.entries = nil
	p.mutex.Unlock()
	p.send(ctx, entries)
}

func (p *Plugin) send(ctx context.Context, entries []Entry) {
	host := p.Host()
	if len(entries) == 0 || host == nil {
		return
	}
	batch := Batch{Logs: entries, Count: len(entries), ReportTime: clock.Millis(host.Clock())}
	p.SafeExecute(func() {
		if err := p.Report(ctx, record.Partial{Type: record.TypeConsole, Payload: batch}); err != nil {
			p.Logger().Warn("console report failed", "entries", len(entries), "error", err)
		}
	})
}

func (p *Plugin) capture(ctx context.Context, entry Entry) {
	for _, pattern := range p.options.Ignore {
		if pattern.MatchString(entry.Message) {
			return
		}
	}

	p.mutex.Lock()
	p.entries = append(p.entries, entry)
	var full []Entry
	if len(p.entries) >= p.options.MaxRecords {
		full = p.entries
		p.entries = nil
	}
	p.mutex.Unlock()

	if full != nil {
		p.send(context.WithoutCancel(ctx), full)
	}
}

// handler tees records to next and into the plugin buffer. Attributes
// added through WithAttrs and WithGroup are kept flattened with dotted
// group prefixes.
type handler struct {
	plugin *Plugin
	next   slog.Handler
	attrs  map[string]any
	group  string
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || level >= h.plugin.captureLevel()
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r.Clone())
	}
	if r.Level < h.plugin.captureLevel() || !h.plugin.IsInstalled() {
		return err
	}

	h.plugin.SafeExecute(func() {
		entry := Entry{
			Level:   strings.ToUpper(r.Level.String()),
			Message: r.Message,
		}
		if !r.Time.IsZero() {
			entry.Timestamp = r.Time.UnixMilli()
		} else if host := h.plugin.Host(); host != nil {
			entry.Timestamp = clock.Millis(host.Clock())
		}
		attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
		for key, value := range h.attrs {
			attrs[key] = value
		}
		r.Attrs(func(attr slog.Attr) bool {
			Flatten(attrs, h.group, attr)
			return true
		})
		if len(attrs) > 0 {
			entry.Attrs = attrs
		}
		if h.plugin.options.Source && r.PC != 0 {
			frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
			entry.Source = fmt.Sprintf("%s:%d", frame.File, frame.Line)
		}
		h.plugin.capture(ctx, entry)
	})
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	merged := make(map[string]any, len(h.attrs)+len(attrs))
	for key, value := range h.attrs {
		merged[key] = value
	}
	for _, attr := range attrs {
		Flatten(merged, h.group, attr)
	}
	return &handler{plugin: h.plugin, next: h.next.WithAttrs(attrs), attrs: merged, group: h.group}
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &handler{plugin: h.plugin, next: h.next.WithGroup(name), attrs: h.attrs, group: GroupKey(h.group, name)}
}

// Flatten stores attr in into under its dotted key, expanding groups
// and serializing values.
func Flatten(into map[string]any, prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}
	if attr.Value.Kind() == slog.KindGroup {
		group := GroupKey(prefix, attr.Key)
		for _, member := range attr.Value.Group() {
			Flatten(into, group, member)
		}
		return
	}
	into[GroupKey(prefix, attr.Key)] = Serialize(attr.Value.Any())
}

// GroupKey joins a group prefix and a key with a dot.
func GroupKey(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	default:
		return prefix + "." + key
	}
}

// Serialize converts a logged value into JSON-safe data. Times and
// regular expressions keep their kind through a __type marker; errors
// become {"__type":"Error",...} objects.
func Serialize(value any) any {
	switch v := value.(type) {
	case nil, string, bool, int64, uint64, float64:
		return v
	case time.Time:
		return map[string]any{"__type": "Date", "value": v.Format(time.RFC3339Nano)}
	case time.Duration:
		return v.String()
	case *regexp.Regexp:
		if v == nil {
			return nil
		}
		return map[string]any{"__type": "RegExp", "value": v.String()}
	default:
		return payload.Sanitize(value)
	}
}
