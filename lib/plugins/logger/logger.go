// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package logger keeps a leveled application log on disk and reports
// it in batches.
//
// [Plugin.NewLogger] returns an *slog.Logger for the host application
// and for other plugins. Every record is echoed to the next handler;
// records at or above the plugin level are also written to a store
// named "logs" in the monitor's store directory, so entries logged
// before a crash are reported by the next run. Once MaxRecords entries
// are stored they are reported as one console record and removed.
//
// Unlike the console plugin this one never replaces slog.Default: only
// loggers obtained from the plugin are recorded.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/codec"
	"github.com/bureau-foundation/webeye/lib/logging"
	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/plugins/console"
	"github.com/bureau-foundation/webeye/lib/record"
	"github.com/bureau-foundation/webeye/lib/store"
)

// Name is the plugin name used for lookups through the monitor.
const Name = "logger"

// DefaultStoreName is the store holding the entries.
const DefaultStoreName = "logs"

// Entry is one persisted log record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp int64          `json:"timestamp"`
	Level     int            `json:"level"`
	LevelName string         `json:"levelName"`
	Message   string         `json:"message"`
	Attrs     map[string]any `json:"args,omitempty"`
	Stack     string         `json:"stack,omitempty"`
}

// Batch is the payload of a reported log batch.
type Batch struct {
	Logs       []Entry `json:"logs"`
	Count      int     `json:"count"`
	ReportTime int64   `json:"reportTime"`
}

// Options configures the plugin.
type Options struct {
	// Level is the lowest recorded level. Default: debug.
	Level slog.Leveler

	// MaxRecords is the stored entry count that triggers a report.
	// Default: 100.
	MaxRecords int

	// Dir holds the log database. Empty selects the monitor's store
	// directory, which may itself be empty for an in-memory log.
	Dir string

	// StoreName defaults to DefaultStoreName.
	StoreName string

	// OmitStack leaves the goroutine stack off error entries.
	OmitStack bool

	// Next receives every record. nil selects a logging.New handler at
	// debug level on stderr.
	Next slog.Handler
}

// Plugin is the logger plugin.
type Plugin struct {
	*monitor.Base
	options Options
	next    slog.Handler

	mutex sync.Mutex
	level slog.Level
	store *store.Store

	reporting atomic.Bool
}

// New returns an uninstalled logger plugin.
func New(options Options) (*Plugin, error) {
	if options.MaxRecords <= 0 {
		options.MaxRecords = 100
	}
	if options.StoreName == "" {
		options.StoreName = DefaultStoreName
	}
	level := slog.LevelDebug
	if options.Level != nil {
		level = options.Level.Level()
	}
	next := options.Next
	if next == nil {
		fallback, err := logging.New(logging.Options{Level: "debug"})
		if err != nil {
			return nil, err
		}
		next = fallback.Handler()
	}
	return &Plugin{
		Base:    monitor.NewBase(Name),
		options: options,
		next:    next,
		level:   level,
	}, nil
}

func (p *Plugin) Install(host monitor.Host) error { return p.Base.Install(host, p.init) }

func (p *Plugin) Uninstall() error { return p.Base.Uninstall(p.destroy) }

func (p *Plugin) init(host monitor.Host) error {
	dir := p.options.Dir
	if dir == "" {
		dir = host.Config().Store.Dir
	}
	entries := store.Open(context.Background(), store.Config{
		Dir:  dir,
		Name: p.options.StoreName,
		// Room for a full batch plus whatever arrives while it is
		// being reported.
		MaxRecords: 2 * p.options.MaxRecords,
		Clock:      host.Clock(),
		Logger:     p.Logger(),
	})

	p.mutex.Lock()
	p.store = entries
	p.mutex.Unlock()
	return nil
}

func (p *Plugin) destroy() error {
	p.mutex.Lock()
	entries := p.store
	p.store = nil
	p.mutex.Unlock()

	if entries == nil {
		return nil
	}
	return entries.Close()
}

func (p *Plugin) currentStore() *store.Store {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.store
}

// NewLogger returns a logger whose records the plugin keeps. Records
// logged while the plugin is not installed are only echoed.
func (p *Plugin) NewLogger() *slog.Logger {
	return slog.New(&handler{plugin: p, next: p.next})
}

// SetLevel changes the lowest recorded level.
func (p *Plugin) SetLevel(level slog.Level) {
	p.mutex.Lock()
	p.level = level
	p.mutex.Unlock()
	p.Logger().Info("log level changed", "level", level)
}

func (p *Plugin) recordLevel() slog.Level {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.level
}

// Count returns the number of stored entries.
func (p *Plugin) Count(ctx context.Context) (int, error) {
	entries := p.currentStore()
	if entries == nil {
		return 0, nil
	}
	return entries.Count(ctx)
}

// Clear removes every stored entry without reporting it.
func (p *Plugin) Clear(ctx context.Context) error {
	entries := p.currentStore()
	if entries == nil {
		return nil
	}
	stored, err := entries.GetAll(ctx, store.Filter{})
	if err != nil {
		return err
	}
	if err := entries.Delete(ctx, record.IDs(stored)...); err != nil {
		return err
	}
	p.Logger().Info("log entries cleared", "entries", len(stored))
	return nil
}

// ReportNow reports the stored entries as one batch and removes them.
// Entries stay stored if the report fails. A call made while another
// report is running does nothing.
func (p *Plugin) ReportNow(ctx context.Context) error {
	host := p.Host()
	entries := p.currentStore()
	if host == nil || entries == nil {
		return nil
	}
	if !p.reporting.CompareAndSwap(false, true) {
		return nil
	}
	defer p.reporting.Store(false)

	stored, err := entries.GetAll(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("logger: reading entries: %w", err)
	}
	if len(stored) == 0 {
		return nil
	}
	logs := make([]Entry, 0, len(stored))
	for _, r := range stored {
		entry, err := decodeEntry(r.Payload)
		if err != nil {
			p.Logger().Warn("skipping unreadable log entry", "id", r.ID, "error", err)
			continue
		}
		logs = append(logs, entry)
	}
	if len(logs) == 0 {
		return entries.Delete(ctx, record.IDs(stored)...)
	}

	batch := Batch{Logs: logs, Count: len(logs), ReportTime: clock.Millis(host.Clock())}
	if err := p.Report(ctx, record.Partial{Type: record.TypeConsole, Payload: batch}); err != nil {
		return fmt.Errorf("logger: reporting %d entries: %w", len(logs), err)
	}
	if err := entries.Delete(ctx, record.IDs(stored)...); err != nil {
		return fmt.Errorf("logger: removing reported entries: %w", err)
	}
	p.Logger().Debug("reported log entries", "entries", len(logs))
	return nil
}

// decodeEntry converts a stored payload, which comes back from the
// store as a generic map, into an Entry.
func decodeEntry(payload any) (Entry, error) {
	data, err := codec.Marshal(payload)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := codec.Unmarshal(data, &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (p *Plugin) keep(ctx context.Context, entry Entry) {
	host := p.Host()
	entries := p.currentStore()
	if host == nil || entries == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := entries.Add(ctx, record.Record{
		ID:        entry.ID,
		Type:      record.TypeConsole,
		SessionID: host.SessionID(),
		Timestamp: entry.Timestamp,
		Payload:   entry,
	})
	if err != nil {
		p.Logger().Warn("storing log entry", "error", err)
		return
	}

	count, err := entries.Count(ctx)
	if err != nil {
		p.Logger().Warn("counting log entries", "error", err)
		return
	}
	if count < p.options.MaxRecords {
		return
	}
	if err := p.ReportNow(ctx); err != nil {
		p.Logger().Warn("log report failed", "error", err)
	}
}

// handler echoes records to next and keeps those at or above the
// plugin level. Attributes from WithAttrs and WithGroup are flattened
// with dotted group prefixes.
type handler struct {
	plugin *Plugin
	next   slog.Handler
	attrs  map[string]any
	group  string
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level) || level >= h.plugin.recordLevel()
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r.Clone())
	}
	if r.Level < h.plugin.recordLevel() || !h.plugin.IsInstalled() {
		return err
	}

	h.plugin.SafeExecute(func() {
		entry := Entry{
			ID:        record.NewID(),
			Level:     int(r.Level),
			LevelName: strings.ToUpper(r.Level.String()),
			Message:   r.Message,
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
			console.Flatten(attrs, h.group, attr)
			return true
		})
		if len(attrs) > 0 {
			entry.Attrs = attrs
		}
		if r.Level >= slog.LevelError && !h.plugin.options.OmitStack {
			entry.Stack = string(debug.Stack())
		}
		h.plugin.keep(ctx, entry)
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
		console.Flatten(merged, h.group, attr)
	}
	return &handler{plugin: h.plugin, next: h.next.WithAttrs(attrs), attrs: merged, group: h.group}
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &handler{plugin: h.plugin, next: h.next.WithGroup(name), attrs: h.attrs, group: console.GroupKey(h.group, name)}
}
