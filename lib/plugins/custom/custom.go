// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package custom reports application-defined events.
//
// A custom report can carry the behavior trail kept by the error
// plugin and tag the session replay recording, when those plugins are
// installed on the same monitor.
package custom

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/plugins/console"
	"github.com/bureau-foundation/webeye/lib/plugins/errorcapture"
	"github.com/bureau-foundation/webeye/lib/plugins/replay"
	"github.com/bureau-foundation/webeye/lib/record"
)

// Name is the plugin name used for lookups through the monitor.
const Name = "custom"

// DefaultMaxContentLength bounds a string content in bytes.
const DefaultMaxContentLength = 10000

// ErrEventRequired is returned by Report for an empty event name.
var ErrEventRequired = errors.New("custom: event is required")

// Data is the caller's side of a custom report.
type Data struct {
	// ID is the report id. Empty generates one.
	ID      string
	Content any
	Extra   map[string]any
}

// ReportOptions selects what travels with a report.
type ReportOptions struct {
	// IncludeBehavior attaches the error plugin's behavior trail.
	IncludeBehavior bool

	// IncludeRecord tags the session replay recording with the
	// report id and attaches the session id.
	IncludeRecord bool
}

// Report is the payload of a custom record.
type Report struct {
	ID        string                    `json:"id"`
	Event     string                    `json:"event"`
	Content   any                       `json:"content"`
	Extra     map[string]any            `json:"extra,omitempty"`
	Behaviors []errorcapture.Breadcrumb `json:"behaviors,omitempty"`
	RecordID  string                    `json:"recordId,omitempty"`
	Timestamp int64                     `json:"timestamp"`
}

// Options configures the plugin.
type Options struct {
	// MaxContentLength truncates longer string contents. Zero selects
	// DefaultMaxContentLength.
	MaxContentLength int
}

// Plugin is the custom event plugin.
type Plugin struct {
	*monitor.Base
	options Options
}

// New returns an uninstalled custom plugin.
func New(options Options) *Plugin {
	if options.MaxContentLength <= 0 {
		options.MaxContentLength = DefaultMaxContentLength
	}
	return &Plugin{Base: monitor.NewBase(Name), options: options}
}

func (p *Plugin) Install(host monitor.Host) error { return p.Base.Install(host, nil) }

func (p *Plugin) Uninstall() error { return p.Base.Uninstall(nil) }

// Report sends a custom record for event and returns its id.
func (p *Plugin) Report(ctx context.Context, event string, data Data, options ReportOptions) (string, error) {
	if event == "" {
		return data.ID, ErrEventRequired
	}
	host := p.Host()
	if host == nil {
		return data.ID, monitor.ErrNotInstalled
	}

	report := Report{
		ID:        data.ID,
		Event:     event,
		Content:   p.content(data.Content),
		Timestamp: clock.Millis(host.Clock()),
	}
	if report.ID == "" {
		report.ID = record.NewID()
	}
	if len(data.Extra) > 0 {
		report.Extra = make(map[string]any, len(data.Extra))
		for key, value := range data.Extra {
			report.Extra[key] = console.Serialize(value)
		}
	}

	if options.IncludeBehavior {
		if capture, ok := lookup[*errorcapture.Plugin](host, errorcapture.Name); ok {
			report.Behaviors = capture.Breadcrumbs()
		} else {
			p.Logger().Warn("behavior requested without the error plugin", "report", report.ID)
		}
	}
	if options.IncludeRecord {
		if recorder, ok := lookup[*replay.Plugin](host, replay.Name); ok {
			report.RecordID = recorder.CustomTrigger(ctx, report.ID)
		} else {
			p.Logger().Warn("recording requested without the replay plugin", "report", report.ID)
		}
	}

	if err := p.Base.Report(ctx, record.Partial{Type: record.TypeCustom, Payload: report}); err != nil {
		p.Logger().Error("custom report failed", "event", event, "error", err)
		return report.ID, fmt.Errorf("custom: reporting %q: %w", event, err)
	}
	return report.ID, nil
}

func (p *Plugin) content(value any) any {
	if s, ok := value.(string); ok && len(s) > p.options.MaxContentLength {
		cut := p.options.MaxContentLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut]
	}
	if values, ok := value.([]any); ok {
		serialized := make([]any, len(values))
		for i, v := range values {
			serialized[i] = console.Serialize(v)
		}
		return serialized
	}
	return console.Serialize(value)
}

func lookup[T monitor.Plugin](host monitor.Host, name string) (T, bool) {
	var zero T
	plugin, ok := host.Plugin(name)
	if !ok {
		return zero, false
	}
	typed, ok := plugin.(T)
	return typed, ok
}
