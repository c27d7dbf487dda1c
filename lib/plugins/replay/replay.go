// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package replay turns a stream of session-replay events into bounded
// replay sessions.
//
// The host's capture library feeds events through [Plugin.Record].
// Between sessions the plugin only buffers the latest meta event, the
// latest full snapshot and the incremental events after it. A trigger
// (a captured error, a custom report, or a manual call) opens a session
// seeded from that buffer, so that the session can be replayed from
// its first event. The session collects live events until its time
// limit or event cap is reached, then it is reported as one record.
//
// A session missing its meta event or full snapshot at report time is
// patched from the buffer when possible and reported with isComplete
// false otherwise.
package replay

import (
	"context"
	"sync"
	"time"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/plugins/errorcapture"
	"github.com/bureau-foundation/webeye/lib/record"
)

// Name is the plugin name used for lookups through the monitor.
const Name = "replay"

// EventType follows the numbering of the rrweb event stream.
type EventType int

const (
	EventDOMContentLoaded EventType = iota
	EventLoad
	EventFullSnapshot
	EventIncrementalSnapshot
	EventMeta
	EventCustom
	EventPlugin
)

// Event is one replay event. Data is opaque to the plugin.
type Event struct {
	Type      EventType `json:"type"`
	Data      any       `json:"data"`
	Timestamp int64     `json:"timestamp"`
}

// Trigger says what opened a session.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerError  Trigger = "error"
	TriggerCustom Trigger = "custom"
)

// End reasons.
const (
	ReasonTimeLimit = "time_limit_reached"
	ReasonMaxEvents = "max_events_reached"
	ReasonUnload    = "page_unload"
	ReasonForced    = "forced"
	ReasonUninstall = "uninstall"
)

// SessionReport is the payload of a replay record.
type SessionReport struct {
	ID          string  `json:"id"`
	Trigger     Trigger `json:"triggerType"`
	ErrorID     string  `json:"errorId,omitempty"`
	Reason      string  `json:"reason"`
	Events      []Event `json:"events"`
	StartTime   int64   `json:"startTime"`
	EndTime     int64   `json:"endTime"`
	IsComplete  bool    `json:"isComplete"`
	EventsCount int     `json:"eventsCount"`
}

// Status describes the recorder.
type Status struct {
	CurrentSession string `json:"currentSession,omitempty"`
	ActiveSessions int    `json:"activeSessions"`
	BufferComplete bool   `json:"bufferComplete"`
	BufferedEvents int    `json:"bufferedEvents"`
}

// Options configures the plugin. Zero fields take the defaults noted.
type Options struct {
	// AfterTime is how long a session records after its trigger.
	// Default: 5s.
	AfterTime time.Duration

	// MaxEvents caps one session. Default: 5000.
	MaxEvents int

	// BufferEvents caps the incremental events kept between sessions.
	// Default: 200.
	BufferEvents int

	// RequestSnapshot, when set, asks the capture library for a fresh
	// full snapshot. A trigger arriving while the buffer is incomplete
	// calls it and waits up to SnapshotTimeout for the snapshot.
	RequestSnapshot func()

	// SnapshotTimeout bounds that wait. Default: 2s.
	SnapshotTimeout time.Duration

	// KeepIncomplete disables patching incomplete sessions from the
	// buffer before they are reported.
	KeepIncomplete bool
}

type session struct {
	report SessionReport
	timer  *clock.Timer
}

// Plugin is the session replay plugin.
type Plugin struct {
	*monitor.Base
	options Options

	mutex         sync.Mutex
	buffer        buffer
	sessions      map[string]*session
	current       string
	errorSessions map[string]string
	snapshotReady chan struct{}
	unsubscribe   []func()
}

// New returns an uninstalled replay plugin.
func New(options Options) *Plugin {
	if options.AfterTime <= 0 {
		options.AfterTime = 5 * time.Second
	}
	if options.MaxEvents <= 0 {
		options.MaxEvents = 5000
	}
	if options.BufferEvents <= 0 {
		options.BufferEvents = 200
	}
	if options.SnapshotTimeout <= 0 {
		options.SnapshotTimeout = 2 * time.Second
	}
	return &Plugin{
		Base:          monitor.NewBase(Name),
		options:       options,
		buffer:        buffer{limit: options.BufferEvents},
		sessions:      make(map[string]*session),
		errorSessions: make(map[string]string),
		snapshotReady: make(chan struct{}),
	}
}

func (p *Plugin) Install(host monitor.Host) error { return p.Base.Install(host, p.init) }

func (p *Plugin) Uninstall() error { return p.Base.Uninstall(p.destroy) }

func (p *Plugin) init(host monitor.Host) error {
	bus := host.Events()
	endAll := func(any) { p.endAll(ReasonUnload) }

	p.mutex.Lock()
	p.unsubscribe = []func(){
		bus.On(errorcapture.TopicCaptured, func(payload any) {
			info, ok := payload.(errorcapture.Info)
			if !ok {
				return
			}
			p.SafeExecute(func() { p.ErrorTrigger(context.Background(), info.ID) })
		}),
		bus.On(monitor.TopicHidden, endAll),
		bus.On(monitor.TopicUnload, endAll),
	}
	p.mutex.Unlock()
	return nil
}

func (p *Plugin) destroy() error {
	p.mutex.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mutex.Unlock()
	for _, off := range unsubscribe {
		off()
	}
	p.endAll(ReasonUninstall)
	return nil
}

// Record feeds one event from the capture library.
func (p *Plugin) Record(event Event) {
	if event.Timestamp == 0 {
		if host := p.Host(); host != nil {
			event.Timestamp = clock.Millis(host.Clock())
		}
	}

	p.mutex.Lock()
	if current, ok := p.sessions[p.current]; ok {
		if len(current.report.Events) >= p.options.MaxEvents {
			id := p.current
			p.mutex.Unlock()
			p.end(id, ReasonMaxEvents)
			p.mutex.Lock()
		} else {
			current.report.Events = append(current.report.Events, event)
			p.mutex.Unlock()
			return
		}
	}
	wasComplete := p.buffer.complete()
	p.buffer.add(event)
	if !wasComplete && p.buffer.complete() {
		close(p.snapshotReady)
	}
	p.mutex.Unlock()
}

// ErrorTrigger opens a session for a captured error and remembers the
// association. It returns the session id, or "" when the plugin is not
// installed.
func (p *Plugin) ErrorTrigger(ctx context.Context, errorID string) string {
	id := p.start(ctx, TriggerError, errorID)
	if id != "" && errorID != "" {
		p.mutex.Lock()
		p.errorSessions[errorID] = id
		p.mutex.Unlock()
	}
	return id
}

// CustomTrigger opens a session for a custom report.
func (p *Plugin) CustomTrigger(ctx context.Context, reportID string) string {
	return p.start(ctx, TriggerCustom, reportID)
}

// ManualTrigger opens a session on the host's request.
func (p *Plugin) ManualTrigger(ctx context.Context) string {
	return p.start(ctx, TriggerManual, "")
}

// SessionForError returns the session opened for errorID.
func (p *Plugin) SessionForError(errorID string) (string, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	id, ok := p.errorSessions[errorID]
	return id, ok
}

// start opens a session, or joins the one already recording.
func (p *Plugin) start(ctx context.Context, trigger Trigger, errorID string) string {
	host := p.Host()
	if host == nil {
		return ""
	}

	p.mutex.Lock()
	if _, recording := p.sessions[p.current]; recording {
		id := p.current
		p.mutex.Unlock()
		return id
	}
	complete := p.buffer.complete()
	ready := p.snapshotReady
	p.mutex.Unlock()

	if !complete && p.options.RequestSnapshot != nil {
		p.SafeExecute(p.options.RequestSnapshot)
		select {
		case <-ready:
		case <-host.Clock().After(p.options.SnapshotTimeout):
			p.Logger().Warn("replay snapshot did not arrive", "timeout", p.options.SnapshotTimeout)
		case <-ctx.Done():
		}
	}

	id := record.NewID()
	p.mutex.Lock()
	if _, recording := p.sessions[p.current]; recording {
		id = p.current
		p.mutex.Unlock()
		return id
	}
	events := p.buffer.sequence()
	entry := &session{report: SessionReport{
		ID:         id,
		Trigger:    trigger,
		ErrorID:    errorID,
		Events:     events,
		StartTime:  clock.Millis(host.Clock()),
		IsComplete: events != nil,
	}}
	p.sessions[id] = entry
	p.current = id
	p.mutex.Unlock()

	timer := host.Clock().AfterFunc(p.options.AfterTime, func() { p.end(id, ReasonTimeLimit) })
	p.mutex.Lock()
	entry.timer = timer
	p.mutex.Unlock()

	p.Logger().Debug("replay session started", "session", id, "trigger", trigger, "events", len(events))
	return id
}

// ForceEndSession ends and reports a recording session. It returns
// false for unknown ids.
func (p *Plugin) ForceEndSession(id string) bool {
	return p.end(id, ReasonForced)
}

func (p *Plugin) endAll(reason string) {
	p.mutex.Lock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	p.mutex.Unlock()
	for _, id := range ids {
		p.end(id, reason)
	}
}

func (p *Plugin) end(id, reason string) bool {
	host := p.Host()

	p.mutex.Lock()
	entry, ok := p.sessions[id]
	if !ok {
		p.mutex.Unlock()
		return false
	}
	delete(p.sessions, id)
	if p.current == id {
		p.current = ""
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	report := entry.report
	report.Reason = reason
	if host != nil {
		report.EndTime = clock.Millis(host.Clock())
	}
	if !completeEvents(report.Events) && !p.options.KeepIncomplete {
		report.Events = p.patchLocked(report.Events)
	}
	report.IsComplete = completeEvents(report.Events)
	report.EventsCount = len(report.Events)
	p.mutex.Unlock()

	if !report.IsComplete {
		p.Logger().Warn("replay session incomplete", "session", id, "events", report.EventsCount)
	}
	p.SafeExecute(func() {
		if err := p.Report(context.Background(), record.Partial{Type: record.TypeRecord, Payload: report}); err != nil {
			p.Logger().Warn("replay report failed", "session", id, "error", err)
		}
	})
	return true
}

// patchLocked adds the buffered meta event and full snapshot to events
// when they are missing there.
func (p *Plugin) patchLocked(events []Event) []Event {
	if !p.buffer.complete() {
		return events
	}
	var meta, snapshot bool
	for _, event := range events {
		meta = meta || event.Type == EventMeta
		snapshot = snapshot || event.Type == EventFullSnapshot
	}
	patched := make([]Event, 0, len(events)+2)
	if !meta {
		patched = append(patched, *p.buffer.meta)
	}
	if !snapshot {
		patched = append(patched, *p.buffer.snapshot)
	}
	patched = append(patched, events...)
	sortByTimestamp(patched)
	return patched
}

// Status reports the recorder state.
func (p *Plugin) Status() Status {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return Status{
		CurrentSession: p.current,
		ActiveSessions: len(p.sessions),
		BufferComplete: p.buffer.complete(),
		BufferedEvents: p.buffer.size(),
	}
}
