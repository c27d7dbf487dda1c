// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/webeye/lib/monitor/monitortest"
	"github.com/bureau-foundation/webeye/lib/plugins/errorcapture"
	"github.com/bureau-foundation/webeye/lib/record"
)

func install(t *testing.T, options Options) (*Plugin, *monitortest.Monitor) {
	t.Helper()
	m := monitortest.New(t, nil)
	plugin := New(options)
	m.Use(plugin).Install()
	return plugin, m
}

func seed(plugin *Plugin) {
	plugin.Record(Event{Type: EventMeta, Timestamp: 1})
	plugin.Record(Event{Type: EventIncrementalSnapshot, Timestamp: 2, Data: "stale"})
	plugin.Record(Event{Type: EventFullSnapshot, Timestamp: 3})
	plugin.Record(Event{Type: EventIncrementalSnapshot, Timestamp: 4, Data: "kept"})
}

func sessionReport(t *testing.T, m *monitortest.Monitor) SessionReport {
	t.Helper()
	r := m.Pipeline.Next(t)
	if r.Type != record.TypeRecord {
		t.Fatalf("type = %q, want record", r.Type)
	}
	return r.Payload.(SessionReport)
}

func TestSessionSeededFromBufferAndTimeLimited(t *testing.T) {
	plugin, m := install(t, Options{AfterTime: 5 * time.Second})
	seed(plugin)

	id := plugin.ManualTrigger(context.Background())
	if id == "" {
		t.Fatal("ManualTrigger returned no session")
	}
	plugin.Record(Event{Type: EventIncrementalSnapshot, Timestamp: 10, Data: "live"})

	if status := plugin.Status(); status.CurrentSession != id || status.ActiveSessions != 1 {
		t.Errorf("status = %+v", status)
	}

	m.Clock.Advance(5 * time.Second)

	report := sessionReport(t, m)
	if report.ID != id || report.Trigger != TriggerManual || report.Reason != ReasonTimeLimit {
		t.Errorf("report = %+v", report)
	}
	if !report.IsComplete {
		t.Error("session seeded from a complete buffer is incomplete")
	}
	var data []any
	for _, event := range report.Events {
		data = append(data, event.Data)
	}
	// The incremental event before the full snapshot is not replayable.
	want := []any{nil, nil, "kept", "live"}
	if len(data) != len(want) {
		t.Fatalf("event data = %v, want %v", data, want)
	}
	for i := range want {
		if data[i] != want[i] {
			t.Errorf("event %d data = %v, want %v", i, data[i], want[i])
		}
	}
	if report.EventsCount != 4 {
		t.Errorf("EventsCount = %d", report.EventsCount)
	}
	if plugin.Status().ActiveSessions != 0 {
		t.Error("session still active after its time limit")
	}
}

func TestCapturedErrorOpensSession(t *testing.T) {
	m := monitortest.New(t, nil)
	capture := errorcapture.New(errorcapture.Options{Immediate: true})
	plugin := New(Options{})
	m.Use(capture).Use(plugin).Install()
	seed(plugin)

	errorID := capture.Capture(context.Background(), errors.New("boom"), nil)

	sessionID, ok := plugin.SessionForError(errorID)
	if !ok {
		t.Fatal("no session for the captured error")
	}
	if plugin.Status().CurrentSession != sessionID {
		t.Errorf("current session = %q, want %q", plugin.Status().CurrentSession, sessionID)
	}

	if !plugin.ForceEndSession(sessionID) {
		t.Fatal("ForceEndSession returned false")
	}
	records := m.Pipeline.OfType(record.TypeRecord)
	if len(records) != 1 {
		t.Fatalf("%d replay records, want 1", len(records))
	}
	report := records[0].Payload.(SessionReport)
	if report.Trigger != TriggerError || report.ErrorID != errorID || report.Reason != ReasonForced {
		t.Errorf("report = %+v", report)
	}
}

func TestTriggerJoinsRecordingSession(t *testing.T) {
	plugin, _ := install(t, Options{})
	seed(plugin)

	first := plugin.ManualTrigger(context.Background())
	second := plugin.CustomTrigger(context.Background(), "report-1")
	if first != second {
		t.Errorf("second trigger opened %q, want to join %q", second, first)
	}
}

func TestMaxEventsEndsSession(t *testing.T) {
	plugin, m := install(t, Options{MaxEvents: 5})
	seed(plugin)
	plugin.ManualTrigger(context.Background())

	// Seeded with three events, two more fill it, the next ends it.
	plugin.Record(Event{Type: EventIncrementalSnapshot, Timestamp: 20})
	plugin.Record(Event{Type: EventIncrementalSnapshot, Timestamp: 21})
	plugin.Record(Event{Type: EventIncrementalSnapshot, Timestamp: 22})

	report := sessionReport(t, m)
	if report.Reason != ReasonMaxEvents || report.EventsCount != 5 {
		t.Errorf("report reason %q with %d events", report.Reason, report.EventsCount)
	}
	if status := plugin.Status(); status.ActiveSessions != 0 || status.BufferedEvents != 4 {
		t.Errorf("status = %+v", status)
	}
}

func TestIncompleteSession(t *testing.T) {
	plugin, m := install(t, Options{})

	// Nothing buffered yet, so there is nothing to patch from.
	id := plugin.ManualTrigger(context.Background())
	plugin.Record(Event{Type: EventIncrementalSnapshot, Timestamp: 5})
	plugin.ForceEndSession(id)

	report := sessionReport(t, m)
	if report.IsComplete {
		t.Error("session without meta or snapshot reported complete")
	}

	seed(plugin)
	id = plugin.ManualTrigger(context.Background())
	plugin.ForceEndSession(id)
	if report := sessionReport(t, m); !report.IsComplete {
		t.Error("session seeded after the buffer filled is incomplete")
	}
}

func TestRequestSnapshotWhenIncomplete(t *testing.T) {
	var plugin *Plugin
	requested := 0
	plugin, m := install(t, Options{RequestSnapshot: func() {
		requested++
		plugin.Record(Event{Type: EventMeta, Timestamp: 1})
		plugin.Record(Event{Type: EventFullSnapshot, Timestamp: 2})
	}})

	id := plugin.ManualTrigger(context.Background())
	if requested != 1 {
		t.Fatalf("snapshot requested %d times, want 1", requested)
	}
	plugin.ForceEndSession(id)
	if report := sessionReport(t, m); !report.IsComplete || report.EventsCount != 2 {
		t.Errorf("report = %+v", report)
	}
}

func TestUnloadEndsSessions(t *testing.T) {
	plugin, m := install(t, Options{})
	seed(plugin)
	plugin.ManualTrigger(context.Background())

	m.Unload(context.Background())

	if report := sessionReport(t, m); report.Reason != ReasonUnload {
		t.Errorf("reason = %q, want %q", report.Reason, ReasonUnload)
	}
}

func TestNotInstalledTriggerIsNoop(t *testing.T) {
	plugin := New(Options{})
	if id := plugin.ManualTrigger(context.Background()); id != "" {
		t.Errorf("uninstalled trigger returned %q", id)
	}
}
