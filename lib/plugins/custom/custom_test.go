// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package custom

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/monitor/monitortest"
	"github.com/bureau-foundation/webeye/lib/plugins/errorcapture"
	"github.com/bureau-foundation/webeye/lib/plugins/replay"
	"github.com/bureau-foundation/webeye/lib/record"
)

func report(t *testing.T, m *monitortest.Monitor) Report {
	t.Helper()
	r := m.Pipeline.Next(t)
	if r.Type != record.TypeCustom {
		t.Fatalf("type = %q, want custom", r.Type)
	}
	return r.Payload.(Report)
}

func TestReport(t *testing.T) {
	m := monitortest.New(t, nil)
	plugin := New(Options{})
	m.Use(plugin).Install()

	id, err := plugin.Report(context.Background(), "checkout", Data{
		ID:      "order-17",
		Content: errors.New("card declined"),
		Extra:   map[string]any{"amount": 42},
	}, ReportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if id != "order-17" {
		t.Errorf("id = %q, want the caller's id", id)
	}

	got := report(t, m)
	if got.ID != "order-17" || got.Event != "checkout" || got.Timestamp != monitortest.Epoch.UnixMilli() {
		t.Errorf("report = %+v", got)
	}
	content, ok := got.Content.(map[string]any)
	if !ok || content["__type"] != "Error" || content["message"] != "card declined" {
		t.Errorf("content = %#v", got.Content)
	}
	if got.Extra["amount"] == nil {
		t.Errorf("extra = %#v", got.Extra)
	}
	if got.Behaviors != nil || got.RecordID != "" {
		t.Error("unrequested behavior or recording attached")
	}
}

func TestReportGeneratesID(t *testing.T) {
	m := monitortest.New(t, nil)
	plugin := New(Options{})
	m.Use(plugin).Install()

	id, err := plugin.Report(context.Background(), "signup", Data{Content: "ok"}, ReportOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" || report(t, m).ID != id {
		t.Errorf("generated id %q not reported", id)
	}
}

func TestReportRejects(t *testing.T) {
	plugin := New(Options{})
	if _, err := plugin.Report(context.Background(), "x", Data{}, ReportOptions{}); !errors.Is(err, monitor.ErrNotInstalled) {
		t.Errorf("uninstalled Report error = %v", err)
	}

	m := monitortest.New(t, nil)
	m.Use(plugin).Install()
	if _, err := plugin.Report(context.Background(), "", Data{}, ReportOptions{}); !errors.Is(err, ErrEventRequired) {
		t.Errorf("empty event error = %v", err)
	}
	if got := len(m.Pipeline.Records()); got != 0 {
		t.Errorf("%d records for rejected reports", got)
	}
}

func TestContentTruncated(t *testing.T) {
	m := monitortest.New(t, nil)
	plugin := New(Options{MaxContentLength: 5})
	m.Use(plugin).Install()

	// "é" is two bytes; the cut must not split it.
	if _, err := plugin.Report(context.Background(), "long", Data{Content: "abcdé" + strings.Repeat("z", 10)}, ReportOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := report(t, m).Content; got != "abcd" {
		t.Errorf("content = %q, want %q", got, "abcd")
	}
}

func TestIncludeBehaviorAndRecord(t *testing.T) {
	m := monitortest.New(t, nil)
	capture := errorcapture.New(errorcapture.Options{})
	recorder := replay.New(replay.Options{})
	plugin := New(Options{})
	m.Use(capture).Use(recorder).Use(plugin).Install()

	capture.AddBreadcrumb(errorcapture.Breadcrumb{Type: "click", Target: "#pay"})
	recorder.Record(replay.Event{Type: replay.EventMeta, Timestamp: 1})
	recorder.Record(replay.Event{Type: replay.EventFullSnapshot, Timestamp: 2})

	id, err := plugin.Report(context.Background(), "feedback", Data{Content: "slow"}, ReportOptions{
		IncludeBehavior: true,
		IncludeRecord:   true,
	})
	if err != nil {
		t.Fatal(err)
	}

	got := report(t, m)
	if len(got.Behaviors) != 1 || got.Behaviors[0].Target != "#pay" {
		t.Errorf("behaviors = %+v", got.Behaviors)
	}
	if got.RecordID == "" || recorder.Status().CurrentSession != got.RecordID {
		t.Errorf("record id %q, current session %q", got.RecordID, recorder.Status().CurrentSession)
	}
	if got.ID != id {
		t.Errorf("report id = %q, want %q", got.ID, id)
	}
}

func TestIncludeWithoutCooperatingPlugins(t *testing.T) {
	m := monitortest.New(t, nil)
	plugin := New(Options{})
	m.Use(plugin).Install()

	if _, err := plugin.Report(context.Background(), "alone", Data{}, ReportOptions{IncludeBehavior: true, IncludeRecord: true}); err != nil {
		t.Fatal(err)
	}
	if got := report(t, m); got.Behaviors != nil || got.RecordID != "" {
		t.Errorf("report = %+v", got)
	}
}
