// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"encoding/json"
	"testing"
)

func TestNewFillsSystemFields(t *testing.T) {
	extends := map[string]any{"tenant": "acme"}
	envelope := Envelope{
		AppKey:     "app-1",
		SessionID:  "session-1",
		Timestamp:  1_700_000_000_000,
		DeviceInfo: DeviceInfo{OS: "linux"},
		Extends:    extends,
	}

	r := New(Partial{Type: TypeError, Payload: map[string]any{"message": "boom"}}, envelope)

	if r.ID == "" {
		t.Fatal("ID not generated")
	}
	if r.SessionID != "session-1" || r.AppKey != "app-1" || r.Timestamp != envelope.Timestamp {
		t.Fatalf("system fields not copied: %+v", r)
	}
	if r.VisitorID != "session-1" {
		t.Fatalf("VisitorID = %q, want session id fallback", r.VisitorID)
	}
	if r.Status != StatusPending || r.RetryCount != 0 {
		t.Fatalf("bookkeeping = (%s, %d), want (pending, 0)", r.Status, r.RetryCount)
	}

	extends["tenant"] = "changed"
	if r.Extends["tenant"] != "acme" {
		t.Fatal("record extends aliased the monitor's map")
	}
}

func TestNewPartialOverrides(t *testing.T) {
	r := New(Partial{
		Type:      TypeCustom,
		SessionID: "explicit",
		Timestamp: 42,
		Extends:   map[string]any{"tenant": "override", "extra": 1},
	}, Envelope{SessionID: "default", Timestamp: 7, Extends: map[string]any{"tenant": "acme"}})

	if r.SessionID != "explicit" || r.Timestamp != 42 {
		t.Fatalf("partial fields did not override: session=%q timestamp=%d", r.SessionID, r.Timestamp)
	}
	if r.Extends["tenant"] != "override" || r.Extends["extra"] != 1 {
		t.Fatalf("extends merge = %v", r.Extends)
	}
}

func TestNewIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestParseType(t *testing.T) {
	for _, name := range []string{"performance", "request", "error", "route", "behavior", "record",
		"white_screen", "resource", "code", "custom", "console"} {
		if _, err := ParseType(name); err != nil {
			t.Errorf("ParseType(%q): %v", name, err)
		}
	}
	if _, err := ParseType("error_with_behavior"); err == nil {
		t.Error("ParseType accepted an unknown type")
	}
}

func TestPatchApply(t *testing.T) {
	r := Record{Status: StatusPending, RetryCount: 1, UpdatedAt: 10}
	status := StatusSending
	retries := 2
	Patch{Status: &status, RetryCount: &retries}.Apply(&r)

	if r.Status != StatusSending || r.RetryCount != 2 || r.UpdatedAt != 10 {
		t.Fatalf("after patch: %+v", r)
	}
}

func TestBookkeepingNotSerialized(t *testing.T) {
	data, err := json.Marshal(Record{ID: "x", Type: TypeCode, Status: StatusSending, RetryCount: 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"Status", "RetryCount", "CreatedAt", "UpdatedAt"} {
		if _, ok := fields[key]; ok {
			t.Errorf("wire form contains bookkeeping field %s", key)
		}
	}
}

func TestPortableReplacesUnencodableValues(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic
	original := Record{
		ID:      "r-1",
		Type:    TypeCustom,
		Payload: map[string]any{"loop": cyclic, "callback": func() {}, "counts": map[int]int{3: 4}},
		Extends: map[string]any{"done": make(chan struct{})},
	}

	r := original.Portable()

	payload, ok := r.Payload.(map[string]any)
	if !ok {
		t.Fatalf("Payload = %#v, want a map", r.Payload)
	}
	loop, _ := payload["loop"].(map[string]any)
	if loop["self"] != "[Circular]" {
		t.Errorf("loop = %#v", payload["loop"])
	}
	if payload["callback"] != "[Function]" {
		t.Errorf("callback = %#v", payload["callback"])
	}
	counts, _ := payload["counts"].(map[string]any)
	if counts["3"] != 4 {
		t.Errorf("counts = %#v, want string keys", payload["counts"])
	}
	if r.Extends["done"] != "[Channel]" {
		t.Errorf("Extends = %#v", r.Extends)
	}
	if _, err := json.Marshal(r); err != nil {
		t.Fatalf("portable record does not encode: %v", err)
	}
	// The receiver is left alone.
	if _, ok := original.Payload.(map[string]any)["callback"].(func()); !ok {
		t.Error("Portable modified the original payload")
	}
}
