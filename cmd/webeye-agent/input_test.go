// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/record"
)

type fakeReporter struct {
	partials []record.Partial
	// failAfter makes every report past this many fail with err.
	failAfter int
	err       error
}

func (f *fakeReporter) Report(_ context.Context, partial record.Partial) error {
	if f.err != nil && len(f.partials) >= f.failAfter {
		return f.err
	}
	if !partial.Type.Valid() {
		return fmt.Errorf("invalid record type %q", partial.Type)
	}
	f.partials = append(f.partials, partial)
	return nil
}

func TestForward(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"custom","data":{"event":"signup"}}`,
		``,
		`not json`,
		`{"type":"bogus"}`,
		`  {"type":"error","data":{"message":"boom"},"extends":{"tenant":"a"}}  `,
	}, "\n")

	target := &fakeReporter{}
	if err := forward(context.Background(), strings.NewReader(input), target, slog.New(slog.DiscardHandler)); err != nil {
		t.Fatal(err)
	}
	if len(target.partials) != 2 {
		t.Fatalf("forwarded %d records, want 2", len(target.partials))
	}
	if target.partials[0].Type != record.TypeCustom || target.partials[1].Type != record.TypeError {
		t.Errorf("types = %q, %q", target.partials[0].Type, target.partials[1].Type)
	}
	if target.partials[1].Extends["tenant"] != "a" {
		t.Errorf("extends = %v", target.partials[1].Extends)
	}
	data, ok := target.partials[0].Payload.(map[string]any)
	if !ok || data["event"] != "signup" {
		t.Errorf("payload = %#v", target.partials[0].Payload)
	}
}

func TestForwardStopsWhenMonitorUninstalled(t *testing.T) {
	input := `{"type":"custom"}` + "\n" + `{"type":"custom"}` + "\n" + `{"type":"custom"}`
	target := &fakeReporter{failAfter: 1, err: monitor.ErrNotInstalled}
	if err := forward(context.Background(), strings.NewReader(input), target, slog.New(slog.DiscardHandler)); err != nil {
		t.Fatal(err)
	}
	if len(target.partials) != 1 {
		t.Errorf("forwarded %d records, want 1", len(target.partials))
	}
}

func TestForwardLineTooLong(t *testing.T) {
	input := `{"type":"custom","data":"` + strings.Repeat("x", maxLineBytes) + `"}`
	err := forward(context.Background(), strings.NewReader(input), &fakeReporter{}, slog.New(slog.DiscardHandler))
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("err = %v", err)
	}
	if errors.Is(err, monitor.ErrNotInstalled) {
		t.Error("wrong error")
	}
}
