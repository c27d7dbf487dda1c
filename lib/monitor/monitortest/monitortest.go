// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitortest provides a recording pipeline and a ready-made
// monitor for plugin tests.
package monitortest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/config"
	"github.com/bureau-foundation/webeye/lib/monitor"
	"github.com/bureau-foundation/webeye/lib/record"
	"github.com/bureau-foundation/webeye/lib/testutil"
)

// Epoch is the fake clock's starting time.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Pipeline records everything a monitor sends it. Every enqueued
// record is also delivered on Enqueued, which is buffered generously
// enough that tests never need to drain it.
type Pipeline struct {
	enqueued chan record.Record

	mutex   sync.Mutex
	records []record.Record
	flushes int
	hidden  int
	unloads int
}

// NewPipeline returns an empty recording pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{enqueued: make(chan record.Record, 1024)}
}

func (p *Pipeline) Enqueue(_ context.Context, r record.Record) error {
	p.mutex.Lock()
	p.records = append(p.records, r)
	p.mutex.Unlock()
	select {
	case p.enqueued <- r:
	default:
	}
	return nil
}

func (p *Pipeline) Flush(context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.flushes++
	return nil
}

func (p *Pipeline) Hidden() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.hidden++
}

func (p *Pipeline) Unload(context.Context) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.unloads++
	return true
}

func (p *Pipeline) Close(context.Context) error { return nil }

// Enqueued delivers each record as it is enqueued.
func (p *Pipeline) Enqueued() <-chan record.Record { return p.enqueued }

// Records returns a copy of everything enqueued so far.
func (p *Pipeline) Records() []record.Record {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]record.Record(nil), p.records...)
}

// OfType returns the enqueued records of type t.
func (p *Pipeline) OfType(t record.Type) []record.Record {
	var matched []record.Record
	for _, r := range p.Records() {
		if r.Type == t {
			matched = append(matched, r)
		}
	}
	return matched
}

// Flushes returns how many times Flush was called.
func (p *Pipeline) Flushes() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.flushes
}

// Next waits for the next enqueued record.
func (p *Pipeline) Next(t testing.TB) record.Record {
	t.Helper()
	return testutil.RequireReceive(t, p.enqueued, 5*time.Second, "waiting for an enqueued record")
}

// Monitor bundles a monitor with its recording pipeline and fake
// clock.
type Monitor struct {
	*monitor.Monitor
	Pipeline *Pipeline
	Clock    *clock.FakeClock
}

// New returns an uninstalled monitor backed by a recording pipeline,
// a fake clock and a temporary store directory. modify, if non-nil,
// adjusts the configuration before the monitor is built. The monitor
// is closed when the test ends.
func New(t testing.TB, modify func(*config.Config)) *Monitor {
	t.Helper()

	cfg := config.Default()
	cfg.ReportURL = "http://collector.test"
	cfg.Store.Dir = t.TempDir()
	if modify != nil {
		modify(cfg)
	}

	pipeline := NewPipeline()
	fake := clock.Fake(Epoch)
	m, err := monitor.New(monitor.Options{
		Config:   cfg,
		Pipeline: pipeline,
		Device:   &record.DeviceInfo{UserAgent: "monitortest"},
		Clock:    fake,
	})
	if err != nil {
		t.Fatalf("monitor.New: %v", err)
	}
	t.Cleanup(func() { m.Close(context.Background()) })
	return &Monitor{Monitor: m, Pipeline: pipeline, Clock: fake}
}
