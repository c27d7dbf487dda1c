// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/delivery"
	"github.com/bureau-foundation/webeye/lib/record"
	"github.com/bureau-foundation/webeye/lib/store"
	"github.com/bureau-foundation/webeye/lib/testutil"
	"github.com/bureau-foundation/webeye/lib/transport"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// recordingSender accepts every batch and signals each call.
type recordingSender struct {
	mu      sync.Mutex
	unloads [][]record.Record
	called  chan []record.Record
}

func (r *recordingSender) Send(ctx context.Context, batch []record.Record) (transport.Method, error) {
	r.called <- batch
	return transport.MethodBeacon, nil
}

func (r *recordingSender) SendUnload(batch []record.Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unloads = append(r.unloads, batch)
	return true
}

type harness struct {
	store     *store.Store
	engine    *delivery.Engine
	sender    *recordingSender
	clock     *clock.FakeClock
	scheduler *Scheduler
}

func newHarness(t *testing.T, batchSize int, config Config) *harness {
	t.Helper()
	fake := clock.Fake(epoch)
	records := store.Open(context.Background(), store.Config{Clock: fake})
	t.Cleanup(func() { records.Close() })
	testutil.RequireClosed(t, records.Ready(), 5*time.Second, "store ready")

	sender := &recordingSender{called: make(chan []record.Record, 64)}
	engine := delivery.New(records, sender, delivery.Config{BatchSize: batchSize, Clock: fake})
	config.Clock = fake
	return &harness{
		store:     records,
		engine:    engine,
		sender:    sender,
		clock:     fake,
		scheduler: New(engine, config),
	}
}

// start runs the scheduler until the test ends and returns a function
// that stops it and waits for Run to return.
func (h *harness) start(t *testing.T) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.scheduler.Run(ctx) }()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		testutil.RequireReceive(t, done, 5*time.Second, "scheduler stopped")
	}
	t.Cleanup(stop)
	return stop
}

func (h *harness) enqueue(t *testing.T, records []record.Record) {
	t.Helper()
	for _, r := range records {
		reached, err := h.engine.Enqueue(context.Background(), r)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		h.scheduler.Notify(reached)
	}
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	count, err := h.store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return count
}

func TestThresholdFlushesOneBatch(t *testing.T) {
	h := newHarness(t, 10, Config{})
	stop := h.start(t)

	h.enqueue(t, testutil.Records(12))

	batch := testutil.RequireReceive(t, h.sender.called, 5*time.Second, "threshold flush")
	if len(batch) != 10 {
		t.Fatalf("threshold flush sent %d records, want 10", len(batch))
	}
	stop()

	if got := h.count(t); got != 2 {
		t.Fatalf("records left queued = %d, want 2", got)
	}
	select {
	case extra := <-h.sender.called:
		t.Fatalf("unexpected second send of %d records", len(extra))
	default:
	}
}

func TestIntervalFlush(t *testing.T) {
	h := newHarness(t, 10, Config{AutoReport: true, FlushInterval: 10 * time.Second})
	h.enqueue(t, testutil.Records(3))
	h.start(t)

	h.clock.WaitForTimers(1)
	h.clock.Advance(10 * time.Second)

	batch := testutil.RequireReceive(t, h.sender.called, 5*time.Second, "interval flush")
	if len(batch) != 3 {
		t.Fatalf("interval flush sent %d records, want 3", len(batch))
	}
}

func TestAutoReportDisabledRegistersNoTicker(t *testing.T) {
	h := newHarness(t, 10, Config{AutoReport: false})
	h.enqueue(t, testutil.Records(1))
	h.start(t)

	// Hidden still works without the ticker.
	h.scheduler.Hidden()
	testutil.RequireReceive(t, h.sender.called, 5*time.Second, "hidden flush")
	if pending := h.clock.PendingCount(); pending != 0 {
		t.Fatalf("PendingCount = %d, want no ticker", pending)
	}
}

func TestHiddenDrainsEverything(t *testing.T) {
	h := newHarness(t, 2, Config{})
	for _, r := range testutil.Records(3) {
		if _, err := h.engine.Enqueue(context.Background(), r); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	stop := h.start(t)

	h.scheduler.Hidden()
	first := testutil.RequireReceive(t, h.sender.called, 5*time.Second, "first batch")
	second := testutil.RequireReceive(t, h.sender.called, 5*time.Second, "second batch")
	if len(first)+len(second) != 3 {
		t.Fatalf("hidden flush sent %d+%d records, want 3", len(first), len(second))
	}
	stop()
	if got := h.count(t); got != 0 {
		t.Fatalf("records left = %d, want 0", got)
	}
}

func TestUnloadSendsSynchronously(t *testing.T) {
	h := newHarness(t, 10, Config{})
	h.enqueue(t, testutil.Records(3))

	if !h.scheduler.Unload(context.Background()) {
		t.Fatal("Unload returned false")
	}

	h.sender.mu.Lock()
	unloads := h.sender.unloads
	h.sender.mu.Unlock()
	if len(unloads) != 1 || len(unloads[0]) != 3 {
		t.Fatalf("unload batches = %d, want one batch of 3", len(unloads))
	}
	if got := h.count(t); got != 0 {
		t.Fatalf("records left after unload = %d, want 0", got)
	}
}

func TestRetryPendingSpacesBacklogBatches(t *testing.T) {
	h := newHarness(t, 2, Config{RetryPending: true, StartupSpacing: 100 * time.Millisecond})
	for _, r := range testutil.Records(5) {
		if err := h.store.Add(context.Background(), r); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	stop := h.start(t)

	var sent int
	for _, want := range []int{2, 2, 1} {
		batch := testutil.RequireReceive(t, h.sender.called, 5*time.Second, "backlog batch")
		if len(batch) != want {
			t.Fatalf("backlog batch of %d, want %d", len(batch), want)
		}
		sent += len(batch)
		// The next batch waits for the spacing timer.
		select {
		case early := <-h.sender.called:
			t.Fatalf("batch of %d sent before spacing elapsed", len(early))
		default:
		}
		h.clock.WaitForTimers(1)
		h.clock.Advance(100 * time.Millisecond)
	}
	stop()

	if sent != 5 {
		t.Fatalf("sent %d records, want 5", sent)
	}
	if got := h.count(t); got != 0 {
		t.Fatalf("records left = %d, want 0", got)
	}
}

func TestRetryPendingYieldsToHiddenDrain(t *testing.T) {
	h := newHarness(t, 10, Config{RetryPending: true})
	h.start(t)

	// The backlog step finds nothing; later triggers still drain.
	h.enqueue(t, testutil.Records(1))
	h.scheduler.Hidden()
	batch := testutil.RequireReceive(t, h.sender.called, 5*time.Second, "hidden flush")
	if len(batch) != 1 {
		t.Fatalf("hidden flush sent %d records, want 1", len(batch))
	}
}
