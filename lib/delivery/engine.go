// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/payload"
	"github.com/bureau-foundation/webeye/lib/record"
	"github.com/bureau-foundation/webeye/lib/store"
	"github.com/bureau-foundation/webeye/lib/transport"
)

// Defaults for Config fields left zero.
const (
	DefaultBatchSize     = 10
	DefaultMaxRetry      = 3
	DefaultRetryDelay    = time.Second
	DefaultMaxBatchBytes = 128 * 1024
)

// Store is the subset of *store.Store the engine uses.
type Store interface {
	Add(ctx context.Context, r record.Record) error
	GetAll(ctx context.Context, filter store.Filter) ([]record.Record, error)
	Put(ctx context.Context, id string, patch record.Patch) error
	SetStatus(ctx context.Context, status record.Status, ids ...string) error
	Delete(ctx context.Context, ids ...string) error
	CountStatus(ctx context.Context, status record.Status) (int, error)
}

// Sender is the subset of *transport.Selector the engine uses.
type Sender interface {
	Send(ctx context.Context, batch []record.Record) (transport.Method, error)
	SendUnload(batch []record.Record) bool
}

// Config configures an Engine.
type Config struct {
	// BatchSize is the number of records read per drain step and the
	// queue length that signals an immediate flush. Defaults to 10.
	BatchSize int

	// MaxRetry bounds failed attempts per flush and the persisted
	// retry count. Defaults to 3.
	MaxRetry int

	// RetryDelay is the base of the linear backoff. Defaults to 1s.
	RetryDelay time.Duration

	// MaxBatchBytes bounds a batch's serialized size before
	// compression. Defaults to 128 KiB.
	MaxBatchBytes int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stats are cumulative delivery counters.
type Stats struct {
	// Delivered counts records handed to a transport successfully.
	Delivered uint64
	// Failed counts failed send attempts.
	Failed uint64
	// Dropped counts records deleted after exceeding MaxRetry.
	Dropped uint64
	// Retries counts backoff waits.
	Retries uint64
}

// Engine moves records from the store to the collector.
type Engine struct {
	store  Store
	sender Sender
	config Config
	clock  clock.Clock
	logger *slog.Logger

	flushing atomic.Bool

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	retries   atomic.Uint64
}

// New returns an Engine draining records to sender.
func New(records Store, sender Sender, config Config) *Engine {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxRetry <= 0 {
		config.MaxRetry = DefaultMaxRetry
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.MaxBatchBytes <= 0 {
		config.MaxBatchBytes = DefaultMaxBatchBytes
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store:  records,
		sender: sender,
		config: config,
		clock:  config.Clock,
		logger: logger.With("component", "delivery"),
	}
}

// BatchSize returns the configured batch size.
func (e *Engine) BatchSize() int {
	return e.config.BatchSize
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Delivered: e.delivered.Load(),
		Failed:    e.failed.Load(),
		Dropped:   e.dropped.Load(),
		Retries:   e.retries.Load(),
	}
}

// Flushing reports whether a drain is in progress.
func (e *Engine) Flushing() bool {
	return e.flushing.Load()
}

// Enqueue stores r as a new pending record and reports whether the
// pending queue has reached BatchSize. Records already in a batch
// being sent do not count.
func (e *Engine) Enqueue(ctx context.Context, r record.Record) (bool, error) {
	r.Status = record.StatusPending
	r.RetryCount = 0
	if err := e.store.Add(ctx, r); err != nil {
		return false, fmt.Errorf("delivery: enqueue %s: %w", r.ID, err)
	}
	count, err := e.store.CountStatus(ctx, record.StatusPending)
	if err != nil {
		return false, fmt.Errorf("delivery: enqueue: %w", err)
	}
	return count >= e.config.BatchSize, nil
}

// Pending returns the number of records waiting to be sent.
func (e *Engine) Pending(ctx context.Context) (int, error) {
	return e.store.CountStatus(ctx, record.StatusPending)
}

// Flush drains pending records until the queue is empty, a batch
// exhausts its attempts, or ctx ends. A call while another drain is
// running returns nil immediately.
func (e *Engine) Flush(ctx context.Context) error {
	if !e.flushing.CompareAndSwap(false, true) {
		e.logger.Debug("flush already in progress")
		return nil
	}
	defer e.flushing.Store(false)

	for {
		more, err := e.step(ctx)
		if err != nil || !more {
			return err
		}
	}
}

// FlushStep drains a single read of up to BatchSize pending records
// and reports whether a further step may find more. While another
// drain is running it does nothing and reports more, since that drain
// may stop before the queue is empty.
func (e *Engine) FlushStep(ctx context.Context) (bool, error) {
	if !e.flushing.CompareAndSwap(false, true) {
		e.logger.Debug("flush already in progress")
		return true, nil
	}
	defer e.flushing.Store(false)
	return e.step(ctx)
}

func (e *Engine) step(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	records, err := e.store.GetAll(ctx, store.Filter{
		Status: record.StatusPending,
		Limit:  e.config.BatchSize,
	})
	if err != nil {
		return false, fmt.Errorf("delivery: reading pending records: %w", err)
	}
	if len(records) == 0 {
		return false, nil
	}

	live := e.dropExhausted(ctx, records)
	if len(live) == 0 {
		return true, nil
	}

	if err := e.store.SetStatus(ctx, record.StatusSending, record.IDs(live)...); err != nil {
		return false, fmt.Errorf("delivery: marking records sending: %w", err)
	}

	batches := SplitBySize(live, e.config.MaxBatchBytes)
	for index, batch := range batches {
		if e.deliver(ctx, batch) {
			continue
		}
		var rest []string
		for _, remaining := range batches[index+1:] {
			rest = append(rest, record.IDs(remaining)...)
		}
		e.requeue(rest)
		return false, nil
	}
	return true, nil
}

// dropExhausted deletes records whose persisted retry count exceeds
// MaxRetry and returns the others.
func (e *Engine) dropExhausted(ctx context.Context, records []record.Record) []record.Record {
	var live []record.Record
	var dead []string
	for _, r := range records {
		if r.RetryCount > e.config.MaxRetry {
			dead = append(dead, r.ID)
			continue
		}
		live = append(live, r)
	}
	if len(dead) == 0 {
		return live
	}
	if err := e.store.Delete(ctx, dead...); err != nil {
		e.logger.Error("deleting undeliverable records", "count", len(dead), "error", err)
	}
	e.dropped.Add(uint64(len(dead)))
	e.logger.Warn("dropping records past max retry",
		"count", len(dead), "max_retry", e.config.MaxRetry)
	return live
}

// deliver sends one batch with in-flush retries. It returns false
// when the batch was returned to pending and the drain should stop.
// Every record of batch is in the sending state on entry and leaves
// it either deleted or pending.
func (e *Engine) deliver(ctx context.Context, batch []record.Record) bool {
	for attempt := 1; ; attempt++ {
		method, err := e.sender.Send(ctx, batch)
		if err == nil {
			e.complete(batch, method)
			return true
		}

		if errors.Is(err, transport.ErrNeedsSplit) && len(batch) > 1 {
			half := len(batch) / 2
			e.logger.Debug("splitting batch", "records", len(batch))
			if !e.deliver(ctx, batch[:half]) {
				e.requeue(record.IDs(batch[half:]))
				return false
			}
			return e.deliver(ctx, batch[half:])
		}

		e.failed.Add(1)
		batch = e.recordFailure(batch)
		if len(batch) == 0 {
			return true
		}

		if attempt >= e.config.MaxRetry {
			e.logger.Warn("batch failed, returning to queue",
				"records", len(batch), "attempts", attempt, "error", err)
			e.requeue(record.IDs(batch))
			return false
		}

		delay := e.config.RetryDelay * time.Duration(attempt)
		e.retries.Add(1)
		e.logger.Info("batch send failed, retrying",
			"records", len(batch), "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			e.requeue(record.IDs(batch))
			return false
		case <-e.clock.After(delay):
		}
	}
}

// complete deletes a delivered batch.
func (e *Engine) complete(batch []record.Record, method transport.Method) {
	e.delivered.Add(uint64(len(batch)))
	// Not the caller's context: a handed-off batch must be deleted
	// even when the caller has been cancelled.
	if err := e.store.Delete(context.Background(), record.IDs(batch)...); err != nil {
		e.logger.Error("deleting delivered records", "count", len(batch), "error", err)
	}
	e.logger.Debug("batch delivered", "records", len(batch), "method", method.String())
}

// recordFailure increments the persisted retry count of every record
// in batch, deletes those now past MaxRetry, and returns the rest.
func (e *Engine) recordFailure(batch []record.Record) []record.Record {
	ctx := context.Background()
	now := clock.Millis(e.clock)

	live := make([]record.Record, 0, len(batch))
	var dead []string
	for _, r := range batch {
		r.RetryCount++
		count := r.RetryCount
		if err := e.store.Put(ctx, r.ID, record.Patch{RetryCount: &count, UpdatedAt: &now}); err != nil {
			e.logger.Error("updating retry count", "id", r.ID, "error", err)
		}
		if r.RetryCount > e.config.MaxRetry {
			dead = append(dead, r.ID)
			continue
		}
		live = append(live, r)
	}
	if len(dead) > 0 {
		if err := e.store.Delete(ctx, dead...); err != nil {
			e.logger.Error("deleting undeliverable records", "count", len(dead), "error", err)
		}
		e.dropped.Add(uint64(len(dead)))
		e.logger.Warn("dropping records past max retry",
			"count", len(dead), "max_retry", e.config.MaxRetry)
	}
	return live
}

// requeue returns records to pending. Their sequence is unchanged, so
// they stay at the front of the queue.
func (e *Engine) requeue(ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := e.store.SetStatus(context.Background(), record.StatusPending, ids...); err != nil {
		e.logger.Error("returning records to queue", "count", len(ids), "error", err)
	}
}

// SendNow hands every pending record to the unload path, batch by
// batch, and deletes what was handed off. It ignores the single-flight
// guard and does not retry. It reports whether everything pending was
// handed off.
func (e *Engine) SendNow(ctx context.Context) bool {
	records, err := e.store.GetAll(ctx, store.Filter{Status: record.StatusPending})
	if err != nil {
		e.logger.Error("reading pending records for unload", "error", err)
		return false
	}
	if len(records) == 0 {
		return true
	}

	for _, batch := range SplitBySize(records, e.config.MaxBatchBytes) {
		if !e.sender.SendUnload(batch) {
			e.logger.Warn("unload send failed", "records", len(batch))
			return false
		}
		e.complete(batch, transport.MethodNone)
	}
	return true
}

// SplitBySize cuts records into consecutive batches whose serialized
// size stays within maxBytes. A record larger than maxBytes on its own
// forms a single-record batch.
func SplitBySize(records []record.Record, maxBytes int) [][]record.Record {
	var batches [][]record.Record
	var current []record.Record
	size := 2 // brackets
	for _, r := range records {
		recordSize := len(payload.Serialize(r)) + 1
		if len(current) > 0 && size+recordSize > maxBytes {
			batches = append(batches, current)
			current = nil
			size = 2
		}
		current = append(current, r)
		size += recordSize
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
