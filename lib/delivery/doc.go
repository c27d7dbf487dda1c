// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package delivery drains the durable store to the collector.
//
// [Engine.Flush] is single-flight: a flush requested while another is
// draining returns immediately. A drain reads pending records in FIFO
// order, BatchSize at a time, marks them sending, cuts them into
// batches no larger than MaxBatchBytes serialized, and sends each
// batch through the transport selector.
//
// A failed send increments the persisted retry count of every record
// in the batch. The count only grows, survives restarts, and is the
// value every retry limit check reads: a record whose count exceeds
// MaxRetry is deleted as undeliverable. Within one flush a batch is
// retried after RetryDelay×attempt (1×, 2×, ...) until MaxRetry
// attempts have failed; it is then returned to pending, keeping its
// place at the front of the queue, and the drain stops until the
// next trigger.
//
// A batch the selector refuses as too large is halved and each half
// delivered separately; that is not a failed attempt.
//
// [Engine.SendNow] is the exit path. It bypasses the single-flight
// guard and hands whatever is pending to the selector's unload path
// without retrying.
package delivery
