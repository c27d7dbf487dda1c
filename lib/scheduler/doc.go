// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler decides when the delivery engine flushes.
//
// Four triggers feed it. The interval ticker drains the queue every
// FlushInterval when records are waiting and no drain is running. The
// threshold trigger ([Scheduler.Notify]) flushes one batch as soon as
// the queue reaches the batch size. [Scheduler.Hidden] drains
// immediately when the host goes to the background. [Scheduler.Unload]
// is synchronous: it hands everything pending to the exit path and
// returns only after the attempt.
//
// Triggers coalesce. Notify and Hidden never block; a trigger raised
// while another is waiting is merged into it, and every flush of an
// empty queue is a no-op, so racing triggers are harmless.
package scheduler
