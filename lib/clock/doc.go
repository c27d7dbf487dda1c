// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by every
// webeye component that waits, ticks, or stamps records.
//
// The delivery pipeline is driven almost entirely by time: the flush
// ticker, the linear retry backoff, the beacon and fetch timeouts, the
// replay session time limit, and the millisecond timestamps stamped on
// every record. Components take a Clock instead of calling the time
// package so that tests can drive all of this deterministically.
//
// Production code passes Real(). Tests pass Fake(start) and move time
// with Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	engine := delivery.New(delivery.Config{Clock: fake, ...})
//	go engine.Flush(ctx)
//	fake.WaitForTimers(1)       // engine is now waiting on its backoff
//	fake.Advance(time.Second)   // release the first retry
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
