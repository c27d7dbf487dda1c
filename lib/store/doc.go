// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the durable local queue of telemetry records.
//
// Records live in a single SQLite table keyed by record ID, with an
// autoincrement sequence column that fixes FIFO order. An upsert on
// an existing ID replaces the row's contents but keeps its sequence,
// so a batch returned after a failed send goes back to the front of
// the queue rather than the back.
//
// Opening is asynchronous. [Open] returns immediately and the database
// is opened in the background, retrying with exponential spacing.
// Records added before the database is ready are held in memory and
// written in order once it opens. If every attempt fails the held
// records are dropped, the failure is logged, and every later call
// returns [ErrUnavailable]. The host application keeps running either
// way: telemetry loss never becomes a host failure.
//
// The table is bounded by MaxRecords. An Add that would exceed the
// bound evicts the oldest rows in the same transaction.
package store
