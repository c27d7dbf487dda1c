// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package record defines the canonical unit of webeye telemetry.
//
// A [Record] is created once, by the monitor normalizing a plugin's
// [Partial] report, and then travels unchanged through the pipeline:
// durable store, batch, wire payload. The only fields that change
// after creation are the delivery bookkeeping fields (Status,
// RetryCount, UpdatedAt), and only the delivery engine changes them,
// always through a [Patch].
//
// The ID is a random UUID assigned at creation. It is the store's
// primary key and the collector's deduplication key, so it never
// changes: a retried record is written back under the same ID and
// replaces the stored copy.
package record
