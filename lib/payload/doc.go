// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package payload turns a batch of records into wire bytes.
//
// [Serialize] produces deterministic JSON from arbitrary values and
// never fails: anything encoding/json would reject (cycles, funcs,
// channels, NaN) is replaced by a string placeholder so a single bad
// payload cannot block a whole batch.
//
// [Compress] applies the configured [Encoding] when the body is larger
// than the threshold and only keeps the result when it is strictly
// smaller. [Digest] fingerprints the uncompressed body so the
// collector can recognize a retried batch it has already accepted.
package payload
