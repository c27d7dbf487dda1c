// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package collectormock is an in-memory collector for tests and local
// development. It accepts every transport the agent uses (fetch,
// beacon, image, and the worker suffix), decodes and verifies each
// batch, and keeps everything in memory for assertions.
//
// Failures are scripted with [Collector.FailNext]: the next n requests
// are answered with the given status and not recorded. Batches whose
// digest was already accepted are recorded with Duplicate set, which
// lets tests observe at-least-once redelivery.
//
// Tests wait on [Collector.Received] rather than polling.
package collectormock
