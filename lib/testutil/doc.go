// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by webeye tests.
//
// [RequireReceive], [RequireSend] and [RequireClosed] bound a channel
// wait with a real timer so a broken test fails instead of hanging.
// They are the only wall-clock waits in the suite; everything else
// runs on [clock.FakeClock].
//
// [Records] builds distinguishable records for store, pipeline and
// transport tests.
package testutil
