// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor is the plugin lifecycle host and the single entry
// point through which telemetry enters the delivery pipeline.
//
// A [Monitor] owns the session context: configuration, session and
// visitor identifiers, device snapshot, event bus, logger, and clock.
// Capability plugins ([Plugin]) are registered with [Monitor.Use] and
// installed together by [Monitor.Install]. Each plugin receives the
// monitor as a [Host], a lookup-only view valid while the plugin is
// installed, through which it reports records and finds the plugins
// it cooperates with by name.
//
// [Monitor.Report] fills the system fields of a [record.Partial] (id,
// timestamps, session, visitor, app key, device info, extends) and
// hands the record to the [Pipeline], which is either an in-process
// [worker.Local] or a [worker.Client] talking to a child process.
//
// Nothing a plugin does escapes as a panic: install, uninstall, event
// handlers, and [Base.SafeExecute] recover and log. Every exported
// Monitor method is safe for concurrent use.
package monitor
