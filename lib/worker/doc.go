// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker runs the delivery pipeline either in-process or in a
// child process.
//
// [Start] assembles the pipeline from a [config.Config]: the durable
// [store.Store], the [transport.Selector], the [delivery.Engine], and
// the [scheduler.Scheduler] that drives it. The result, [Local],
// accepts records, flushes on demand, and reacts to the host lifecycle
// calls (hidden, unload).
//
// The same operations travel over a byte stream as CBOR frames. A
// parent process holds a [Client]; the child runs [Serve] on its
// stdin/stdout. The conversation opens with an init frame carrying the
// configuration and a ready response:
//
//	Client → Serve: Message{Type: "init", Data: config}
//	Serve → Client: Response{Type: "ready"}
//	Client → Serve: Message{Type: "log", ID: 1, Data: record}
//	Serve → Client: Response{Type: "ack", ID: 1}
//	Client → Serve: Message{Type: "flush", ID: 2}
//	Serve → Client: Response{Type: "ack", ID: 2}
//	...
//
// Every frame after init carries an ID, and the response with the
// same ID reports its outcome. A pipeline served this way posts fetch
// batches to the "w" suffix so the collector can tell worker traffic
// apart. [Local] and [Client] have the same method set, so a monitor
// can use either.
package worker
