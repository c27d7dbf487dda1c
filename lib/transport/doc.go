// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport delivers serialized batches to the collector.
//
// Three transports share one set of headers and one base URL:
//
//   - [Beacon] queues a POST on a tracked background goroutine and
//     reports only whether it was queued. It is the cheapest path and
//     the one that survives host shutdown best, but it cannot report
//     delivery failures and is limited to small bodies.
//   - [Fetch] POSTs and waits for the response. Bodies up to the
//     keepalive limit are sent on a context detached from the caller,
//     so a cancelled host context does not abort a send in flight;
//     every request is still bounded by a timeout.
//   - [Image] encodes a simplified batch into the query string of a
//     GET. It is the last resort: any completed round trip counts as
//     success, whatever the status.
//
// [Selector] picks among them per batch: beacon when the body and
// record count fit, fetch otherwise or when the beacon is refused, and
// image when fetch fails and the URL fits. A batch whose compressed
// body is more than twice the beacon limit is refused with
// [ErrNeedsSplit] so the caller can halve it.
//
// Every request carries [HeaderInternal] so that the request capture
// plugin can recognize and skip the agent's own traffic.
package transport
