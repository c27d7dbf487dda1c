// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR configuration shared by webeye's
// internal formats.
//
// webeye uses two serialization formats with a clear boundary:
//
//   - JSON for everything the collector sees: request bodies, image
//     query strings, and the NDJSON the agent binary reads on stdin.
//     That path lives in lib/payload.
//   - CBOR for internal formats: the worker protocol frames exchanged
//     between a host and a background delivery process, and the record
//     bodies stored in the durable store.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. The
// same record always produces the same stored bytes.
//
// Types that cross both boundaries (record.Record) carry `json` tags
// only; fxamacker/cbor falls back to them when `cbor` tags are absent.
// Purely internal types (worker frames) use `cbor` tags.
package codec
