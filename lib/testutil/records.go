// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"

	"github.com/bureau-foundation/webeye/lib/record"
)

var recordSequence atomic.Uint64

// Records returns count pending records of type custom. IDs are unique
// across the test binary and each payload carries its index, so tests
// can check order after a round trip through the store or the wire.
//
//	records := testutil.Records(12)
func Records(count int) []record.Record {
	records := make([]record.Record, count)
	for i := range records {
		records[i] = record.Record{
			ID:        fmt.Sprintf("record-%d", recordSequence.Add(1)),
			Type:      record.TypeCustom,
			SessionID: "test-session",
			Timestamp: int64(1_700_000_000_000 + i),
			Payload:   map[string]any{"index": i},
			Status:    record.StatusPending,
		}
	}
	return records
}
