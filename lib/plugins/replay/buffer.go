// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import "slices"

// buffer keeps what a new session needs to be replayable on its own:
// the latest meta event, the latest full snapshot and the incremental
// events since that snapshot, bounded to limit.
type buffer struct {
	limit       int
	meta        *Event
	snapshot    *Event
	incremental []Event
}

func (b *buffer) add(event Event) {
	switch event.Type {
	case EventMeta:
		b.meta = &event
	case EventFullSnapshot:
		b.snapshot = &event
		b.incremental = b.incremental[:0]
	default:
		b.incremental = append(b.incremental, event)
		if len(b.incremental) > b.limit {
			b.incremental = slices.Delete(b.incremental, 0, len(b.incremental)-b.limit)
		}
	}
}

func (b *buffer) complete() bool {
	return b.meta != nil && b.snapshot != nil
}

// sequence returns the buffered events ordered by timestamp, or nil
// when the buffer has no meta event or no full snapshot.
func (b *buffer) sequence() []Event {
	if !b.complete() {
		return nil
	}
	events := make([]Event, 0, len(b.incremental)+2)
	events = append(events, *b.meta, *b.snapshot)
	events = append(events, b.incremental...)
	sortByTimestamp(events)
	return events
}

func (b *buffer) size() int {
	n := len(b.incremental)
	if b.meta != nil {
		n++
	}
	if b.snapshot != nil {
		n++
	}
	return n
}

func sortByTimestamp(events []Event) {
	slices.SortStableFunc(events, func(a, b Event) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
}

// completeEvents reports whether events hold a meta event and a full
// snapshot.
func completeEvents(events []Event) bool {
	var meta, snapshot bool
	for _, event := range events {
		switch event.Type {
		case EventMeta:
			meta = true
		case EventFullSnapshot:
			snapshot = true
		}
		if meta && snapshot {
			return true
		}
	}
	return false
}
