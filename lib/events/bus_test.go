// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"slices"
	"testing"
)

func TestEmitCallsHandlersInOrder(t *testing.T) {
	bus := New(nil)
	var calls []string
	bus.On("error", func(payload any) { calls = append(calls, "first:"+payload.(string)) })
	bus.On("error", func(payload any) { calls = append(calls, "second:"+payload.(string)) })
	bus.On("other", func(any) { calls = append(calls, "other") })

	if called := bus.Emit("error", "boom"); called != 2 {
		t.Errorf("Emit returned %d, want 2", called)
	}
	want := []string{"first:boom", "second:boom"}
	if !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}
}

func TestOffRemovesOnlyThatSubscription(t *testing.T) {
	bus := New(nil)
	var first, second int
	off := bus.On("tick", func(any) { first++ })
	bus.On("tick", func(any) { second++ })

	off()
	off()
	bus.Emit("tick", nil)

	if first != 0 || second != 1 {
		t.Errorf("first=%d second=%d, want 0 and 1", first, second)
	}
}

func TestOnceFiresOnce(t *testing.T) {
	bus := New(nil)
	count := 0
	bus.Once("ready", func(any) { count++ })

	bus.Emit("ready", nil)
	bus.Emit("ready", nil)

	if count != 1 {
		t.Errorf("once handler called %d times", count)
	}
	if bus.Size() != 0 {
		t.Errorf("expected once subscription removed, size=%d", bus.Size())
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := New(nil)
	reached := false
	bus.On("error", func(any) { panic("handler bug") })
	bus.On("error", func(any) { reached = true })

	bus.Emit("error", nil)

	if !reached {
		t.Error("handler after a panicking handler was not called")
	}
}

func TestHandlerMayUnsubscribeDuringEmit(t *testing.T) {
	bus := New(nil)
	var off func()
	count := 0
	off = bus.On("event", func(any) {
		count++
		off()
	})

	bus.Emit("event", nil)
	bus.Emit("event", nil)

	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}
}

func TestRemoveAllAndClear(t *testing.T) {
	bus := New(nil)
	bus.On("a", func(any) {})
	bus.On("b", func(any) {})
	if bus.Size() != 2 {
		t.Fatalf("size=%d, want 2", bus.Size())
	}

	bus.RemoveAll("a")
	if bus.Emit("a", nil) != 0 {
		t.Error("expected no handlers after RemoveAll")
	}

	bus.Clear()
	if bus.Size() != 0 {
		t.Errorf("size=%d after Clear", bus.Size())
	}
}
