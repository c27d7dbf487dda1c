// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package events is the in-process publish/subscribe bus a monitor
// hands to its plugins. Plugins use it to cooperate without holding
// references to each other: the error plugin announces captured
// errors, and the replay plugin tags its current session when one
// arrives.
//
// Handlers run synchronously on the emitting goroutine, in
// subscription order. The subscriber list is snapshotted under the
// lock and dispatched after release, so a handler may subscribe or
// unsubscribe without deadlocking. A panicking handler is recovered
// and logged; the remaining handlers still run.
package events

import (
	"log/slog"
	"sync"
)

// Handler receives the payload of an emitted topic.
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is safe for concurrent use. The zero value is not usable; call
// [New].
type Bus struct {
	logger *slog.Logger

	mutex  sync.Mutex
	nextID uint64
	topics map[string][]subscription
}

// New creates an empty bus. A nil logger discards handler panics
// silently.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		logger: logger,
		topics: make(map[string][]subscription),
	}
}

// On subscribes handler to topic and returns a function that removes
// this subscription. Calling the returned function more than once is
// harmless.
func (bus *Bus) On(topic string, handler Handler) (off func()) {
	bus.mutex.Lock()
	bus.nextID++
	id := bus.nextID
	bus.topics[topic] = append(bus.topics[topic], subscription{id: id, handler: handler})
	bus.mutex.Unlock()

	return func() { bus.remove(topic, id) }
}

// Once subscribes handler for the next emission of topic only.
func (bus *Bus) Once(topic string, handler Handler) (off func()) {
	var once sync.Once
	var cancel func()
	ready := make(chan struct{})
	cancel = bus.On(topic, func(payload any) {
		once.Do(func() {
			<-ready
			cancel()
			handler(payload)
		})
	})
	close(ready)
	return cancel
}

func (bus *Bus) remove(topic string, id uint64) {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()

	subscriptions := bus.topics[topic]
	for index, entry := range subscriptions {
		if entry.id == id {
			// Copy so in-flight snapshots keep their view.
			remaining := make([]subscription, 0, len(subscriptions)-1)
			remaining = append(remaining, subscriptions[:index]...)
			remaining = append(remaining, subscriptions[index+1:]...)
			if len(remaining) == 0 {
				delete(bus.topics, topic)
			} else {
				bus.topics[topic] = remaining
			}
			return
		}
	}
}

// Emit calls every handler subscribed to topic and returns how many
// were called.
func (bus *Bus) Emit(topic string, payload any) int {
	bus.mutex.Lock()
	subscriptions := bus.topics[topic]
	bus.mutex.Unlock()

	for _, entry := range subscriptions {
		bus.dispatch(topic, entry.handler, payload)
	}
	return len(subscriptions)
}

func (bus *Bus) dispatch(topic string, handler Handler, payload any) {
	defer func() {
		if recovered := recover(); recovered != nil {
			bus.logger.Error("event handler panicked",
				"topic", topic,
				"panic", recovered,
			)
		}
	}()
	handler(payload)
}

// RemoveAll drops every subscription to topic.
func (bus *Bus) RemoveAll(topic string) {
	bus.mutex.Lock()
	delete(bus.topics, topic)
	bus.mutex.Unlock()
}

// Clear drops every subscription.
func (bus *Bus) Clear() {
	bus.mutex.Lock()
	bus.topics = make(map[string][]subscription)
	bus.mutex.Unlock()
}

// Size returns the number of topics with at least one subscriber.
func (bus *Bus) Size() int {
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	return len(bus.topics)
}
