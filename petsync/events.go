// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"sync"
	"time"
)

// EventType names the events emitted to UI collaborators.
type EventType string

const (
	EventSyncStarted         EventType = "syncStarted"
	EventSyncProgress        EventType = "syncProgress"
	EventSyncCompleted       EventType = "syncCompleted"
	EventSyncFailed          EventType = "syncFailed"
	EventConflictsDetected   EventType = "conflictsDetected"
	EventNetworkStateChanged EventType = "networkStateChanged"
	EventRecordCreated       EventType = "recordCreated"
	EventRecordUpdated       EventType = "recordUpdated"
	EventRecordDeleted       EventType = "recordDeleted"
)

// Event is a typed notification delivered to subscribers. Only the fields
// relevant to the event type are populated.
type Event struct {
	Type      EventType
	RecordID  string
	Progress  *SyncProgress
	Conflicts []ConflictResolution
	Network   *NetworkState
	Message   string
	At        time.Time
}

type busSubscriber struct {
	id int
	fn func(Event)
}

// eventBus fans events out to subscribers. Dispatch is serialized in
// publish order, so events for a given record are delivered in the order
// their underlying mutations were applied. Callbacks run outside the
// registry lock and may subscribe or unsubscribe, but must not block.
type eventBus struct {
	dispatchMu sync.Mutex // serializes publish calls

	mu     sync.Mutex // guards the subscriber registry
	nextID int
	subs   []busSubscriber
}

func newEventBus() *eventBus {
	return &eventBus{}
}

func (b *eventBus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, busSubscriber{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *eventBus) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.Lock()
	subs := make([]busSubscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.fn(ev)
	}
}
