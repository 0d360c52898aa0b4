// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := openDatabase(filepath.Join(t.TempDir(), "petsync_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func onlineMonitor() *Monitor {
	m := NewMonitor(
		func(context.Context) (bool, string) { return true, "wifi" },
		func(context.Context) bool { return true },
		0, testLogger())
	m.SetState(NetworkState{IsConnected: true, TransportType: "wifi", IsBackendReachable: true})
	return m
}

// eventRecorder collects bus events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(t EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// fakeBackend is an in-test backend double. The default behavior applies
// every push with version = expected + 1; a handler overrides it.
type fakeBackend struct {
	mu      sync.Mutex
	pushes  []PushRequest
	handler func(req *PushRequest) (*PushResponse, error)
}

func (f *fakeBackend) Push(_ context.Context, req *PushRequest) (*PushResponse, error) {
	f.mu.Lock()
	f.pushes = append(f.pushes, *req)
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		return handler(req)
	}
	return &PushResponse{Applied: true, NewVersion: req.ExpectedRemoteVersion + 1}, nil
}

func (f *fakeBackend) Ping(context.Context) error { return nil }

func (f *fakeBackend) setHandler(h func(req *PushRequest) (*PushResponse, error)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeBackend) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeBackend) pushedRecords() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.pushes))
	for i, p := range f.pushes {
		out[i] = p.RecordID
	}
	return out
}

type engineFixture struct {
	db      *sql.DB
	bus     *eventBus
	store   *Store
	queue   *Queue
	backend *fakeBackend
	monitor *Monitor
	engine  *Engine
	events  *eventRecorder
}

func newEngineFixture(t *testing.T, retryCeiling int) *engineFixture {
	t.Helper()
	ctx := context.Background()
	db := openTestDB(t)
	bus := newEventBus()
	store := newStore(db, bus, testLogger())
	require.NoError(t, store.init(ctx))
	queue := newQueue(db, retryCeiling, testLogger())
	require.NoError(t, queue.init(ctx))
	backend := &fakeBackend{}
	monitor := onlineMonitor()
	engine := newEngine(store, queue, backend, monitor, bus, 0, testLogger())
	events := &eventRecorder{}
	bus.subscribe(events.record)
	return &engineFixture{
		db: db, bus: bus, store: store, queue: queue,
		backend: backend, monitor: monitor, engine: engine, events: events,
	}
}

// saveAndEnqueue mirrors the facade write path: local put plus a
// prioritized queue entry.
func (f *engineFixture) saveAndEnqueue(t *testing.T, recordID string, payload Payload) *Record {
	t.Helper()
	ctx := context.Background()
	raw, err := EncodePayload(payload)
	require.NoError(t, err)
	rec, _, err := f.store.Put(ctx, recordID, payload.Entity(), raw)
	require.NoError(t, err)
	op := OpUpdate
	if rec.RemoteVersion == 0 {
		op = OpCreate
	}
	var entryPayload json.RawMessage
	if op != OpDelete {
		entryPayload = rec.Payload
	}
	_, err = f.queue.Enqueue(ctx, rec.ID, rec.EntityType, op, entryPayload,
		rec.RemoteVersion, rec.LocalVersion, PriorityFor(rec.EntityType))
	require.NoError(t, err)
	return rec
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
