// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aopopov01/TailTracker-sub012/internal/auth"
)

// Status is the aggregate view exposed to UI collaborators. It is rich
// enough to render "N changes pending", "N changes failed — tap to retry"
// and "N conflicts need your decision" without inspecting internals.
type Status struct {
	IsInitialized    bool                 `json:"is_initialized"`
	IsSyncing        bool                 `json:"is_syncing"`
	State            SyncState            `json:"state"`
	Progress         *SyncProgress        `json:"progress,omitempty"`
	Network          NetworkState         `json:"network"`
	PendingCount     int                  `json:"pending_count"`
	FailedCount      int                  `json:"failed_count"`
	PendingConflicts []ConflictResolution `json:"pending_conflicts,omitempty"`
	IsReady          bool                 `json:"is_ready"`
}

// Manager is the process-wide access point for the offline subsystem. It
// is explicitly constructed and dependency-injected (no singletons) so
// tests can run isolated instances, and it has a defined Init/Close
// lifecycle. Until Init succeeds every operation returns
// ErrNotInitialized.
type Manager struct {
	cfg    *Config
	logger *slog.Logger
	bus    *eventBus

	backend Backend
	monitor *Monitor

	db        *sql.DB
	store     *Store
	queue     *Queue
	engine    *Engine
	priority  *PrioritySyncService
	scheduler *Scheduler

	monitorUnsub func()
	initialized  atomic.Bool
}

// Option customizes a Manager before Init.
type Option func(*Manager)

// WithBackend injects a backend implementation (tests, alternative
// transports). When absent, an HTTPBackend is built from the config.
func WithBackend(b Backend) Option { return func(m *Manager) { m.backend = b } }

// WithMonitor injects a pre-built network monitor.
func WithMonitor(mon *Monitor) Option { return func(m *Manager) { m.monitor = mon } }

// WithLogger sets the structured logger for all components.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager creates the facade. Nothing is opened until Init.
func NewManager(cfg *Config, opts ...Option) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m := &Manager{
		cfg:    cfg,
		logger: slog.Default(),
		bus:    newEventBus(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init opens the local store, wires every component, and starts the
// network monitor and the periodic sync schedule. An initialization
// failure is fatal to the facade: the subsystem reports
// IsInitialized=false and refuses all operations until Init succeeds.
func (m *Manager) Init(ctx context.Context) error {
	if m.initialized.Load() {
		return nil
	}
	if m.cfg.DeviceID == "" {
		m.cfg.DeviceID = uuid.New().String()
	}

	db, err := openDatabase(m.cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}

	store := newStore(db, m.bus, m.logger)
	if err := store.init(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize local store: %w", err)
	}
	queue := newQueue(db, m.cfg.RetryCeiling, m.logger)
	if err := queue.init(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize offline queue: %w", err)
	}

	if m.backend == nil {
		tokens := auth.NewTokenSource(m.cfg.AuthSecret, m.cfg.UserID, m.cfg.DeviceID, m.cfg.TokenTTL)
		m.backend = NewHTTPBackend(m.cfg.BaseURL, tokens.Token, m.cfg.RequestTimeout, m.logger)
	}
	if m.monitor == nil {
		reachable := func(ctx context.Context) bool { return m.backend.Ping(ctx) == nil }
		m.monitor = NewMonitor(nil, reachable, m.cfg.ProbeInterval, m.logger)
	}

	m.db = db
	m.store = store
	m.queue = queue
	m.engine = newEngine(store, queue, m.backend, m.monitor, m.bus, m.cfg.RequestTimeout, m.logger)
	m.priority = newPrioritySyncService(queue, m.engine, m.logger)
	m.scheduler = newScheduler(m.engine, m.monitor, m.cfg.SyncSchedule, m.logger)

	// Connectivity regaining canSync triggers a drain; every flip is
	// forwarded to subscribers.
	m.monitorUnsub = m.monitor.Subscribe(func(state NetworkState) {
		st := state
		m.bus.publish(Event{Type: EventNetworkStateChanged, Network: &st})
		if state.CanSync() {
			go func() { _ = m.engine.Sync(context.Background()) }()
		}
	})
	m.monitor.Start(context.Background())
	if err := m.scheduler.Start(); err != nil {
		m.monitor.Stop()
		db.Close()
		return fmt.Errorf("failed to start sync scheduler: %w", err)
	}

	m.initialized.Store(true)
	m.logger.Info("offline subsystem initialized",
		"database", m.cfg.DatabasePath, "device_id", m.cfg.DeviceID)
	return nil
}

// Close stops background work, waits for any in-flight drain to finish,
// and closes the local store.
func (m *Manager) Close(ctx context.Context) error {
	if !m.initialized.Load() {
		return nil
	}
	m.initialized.Store(false)
	m.scheduler.Stop()
	m.monitorUnsub()
	m.monitor.Stop()
	if err := m.engine.waitIdle(ctx); err != nil {
		return fmt.Errorf("failed waiting for sync to stop: %w", err)
	}
	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close local store: %w", err)
	}
	return nil
}

// Get reads a record from the local cache. Never blocks on network.
func (m *Manager) Get(ctx context.Context, recordID string) (*Record, error) {
	if !m.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return m.store.Get(ctx, recordID)
}

// List reads all live records of a kind, optionally filtered.
func (m *Manager) List(ctx context.Context, entityType EntityType, filter func(*Record) bool) ([]*Record, error) {
	if !m.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return m.store.List(ctx, entityType, filter)
}

// Save writes a typed payload locally (read-your-writes) and queues the
// mutation for sync. An empty id creates a new record. Saving an identical
// payload changes nothing and queues nothing.
func (m *Manager) Save(ctx context.Context, recordID string, payload Payload) (*Record, error) {
	if !m.initialized.Load() {
		return nil, ErrNotInitialized
	}
	if recordID == "" {
		recordID = uuid.New().String()
	}
	raw, err := EncodePayload(payload)
	if err != nil {
		return nil, err
	}
	rec, changed, err := m.store.Put(ctx, recordID, payload.Entity(), raw)
	if err != nil {
		return nil, err
	}
	if !changed {
		return rec, nil
	}
	op := OpUpdate
	if rec.RemoteVersion == 0 {
		op = OpCreate
	}
	if _, err := m.priority.EnqueueMutation(ctx, rec, op); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete tombstones a record locally and queues the deletion.
func (m *Manager) Delete(ctx context.Context, recordID string) error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	rec, err := m.store.MarkDeleted(ctx, recordID)
	if err != nil {
		return err
	}
	_, err = m.priority.EnqueueMutation(ctx, rec, OpDelete)
	return err
}

// Status returns the aggregate sync status.
func (m *Manager) Status(ctx context.Context) Status {
	if !m.initialized.Load() {
		return Status{}
	}
	st := Status{
		IsInitialized: true,
		IsReady:       true,
		State:         m.engine.State(),
		IsSyncing:     m.engine.IsSyncing(),
		Network:       m.monitor.CurrentState(),
	}
	if st.IsSyncing {
		st.Progress = progressCopy(m.engine.Progress())
	}
	if n, err := m.queue.PendingCount(ctx); err == nil {
		st.PendingCount = n
	}
	if n, err := m.queue.DeadLetterCount(ctx); err == nil {
		st.FailedCount = n
	}
	st.PendingConflicts = m.engine.PendingConflicts()
	return st
}

// ForceSync runs a drain now. Idempotent while a drain is running.
func (m *Manager) ForceSync(ctx context.Context) error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	return m.engine.Sync(ctx)
}

// PauseSync suspends draining after the in-flight entry completes.
func (m *Manager) PauseSync() {
	if m.initialized.Load() {
		m.engine.Pause()
	}
}

// ResumeSync lifts a pause.
func (m *Manager) ResumeSync() {
	if m.initialized.Load() {
		m.engine.Resume()
	}
}

// ClearCache wipes the local cache, the queue, and pending conflicts. It
// refuses to race an active drain.
func (m *Manager) ClearCache(ctx context.Context) error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	if m.engine.IsSyncing() {
		return ErrSyncInProgress
	}
	if err := m.store.clear(ctx); err != nil {
		return err
	}
	if err := m.queue.clear(ctx); err != nil {
		return err
	}
	m.engine.clearConflicts()
	m.logger.Info("local cache cleared")
	return nil
}

// ExportData returns a consistent point-in-time snapshot of the local
// cache for data portability.
func (m *Manager) ExportData(ctx context.Context) (*Export, error) {
	if !m.initialized.Load() {
		return nil, ErrNotInitialized
	}
	return m.store.Export(ctx)
}

// ResolveConflict applies an explicit strategy to a pending conflict.
func (m *Manager) ResolveConflict(ctx context.Context, recordID string, strategy Strategy, merged json.RawMessage) error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	return m.engine.ResolveConflict(ctx, recordID, strategy, merged)
}

// RetryFailed returns all dead-letter entries to the queue and kicks a
// sync. Returns how many entries were revived.
func (m *Manager) RetryFailed(ctx context.Context) (int, error) {
	if !m.initialized.Load() {
		return 0, ErrNotInitialized
	}
	entries, err := m.queue.DeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	revived := 0
	for _, entry := range entries {
		if err := m.queue.RetryDeadLetter(ctx, entry.EntryID); err != nil {
			return revived, err
		}
		revived++
	}
	if revived > 0 {
		go func() { _ = m.engine.Sync(context.Background()) }()
	}
	return revived, nil
}

// Subscribe registers an event callback; the returned handle removes it.
func (m *Manager) Subscribe(fn func(Event)) func() {
	return m.bus.subscribe(fn)
}

// NetworkState returns the monitor's current snapshot.
func (m *Manager) NetworkState() NetworkState {
	if !m.initialized.Load() {
		return NetworkState{}
	}
	return m.monitor.CurrentState()
}

// openDatabase opens the SQLite file with WAL mode and a single write
// connection to avoid SQLite locking issues.
func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}
