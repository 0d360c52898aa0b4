// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// SyncState is the engine's externally visible state. PAUSED reflects the
// pause switch itself, not just a drain interrupted mid-run: pausing an
// idle engine also reports PAUSED, since the switch blocks future drains
// until Resume either way.
type SyncState string

const (
	StateIdle    SyncState = "IDLE"
	StateSyncing SyncState = "SYNCING"
	StatePaused  SyncState = "PAUSED"
)

// SyncProgress is recomputed on every drain tick and discarded between
// runs; it is never persisted.
type SyncProgress struct {
	Total                  int           `json:"total"`
	Completed              int           `json:"completed"`
	Failed                 int           `json:"failed"`
	CurrentRecordID        string        `json:"current_record_id,omitempty"`
	Percentage             float64       `json:"percentage"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
}

// Engine orchestrates draining the offline queue against the backend. It
// owns the sync state machine (IDLE -> SYNCING -> (COMPLETED|FAILED) ->
// IDLE, with PAUSED reachable from SYNCING) and is the only component
// permitted to mutate remote versions or remove queue entries.
type Engine struct {
	store          *Store
	queue          *Queue
	backend        Backend
	monitor        *Monitor
	bus            *eventBus
	logger         *slog.Logger
	requestTimeout time.Duration

	mu        sync.Mutex
	running   bool
	paused    bool
	doneCh    chan struct{}
	cancelRun context.CancelFunc
	progress  SyncProgress
	conflicts map[string]*ConflictResolution
}

func newEngine(store *Store, queue *Queue, backend Backend, monitor *Monitor, bus *eventBus, requestTimeout time.Duration, logger *slog.Logger) *Engine {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:          store,
		queue:          queue,
		backend:        backend,
		monitor:        monitor,
		bus:            bus,
		logger:         logger,
		requestTimeout: requestTimeout,
		conflicts:      make(map[string]*ConflictResolution),
	}
}

// State returns the current state of the sync state machine.
func (e *Engine) State() SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.paused:
		return StatePaused
	case e.running:
		return StateSyncing
	default:
		return StateIdle
	}
}

// IsSyncing reports whether a drain is currently running.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Progress returns a copy of the last computed progress snapshot.
func (e *Engine) Progress() SyncProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// PendingConflicts lists unresolved conflicts awaiting a caller decision,
// oldest first.
func (e *Engine) PendingConflicts() []ConflictResolution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ConflictResolution, 0, len(e.conflicts))
	for _, res := range e.conflicts {
		out = append(out, *res)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Pause suspends draining. Safe to call at any time; it takes effect after
// the in-flight entry completes, never mid-transfer.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.logger.Info("sync paused")
}

// Resume lifts a pause and kicks a drain if connectivity allows.
func (e *Engine) Resume() {
	e.mu.Lock()
	wasPaused := e.paused
	e.paused = false
	e.mu.Unlock()
	if !wasPaused {
		return
	}
	e.logger.Info("sync resumed")
	if e.monitor.CurrentState().CanSync() {
		go func() { _ = e.Sync(context.Background()) }()
	}
}

// Sync runs one drain of the offline queue. It is idempotent: a call made
// while a drain is already running does not start a second one — it waits
// for the in-progress run to finish and returns.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		done := e.doneCh
		e.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.paused {
		e.mu.Unlock()
		return nil
	}
	if !e.monitor.CurrentState().CanSync() {
		e.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.doneCh = make(chan struct{})
	e.cancelRun = cancel
	done := e.doneCh
	e.mu.Unlock()

	// Losing connectivity mid-drain aborts the in-flight request instead of
	// letting it hang. Pause deliberately does not cancel.
	unsubscribe := e.monitor.Subscribe(func(state NetworkState) {
		if !state.CanSync() {
			cancel()
		}
	})

	err := e.drain(runCtx)

	unsubscribe()
	cancel()
	e.mu.Lock()
	e.running = false
	e.cancelRun = nil
	e.mu.Unlock()
	close(done)
	return err
}

// drain pulls queue entries in priority order and sends them one at a time
// until the queue empties, a pause takes effect, connectivity drops, or a
// transport failure halts the pass.
func (e *Engine) drain(ctx context.Context) error {
	// A previous pass aborted by a cancelled context may have left its
	// current entry flagged in flight.
	if err := e.queue.resetInFlight(ctx); err != nil {
		return err
	}
	total, err := e.queue.PendingCount(ctx)
	if err != nil {
		return err
	}
	if total == 0 {
		return nil
	}

	start := time.Now()
	progress := SyncProgress{Total: total}
	e.setProgress(progress)
	e.bus.publish(Event{Type: EventSyncStarted, Progress: &progress})
	e.logger.Info("sync started", "pending", total)

	for {
		select {
		case <-ctx.Done():
			e.failRun(progress, fmt.Sprintf("sync aborted: %v", ctx.Err()))
			return ctx.Err()
		default:
		}
		if e.pauseRequested() {
			e.logger.Info("drain stopping at pause point",
				"completed", progress.Completed, "failed", progress.Failed)
			return nil
		}
		if !e.monitor.CurrentState().CanSync() {
			e.failRun(progress, "sync halted: backend no longer reachable")
			return fmt.Errorf("sync halted: backend no longer reachable")
		}

		entry, err := e.queue.DequeueNext(ctx)
		if err != nil {
			return err
		}
		if entry == nil {
			break // drained
		}

		progress.CurrentRecordID = entry.RecordID
		e.publishProgress(&progress, start)

		reqCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
		resp, pushErr := e.backend.Push(reqCtx, &PushRequest{
			RecordID:              entry.RecordID,
			EntityType:            entry.EntityType,
			Operation:             entry.Operation,
			Payload:               entry.Payload,
			ExpectedRemoteVersion: entry.BaseVersion,
		})
		cancel()

		switch {
		case pushErr != nil && IsRejection(pushErr):
			// Permanent per-entry failure; keep draining the rest.
			if err := e.queue.MarkRejected(ctx, entry.EntryID, pushErr); err != nil {
				return err
			}
			progress.Failed++
			e.logger.Warn("backend rejected mutation",
				"record_id", entry.RecordID, "op", entry.Operation, "error", pushErr)
			e.bus.publish(Event{
				Type:     EventSyncFailed,
				RecordID: entry.RecordID,
				Message:  pushErr.Error(),
				Progress: progressCopy(progress),
			})

		case pushErr != nil:
			// Transport failure: bounded retry via the queue, and halt this
			// pass rather than hot-looping against a down backend.
			deadLettered, err := e.queue.MarkFailed(ctx, entry.EntryID, pushErr)
			if err != nil {
				return err
			}
			progress.Failed++
			msg := fmt.Sprintf("transport failure for %s: %v", entry.RecordID, pushErr)
			if deadLettered {
				msg = fmt.Sprintf("entry for %s exhausted retries: %v", entry.RecordID, pushErr)
			}
			e.failRun(progress, msg)
			return fmt.Errorf("sync halted: %w", pushErr)

		case resp.Conflict:
			if err := e.handleConflict(ctx, entry, resp); err != nil {
				return err
			}
			progress.Completed++

		default: // applied
			if err := e.store.ConfirmRemote(ctx, entry.RecordID, resp.NewVersion,
				entry.LocalVersion, entry.Payload, entry.Operation == OpDelete); err != nil {
				return err
			}
			if err := e.queue.MarkCompleted(ctx, entry.EntryID); err != nil {
				return err
			}
			progress.Completed++
		}

		progress.CurrentRecordID = ""
		e.publishProgress(&progress, start)
	}

	progress.CurrentRecordID = ""
	progress.Percentage = 100
	progress.EstimatedTimeRemaining = 0
	e.setProgress(progress)
	e.bus.publish(Event{Type: EventSyncCompleted, Progress: progressCopy(progress)})
	e.logger.Info("sync completed",
		"completed", progress.Completed, "failed", progress.Failed,
		"elapsed", time.Since(start))
	return nil
}

// handleConflict runs the resolver on a backend-reported version mismatch.
// Auto-resolved merges are applied and re-queued as fresh mutations;
// unresolved conflicts join the pending set awaiting a caller decision.
// Either way the original entry completes — it is never retried verbatim.
func (e *Engine) handleConflict(ctx context.Context, entry *QueueEntry, resp *PushResponse) error {
	var base []byte
	if rec, err := e.store.getAny(ctx, entry.RecordID); err == nil {
		base = rec.SyncedPayload
	}

	res, err := Resolve(ConflictInput{
		RecordID:      entry.RecordID,
		EntityType:    entry.EntityType,
		Base:          base,
		Local:         entry.Payload,
		Remote:        resp.CurrentPayload,
		LocalDeleted:  entry.Operation == OpDelete,
		RemoteDeleted: resp.CurrentDeleted,
		RemoteVersion: resp.CurrentVersion,
	})
	if err != nil {
		return err
	}

	if res.Resolved {
		if err := e.applyResolution(ctx, res, entry.Priority); err != nil {
			return err
		}
		if err := e.queue.MarkCompleted(ctx, entry.EntryID); err != nil {
			return err
		}
		e.logger.Info("conflict auto-resolved",
			"record_id", entry.RecordID, "strategy", res.Strategy)
		return nil
	}

	e.mu.Lock()
	e.conflicts[entry.RecordID] = res
	e.mu.Unlock()
	if err := e.queue.MarkCompleted(ctx, entry.EntryID); err != nil {
		return err
	}
	e.logger.Warn("conflict requires explicit resolution",
		"record_id", entry.RecordID, "fields", res.ConflictFields)
	e.bus.publish(Event{
		Type:      EventConflictsDetected,
		RecordID:  entry.RecordID,
		Conflicts: []ConflictResolution{*res},
	})
	return nil
}

// applyResolution writes a resolved conflict back to the local store and,
// unless the server side won outright, re-queues the resolved payload as a
// fresh mutation based on the backend's current version.
func (e *Engine) applyResolution(ctx context.Context, res *ConflictResolution, priority Priority) error {
	if res.Strategy == StrategyServerWins {
		return e.store.ApplyRemote(ctx, res.RecordID, res.EntityType,
			res.RemotePayload, res.RemoteVersion, res.RemoteDeleted)
	}

	if res.LocalDeleted {
		// Local deletion prevailed; re-send it against the current version.
		_, err := e.queue.Enqueue(ctx, res.RecordID, res.EntityType, OpDelete, nil,
			res.RemoteVersion, res.RemoteVersion+1, priority)
		return err
	}

	localVersion, err := e.store.ApplyResolved(ctx, res.RecordID, res.EntityType,
		res.ResolvedPayload, res.RemotePayload, res.RemoteVersion)
	if err != nil {
		return err
	}
	_, err = e.queue.Enqueue(ctx, res.RecordID, res.EntityType, OpUpdate,
		res.ResolvedPayload, res.RemoteVersion, localVersion, priority)
	return err
}

// ResolveConflict applies an explicit strategy to a pending conflict and
// kicks a sync so the resolution propagates.
func (e *Engine) ResolveConflict(ctx context.Context, recordID string, strategy Strategy, merged []byte) error {
	e.mu.Lock()
	res, ok := e.conflicts[recordID]
	e.mu.Unlock()
	if !ok {
		return ErrConflictNotFound
	}

	if err := ApplyStrategy(res, strategy, merged); err != nil {
		return err
	}
	if err := e.applyResolution(ctx, res, PriorityFor(res.EntityType)); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.conflicts, recordID)
	e.mu.Unlock()

	go func() { _ = e.Sync(context.Background()) }()
	return nil
}

// waitIdle blocks until no drain is running (used on shutdown and by
// ClearCache).
func (e *Engine) waitIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		if !e.running {
			e.mu.Unlock()
			return nil
		}
		done := e.doneCh
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) clearConflicts() {
	e.mu.Lock()
	e.conflicts = make(map[string]*ConflictResolution)
	e.mu.Unlock()
}

func (e *Engine) pauseRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Engine) setProgress(p SyncProgress) {
	e.mu.Lock()
	e.progress = p
	e.mu.Unlock()
}

func (e *Engine) publishProgress(p *SyncProgress, start time.Time) {
	processed := p.Completed + p.Failed
	if p.Total > 0 {
		p.Percentage = float64(processed) / float64(p.Total) * 100
	}
	if processed > 0 {
		perEntry := time.Since(start) / time.Duration(processed)
		p.EstimatedTimeRemaining = perEntry * time.Duration(p.Total-processed)
	}
	e.setProgress(*p)
	e.bus.publish(Event{Type: EventSyncProgress, Progress: progressCopy(*p)})
}

func (e *Engine) failRun(progress SyncProgress, msg string) {
	e.setProgress(progress)
	e.logger.Warn("sync failed", "message", msg,
		"completed", progress.Completed, "failed", progress.Failed)
	e.bus.publish(Event{Type: EventSyncFailed, Message: msg, Progress: progressCopy(progress)})
}

func progressCopy(p SyncProgress) *SyncProgress {
	cp := p
	return &cp
}
