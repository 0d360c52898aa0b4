// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// QueueEntry is one pending mutation awaiting backend confirmation.
// EntryID is a SQLite autoincrement, so insertion order is durable across
// restarts.
type QueueEntry struct {
	EntryID      int64           `json:"entry_id"`
	RecordID     string          `json:"record_id"`
	EntityType   EntityType      `json:"entity_type"`
	Operation    Operation       `json:"op"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	BaseVersion  int64           `json:"base_version"`
	LocalVersion int64           `json:"local_version"`
	Priority     Priority        `json:"priority"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	InFlight     bool            `json:"in_flight"`
	DeadLetter   bool            `json:"dead_letter"`
	QueuedAt     time.Time       `json:"queued_at"`
}

// Queue is the durable, ordered list of pending mutations. It is the only
// writer to queue storage. Selection is by priority first, then insertion
// order within a priority class.
type Queue struct {
	db           *sql.DB
	retryCeiling int
	logger       *slog.Logger
	mu           sync.Mutex
}

func newQueue(db *sql.DB, retryCeiling int, logger *slog.Logger) *Queue {
	if retryCeiling <= 0 {
		retryCeiling = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, retryCeiling: retryCeiling, logger: logger}
}

func (q *Queue) init(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_queue (
			entry_id      INTEGER PRIMARY KEY AUTOINCREMENT,
			record_id     TEXT NOT NULL,
			entity_type   TEXT NOT NULL,
			op            TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload       TEXT,
			base_version  INTEGER NOT NULL DEFAULT 0,
			local_version INTEGER NOT NULL DEFAULT 0,
			priority      INTEGER NOT NULL DEFAULT 0,
			attempts      INTEGER NOT NULL DEFAULT 0,
			last_error    TEXT,
			in_flight     INTEGER NOT NULL DEFAULT 0,
			dead_letter   INTEGER NOT NULL DEFAULT 0,
			queued_at     TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create sync_queue table: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_sync_queue_record ON sync_queue(record_id)`)
	if err != nil {
		return fmt.Errorf("failed to create sync_queue index: %w", err)
	}

	// A crash mid-sync leaves entries flagged in-flight; they were never
	// confirmed, so they go back to pending on open.
	return q.resetInFlight(ctx)
}

// resetInFlight returns in-flight entries to pending. Called on open and
// at the start of each drain pass, since an aborted pass (crash, cancelled
// context) may not have cleared its flag.
func (q *Queue) resetInFlight(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET in_flight = 0 WHERE in_flight = 1`); err != nil {
		return fmt.Errorf("failed to reset in-flight entries: %w", err)
	}
	return nil
}

// Enqueue adds a pending mutation, coalescing with any existing non-in-
// flight entry for the same record: the entry keeps its original ordering
// position, takes the new payload and operation, and its priority
// escalates to the max of old and new.
//
// A DELETE coalesced onto an unsent CREATE cancels the entry entirely —
// the backend never saw the record, so there is nothing to delete. In that
// case Enqueue returns (nil, nil).
func (q *Queue) Enqueue(ctx context.Context, recordID string, entityType EntityType, op Operation, payload json.RawMessage, baseVersion, localVersion int64, priority Priority) (*QueueEntry, error) {
	if recordID == "" {
		return nil, fmt.Errorf("record id cannot be empty")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.liveEntryForRecord(ctx, recordID, false)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.Operation == OpCreate && op == OpDelete && existing.BaseVersion == 0 {
			if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE entry_id = ?`, existing.EntryID); err != nil {
				return nil, fmt.Errorf("failed to cancel unsent create for %s: %w", recordID, err)
			}
			q.logger.Debug("cancelled unsent CREATE superseded by DELETE", "record_id", recordID)
			return nil, nil
		}

		mergedOp := op
		if existing.Operation == OpCreate && op == OpUpdate {
			mergedOp = OpCreate // record still unknown to the backend
		}
		if existing.Priority > priority {
			priority = existing.Priority
		}
		existing.Operation = mergedOp
		existing.Payload = payload
		existing.BaseVersion = baseVersion
		existing.LocalVersion = localVersion
		existing.Priority = priority
		existing.Attempts = 0
		existing.LastError = ""
		_, err := q.db.ExecContext(ctx, `
			UPDATE sync_queue
			SET op = ?, payload = ?, base_version = ?, local_version = ?, priority = ?, attempts = 0, last_error = NULL
			WHERE entry_id = ?`,
			string(mergedOp), nullablePayload(payload), baseVersion, localVersion, int(priority), existing.EntryID)
		if err != nil {
			return nil, fmt.Errorf("failed to coalesce entry for %s: %w", recordID, err)
		}
		return existing, nil
	}

	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_queue (record_id, entity_type, op, payload, base_version, local_version, priority, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		recordID, string(entityType), string(op), nullablePayload(payload),
		baseVersion, localVersion, int(priority), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue mutation for %s: %w", recordID, err)
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry id: %w", err)
	}
	return &QueueEntry{
		EntryID:      entryID,
		RecordID:     recordID,
		EntityType:   entityType,
		Operation:    op,
		Payload:      payload,
		BaseVersion:  baseVersion,
		LocalVersion: localVersion,
		Priority:     priority,
		QueuedAt:     now,
	}, nil
}

// DequeueNext returns the next sendable entry and flags it in flight:
// HIGH before NORMAL, FIFO within a class, and never a record that already
// has an entry in flight. Selecting and claiming happen as one step under
// the queue lock, so a concurrent Enqueue either coalesces before the
// claim or lands as a fresh entry — never into a row the caller has
// already snapshotted. Returns (nil, nil) when the queue is drained.
func (q *Queue) DequeueNext(ctx context.Context) (*QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	row := q.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue
		WHERE in_flight = 0 AND dead_letter = 0
		  AND record_id NOT IN (SELECT record_id FROM sync_queue WHERE in_flight = 1)
		ORDER BY priority DESC, entry_id ASC
		LIMIT 1`)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue next entry: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, `UPDATE sync_queue SET in_flight = 1 WHERE entry_id = ?`, entry.EntryID); err != nil {
		return nil, fmt.Errorf("failed to claim entry %d: %w", entry.EntryID, err)
	}
	entry.InFlight = true
	return entry, nil
}

// MarkCompleted removes a confirmed entry.
func (q *Queue) MarkCompleted(ctx context.Context, entryID int64) error {
	return q.updateOne(ctx, `DELETE FROM sync_queue WHERE entry_id = ?`, entryID)
}

// MarkFailed records a transport failure: the entry returns to the queue
// with attempts incremented, or moves to the dead-letter set once the
// retry ceiling is reached. Reports whether the entry was dead-lettered.
func (q *Queue) MarkFailed(ctx context.Context, entryID int64, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.get(ctx, entryID)
	if err != nil {
		return false, err
	}
	entry.Attempts++
	deadLetter := entry.Attempts >= q.retryCeiling
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE sync_queue SET in_flight = 0, attempts = ?, last_error = ?, dead_letter = ? WHERE entry_id = ?`,
		entry.Attempts, msg, boolToInt(deadLetter), entryID)
	if err != nil {
		return false, fmt.Errorf("failed to mark entry %d failed: %w", entryID, err)
	}
	if deadLetter {
		q.logger.Warn("queue entry exhausted retries, moved to dead-letter set",
			"entry_id", entryID, "record_id", entry.RecordID, "attempts", entry.Attempts, "error", msg)
	}
	return deadLetter, nil
}

// MarkRejected moves the entry straight to the dead-letter set. Used for
// application-level rejections, which are permanent and never retried
// automatically.
func (q *Queue) MarkRejected(ctx context.Context, entryID int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.updateOne(ctx, `
		UPDATE sync_queue SET in_flight = 0, dead_letter = 1, attempts = attempts + 1, last_error = ?
		WHERE entry_id = ?`, msg, entryID)
}

// RetryDeadLetter returns a dead-letter entry to the pending queue with a
// fresh attempt budget. If a newer live entry for the same record was
// queued in the meantime, the stale dead letter is dropped instead.
func (q *Queue) RetryDeadLetter(ctx context.Context, entryID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.get(ctx, entryID)
	if err != nil {
		return err
	}
	if !entry.DeadLetter {
		return nil
	}
	live, err := q.liveEntryForRecord(ctx, entry.RecordID, true)
	if err != nil {
		return err
	}
	if live != nil {
		if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE entry_id = ?`, entryID); err != nil {
			return fmt.Errorf("failed to drop superseded dead letter %d: %w", entryID, err)
		}
		return nil
	}
	_, err = q.db.ExecContext(ctx, `
		UPDATE sync_queue SET dead_letter = 0, attempts = 0, last_error = NULL WHERE entry_id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("failed to retry dead letter %d: %w", entryID, err)
	}
	return nil
}

// DeadLetters lists entries held for manual intervention.
func (q *Queue) DeadLetters(ctx context.Context) ([]*QueueEntry, error) {
	return q.list(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE dead_letter = 1 ORDER BY entry_id`)
}

// Pending lists live entries in send order, for status surfaces.
func (q *Queue) Pending(ctx context.Context) ([]*QueueEntry, error) {
	return q.list(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE dead_letter = 0 ORDER BY priority DESC, entry_id`)
}

// PendingCount returns the number of live (non-dead-letter) entries.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE dead_letter = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return n, nil
}

// DeadLetterCount returns the number of permanently failed entries.
func (q *Queue) DeadLetterCount(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue WHERE dead_letter = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

func (q *Queue) clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.db.ExecContext(ctx, `DELETE FROM sync_queue`); err != nil {
		return fmt.Errorf("failed to clear sync queue: %w", err)
	}
	return nil
}

func (q *Queue) liveEntryForRecord(ctx context.Context, recordID string, includeInFlight bool) (*QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE record_id = ? AND dead_letter = 0`
	if !includeInFlight {
		query += ` AND in_flight = 0`
	}
	row := q.db.QueryRowContext(ctx, query+` LIMIT 1`, recordID)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read pending entry for %s: %w", recordID, err)
	}
	return entry, nil
}

func (q *Queue) get(ctx context.Context, entryID int64) (*QueueEntry, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE entry_id = ?`, entryID)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %d: %w", entryID, err)
	}
	return entry, nil
}

func (q *Queue) list(ctx context.Context, query string) ([]*QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	defer rows.Close()

	var out []*QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}
	return out, nil
}

func (q *Queue) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update queue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

const queueColumns = `entry_id, record_id, entity_type, op, payload, base_version, local_version, priority, attempts, last_error, in_flight, dead_letter, queued_at`

func scanQueueEntry(row rowScanner) (*QueueEntry, error) {
	var (
		entry      QueueEntry
		entityType string
		op         string
		payload    sql.NullString
		priority   int
		lastError  sql.NullString
		inFlight   int
		deadLetter int
		queuedAt   string
	)
	err := row.Scan(&entry.EntryID, &entry.RecordID, &entityType, &op, &payload,
		&entry.BaseVersion, &entry.LocalVersion, &priority, &entry.Attempts,
		&lastError, &inFlight, &deadLetter, &queuedAt)
	if err != nil {
		return nil, err
	}
	entry.EntityType = EntityType(entityType)
	entry.Operation = Operation(op)
	if payload.Valid {
		entry.Payload = json.RawMessage(payload.String)
	}
	entry.Priority = Priority(priority)
	entry.LastError = lastError.String
	entry.InFlight = inFlight != 0
	entry.DeadLetter = deadLetter != 0
	if ts, err := time.Parse(time.RFC3339Nano, queuedAt); err == nil {
		entry.QueuedAt = ts
	}
	return &entry, nil
}

func nullablePayload(payload json.RawMessage) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
