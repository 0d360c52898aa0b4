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
	"reflect"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable local cache of domain records. All operations are
// local-only and never touch the network. The Store exclusively owns
// record storage; only the sync engine is permitted to mutate
// remote_version (via ConfirmRemote/ApplyRemote/ApplyResolved).
type Store struct {
	db     *sql.DB
	bus    *eventBus
	logger *slog.Logger
	mu     sync.Mutex // serialize writers; concurrent callers go through here
}

func newStore(db *sql.DB, bus *eventBus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, bus: bus, logger: logger}
}

func (s *Store) init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			id             TEXT PRIMARY KEY,
			entity_type    TEXT NOT NULL,
			payload        TEXT NOT NULL,
			synced_payload TEXT,
			local_version  INTEGER NOT NULL DEFAULT 1,
			remote_version INTEGER NOT NULL DEFAULT 0,
			updated_at     TEXT NOT NULL,
			deleted        INTEGER NOT NULL DEFAULT 0
		)`)
	if err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_records_entity_type ON records(entity_type)`)
	if err != nil {
		return fmt.Errorf("failed to create records index: %w", err)
	}
	return nil
}

// Get returns the record by id. Tombstoned records are reported as not
// found, same as missing ones.
func (s *Store) Get(ctx context.Context, recordID string) (*Record, error) {
	rec, err := s.getAny(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, ErrNotFound
	}
	return rec, nil
}

// getAny returns the record including tombstones. Used by the write path
// and the sync engine.
func (s *Store) getAny(ctx context.Context, recordID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, payload, synced_payload, local_version, remote_version, updated_at, deleted
		FROM records WHERE id = ?`, recordID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", recordID, err)
	}
	return rec, nil
}

// List returns all live records of the given entity type, optionally
// filtered by a caller predicate. A fresh call re-reads current state.
func (s *Store) List(ctx context.Context, entityType EntityType, filter func(*Record) bool) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, payload, synced_payload, local_version, remote_version, updated_at, deleted
		FROM records WHERE entity_type = ? AND deleted = 0 ORDER BY updated_at DESC, id`, string(entityType))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", entityType, err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", entityType, err)
		}
		if filter != nil && !filter(rec) {
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s records: %w", entityType, err)
	}
	return out, nil
}

// Put upserts a record. The payload is validated against the entity's
// schema before anything is written. local_version is bumped only when the
// payload actually changed; writing an identical payload is a no-op.
// Reports whether anything was written, so callers don't queue mutations
// for writes that changed nothing.
func (s *Store) Put(ctx context.Context, recordID string, entityType EntityType, payload json.RawMessage) (*Record, bool, error) {
	if recordID == "" {
		return nil, false, fmt.Errorf("record id cannot be empty")
	}
	if !entityType.Valid() {
		return nil, false, fmt.Errorf("unknown entity type %q", entityType)
	}
	if _, err := DecodePayload(entityType, payload); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getAny(ctx, recordID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	if existing == nil {
		rec := &Record{
			ID:           recordID,
			EntityType:   entityType,
			Payload:      payload,
			LocalVersion: 1,
			UpdatedAt:    now,
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO records (id, entity_type, payload, local_version, remote_version, updated_at, deleted)
			VALUES (?, ?, ?, 1, 0, ?, 0)`,
			recordID, string(entityType), string(payload), now.Format(time.RFC3339Nano))
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert record %s: %w", recordID, err)
		}
		s.emit(EventRecordCreated, recordID)
		return rec, true, nil
	}

	if existing.EntityType != entityType {
		return nil, false, fmt.Errorf("record %s is a %s, not a %s", recordID, existing.EntityType, entityType)
	}
	if !existing.Deleted && jsonEqual(existing.Payload, payload) {
		return existing, false, nil
	}

	existing.Payload = payload
	existing.LocalVersion++
	existing.Deleted = false // writing to a tombstoned record revives it
	existing.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		UPDATE records SET payload = ?, local_version = ?, deleted = 0, updated_at = ? WHERE id = ?`,
		string(payload), existing.LocalVersion, now.Format(time.RFC3339Nano), recordID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update record %s: %w", recordID, err)
	}
	s.emit(EventRecordUpdated, recordID)
	return existing, true, nil
}

// MarkDeleted tombstones a record. The row is not physically removed until
// the backend confirms the deletion.
func (s *Store) MarkDeleted(ctx context.Context, recordID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getAny(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return rec, nil
	}

	now := time.Now().UTC()
	rec.Deleted = true
	rec.LocalVersion++
	rec.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `
		UPDATE records SET deleted = 1, local_version = ?, updated_at = ? WHERE id = ?`,
		rec.LocalVersion, now.Format(time.RFC3339Nano), recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to tombstone record %s: %w", recordID, err)
	}
	s.emit(EventRecordDeleted, recordID)
	return rec, nil
}

// ConfirmRemote records a backend-confirmed version for a record. Sync
// engine only.
//
// If no local edit landed since the synced snapshot, the record becomes
// clean (local_version == remote_version == newVersion). If the record was
// edited again while the entry was in flight, it stays dirty: the local
// version is kept strictly above the confirmed one so the newer queue
// entry still reads as pending.
func (s *Store) ConfirmRemote(ctx context.Context, recordID string, newVersion, snapshotLocalVersion int64, confirmedPayload json.RawMessage, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.getAny(ctx, recordID)
	if err != nil {
		if errors.Is(err, ErrNotFound) && deleted {
			return nil // already gone
		}
		return err
	}

	if deleted && rec.LocalVersion == snapshotLocalVersion {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, recordID); err != nil {
			return fmt.Errorf("failed to purge deleted record %s: %w", recordID, err)
		}
		return nil
	}

	localVersion := rec.LocalVersion
	if localVersion == snapshotLocalVersion {
		localVersion = newVersion
	} else if localVersion <= newVersion {
		localVersion = newVersion + 1
	}
	synced := sql.NullString{}
	if len(confirmedPayload) > 0 {
		synced = sql.NullString{String: string(confirmedPayload), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE records SET local_version = ?, remote_version = ?, synced_payload = ? WHERE id = ?`,
		localVersion, newVersion, synced, recordID)
	if err != nil {
		return fmt.Errorf("failed to confirm remote version for %s: %w", recordID, err)
	}
	return nil
}

// ApplyRemote overwrites a record with the backend's authoritative state
// (server-wins resolution or remote deletion). Sync engine only.
func (s *Store) ApplyRemote(ctx context.Context, recordID string, entityType EntityType, payload json.RawMessage, remoteVersion int64, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deleted {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, recordID); err != nil {
			return fmt.Errorf("failed to apply remote deletion of %s: %w", recordID, err)
		}
		s.emit(EventRecordDeleted, recordID)
		return nil
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, entity_type, payload, synced_payload, local_version, remote_version, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			synced_payload = excluded.synced_payload,
			local_version = excluded.local_version,
			remote_version = excluded.remote_version,
			updated_at = excluded.updated_at,
			deleted = 0`,
		recordID, string(entityType), string(payload), string(payload),
		remoteVersion, remoteVersion, now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to apply remote state of %s: %w", recordID, err)
	}
	s.emit(EventRecordUpdated, recordID)
	return nil
}

// ApplyResolved writes a resolved conflict payload as a fresh dirty local
// state based on the backend's current version. Sync engine only. Returns
// the new local version for the re-queued mutation.
func (s *Store) ApplyResolved(ctx context.Context, recordID string, entityType EntityType, resolvedPayload, remotePayload json.RawMessage, remoteVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	localVersion := remoteVersion + 1
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, entity_type, payload, synced_payload, local_version, remote_version, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			synced_payload = excluded.synced_payload,
			local_version = excluded.local_version,
			remote_version = excluded.remote_version,
			updated_at = excluded.updated_at,
			deleted = 0`,
		recordID, string(entityType), string(resolvedPayload), string(remotePayload),
		localVersion, remoteVersion, now.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to apply resolved payload for %s: %w", recordID, err)
	}
	s.emit(EventRecordUpdated, recordID)
	return localVersion, nil
}

// CountDirty returns how many records carry unsynced changes.
func (s *Store) CountDirty(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records WHERE local_version > remote_version`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count dirty records: %w", err)
	}
	return n, nil
}

// Export is a point-in-time snapshot of the local cache, for user-initiated
// data portability.
type Export struct {
	ExportedAt time.Time `json:"exported_at"`
	Records    []*Record `json:"records"`
}

// Export reads all live records inside a single transaction so the
// snapshot is consistent even if a sync is applying writes concurrently.
func (s *Store) Export(ctx context.Context) (*Export, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin export transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, entity_type, payload, synced_payload, local_version, remote_version, updated_at, deleted
		FROM records WHERE deleted = 0 ORDER BY entity_type, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records for export: %w", err)
	}
	defer rows.Close()

	exp := &Export{ExportedAt: time.Now().UTC()}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record for export: %w", err)
		}
		exp.Records = append(exp.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records for export: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit export transaction: %w", err)
	}
	return exp, nil
}

func (s *Store) clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	return nil
}

func (s *Store) emit(t EventType, recordID string) {
	if s.bus != nil {
		s.bus.publish(Event{Type: t, RecordID: recordID})
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec        Record
		entityType string
		payload    string
		synced     sql.NullString
		updatedAt  string
		deleted    int
	)
	err := row.Scan(&rec.ID, &entityType, &payload, &synced,
		&rec.LocalVersion, &rec.RemoteVersion, &updatedAt, &deleted)
	if err != nil {
		return nil, err
	}
	rec.EntityType = EntityType(entityType)
	rec.Payload = json.RawMessage(payload)
	if synced.Valid {
		rec.SyncedPayload = json.RawMessage(synced.String)
	}
	rec.Deleted = deleted != 0
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = ts
	}
	return &rec, nil
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
