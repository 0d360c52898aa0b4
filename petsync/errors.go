// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist (or is tombstoned).
	ErrNotFound = errors.New("petsync: record not found")

	// ErrNotInitialized is returned by every facade operation until Init
	// has succeeded.
	ErrNotInitialized = errors.New("petsync: offline subsystem not initialized")

	// ErrSyncInProgress is returned by operations that refuse to race an
	// active drain (ClearCache).
	ErrSyncInProgress = errors.New("petsync: sync in progress")

	// ErrConflictNotFound is returned by ResolveConflict when no unresolved
	// conflict is pending for the record.
	ErrConflictNotFound = errors.New("petsync: no pending conflict for record")

	// ErrMergePayloadRequired is returned when the MERGE strategy is chosen
	// without a caller-supplied merged payload.
	ErrMergePayloadRequired = errors.New("petsync: MERGE strategy requires a merged payload")

	// ErrEntryNotFound is returned when a queue entry id does not exist.
	ErrEntryNotFound = errors.New("petsync: queue entry not found")
)

// RejectionError is an application-level refusal from the backend
// (validation or authorization failure). Rejections are permanent and are
// never retried, unlike transport failures.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("backend rejected change (%s): %s", e.Code, e.Message)
}

// IsRejection reports whether err is (or wraps) a backend rejection.
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
