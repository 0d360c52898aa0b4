// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// Strategy decides which side of a conflict wins.
type Strategy string

const (
	StrategyLocalWins  Strategy = "LOCAL_WINS"
	StrategyServerWins Strategy = "SERVER_WINS"
	StrategyMerge      Strategy = "MERGE"
)

// ConflictResolution captures both sides of a version conflict. It is
// created by the sync engine when the backend reports a mismatch, held in
// the pending set while unresolved, and consumed once a strategy is
// applied back to the local store.
type ConflictResolution struct {
	RecordID        string          `json:"record_id"`
	EntityType      EntityType      `json:"entity_type"`
	LocalPayload    json.RawMessage `json:"local_payload,omitempty"`
	RemotePayload   json.RawMessage `json:"remote_payload,omitempty"`
	BasePayload     json.RawMessage `json:"base_payload,omitempty"`
	LocalDeleted    bool            `json:"local_deleted"`
	RemoteDeleted   bool            `json:"remote_deleted"`
	RemoteVersion   int64           `json:"remote_version"`
	Strategy        Strategy        `json:"strategy,omitempty"`
	Resolved        bool            `json:"resolved"`
	ResolvedPayload json.RawMessage `json:"resolved_payload,omitempty"`
	DetectedAt      time.Time       `json:"detected_at"`
	ConflictFields  []string        `json:"conflict_fields,omitempty"`
}

// ConflictInput is the pair of divergent versions handed to Resolve, plus
// the common ancestor payload (the record state as of the last confirmed
// remote version; nil when the record never synced).
type ConflictInput struct {
	RecordID      string
	EntityType    EntityType
	Base          json.RawMessage
	Local         json.RawMessage
	Remote        json.RawMessage
	LocalDeleted  bool
	RemoteDeleted bool
	RemoteVersion int64
	DetectedAt    time.Time
}

// Resolve is a pure decision function from (local, remote) to a
// ConflictResolution. Non-overlapping field changes relative to the common
// ancestor auto-merge; identical end states are no conflict; overlapping
// field edits and DELETE-vs-UPDATE are surfaced unresolved, because
// discarding a side must be an explicit decision.
func Resolve(in ConflictInput) (*ConflictResolution, error) {
	res := &ConflictResolution{
		RecordID:      in.RecordID,
		EntityType:    in.EntityType,
		LocalPayload:  in.Local,
		RemotePayload: in.Remote,
		BasePayload:   in.Base,
		LocalDeleted:  in.LocalDeleted,
		RemoteDeleted: in.RemoteDeleted,
		RemoteVersion: in.RemoteVersion,
		DetectedAt:    in.DetectedAt,
	}
	if res.DetectedAt.IsZero() {
		res.DetectedAt = time.Now().UTC()
	}

	// Deletion against an edit is never auto-resolved.
	if in.LocalDeleted != in.RemoteDeleted {
		return res, nil
	}
	if in.LocalDeleted && in.RemoteDeleted {
		res.Strategy = StrategyLocalWins
		res.Resolved = true
		return res, nil
	}

	local, err := decodeObject(in.Local)
	if err != nil {
		return nil, fmt.Errorf("failed to decode local payload for %s: %w", in.RecordID, err)
	}
	remote, err := decodeObject(in.Remote)
	if err != nil {
		return nil, fmt.Errorf("failed to decode remote payload for %s: %w", in.RecordID, err)
	}
	base, err := decodeObject(in.Base)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base payload for %s: %w", in.RecordID, err)
	}

	// Both sides fully identical after edits: no conflict.
	if reflect.DeepEqual(local, remote) {
		res.Strategy = StrategyLocalWins
		res.Resolved = true
		res.ResolvedPayload = in.Local
		return res, nil
	}

	changedLocal := changedFields(base, local)
	changedRemote := changedFields(base, remote)

	var overlap []string
	for field := range changedLocal {
		if _, ok := changedRemote[field]; ok {
			overlap = append(overlap, field)
		}
	}
	if len(overlap) > 0 {
		sort.Strings(overlap)
		res.ConflictFields = overlap
		return res, nil
	}

	// Disjoint changed-field sets: take each field from whichever side
	// changed it.
	merged := make(map[string]any, len(base))
	for k, v := range base {
		merged[k] = v
	}
	applyChanges(merged, local, changedLocal)
	applyChanges(merged, remote, changedRemote)

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged payload for %s: %w", in.RecordID, err)
	}
	res.Strategy = StrategyMerge
	res.Resolved = true
	res.ResolvedPayload = data
	return res, nil
}

// ApplyStrategy fills in the resolved payload for an explicitly chosen
// strategy. MERGE requires a caller-supplied payload.
func ApplyStrategy(res *ConflictResolution, strategy Strategy, merged json.RawMessage) error {
	switch strategy {
	case StrategyLocalWins:
		res.ResolvedPayload = res.LocalPayload
	case StrategyServerWins:
		res.ResolvedPayload = res.RemotePayload
	case StrategyMerge:
		if len(merged) == 0 {
			return ErrMergePayloadRequired
		}
		res.ResolvedPayload = merged
	default:
		return fmt.Errorf("unknown resolution strategy %q", strategy)
	}
	res.Strategy = strategy
	res.Resolved = true
	return nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// changedFields returns the top-level keys where side differs from base,
// including keys added or removed.
func changedFields(base, side map[string]any) map[string]struct{} {
	changed := make(map[string]struct{})
	for k, v := range side {
		bv, ok := base[k]
		if !ok || !reflect.DeepEqual(bv, v) {
			changed[k] = struct{}{}
		}
	}
	for k := range base {
		if _, ok := side[k]; !ok {
			changed[k] = struct{}{}
		}
	}
	return changed
}

func applyChanges(merged, side map[string]any, changed map[string]struct{}) {
	for field := range changed {
		if v, ok := side[field]; ok {
			merged[field] = v
		} else {
			delete(merged, field) // the side removed this field
		}
	}
}
