// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func obj(s string) json.RawMessage { return json.RawMessage(s) }

func TestResolveIdenticalEndStatesIsNoConflict(t *testing.T) {
	res, err := Resolve(ConflictInput{
		RecordID:      "pet-1",
		EntityType:    EntityPet,
		Base:          obj(`{"name":"Max","species":"dog"}`),
		Local:         obj(`{"name":"Maximus","species":"dog"}`),
		Remote:        obj(`{"name":"Maximus","species":"dog"}`),
		RemoteVersion: 3,
	})
	require.NoError(t, err)
	require.True(t, res.Resolved)
	require.Equal(t, StrategyLocalWins, res.Strategy)
}

func TestResolveAutoMergesDisjointFieldChanges(t *testing.T) {
	res, err := Resolve(ConflictInput{
		RecordID:   "pet-1",
		EntityType: EntityPet,
		Base:       obj(`{"name":"Max","species":"dog","notes":""}`),
		Local:      obj(`{"name":"Maximus","species":"dog","notes":""}`),
		Remote:     obj(`{"name":"Max","species":"dog","notes":"microchipped"}`),
	})
	require.NoError(t, err)
	require.True(t, res.Resolved)
	require.Equal(t, StrategyMerge, res.Strategy)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(res.ResolvedPayload, &merged))
	require.Equal(t, "Maximus", merged["name"])
	require.Equal(t, "microchipped", merged["notes"])
}

func TestResolveMergeRespectsFieldRemoval(t *testing.T) {
	res, err := Resolve(ConflictInput{
		Base:   obj(`{"name":"Max","breed":"lab","notes":""}`),
		Local:  obj(`{"name":"Max","notes":""}`),            // removed breed
		Remote: obj(`{"name":"Max","breed":"lab","notes":"x"}`), // changed notes
	})
	require.NoError(t, err)
	require.True(t, res.Resolved)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(res.ResolvedPayload, &merged))
	require.NotContains(t, merged, "breed")
	require.Equal(t, "x", merged["notes"])
}

func TestResolveOverlappingFieldIsUnresolved(t *testing.T) {
	res, err := Resolve(ConflictInput{
		RecordID: "pet-1",
		Base:     obj(`{"name":"Max"}`),
		Local:    obj(`{"name":"Maximus"}`),
		Remote:   obj(`{"name":"Rex"}`),
	})
	require.NoError(t, err)
	require.False(t, res.Resolved)
	require.Empty(t, res.Strategy)
	require.Equal(t, []string{"name"}, res.ConflictFields)
}

func TestResolveNoAncestorOverlapIsUnresolved(t *testing.T) {
	// Two devices created the same record independently: no common base.
	res, err := Resolve(ConflictInput{
		Local:  obj(`{"name":"Max"}`),
		Remote: obj(`{"name":"Rex"}`),
	})
	require.NoError(t, err)
	require.False(t, res.Resolved)
}

func TestResolveDeleteAgainstUpdateIsNeverAutoResolved(t *testing.T) {
	cases := []struct {
		name          string
		localDeleted  bool
		remoteDeleted bool
	}{
		{"local delete vs remote update", true, false},
		{"remote delete vs local update", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Resolve(ConflictInput{
				Base:          obj(`{"name":"Max"}`),
				Local:         obj(`{"name":"Maximus"}`),
				Remote:        obj(`{"name":"Max"}`),
				LocalDeleted:  tc.localDeleted,
				RemoteDeleted: tc.remoteDeleted,
			})
			require.NoError(t, err)
			require.False(t, res.Resolved)
		})
	}
}

func TestResolveBothDeletedIsNoConflict(t *testing.T) {
	res, err := Resolve(ConflictInput{LocalDeleted: true, RemoteDeleted: true})
	require.NoError(t, err)
	require.True(t, res.Resolved)
	require.Equal(t, StrategyLocalWins, res.Strategy)
}

func TestApplyStrategy(t *testing.T) {
	base := &ConflictResolution{
		LocalPayload:  obj(`{"name":"Maximus"}`),
		RemotePayload: obj(`{"name":"Rex"}`),
	}

	t.Run("local wins", func(t *testing.T) {
		res := *base
		require.NoError(t, ApplyStrategy(&res, StrategyLocalWins, nil))
		require.True(t, res.Resolved)
		require.JSONEq(t, `{"name":"Maximus"}`, string(res.ResolvedPayload))
	})

	t.Run("server wins", func(t *testing.T) {
		res := *base
		require.NoError(t, ApplyStrategy(&res, StrategyServerWins, nil))
		require.JSONEq(t, `{"name":"Rex"}`, string(res.ResolvedPayload))
	})

	t.Run("merge requires payload", func(t *testing.T) {
		res := *base
		require.ErrorIs(t, ApplyStrategy(&res, StrategyMerge, nil), ErrMergePayloadRequired)
		require.NoError(t, ApplyStrategy(&res, StrategyMerge, obj(`{"name":"Maximus Rex"}`)))
		require.JSONEq(t, `{"name":"Maximus Rex"}`, string(res.ResolvedPayload))
	})

	t.Run("unknown strategy", func(t *testing.T) {
		res := *base
		require.Error(t, ApplyStrategy(&res, Strategy("COIN_FLIP"), nil))
	})
}
