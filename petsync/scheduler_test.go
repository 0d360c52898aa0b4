// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSchedulerDrainsQueuePeriodically(t *testing.T) {
	fx := newEngineFixture(t, 5)
	fx.saveAndEnqueue(t, "pet-1", PetPayload{Name: "Max", Species: "dog"})

	s := newScheduler(fx.engine, fx.monitor, "@every 1s", testLogger())
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return fx.backend.pushCount() == 1 },
		5*time.Second, 50*time.Millisecond)
}

func TestSchedulerSkipsTickWhenOffline(t *testing.T) {
	fx := newEngineFixture(t, 5)
	fx.saveAndEnqueue(t, "pet-1", PetPayload{Name: "Max", Species: "dog"})
	fx.monitor.SetState(NetworkState{IsConnected: false})

	s := newScheduler(fx.engine, fx.monitor, "@every 1s", testLogger())
	require.NoError(t, s.Start())
	defer s.Stop()

	time.Sleep(1500 * time.Millisecond)
	require.Zero(t, fx.backend.pushCount())
}

func TestSchedulerEmptyScheduleIsDisabled(t *testing.T) {
	fx := newEngineFixture(t, 5)
	s := newScheduler(fx.engine, fx.monitor, "", testLogger())
	require.NoError(t, s.Start())
	s.Stop()
}

func TestSchedulerRejectsMalformedSchedule(t *testing.T) {
	fx := newEngineFixture(t, 5)
	s := newScheduler(fx.engine, fx.monitor, "not a schedule", testLogger())
	require.Error(t, s.Start())
}
