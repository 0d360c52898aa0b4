// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanSyncRequiresBothConnectivityAndReachability(t *testing.T) {
	require.False(t, NetworkState{}.CanSync())
	require.False(t, NetworkState{IsConnected: true}.CanSync())
	require.False(t, NetworkState{IsBackendReachable: true}.CanSync())
	require.True(t, NetworkState{IsConnected: true, IsBackendReachable: true}.CanSync())
}

func TestRefreshSkipsReachabilityProbeWhenDisconnected(t *testing.T) {
	probed := false
	m := NewMonitor(
		func(context.Context) (bool, string) { return false, "none" },
		func(context.Context) bool { probed = true; return true },
		0, testLogger())

	state := m.Refresh(context.Background())
	require.False(t, state.IsConnected)
	require.False(t, state.IsBackendReachable)
	require.False(t, probed)
}

func TestSetStateNotifiesOnFlipOnly(t *testing.T) {
	m := NewMonitor(nil, nil, 0, testLogger())

	var flips []NetworkState
	unsubscribe := m.Subscribe(func(s NetworkState) { flips = append(flips, s) })

	online := NetworkState{IsConnected: true, TransportType: "wifi", IsBackendReachable: true}
	m.SetState(online)
	m.SetState(online) // no change, no notification
	m.SetState(NetworkState{IsConnected: false, TransportType: "none"})

	require.Len(t, flips, 2)
	require.True(t, flips[0].CanSync())
	require.False(t, flips[1].CanSync())

	unsubscribe()
	m.SetState(online)
	require.Len(t, flips, 2)
}

func TestStartProbesImmediatelyThenOnInterval(t *testing.T) {
	var probes atomic.Int32
	m := NewMonitor(
		func(context.Context) (bool, string) { probes.Add(1); return true, "wifi" },
		func(context.Context) bool { return true },
		20*time.Millisecond, testLogger())

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, func() bool { return probes.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, m.CurrentState().CanSync())
}

func TestStopIsIdempotent(t *testing.T) {
	m := NewMonitor(
		func(context.Context) (bool, string) { return true, "wifi" },
		func(context.Context) bool { return true },
		time.Hour, testLogger())
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}

func TestTransportForInterface(t *testing.T) {
	require.Equal(t, "wifi", transportForInterface("wlan0"))
	require.Equal(t, "cellular", transportForInterface("rmnet_data0"))
	require.Equal(t, "ethernet", transportForInterface("eth0"))
	require.Equal(t, "ethernet", transportForInterface("en0"))
	require.Equal(t, "unknown", transportForInterface("tun0"))
}
