// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// NetworkState is an ephemeral snapshot of connectivity. Backend
// reachability is probed distinctly from device-level connectivity: a
// device can report a live interface while the backend is down.
type NetworkState struct {
	IsConnected        bool   `json:"is_connected"`
	TransportType      string `json:"transport_type"`
	IsBackendReachable bool   `json:"is_backend_reachable"`
}

// CanSync reports whether a drain attempt is worthwhile.
func (s NetworkState) CanSync() bool { return s.IsConnected && s.IsBackendReachable }

// ConnectivityProbe reports device-level connectivity and transport kind.
type ConnectivityProbe func(ctx context.Context) (connected bool, transport string)

// ReachabilityProbe reports whether the backend answers a cheap
// authenticated ping.
type ReachabilityProbe func(ctx context.Context) bool

type monitorSubscriber struct {
	id int
	fn func(NetworkState)
}

// Monitor observes connectivity and backend reachability on an interval
// and notifies subscribers on state flips. Absence of connectivity is a
// valid state, not a failure; a failed probe simply yields a stale or
// unreachable snapshot.
type Monitor struct {
	connectivity ConnectivityProbe
	reachability ReachabilityProbe
	interval     time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	state  NetworkState
	nextID int
	subs   []monitorSubscriber
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a network monitor. Nil probes fall back to a local
// interface scan for connectivity and an always-unreachable backend; the
// manager wires the backend's Ping as the reachability probe.
func NewMonitor(connectivity ConnectivityProbe, reachability ReachabilityProbe, interval time.Duration, logger *slog.Logger) *Monitor {
	if connectivity == nil {
		connectivity = defaultConnectivityProbe
	}
	if reachability == nil {
		reachability = func(context.Context) bool { return false }
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		connectivity: connectivity,
		reachability: reachability,
		interval:     interval,
		logger:       logger,
	}
}

// CurrentState returns the latest snapshot.
func (m *Monitor) CurrentState() NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a callback invoked on every state flip. The returned
// handle unsubscribes.
func (m *Monitor) Subscribe(fn func(NetworkState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, monitorSubscriber{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Start begins the periodic probe loop. An immediate probe runs before the
// first tick so callers see a real state right away.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.Refresh(loopCtx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				m.Refresh(loopCtx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Refresh runs both probes now and returns the resulting state, notifying
// subscribers if it flipped.
func (m *Monitor) Refresh(ctx context.Context) NetworkState {
	connected, transport := m.connectivity(ctx)
	reachable := false
	if connected {
		reachable = m.reachability(ctx)
	}
	next := NetworkState{
		IsConnected:        connected,
		TransportType:      transport,
		IsBackendReachable: reachable,
	}
	m.SetState(next)
	return next
}

// SetState replaces the snapshot directly. Platform bridges that receive
// connectivity callbacks from the OS use this instead of polling; tests use
// it to script transitions.
func (m *Monitor) SetState(next NetworkState) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next
	subs := make([]monitorSubscriber, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Debug("network state changed",
		"connected", next.IsConnected,
		"transport", next.TransportType,
		"reachable", next.IsBackendReachable,
		"was_can_sync", prev.CanSync(),
		"can_sync", next.CanSync())
	for _, sub := range subs {
		sub.fn(next)
	}
}

// defaultConnectivityProbe scans non-loopback interfaces for a usable
// address and guesses the transport kind from the interface name.
func defaultConnectivityProbe(_ context.Context) (bool, string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, "unknown"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return true, transportForInterface(iface.Name)
	}
	return false, "none"
}

func transportForInterface(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "wl"):
		return "wifi"
	case strings.HasPrefix(lower, "rmnet"), strings.HasPrefix(lower, "ww"):
		return "cellular"
	case strings.HasPrefix(lower, "en"), strings.HasPrefix(lower, "eth"):
		return "ethernet"
	default:
		return "unknown"
	}
}
