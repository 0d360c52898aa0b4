// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

// Demo entrypoint: wires the offline sync core from config and keeps it
// running until interrupted, logging sync and network events as they
// happen. The mobile app embeds the petsync package directly; this binary
// exists for local development against a sync backend.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aopopov01/TailTracker-sub012/petsync"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional; env vars with PETSYNC_ prefix override)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := petsync.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	mgr := petsync.NewManager(cfg, petsync.WithLogger(logger))
	ctx := context.Background()
	if err := mgr.Init(ctx); err != nil {
		logger.Error("failed to initialize offline subsystem", "error", err)
		os.Exit(1)
	}

	unsubscribe := mgr.Subscribe(func(ev petsync.Event) {
		switch ev.Type {
		case petsync.EventSyncProgress:
			logger.Debug("event", "type", string(ev.Type), "record_id", ev.RecordID)
		default:
			logger.Info("event", "type", string(ev.Type), "record_id", ev.RecordID, "message", ev.Message)
		}
	})
	defer unsubscribe()

	status := mgr.Status(ctx)
	logger.Info("offline sync core running",
		"pending", status.PendingCount,
		"failed", status.FailedCount,
		"can_sync", status.Network.CanSync())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	if err := mgr.Close(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	logger.Info("offline sync core stopped")
}
