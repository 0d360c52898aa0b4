// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler fires periodic drain attempts on a cron schedule (for example
// "@every 30s"). A tick is skipped when a drain is already running or the
// backend is unreachable.
type Scheduler struct {
	engine   *Engine
	monitor  *Monitor
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
	entryID  cron.EntryID
}

func newScheduler(engine *Engine, monitor *Monitor, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:   engine,
		monitor:  monitor,
		schedule: schedule,
		logger:   logger,
		cron:     cron.New(),
	}
}

func (s *Scheduler) Start() error {
	if s.schedule == "" {
		s.logger.Info("periodic sync disabled")
		return nil
	}
	id, err := s.cron.AddFunc(s.schedule, s.tick)
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	s.logger.Info("periodic sync scheduled", "schedule", s.schedule)
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Scheduler) tick() {
	if s.engine.IsSyncing() {
		s.logger.Debug("sync already running, skipping scheduled run")
		return
	}
	if !s.monitor.CurrentState().CanSync() {
		return
	}
	if err := s.engine.Sync(context.Background()); err != nil {
		s.logger.Warn("scheduled sync failed", "error", err)
	}
}
