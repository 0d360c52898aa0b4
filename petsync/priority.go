// Copyright 2026 TailTracker
// SPDX-License-Identifier: Apache-2.0

package petsync

import (
	"context"
	"log/slog"
)

// PriorityFor maps entity kinds to queue priority. Lost-pet reports and
// emergency contacts are safety-critical and must propagate as fast as
// connectivity allows.
func PriorityFor(t EntityType) Priority {
	switch t {
	case EntityLostPetReport, EntityEmergencyContact:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// PrioritySyncService is the thin policy layer over the queue and engine:
// it enqueues mutations with the priority their entity kind demands, and
// HIGH-priority mutations additionally trigger an immediate sync attempt,
// bypassing the periodic schedule.
type PrioritySyncService struct {
	queue  *Queue
	engine *Engine
	logger *slog.Logger
}

func newPrioritySyncService(queue *Queue, engine *Engine, logger *slog.Logger) *PrioritySyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrioritySyncService{queue: queue, engine: engine, logger: logger}
}

// EnqueueMutation queues one mutation for the record with the appropriate
// priority and kicks an immediate drain for HIGH entries.
func (p *PrioritySyncService) EnqueueMutation(ctx context.Context, rec *Record, op Operation) (*QueueEntry, error) {
	priority := PriorityFor(rec.EntityType)
	var payload []byte
	if op != OpDelete {
		payload = rec.Payload
	}
	entry, err := p.queue.Enqueue(ctx, rec.ID, rec.EntityType, op, payload,
		rec.RemoteVersion, rec.LocalVersion, priority)
	if err != nil {
		return nil, err
	}
	if priority == PriorityHigh {
		p.logger.Info("high-priority mutation queued, forcing sync",
			"record_id", rec.ID, "entity_type", rec.EntityType, "op", op)
		go func() { _ = p.engine.Sync(context.Background()) }()
	}
	return entry, nil
}
