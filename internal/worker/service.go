// ============================================================================
// Worker Service - Subscription Loop
// ============================================================================
//
// Package: internal/worker
// File: service.go
// Purpose: Bridge the task.queued subscription into the worker pool
//
// The subscription loop never executes a task itself; it decodes each event
// and hands it to the pool so a long-running handler cannot head-of-line
// block the stream. Malformed messages are logged and dropped.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/kh-bikash/self-healing-engine/internal/bus"
	"github.com/kh-bikash/self-healing-engine/pkg/types"
)

// Service consumes task.queued events and feeds the Pool
type Service struct {
	bus    bus.Bus
	pool   *Pool
	count  int
	logger *slog.Logger
}

// NewService wires a Service around an unstarted Pool
func NewService(b bus.Bus, pool *Pool, workerCount int, logger *slog.Logger) *Service {
	return &Service{
		bus:    b,
		pool:   pool,
		count:  workerCount,
		logger: logger,
	}
}

// Run subscribes to task.queued and dispatches events until ctx is cancelled
//
// Returns:
//   - error: Subscription failure; nil on clean shutdown
func (s *Service) Run(ctx context.Context) error {
	msgs, err := s.bus.Subscribe(ctx, bus.ChannelTaskQueued)
	if err != nil {
		return err
	}

	if err := s.pool.Start(ctx, s.count); err != nil {
		return err
	}
	defer s.pool.Stop()

	s.logger.Info("Worker service started", "workers", s.count)

	for msg := range msgs {
		var event types.TaskQueuedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Error("Malformed task.queued message, dropping", "error", err)
			continue
		}

		if err := s.pool.Submit(event); err != nil {
			if errors.Is(err, ErrPoolClosed) {
				return nil
			}
			s.logger.Error("Failed to submit event to pool", "task_id", event.TaskID, "error", err)
		}
	}

	s.logger.Info("Worker service stopped")
	return nil
}
