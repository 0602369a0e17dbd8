// ============================================================================
// Self-Healing Engine Failure Detector
// ============================================================================
//
// Package: internal/detector
// File: detector.go
// Purpose: Periodically reclaim tasks stuck in RUNNING beyond the stale timeout
//
// Sweep:
//   Every tick, tasks with status RUNNING and updated_at older than
//   now - stale_timeout are CASed RUNNING -> FAILED with a distinguishing
//   error string and announced on task.failed. A conflict means the owning
//   worker finished concurrently; the sweep skips the row.
//
// This sweep is what makes the pipeline self-healing against worker crashes,
// lost task.completed messages, and indefinite hangs. It deliberately does
// not cover tasks sitting in QUEUED: a lost task.queued message leaves the
// row QUEUED forever and needs an operator re-queue.
//
// ============================================================================

// Package detector sweeps stale RUNNING tasks back into the failure pipeline.
package detector

import (
	"context"
	"log/slog"
	"time"

	"github.com/kh-bikash/self-healing-engine/internal/bus"
	"github.com/kh-bikash/self-healing-engine/internal/store"
	"github.com/kh-bikash/self-healing-engine/pkg/types"
)

// StaleError is the error recorded on tasks reclaimed by the sweep
const StaleError = "Task execution timed out (Stale)"

// Service runs the periodic stale-task sweep
type Service struct {
	store        *store.Store
	bus          bus.Bus
	interval     time.Duration
	staleTimeout time.Duration
	logger       *slog.Logger
}

// NewService creates a failure detector
//
// Parameters:
//   - interval: Sweep tick period
//   - staleTimeout: Age of the last update beyond which RUNNING is stale
func NewService(st *store.Store, b bus.Bus, interval, staleTimeout time.Duration, logger *slog.Logger) *Service {
	return &Service{
		store:        st,
		bus:          b,
		interval:     interval,
		staleTimeout: staleTimeout,
		logger:       logger,
	}
}

// Run ticks the sweep until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Failure detector started",
		"interval", s.interval, "stale_timeout", s.staleTimeout)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Failure detector stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep reclaims every stale RUNNING task found at this tick
func (s *Service) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.staleTimeout)

	stale, err := s.store.ListStaleRunning(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to query stale tasks", "error", err)
		return
	}

	for i := range stale {
		task := &stale[i]

		err := s.store.TransitionTask(ctx, task.ID,
			[]types.TaskStatus{types.TaskRunning}, types.TaskFailed,
			map[string]any{"error": StaleError})
		if err == store.ErrConflict {
			// The owning worker finished between the query and the CAS
			s.logger.Debug("Task advanced concurrently, skipping", "task_id", task.ID)
			continue
		}
		if err != nil {
			s.logger.Error("Failed to reclaim stale task", "task_id", task.ID, "error", err)
			continue
		}

		s.logger.Warn("Detected stale task, marking as FAILED",
			"task_id", task.ID, "task_name", task.Name)

		s.bus.Publish(ctx, bus.ChannelTaskFailed, types.TaskFailedEvent{
			WorkflowID: task.WorkflowID,
			TaskID:     task.ID,
			Error:      StaleError,
		})
	}
}
