// ============================================================================
// Self-Healing Engine Retry Engine
// ============================================================================
//
// Package: internal/retry
// File: retry.go
// Purpose: Reschedule failed tasks within their budget with exponential backoff
//
// Backoff:
//   wait = base * 2^retry_count, capped at the configured maximum. Each
//   failure message is handled in its own goroutine so one long-waiting
//   retry never blocks other failures arriving on the subscription.
//
// Budget:
//   A task whose retry_count has reached max_retries stays FAILED. The
//   requeue is a single conditional update keyed on both FAILED status and
//   the observed retry_count, so two engines racing on a duplicate failure
//   message increment the budget exactly once.
//
// Exhaustion:
//   On budget exhaustion the containing workflow is CASed RUNNING -> FAILED
//   so operators see the terminal state at the workflow level.
//
// ============================================================================

// Package retry reschedules failed tasks with bounded exponential backoff.
package retry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/kh-bikash/self-healing-engine/internal/bus"
	"github.com/kh-bikash/self-healing-engine/internal/store"
	"github.com/kh-bikash/self-healing-engine/pkg/types"
)

// Service consumes task.failed events and requeues within budget
type Service struct {
	store   *store.Store
	bus     bus.Bus
	base    time.Duration
	cap     time.Duration
	logger  *slog.Logger
	pending sync.WaitGroup
}

// NewService creates a retry engine
//
// Parameters:
//   - base: First retry delay
//   - capDelay: Maximum delay regardless of retry_count
func NewService(st *store.Store, b bus.Bus, base, capDelay time.Duration, logger *slog.Logger) *Service {
	return &Service{store: st, bus: b, base: base, cap: capDelay, logger: logger}
}

// Run subscribes to task.failed and spawns a handler per event
//
// Blocks until ctx is cancelled and every in-flight backoff wait has
// resolved or been abandoned.
func (s *Service) Run(ctx context.Context) error {
	msgs, err := s.bus.Subscribe(ctx, bus.ChannelTaskFailed)
	if err != nil {
		return err
	}

	s.logger.Info("Retry engine started", "backoff_base", s.base, "backoff_cap", s.cap)

	for msg := range msgs {
		var event types.TaskFailedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Error("Malformed task.failed message, dropping", "error", err)
			continue
		}

		// Fresh goroutine per failure: the backoff sleep must not
		// head-of-line block the subscription stream.
		s.pending.Add(1)
		go func(event types.TaskFailedEvent) {
			defer s.pending.Done()
			s.handle(ctx, event)
		}(event)
	}

	s.pending.Wait()
	s.logger.Info("Retry engine stopped")
	return nil
}

// handle processes one failure: give up, or wait and requeue
func (s *Service) handle(ctx context.Context, event types.TaskFailedEvent) {
	task, err := s.store.GetTask(ctx, event.TaskID)
	if err == store.ErrNotFound {
		s.logger.Error("Task not found", "task_id", event.TaskID)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load task", "task_id", event.TaskID, "error", err)
		return
	}

	if task.RetryCount >= task.MaxRetries {
		s.exhaust(ctx, task)
		return
	}

	wait := Backoff(s.base, s.cap, task.RetryCount)
	s.logger.Info("Retrying task",
		"task_id", task.ID,
		"wait", wait,
		"attempt", task.RetryCount+1,
		"max_retries", task.MaxRetries)

	select {
	case <-ctx.Done():
		return
	case <-time.After(wait):
	}

	// CAS keyed on FAILED + the observed retry_count: duplicates and
	// concurrent engines collapse into one increment.
	err = s.store.IncrementRetry(ctx, task.ID, task.RetryCount)
	if err == store.ErrConflict {
		s.logger.Debug("Task already touched, dropping retry", "task_id", task.ID)
		return
	}
	if err != nil {
		s.logger.Error("Failed to requeue task", "task_id", task.ID, "error", err)
		return
	}

	s.bus.Publish(ctx, bus.ChannelTaskQueued, types.TaskQueuedEvent{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		TaskName:   task.Name,
		TaskType:   task.TaskType,
		Payload:    task.Payload,
	})
	s.bus.Publish(ctx, bus.ChannelTaskRetry, types.TaskRetryEvent{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		RetryCount: task.RetryCount + 1,
	})
}

// exhaust records budget exhaustion and fails the containing workflow
func (s *Service) exhaust(ctx context.Context, task *types.Task) {
	s.logger.Error("Task exceeded max retries",
		"task_id", task.ID,
		"task_name", task.Name,
		"retry_count", task.RetryCount,
		"max_retries", task.MaxRetries)

	err := s.store.TransitionWorkflow(ctx, task.WorkflowID,
		[]types.WorkflowStatus{types.WorkflowRunning}, types.WorkflowFailed)
	if err == store.ErrConflict {
		s.logger.Debug("Workflow already terminal", "workflow_id", task.WorkflowID)
		return
	}
	if err != nil {
		s.logger.Error("Failed to fail workflow", "workflow_id", task.WorkflowID, "error", err)
	}
}

// Backoff computes the delay before retry attempt retryCount+1
//
// Parameters:
//   - base: First retry delay
//   - capDelay: Upper bound on the returned delay
//   - retryCount: Retries consumed so far
func Backoff(base, capDelay time.Duration, retryCount int) time.Duration {
	// Shift overflow guard: past 62 doublings the cap always wins
	if retryCount > 62 {
		return capDelay
	}
	wait := base << uint(retryCount)
	if wait > capDelay || wait <= 0 {
		return capDelay
	}
	return wait
}
