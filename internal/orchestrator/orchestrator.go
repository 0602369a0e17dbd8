// ============================================================================
// Self-Healing Engine Orchestrator
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Purpose: Turn newly created workflows into queued entry tasks
//
// Entry Task Selection:
//   An entry task is a task whose name appears in no other task's next_task
//   field. A cyclic chain (including a task naming itself as next_task)
//   yields an empty set; the fallback is the first task in creation order. A workflow with no tasks at all
//   completes immediately.
//
// Idempotency:
//   Redelivery of workflow.created is a no-op: the entry tasks are already
//   past PENDING, so every CAS returns a conflict and nothing is republished.
//
// ============================================================================

// Package orchestrator queues entry tasks for newly created workflows.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kh-bikash/self-healing-engine/internal/bus"
	"github.com/kh-bikash/self-healing-engine/internal/store"
	"github.com/kh-bikash/self-healing-engine/pkg/types"
)

// Service consumes workflow.created events and queues entry tasks
type Service struct {
	store  *store.Store
	bus    bus.Bus
	logger *slog.Logger
}

// NewService creates an orchestrator service
func NewService(st *store.Store, b bus.Bus, logger *slog.Logger) *Service {
	return &Service{store: st, bus: b, logger: logger}
}

// Run subscribes to workflow.created and processes events until ctx is cancelled
func (s *Service) Run(ctx context.Context) error {
	msgs, err := s.bus.Subscribe(ctx, bus.ChannelWorkflowCreated)
	if err != nil {
		return err
	}

	s.logger.Info("Orchestrator started")

	for msg := range msgs {
		var event types.WorkflowCreatedEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Error("Malformed workflow.created message, dropping", "error", err)
			continue
		}
		s.handle(ctx, event)
	}

	s.logger.Info("Orchestrator stopped")
	return nil
}

// handle queues the entry tasks of one workflow
func (s *Service) handle(ctx context.Context, event types.WorkflowCreatedEvent) {
	wf, err := s.store.GetWorkflow(ctx, event.WorkflowID)
	if err == store.ErrNotFound {
		s.logger.Error("Workflow not found", "workflow_id", event.WorkflowID)
		return
	}
	if err != nil {
		s.logger.Error("Failed to load workflow", "workflow_id", event.WorkflowID, "error", err)
		return
	}

	s.logger.Info("Processing new workflow", "workflow_id", wf.ID, "name", wf.Name, "tasks", len(wf.Tasks))

	if len(wf.Tasks) == 0 {
		err := s.store.TransitionWorkflow(ctx, wf.ID,
			[]types.WorkflowStatus{types.WorkflowPending}, types.WorkflowCompleted)
		if err != nil && err != store.ErrConflict {
			s.logger.Error("Failed to complete empty workflow", "workflow_id", wf.ID, "error", err)
		}
		return
	}

	for _, task := range EntryTasks(wf.Tasks) {
		err := s.store.TransitionTask(ctx, task.ID,
			[]types.TaskStatus{types.TaskPending}, types.TaskQueued, nil)
		if err == store.ErrConflict {
			// Another actor already advanced it; redelivery lands here
			s.logger.Debug("Entry task already advanced, skipping", "task_id", task.ID)
			continue
		}
		if err != nil {
			s.logger.Error("Failed to queue entry task", "task_id", task.ID, "error", err)
			continue
		}

		s.bus.Publish(ctx, bus.ChannelTaskQueued, types.TaskQueuedEvent{
			WorkflowID: wf.ID,
			TaskID:     task.ID,
			TaskName:   task.Name,
			TaskType:   task.TaskType,
			Payload:    task.Payload,
		})
		s.logger.Info("Queued entry task", "task_id", task.ID, "task_name", task.Name)
	}

	err = s.store.TransitionWorkflow(ctx, wf.ID,
		[]types.WorkflowStatus{types.WorkflowPending}, types.WorkflowRunning)
	if err != nil && err != store.ErrConflict {
		s.logger.Error("Failed to start workflow", "workflow_id", wf.ID, "error", err)
	}
}

// EntryTasks selects the tasks whose names are no other task's successor
//
// Falls back to the first task in creation order when the successor graph
// is cyclic and no candidate remains.
func EntryTasks(tasks []types.Task) []types.Task {
	successors := make(map[string]struct{}, len(tasks))
	for i := range tasks {
		if next := tasks[i].NextTask; next != nil {
			successors[*next] = struct{}{}
		}
	}

	var entries []types.Task
	for i := range tasks {
		if _, isSuccessor := successors[tasks[i].Name]; !isSuccessor {
			entries = append(entries, tasks[i])
		}
	}

	if len(entries) == 0 && len(tasks) > 0 {
		entries = append(entries, tasks[0])
	}
	return entries
}
