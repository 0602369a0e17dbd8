// ============================================================================
// Self-Healing Engine Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that claims and executes tasks, each Worker runs in an
//           independent goroutine
//
// How it works:
//   Each Worker continuously executes the following loop:
//   1. Receive a task.queued event from taskCh (blocking wait)
//   2. Claim the task row via compare-and-swap in the store
//   3. Execute the handler for the task's type (with timeout control)
//   4. Record the outcome, publish the follow-up event, advance the chain
//   5. Send a result summary to resultCh
//
// Claim Protocol (at-most-one-RUNNING invariant):
//   The claim is a conditional update {QUEUED,PENDING} -> RUNNING keyed on
//   the prior status. When two workers race on the same event, exactly one
//   update matches a row; the loser gets a conflict and drops the message.
//   Ordering within a task's lifeline comes from these CAS transitions, not
//   from message delivery order.
//
// Timeout Control:
//   Each attempt runs under its own context.WithTimeout. A handler that
//   outlives the deadline returns context.DeadlineExceeded and the task
//   enters the normal failure pipeline.
//
// Chain Advancement:
//   On success, the successor named by next_task is CASed PENDING -> QUEUED
//   and announced on the bus; a task with no successor completes the
//   workflow. A missing successor is logged and the chain stops there.
//
// ============================================================================

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/kh-bikash/self-healing-engine/internal/bus"
	"github.com/kh-bikash/self-healing-engine/internal/store"
	"github.com/kh-bikash/self-healing-engine/pkg/types"
)

// Result summarizes one processed queue event for the result loop
type Result struct {
	TaskID   string        // Task identifier
	Success  bool          // Whether the handler succeeded
	Err      error         // Handler or claim error, nil on success
	Claimed  bool          // Whether this worker won the claim
	Duration time.Duration // Wall time spent on the event
}

// Worker claims queued tasks and drives them through the handler
type Worker struct {
	id       int
	store    *store.Store
	bus      bus.Bus
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
	taskCh   <-chan types.TaskQueuedEvent
	resultCh chan<- Result
}

func newWorker(id int, deps Deps, taskCh <-chan types.TaskQueuedEvent, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		store:    deps.Store,
		bus:      deps.Bus,
		registry: deps.Registry,
		timeout:  deps.TaskTimeout,
		logger:   deps.Logger.With("worker_id", id),
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of the Worker, processing queue events until taskCh closes
func (w *Worker) Run(ctx context.Context) {
	for event := range w.taskCh {
		start := time.Now()
		result := w.process(ctx, event)
		result.Duration = time.Since(start)

		select {
		case w.resultCh <- result:
		default:
			// Result channel full or unread; the summary is advisory only
		}
	}
}

// process handles a single task.queued event end to end
func (w *Worker) process(ctx context.Context, event types.TaskQueuedEvent) Result {
	result := Result{TaskID: event.TaskID.String()}

	task, err := w.store.GetTask(ctx, event.TaskID)
	if err != nil {
		w.logger.Error("Task not found", "task_id", event.TaskID, "error", err)
		result.Err = err
		return result
	}

	// Guard: another worker claimed it, or it is already terminal
	if task.Status != types.TaskQueued && task.Status != types.TaskPending {
		w.logger.Warn("Task not claimable, skipping", "task_id", task.ID, "status", task.Status)
		return result
	}

	// Claim: at most one worker wins this transition
	err = w.store.TransitionTask(ctx, task.ID,
		[]types.TaskStatus{types.TaskQueued, types.TaskPending}, types.TaskRunning, nil)
	if err == store.ErrConflict {
		w.logger.Debug("Lost claim race, dropping", "task_id", task.ID)
		return result
	}
	if err != nil {
		w.logger.Error("Failed to claim task", "task_id", task.ID, "error", err)
		result.Err = err
		return result
	}
	result.Claimed = true

	w.logger.Info("Executing task", "task_id", task.ID, "task_name", task.Name, "task_type", task.TaskType)

	handler := w.registry.Resolve(task.TaskType)
	attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
	handlerResult, handlerErr := handler(attemptCtx, task)
	cancel()

	if handlerErr != nil {
		w.fail(ctx, task, handlerErr)
		result.Err = handlerErr
		return result
	}

	w.complete(ctx, task, handlerResult)
	result.Success = true
	return result
}

// complete records success, announces it, and advances the chain
func (w *Worker) complete(ctx context.Context, task *types.Task, handlerResult types.JSON) {
	err := w.store.TransitionTask(ctx, task.ID,
		[]types.TaskStatus{types.TaskRunning}, types.TaskCompleted,
		map[string]any{"result": handlerResult})
	if err == store.ErrConflict {
		// The stale sweep reclaimed the task mid-flight; its failure path owns it now
		w.logger.Warn("Task no longer RUNNING, discarding result", "task_id", task.ID)
		return
	}
	if err != nil {
		w.logger.Error("Failed to record completion", "task_id", task.ID, "error", err)
		return
	}

	w.bus.Publish(ctx, bus.ChannelTaskCompleted, types.TaskCompletedEvent{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		TaskName:   task.Name,
	})
	w.logger.Info("Task completed", "task_id", task.ID, "task_name", task.Name)

	w.advance(ctx, task)
}

// advance queues the successor, or completes the workflow at the chain tail
func (w *Worker) advance(ctx context.Context, task *types.Task) {
	if task.NextTask == nil {
		err := w.store.TransitionWorkflow(ctx, task.WorkflowID,
			[]types.WorkflowStatus{types.WorkflowRunning}, types.WorkflowCompleted)
		if err == store.ErrConflict {
			w.logger.Debug("Workflow already advanced", "workflow_id", task.WorkflowID)
			return
		}
		if err != nil {
			w.logger.Error("Failed to complete workflow", "workflow_id", task.WorkflowID, "error", err)
			return
		}
		w.logger.Info("Workflow completed", "workflow_id", task.WorkflowID)
		return
	}

	successor, err := w.store.FindTaskByName(ctx, task.WorkflowID, *task.NextTask)
	if err == store.ErrNotFound {
		// Chain terminates abnormally; the workflow stays RUNNING
		w.logger.Error("Next task not found", "workflow_id", task.WorkflowID, "next_task", *task.NextTask)
		return
	}
	if err != nil {
		w.logger.Error("Failed to look up successor", "workflow_id", task.WorkflowID, "error", err)
		return
	}

	err = w.store.TransitionTask(ctx, successor.ID,
		[]types.TaskStatus{types.TaskPending}, types.TaskQueued, nil)
	if err == store.ErrConflict {
		w.logger.Debug("Successor already queued", "task_id", successor.ID)
		return
	}
	if err != nil {
		w.logger.Error("Failed to queue successor", "task_id", successor.ID, "error", err)
		return
	}

	w.bus.Publish(ctx, bus.ChannelTaskQueued, types.TaskQueuedEvent{
		WorkflowID: successor.WorkflowID,
		TaskID:     successor.ID,
		TaskName:   successor.Name,
		TaskType:   successor.TaskType,
		Payload:    successor.Payload,
	})
	w.logger.Info("Queued next task", "task_id", successor.ID, "task_name", successor.Name)
}

// fail records the failure and hands the task to the retry pipeline
func (w *Worker) fail(ctx context.Context, task *types.Task, handlerErr error) {
	reason := handlerErr.Error()
	err := w.store.TransitionTask(ctx, task.ID,
		[]types.TaskStatus{types.TaskRunning}, types.TaskFailed,
		map[string]any{"error": reason})
	if err == store.ErrConflict {
		// The stale sweep got there first with its own failure record
		w.logger.Warn("Task no longer RUNNING, discarding failure", "task_id", task.ID)
		return
	}
	if err != nil {
		w.logger.Error("Failed to record failure", "task_id", task.ID, "error", err)
		return
	}

	w.bus.Publish(ctx, bus.ChannelTaskFailed, types.TaskFailedEvent{
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		Error:      reason,
	})
	w.logger.Warn("Task failed", "task_id", task.ID, "task_name", task.Name, "error", reason)
}
