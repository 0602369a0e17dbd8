package retry

// ============================================================================
// Retry Engine Test File
// Purpose: Verify backoff math, budget enforcement, requeue, and exhaustion
// ============================================================================

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kh-bikash/self-healing-engine/internal/bus"
	"github.com/kh-bikash/self-healing-engine/internal/store"
	"github.com/kh-bikash/self-healing-engine/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) (*store.Store, *bus.MemoryBus, *Service) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.NewMemoryBus(discardLogger())
	svc := NewService(st, b, time.Millisecond, 100*time.Millisecond, discardLogger())
	return st, b, svc
}

// failedTask creates a workflow whose single task sits in FAILED
func failedTask(t *testing.T, st *store.Store, maxRetries, retryCount int) (*types.Workflow, *types.Task) {
	t.Helper()
	ctx := context.Background()

	wf, err := st.CreateWorkflowWithTasks(ctx, &types.WorkflowSpec{
		Name: "failing",
		Tasks: []types.TaskSpec{
			{Name: "A", TaskType: "noop", Payload: types.JSON{}, MaxRetries: maxRetries},
		},
	})
	require.NoError(t, err)
	require.NoError(t, st.TransitionWorkflow(ctx, wf.ID,
		[]types.WorkflowStatus{types.WorkflowPending}, types.WorkflowRunning))

	patch := map[string]any{"error": "boom", "retry_count": retryCount}
	require.NoError(t, st.TransitionTask(ctx, wf.Tasks[0].ID,
		[]types.TaskStatus{types.TaskPending}, types.TaskFailed, patch))

	task, err := st.GetTask(ctx, wf.Tasks[0].ID)
	require.NoError(t, err)
	return wf, task
}

// ============================================================================
// Backoff Tests
// ============================================================================

func TestBackoff(t *testing.T) {
	base := time.Second
	capDelay := 5 * time.Minute

	tests := []struct {
		name       string
		retryCount int
		want       time.Duration
	}{
		{"first retry waits base", 0, time.Second},
		{"second retry doubles", 1, 2 * time.Second},
		{"third retry doubles again", 2, 4 * time.Second},
		{"ninth retry", 8, 256 * time.Second},
		{"large count hits the cap", 10, 5 * time.Minute},
		{"overflow-sized count hits the cap", 200, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(base, capDelay, tt.retryCount))
		})
	}
}

// ============================================================================
// Handling Tests
// ============================================================================

func TestHandleRequeuesWithinBudget(t *testing.T) {
	st, b, svc := newFixture(t)
	ctx := context.Background()
	wf, task := failedTask(t, st, 3, 0)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	queued, err := b.Subscribe(subCtx, bus.ChannelTaskQueued)
	require.NoError(t, err)
	retried, err := b.Subscribe(subCtx, bus.ChannelTaskRetry)
	require.NoError(t, err)

	svc.handle(ctx, types.TaskFailedEvent{
		WorkflowID: wf.ID, TaskID: task.ID, Error: "boom",
	})

	// Task is back in QUEUED with the budget consumed and the error cleared
	reloaded, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, reloaded.Status)
	assert.Equal(t, 1, reloaded.RetryCount)
	assert.Nil(t, reloaded.Error)

	select {
	case msg := <-queued:
		var event types.TaskQueuedEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, task.ID, event.TaskID)
	case <-time.After(time.Second):
		t.Fatal("no task.queued event")
	}
	select {
	case msg := <-retried:
		var event types.TaskRetryEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.Equal(t, 1, event.RetryCount)
	case <-time.After(time.Second):
		t.Fatal("no task.retry event")
	}
}

func TestHandleExhaustionFailsWorkflow(t *testing.T) {
	st, b, svc := newFixture(t)
	ctx := context.Background()
	wf, task := failedTask(t, st, 2, 2)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	retried, err := b.Subscribe(subCtx, bus.ChannelTaskRetry)
	require.NoError(t, err)

	svc.handle(ctx, types.TaskFailedEvent{
		WorkflowID: wf.ID, TaskID: task.ID, Error: "boom",
	})

	// Task stays FAILED at the budget, no retry event fires
	reloaded, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, reloaded.Status)
	assert.Equal(t, 2, reloaded.RetryCount)

	loaded, err := st.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowFailed, loaded.Status)

	select {
	case <-retried:
		t.Fatal("task.retry published past the budget")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleZeroBudgetNeverRetries(t *testing.T) {
	st, _, svc := newFixture(t)
	ctx := context.Background()
	wf, task := failedTask(t, st, 0, 0)

	svc.handle(ctx, types.TaskFailedEvent{
		WorkflowID: wf.ID, TaskID: task.ID, Error: "boom",
	})

	reloaded, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, reloaded.Status)
	assert.Equal(t, 0, reloaded.RetryCount)
}

func TestHandleDropsWhenAnotherActorAdvancedTheTask(t *testing.T) {
	st, _, svc := newFixture(t)
	ctx := context.Background()
	wf, task := failedTask(t, st, 3, 0)

	// A competing engine already requeued it
	require.NoError(t, st.IncrementRetry(ctx, task.ID, 0))

	svc.handle(ctx, types.TaskFailedEvent{
		WorkflowID: wf.ID, TaskID: task.ID, Error: "boom",
	})

	// The duplicate made no second increment
	reloaded, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskQueued, reloaded.Status)
	assert.Equal(t, 1, reloaded.RetryCount)
}

func TestRunProcessesFailuresConcurrently(t *testing.T) {
	st, b, svc := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wf, task := failedTask(t, st, 3, 0)

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	b.Publish(ctx, bus.ChannelTaskFailed, types.TaskFailedEvent{
		WorkflowID: wf.ID, TaskID: task.ID, Error: "boom",
	})

	assert.Eventually(t, func() bool {
		reloaded, err := st.GetTask(ctx, task.ID)
		return err == nil && reloaded.Status == types.TaskQueued && reloaded.RetryCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("retry engine did not stop")
	}
}
