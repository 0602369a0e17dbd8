// ============================================================================
// Self-Healing Engine Pipeline Test Suite
// ============================================================================
//
// Package: test/integration
// File: pipeline_test.go
// Functionality: End-to-end scenarios over the full service topology
//
// Topology under test:
//   gateway -> workflow.created -> orchestrator -> task.queued -> workers
//   workers -> task.failed -> retry engine -> task.queued (within budget)
//   detector -> task.failed for stale RUNNING rows
//
// Everything runs in one process on the in-memory bus and an in-memory
// sqlite store; the store CAS semantics are identical to the production
// drivers, so the coordination paths exercised here are the real ones.
//
// Scenarios:
//   - Happy path: linear chain completes, no retries consumed
//   - Self-healing: task failing twice recovers and completes
//   - Budget exhaustion: always-failing task ends FAILED at its budget
//   - Zero tasks: workflow completes immediately
//   - Racing workers: two worker services, task still runs exactly once
//
// ============================================================================

package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kh-bikash/self-healing-engine/internal/bus"
	"github.com/kh-bikash/self-healing-engine/internal/detector"
	"github.com/kh-bikash/self-healing-engine/internal/gateway"
	"github.com/kh-bikash/self-healing-engine/internal/orchestrator"
	"github.com/kh-bikash/self-healing-engine/internal/retry"
	"github.com/kh-bikash/self-healing-engine/internal/store"
	"github.com/kh-bikash/self-healing-engine/internal/worker"
	"github.com/kh-bikash/self-healing-engine/pkg/types"
)

// harness wires the full topology in one process
type harness struct {
	store   *store.Store
	bus     *bus.MemoryBus
	gateway http.Handler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// startHarness boots every service and waits for the subscriptions to attach
//
// Parameters:
//   - workerServices: Number of independent worker services (each with its
//     own pool) competing on the same bus
func startHarness(t *testing.T, workerServices int) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(":memory:")
	require.NoError(t, err)

	b := bus.NewMemoryBus(logger)
	ctx, cancel := context.WithCancel(context.Background())

	h := &harness{
		store:   st,
		bus:     b,
		gateway: gateway.NewService(st, b, ":0", logger).Handler(),
		cancel:  cancel,
	}

	services := []interface {
		Run(ctx context.Context) error
	}{
		orchestrator.NewService(st, b, logger),
		retry.NewService(st, b, time.Millisecond, 50*time.Millisecond, logger),
		detector.NewService(st, b, 20*time.Millisecond, 5*time.Second, logger),
	}
	for i := 0; i < workerServices; i++ {
		registry := worker.NewRegistry(worker.SimulationHandler(time.Millisecond))
		pool := worker.NewPool(worker.Deps{
			Store:       st,
			Bus:         b,
			Registry:    registry,
			TaskTimeout: 5 * time.Second,
			Logger:      logger,
		}, 64)
		services = append(services, worker.NewService(b, pool, 4, logger))
	}

	for _, svc := range services {
		h.wg.Add(1)
		go func(svc interface{ Run(ctx context.Context) error }) {
			defer h.wg.Done()
			_ = svc.Run(ctx)
		}(svc)
	}

	// Let every subscription attach before any event flows
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(func() {
		cancel()
		h.wg.Wait()
		_ = st.Close()
	})
	return h
}

// submit posts a workflow spec through the gateway
func (h *harness) submit(t *testing.T, body string) *types.Workflow {
	t.Helper()
	rec := httptest.NewRecorder()
	h.gateway.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/workflows", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, "gateway rejected submission: %s", rec.Body.String())

	var wf types.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wf))
	return &wf
}

// waitForWorkflow polls the store until the workflow reaches status
func (h *harness) waitForWorkflow(t *testing.T, wf *types.Workflow, status types.WorkflowStatus) *types.Workflow {
	t.Helper()
	var loaded *types.Workflow
	require.Eventually(t, func() bool {
		var err error
		loaded, err = h.store.GetWorkflow(context.Background(), wf.ID)
		return err == nil && loaded.Status == status
	}, 10*time.Second, 10*time.Millisecond, "workflow never reached %s", status)
	return loaded
}

// countEvents drains a subscription and counts messages per channel
func countEvents(msgs <-chan bus.Message, drain time.Duration) map[string]int {
	counts := make(map[string]int)
	deadline := time.After(drain)
	for {
		select {
		case msg := <-msgs:
			counts[msg.Channel]++
		case <-deadline:
			return counts
		}
	}
}

// ============================================================================
// Scenarios
// ============================================================================

func TestHappyPathChainCompletes(t *testing.T) {
	h := startHarness(t, 1)

	wf := h.submit(t, `{
		"name": "S1",
		"tasks": [
			{"name": "A", "task_type": "noop", "payload": {}, "next_task": "B", "max_retries": 3},
			{"name": "B", "task_type": "noop", "payload": {}, "max_retries": 3}
		]
	}`)

	loaded := h.waitForWorkflow(t, wf, types.WorkflowCompleted)
	require.Len(t, loaded.Tasks, 2)
	for _, task := range loaded.Tasks {
		assert.Equal(t, types.TaskCompleted, task.Status, "task %s", task.Name)
		assert.Equal(t, 0, task.RetryCount, "task %s", task.Name)
		assert.Equal(t, types.JSON{"status": "success", "processed": true}, task.Result)
	}
}

func TestSelfHealingRecoversFromTransientFailures(t *testing.T) {
	h := startHarness(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	observed, err := h.bus.Subscribe(ctx, bus.ChannelTaskRetry)
	require.NoError(t, err)

	wf := h.submit(t, `{
		"name": "S2",
		"tasks": [
			{"name": "A", "task_type": "noop", "payload": {"fail_times": 2}, "next_task": "B", "max_retries": 3},
			{"name": "B", "task_type": "noop", "payload": {}, "max_retries": 3}
		]
	}`)

	loaded := h.waitForWorkflow(t, wf, types.WorkflowCompleted)

	var taskA, taskB *types.Task
	for i := range loaded.Tasks {
		switch loaded.Tasks[i].Name {
		case "A":
			taskA = &loaded.Tasks[i]
		case "B":
			taskB = &loaded.Tasks[i]
		}
	}
	require.NotNil(t, taskA)
	require.NotNil(t, taskB)

	assert.Equal(t, types.TaskCompleted, taskA.Status)
	assert.Equal(t, 2, taskA.RetryCount)
	assert.Equal(t, types.TaskCompleted, taskB.Status)

	counts := countEvents(observed, 100*time.Millisecond)
	assert.Equal(t, 2, counts[bus.ChannelTaskRetry], "exactly two retries for A")
}

func TestBudgetExhaustionFailsTaskAndWorkflow(t *testing.T) {
	h := startHarness(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	observed, err := h.bus.Subscribe(ctx, bus.ChannelTaskRetry, bus.ChannelTaskCompleted)
	require.NoError(t, err)

	wf := h.submit(t, `{
		"name": "S3",
		"tasks": [
			{"name": "A", "task_type": "noop", "payload": {"simulate_failure": true}, "max_retries": 2}
		]
	}`)

	loaded := h.waitForWorkflow(t, wf, types.WorkflowFailed)
	require.Len(t, loaded.Tasks, 1)

	taskA := loaded.Tasks[0]
	assert.Equal(t, types.TaskFailed, taskA.Status)
	assert.Equal(t, 2, taskA.RetryCount)
	require.NotNil(t, taskA.Error)

	counts := countEvents(observed, 100*time.Millisecond)
	assert.Equal(t, 2, counts[bus.ChannelTaskRetry])
	assert.Zero(t, counts[bus.ChannelTaskCompleted], "no completion for an always-failing task")
}

func TestZeroBudgetFailsAfterSingleAttempt(t *testing.T) {
	h := startHarness(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	observed, err := h.bus.Subscribe(ctx, bus.ChannelTaskRetry)
	require.NoError(t, err)

	wf := h.submit(t, `{
		"name": "zero-budget",
		"tasks": [
			{"name": "A", "task_type": "noop", "payload": {"simulate_failure": true}, "max_retries": 0}
		]
	}`)

	loaded := h.waitForWorkflow(t, wf, types.WorkflowFailed)
	assert.Equal(t, types.TaskFailed, loaded.Tasks[0].Status)
	assert.Equal(t, 0, loaded.Tasks[0].RetryCount)

	counts := countEvents(observed, 100*time.Millisecond)
	assert.Zero(t, counts[bus.ChannelTaskRetry])
}

func TestEmptyWorkflowCompletesImmediately(t *testing.T) {
	h := startHarness(t, 1)

	wf := h.submit(t, `{"name": "empty", "tasks": []}`)
	h.waitForWorkflow(t, wf, types.WorkflowCompleted)
}

func TestRacingWorkerServicesRunTaskOnce(t *testing.T) {
	// Two independent worker services: the bus fans every task.queued
	// event out to both, the store claim admits exactly one
	h := startHarness(t, 2)

	wf := h.submit(t, `{
		"name": "S5",
		"tasks": [
			{"name": "A", "task_type": "noop", "payload": {}, "next_task": "B", "max_retries": 3},
			{"name": "B", "task_type": "noop", "payload": {}, "max_retries": 3}
		]
	}`)

	loaded := h.waitForWorkflow(t, wf, types.WorkflowCompleted)
	for _, task := range loaded.Tasks {
		assert.Equal(t, types.TaskCompleted, task.Status, "task %s", task.Name)
		assert.Equal(t, 0, task.RetryCount, "no retry consumed by the losing claim")
	}
}
