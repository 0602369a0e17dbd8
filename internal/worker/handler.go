// ============================================================================
// Task Handler Protocol
// ============================================================================
//
// Package: internal/worker
// File: handler.go
// Purpose: Dispatch table mapping task_type tags to execution handlers
//
// Protocol:
//   A handler receives the claimed task and returns either a result document
//   or an error. Failure is an explicit result variant, never a panic: the
//   worker records the error, flips the task to FAILED, and leaves the retry
//   decision to the retry engine.
//
// Handlers must be idempotent. Delivery is at-least-once: a handler can run
// again for the same task after a stale reclaim or a duplicate queue event.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"time"

	"github.com/kh-bikash/self-healing-engine/pkg/types"
)

// Handler executes one task attempt and returns its result document
type Handler func(ctx context.Context, task *types.Task) (types.JSON, error)

// Registry maps task_type tags to handlers with a fallback default
type Registry struct {
	handlers map[string]Handler
	fallback Handler
}

// NewRegistry creates a registry with the given default handler
func NewRegistry(fallback Handler) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		fallback: fallback,
	}
}

// Register binds a handler to a task_type tag
func (r *Registry) Register(taskType string, h Handler) {
	r.handlers[taskType] = h
}

// Resolve returns the handler for taskType, falling back to the default
func (r *Registry) Resolve(taskType string) Handler {
	if h, ok := r.handlers[taskType]; ok {
		return h
	}
	return r.fallback
}

// ErrSimulatedFailure is returned by the simulation handler on demand
var ErrSimulatedFailure = errors.New("Simulated Failure")

// SimulationHandler builds the reference handler
//
// Behavior:
//   - payload.simulate_failure = true fails every attempt
//   - payload.fail_times = N fails while retry_count < N, then succeeds
//   - otherwise succeeds after the bounded work duration
//
// Parameters:
//   - work: Bounded duration simulating task execution
func SimulationHandler(work time.Duration) Handler {
	return func(ctx context.Context, task *types.Task) (types.JSON, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(work):
		}

		if flag, ok := task.Payload["simulate_failure"].(bool); ok && flag {
			return nil, ErrSimulatedFailure
		}

		// JSON numbers decode as float64
		if n, ok := task.Payload["fail_times"].(float64); ok && task.RetryCount < int(n) {
			return nil, ErrSimulatedFailure
		}

		return types.JSON{"status": "success", "processed": true}, nil
	}
}
