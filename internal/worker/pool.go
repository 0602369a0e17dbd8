// ============================================================================
// Self-Healing Engine Worker Pool - Concurrent Task Executor
// ============================================================================
//
// Package: internal/worker
// File: pool.go
// Function: Manages the lifecycle and event distribution of multiple Worker
//           goroutines
//
// Design Pattern:
//   Worker Pool:
//   1. Fixed number of Worker goroutines running continuously
//   2. Queue events distributed through a shared task channel
//   3. Result summaries collected through a result channel
//   4. Avoids creating a goroutine per bus message while still keeping
//      processing concurrent: a stalled handler occupies one worker, the
//      rest keep draining the subscription
//
// Lifecycle:
//   1. NewPool()  - Create Pool, initialize channels
//   2. Start(ctx, n) - Start n Worker goroutines and the result loop
//   3. Submit(event) - Submit a queue event to taskCh
//   4. Stop()     - Close taskCh, wait for all Workers to finish
//
// Concurrency Control:
//   - taskCh: Buffered channel, absorbs bursts from the subscription loop
//   - resultCh: Buffered channel for advisory result summaries
//   - WaitGroup tracks all Workers for graceful shutdown
//   - Mutex protects started/stopped state
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kh-bikash/self-healing-engine/internal/bus"
	"github.com/kh-bikash/self-healing-engine/internal/store"
	"github.com/kh-bikash/self-healing-engine/pkg/types"
)

var (
	// ErrPoolClosed indicates the Pool no longer accepts events
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted indicates Start has not been called yet
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Deps carries the collaborators every Worker needs
type Deps struct {
	Store       *store.Store
	Bus         bus.Bus
	Registry    *Registry
	TaskTimeout time.Duration
	Logger      *slog.Logger
}

// Pool manages multiple concurrent Workers draining one event stream
type Pool struct {
	deps     Deps
	workers  []*Worker
	taskCh   chan types.TaskQueuedEvent
	resultCh chan Result
	stopCh   chan struct{}
	workerWg sync.WaitGroup
	resultWg sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex

	// Advisory counters, read by tests and the status surface
	processed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a Pool with the given channel buffer size
func NewPool(deps Deps, bufferSize int) *Pool {
	return &Pool{
		deps:     deps,
		taskCh:   make(chan types.TaskQueuedEvent, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
	}
}

// Start launches workerCount Workers and the result loop
//
// Returns:
//   - error: Pool already started
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}

	for i := 0; i < workerCount; i++ {
		w := newWorker(i, p.deps, p.taskCh, p.resultCh)
		p.workers = append(p.workers, w)

		p.workerWg.Add(1)
		go func(w *Worker) {
			defer p.workerWg.Done()
			w.Run(ctx)
		}(w)
	}

	p.resultWg.Add(1)
	go p.resultLoop()

	p.started = true
	return nil
}

// resultLoop drains result summaries for logging and counters
func (p *Pool) resultLoop() {
	defer p.resultWg.Done()
	for result := range p.resultCh {
		if !result.Claimed {
			continue
		}
		p.processed.Add(1)
		if result.Success {
			p.deps.Logger.Debug("Worker result",
				"task_id", result.TaskID, "duration", result.Duration)
		} else {
			p.failed.Add(1)
			p.deps.Logger.Debug("Worker result",
				"task_id", result.TaskID, "duration", result.Duration, "error", result.Err)
		}
	}
}

// Submit hands a queue event to the Pool
//
// Returns:
//   - error: ErrPoolNotStarted or ErrPoolClosed
func (p *Pool) Submit(event types.TaskQueuedEvent) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	taskCh := p.taskCh
	stopCh := p.stopCh
	p.mu.Unlock()

	// stopCh doubles as a guard against sending on a closed taskCh:
	// Stop() closes stopCh before taskCh, so this select returns
	// ErrPoolClosed instead of panicking in the shutdown race.
	select {
	case taskCh <- event:
		return nil
	case <-stopCh:
		return ErrPoolClosed
	}
}

// Stats returns the advisory processed/failed counters
func (p *Pool) Stats() (processed, failed int64) {
	return p.processed.Load(), p.failed.Load()
}

// Stop gracefully shuts the Pool down
//
// Shutdown order:
//  1. Close stopCh so pending Submits bail out
//  2. Close taskCh to end the Worker range loops
//  3. Wait for Workers to finish their in-flight attempts
//  4. Close resultCh to end the result loop
//
// Attempts abandoned at shutdown stay RUNNING in the store and are
// reclaimed by the failure detector's stale sweep on its next run.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	close(p.taskCh)

	p.workerWg.Wait()

	close(p.resultCh)
	p.resultWg.Wait()
}
