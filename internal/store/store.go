// ============================================================================
// Self-Healing Engine Store Adapter
// ============================================================================
//
// Package: internal/store
// File: store.go
// Purpose: Persist Workflow/Task rows and serialize status transitions
//
// Design:
//   The store is the single shared mutable resource in the system. Every
//   cross-process coordination point goes through a conditional UPDATE keyed
//   on the expected prior status (compare-and-swap), never through in-process
//   locks, because the actors racing on a row live in separate processes.
//
// CAS Contract:
//   TransitionTask / TransitionWorkflow issue
//     UPDATE ... SET status = <to>, ... WHERE id = ? AND status IN (<from>)
//   and report ErrConflict when zero rows match. A conflict means another
//   actor advanced the row first; callers drop the message and move on.
//
// Timestamps:
//   updated_at advances on every mutation (gorm-managed), which is what the
//   failure detector's stale sweep keys on.
//
// Drivers:
//   postgres DSNs use the postgres driver; anything else opens the pure-Go
//   sqlite driver (file path or :memory:), which also backs the tests.
//
// ============================================================================

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kh-bikash/self-healing-engine/pkg/types"
)

// Store wraps the relational database behind the operations the engine needs
type Store struct {
	db *gorm.DB
}

// Open connects to the database at dsn and migrates the schema
//
// Parameters:
//   - dsn: postgres:// URL or a sqlite file path (":memory:" for tests)
//
// Returns:
//   - *Store: Connected store
//   - error: Connection or migration failure
func Open(dsn string) (*Store, error) {
	var dialector gorm.Dialector
	isSQLite := false
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
		isSQLite = true
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isSQLite {
		// One writer connection: sqlite serializes writes anyway, and a
		// pooled second connection to :memory: would see a separate database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to access connection pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(&types.Workflow{}, &types.Task{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// Workflow Operations
// ============================================================================

// CreateWorkflowWithTasks materializes a submission spec into rows
//
// Assigns ids and initial PENDING statuses; the whole submission commits in
// one transaction so a workflow never exists without its tasks.
//
// Parameters:
//   - spec: Validated workflow submission
//
// Returns:
//   - *types.Workflow: Materialized workflow with tasks in submission order
//   - error: Validation or write failure
func (s *Store) CreateWorkflowWithTasks(ctx context.Context, spec *types.WorkflowSpec) (*types.Workflow, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	wf := &types.Workflow{
		ID:     uuid.New(),
		Name:   spec.Name,
		Status: types.WorkflowPending,
	}
	for i, ts := range spec.Tasks {
		wf.Tasks = append(wf.Tasks, types.Task{
			ID:         uuid.New(),
			WorkflowID: wf.ID,
			Name:       ts.Name,
			TaskType:   ts.TaskType,
			Status:     types.TaskPending,
			Payload:    ts.Payload,
			MaxRetries: ts.MaxRetries,
			NextTask:   ts.NextTask,
			Position:   i,
		})
	}

	if err := s.db.WithContext(ctx).Create(wf).Error; err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflow loads a workflow and its tasks in creation order
func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*types.Workflow, error) {
	var wf types.Workflow
	err := s.db.WithContext(ctx).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&wf, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	return &wf, nil
}

// ListWorkflows returns a page of workflows with their tasks
func (s *Store) ListWorkflows(ctx context.Context, skip, limit int) ([]types.Workflow, error) {
	var wfs []types.Workflow
	err := s.db.WithContext(ctx).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Order("created_at ASC").
		Offset(skip).Limit(limit).
		Find(&wfs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	return wfs, nil
}

// TransitionWorkflow CASes a workflow status from one of the expected prior
// statuses to a new status
//
// Returns:
//   - error: ErrConflict when the current status matched none of from
func (s *Store) TransitionWorkflow(ctx context.Context, id uuid.UUID, from []types.WorkflowStatus, to types.WorkflowStatus) error {
	res := s.db.WithContext(ctx).
		Model(&types.Workflow{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return fmt.Errorf("failed to update workflow status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ============================================================================
// Task Operations
// ============================================================================

// GetTask loads a single task by id
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*types.Task, error) {
	var task types.Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &task, nil
}

// FindTaskByName locates a task by name within a workflow
//
// Task names are unique within a workflow, so at most one row matches.
func (s *Store) FindTaskByName(ctx context.Context, workflowID uuid.UUID, name string) (*types.Task, error) {
	var task types.Task
	err := s.db.WithContext(ctx).
		First(&task, "workflow_id = ? AND name = ?", workflowID, name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task by name: %w", err)
	}
	return &task, nil
}

// TransitionTask CASes a task status and applies the patch atomically
//
// The patch may carry result, error, and retry_count columns alongside the
// status change; updated_at advances on every call.
//
// Parameters:
//   - id: Task id
//   - from: Accepted prior statuses
//   - to: New status
//   - patch: Extra column updates applied in the same UPDATE, may be nil
//
// Returns:
//   - error: ErrConflict when another actor already advanced the row
func (s *Store) TransitionTask(ctx context.Context, id uuid.UUID, from []types.TaskStatus, to types.TaskStatus, patch map[string]any) error {
	updates := map[string]any{"status": to}
	for k, v := range patch {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).
		Model(&types.Task{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update task status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// IncrementRetry CASes a FAILED task back to QUEUED while atomically
// incrementing retry_count and clearing the recorded error
//
// The retry_count guard keeps the budget invariant even when two retry
// engines race on the same failure message.
func (s *Store) IncrementRetry(ctx context.Context, id uuid.UUID, expectedRetryCount int) error {
	res := s.db.WithContext(ctx).
		Model(&types.Task{}).
		Where("id = ? AND status = ? AND retry_count = ?", id, types.TaskFailed, expectedRetryCount).
		Updates(map[string]any{
			"status":      types.TaskQueued,
			"retry_count": expectedRetryCount + 1,
			"error":       nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to requeue task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ListStaleRunning returns tasks stuck in RUNNING with no update since cutoff
//
// This query is what makes the pipeline self-healing against worker crashes,
// lost completion events, and indefinite hangs.
func (s *Store) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]types.Task, error) {
	var tasks []types.Task
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", types.TaskRunning, cutoff).
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale tasks: %w", err)
	}
	return tasks, nil
}

// DeleteWorkflow removes a workflow together with its task rows, which are
// deleted through the Tasks association in the same call
func (s *Store) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Select("Tasks").
		Delete(&types.Workflow{ID: id})
	if res.Error != nil {
		return fmt.Errorf("failed to delete workflow: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
