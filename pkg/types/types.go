// ============================================================================
// Self-Healing Engine Core Type Definitions
// ============================================================================
//
// Package: pkg/types
// Purpose: Core domain models shared by every service process
//
// Core Types:
//   - Workflow: Submitted unit of execution, owns an ordered task chain
//   - Task: Unit of work with retry budget, status, and optional successor
//   - WorkflowStatus / TaskStatus: State enums persisted as uppercase strings
//   - JSON: Opaque key/value payload column, serialized as JSON
//   - Event payloads: One struct per bus channel
//
// State Machines:
//   Workflow: PENDING -> RUNNING -> COMPLETED | FAILED
//   Task:     PENDING -> QUEUED -> RUNNING -> COMPLETED
//                          ^                    |
//                          +---- FAILED <-------+  (retry within budget)
//
// All cross-process transitions are compare-and-swap updates in the store;
// these types carry no synchronization of their own.
//
// ============================================================================

// Package types defines core domain models for the workflow engine.
package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus represents workflow execution state
type WorkflowStatus string

// Workflow status constants
const (
	WorkflowPending   WorkflowStatus = "PENDING"   // Created, not yet picked up by the orchestrator
	WorkflowRunning   WorkflowStatus = "RUNNING"   // Entry tasks queued, chain in progress
	WorkflowCompleted WorkflowStatus = "COMPLETED" // Final task completed
	WorkflowFailed    WorkflowStatus = "FAILED"    // A task exhausted its retry budget
)

// TaskStatus represents task execution state
type TaskStatus string

// Task status constants
const (
	TaskPending   TaskStatus = "PENDING"   // Created, waiting for the orchestrator or a predecessor
	TaskQueued    TaskStatus = "QUEUED"    // Published on the bus, waiting for a worker claim
	TaskRunning   TaskStatus = "RUNNING"   // Claimed by exactly one worker
	TaskCompleted TaskStatus = "COMPLETED" // Handler succeeded, result recorded
	TaskFailed    TaskStatus = "FAILED"    // Handler failed or execution went stale
)

// JSON is an opaque key/value tree stored as a serialized JSON column.
// Used for task payloads and results so handlers stay schema-free.
type JSON map[string]any

// GormDataType implements schema.GormDataTypeInterface so GORM can resolve
// a column type for this map-backed type during migration.
func (j JSON) GormDataType() string {
	return "json"
}

// Value implements driver.Valuer for database writes
func (j JSON) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner for database reads
func (j *JSON) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
	return json.Unmarshal(raw, j)
}

// Workflow represents a submitted unit of execution owning an ordered task chain
type Workflow struct {
	ID        uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Name      string         `json:"name" gorm:"not null"`
	Status    WorkflowStatus `json:"status" gorm:"default:PENDING"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	// Deleting a workflow deletes its tasks
	Tasks []Task `json:"tasks" gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE"`
}

// Task represents a unit of work with its own retry budget and successor pointer
type Task struct {
	ID         uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	WorkflowID uuid.UUID  `json:"workflow_id" gorm:"type:uuid;not null;index:idx_tasks_workflow_name"`
	Name       string     `json:"name" gorm:"not null;index:idx_tasks_workflow_name"`
	TaskType   string     `json:"task_type" gorm:"not null"`
	Status     TaskStatus `json:"status" gorm:"default:PENDING;index:idx_tasks_status_updated"`
	Payload    JSON       `json:"payload"`
	Result     JSON       `json:"result,omitempty"`
	Error      *string    `json:"error,omitempty"`

	// Retry accounting: total attempts never exceed MaxRetries + 1
	RetryCount int `json:"retry_count" gorm:"default:0"`
	MaxRetries int `json:"max_retries" gorm:"default:0"`

	// Name of the successor task within the same workflow, nil for the tail
	NextTask *string `json:"next_task,omitempty"`

	// Position preserves submission order for entry-selection fallback
	Position int `json:"-" gorm:"not null;default:0"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"index:idx_tasks_status_updated"`
}

// Terminal reports whether the task status admits no further transitions
// (FAILED is terminal only once the retry budget is exhausted).
func (t *Task) Terminal() bool {
	if t.Status == TaskCompleted {
		return true
	}
	return t.Status == TaskFailed && t.RetryCount >= t.MaxRetries
}

// ============================================================================
// Submission Specs
// ============================================================================

// TaskSpec describes one task in a workflow submission
type TaskSpec struct {
	Name       string  `json:"name"`
	TaskType   string  `json:"task_type"`
	Payload    JSON    `json:"payload"`
	NextTask   *string `json:"next_task,omitempty"`
	MaxRetries int     `json:"max_retries"`
}

// WorkflowSpec describes a workflow submission
type WorkflowSpec struct {
	Name  string     `json:"name"`
	Tasks []TaskSpec `json:"tasks"`
}

// Validate checks structural constraints before any row is written
//
// Returns:
//   - error: First violated constraint, nil if the spec is well-formed
func (s *WorkflowSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("workflow name must not be empty")
	}
	seen := make(map[string]struct{}, len(s.Tasks))
	for i := range s.Tasks {
		t := &s.Tasks[i]
		if t.Name == "" {
			return fmt.Errorf("task %d: name must not be empty", i)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("task name %q duplicated within workflow", t.Name)
		}
		seen[t.Name] = struct{}{}
		if t.MaxRetries < 0 {
			return fmt.Errorf("task %q: max_retries must not be negative", t.Name)
		}
	}
	for i := range s.Tasks {
		if next := s.Tasks[i].NextTask; next != nil {
			if _, ok := seen[*next]; !ok {
				return fmt.Errorf("task %q: next_task %q not found in workflow", s.Tasks[i].Name, *next)
			}
		}
	}
	return nil
}

// ============================================================================
// Event Payloads
// ============================================================================
//
// One struct per bus channel. UUIDs serialize as strings; consumers must
// tolerate duplicate, out-of-order, and missing delivery (the store is the
// source of truth, the bus is a notification layer).

// WorkflowCreatedEvent is published on workflow.created after submission
type WorkflowCreatedEvent struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
}

// TaskQueuedEvent is published on task.queued when a task becomes runnable
type TaskQueuedEvent struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	TaskID     uuid.UUID `json:"task_id"`
	TaskName   string    `json:"task_name"`
	TaskType   string    `json:"task_type"`
	Payload    JSON      `json:"payload"`
}

// TaskCompletedEvent is published on task.completed after a successful run
type TaskCompletedEvent struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	TaskID     uuid.UUID `json:"task_id"`
	TaskName   string    `json:"task_name"`
}

// TaskFailedEvent is published on task.failed by workers and the detector
type TaskFailedEvent struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	TaskID     uuid.UUID `json:"task_id"`
	Error      string    `json:"error"`
}

// TaskRetryEvent is published on task.retry for observers after a requeue
type TaskRetryEvent struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	TaskID     uuid.UUID `json:"task_id"`
	RetryCount int       `json:"retry_count"`
}
