package types

// ============================================================================
// Core Types Test File
// Purpose: Verify spec validation, terminal detection, and JSON column codec
// ============================================================================

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func TestWorkflowSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    WorkflowSpec
		wantErr bool
	}{
		{
			name: "valid linear chain",
			spec: WorkflowSpec{
				Name: "ok",
				Tasks: []TaskSpec{
					{Name: "A", TaskType: "noop", NextTask: strptr("B"), MaxRetries: 3},
					{Name: "B", TaskType: "noop", MaxRetries: 3},
				},
			},
		},
		{
			name: "valid with no tasks",
			spec: WorkflowSpec{Name: "empty"},
		},
		{
			name:    "empty workflow name",
			spec:    WorkflowSpec{Name: ""},
			wantErr: true,
		},
		{
			name: "empty task name",
			spec: WorkflowSpec{
				Name:  "bad",
				Tasks: []TaskSpec{{Name: "", TaskType: "noop"}},
			},
			wantErr: true,
		},
		{
			name: "duplicate task names",
			spec: WorkflowSpec{
				Name: "bad",
				Tasks: []TaskSpec{
					{Name: "A", TaskType: "noop"},
					{Name: "A", TaskType: "noop"},
				},
			},
			wantErr: true,
		},
		{
			name: "next_task pointing nowhere",
			spec: WorkflowSpec{
				Name:  "bad",
				Tasks: []TaskSpec{{Name: "A", TaskType: "noop", NextTask: strptr("Z")}},
			},
			wantErr: true,
		},
		{
			name: "negative retry budget",
			spec: WorkflowSpec{
				Name:  "bad",
				Tasks: []TaskSpec{{Name: "A", TaskType: "noop", MaxRetries: -1}},
			},
			wantErr: true,
		},
		{
			name: "cycle is structurally accepted",
			spec: WorkflowSpec{
				Name: "cycle",
				Tasks: []TaskSpec{
					{Name: "A", TaskType: "noop", NextTask: strptr("B")},
					{Name: "B", TaskType: "noop", NextTask: strptr("A")},
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTaskTerminal(t *testing.T) {
	tests := []struct {
		name string
		task Task
		want bool
	}{
		{"completed is terminal", Task{Status: TaskCompleted}, true},
		{"failed with budget left is not", Task{Status: TaskFailed, RetryCount: 1, MaxRetries: 3}, false},
		{"failed at budget is terminal", Task{Status: TaskFailed, RetryCount: 3, MaxRetries: 3}, true},
		{"running is not terminal", Task{Status: TaskRunning}, false},
		{"queued is not terminal", Task{Status: TaskQueued}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.task.Terminal())
		})
	}
}

func TestJSONColumnCodec(t *testing.T) {
	original := JSON{"nested": map[string]any{"n": float64(1)}, "flag": true}

	value, err := original.Value()
	require.NoError(t, err)

	var decoded JSON
	require.NoError(t, decoded.Scan(value))
	assert.Equal(t, original, decoded)

	// String columns scan too (sqlite stores TEXT)
	var fromString JSON
	require.NoError(t, fromString.Scan(`{"k":"v"}`))
	assert.Equal(t, JSON{"k": "v"}, fromString)

	// NULL round-trips as nil
	var null JSON
	require.NoError(t, null.Scan(nil))
	assert.Nil(t, null)

	nilValue, err := JSON(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, nilValue)

	// Unsupported column types are rejected
	var bad JSON
	assert.Error(t, bad.Scan(42))
}
