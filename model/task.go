package model

import (
	"context"
	"time"
)

// Task status constants. A task is terminal once completed, failed or
// skipped.
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusSkipped   = "skipped"
)

// DefaultTaskTimeout is applied when a task is created without an explicit
// timeout.
const DefaultTaskTimeout = 5 * time.Minute

// TaskFunc is the unit of asynchronous work a task executes. The engine
// treats it as opaque; agent invocations, tool calls and plain functions
// all fit behind it. The context carries the task's deadline.
type TaskFunc func(ctx context.Context) (any, error)

// Task is a single schedulable unit of work within a workflow. It is owned
// exclusively by its parent workflow and mutated only by the engine's
// execution loop.
type Task struct {
	ID           string
	Name         string
	Fn           TaskFunc
	Dependencies []string
	Timeout      time.Duration
	Status       string
	Result       any
	Err          string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Metadata     map[string]any
}

// NewTask creates a pending task with the given dependencies.
func NewTask(id, name string, fn TaskFunc, deps ...string) *Task {
	return &Task{
		ID:           id,
		Name:         name,
		Fn:           fn,
		Dependencies: deps,
		Timeout:      DefaultTaskTimeout,
		Status:       TaskStatusPending,
		Metadata:     make(map[string]any),
	}
}

// Terminal reports whether the task has reached a terminal status.
func (t *Task) Terminal() bool {
	switch t.Status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped:
		return true
	}
	return false
}

// TaskRecord is a plain serializable snapshot of a task for inspection.
// The task function is excluded.
type TaskRecord struct {
	ID           string         `json:"task_id"`
	Name         string         `json:"name"`
	Status       string         `json:"status"`
	Dependencies []string       `json:"dependencies"`
	TimeoutSec   int            `json:"timeout_seconds"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Record returns a snapshot of the task.
func (t *Task) Record() TaskRecord {
	return TaskRecord{
		ID:           t.ID,
		Name:         t.Name,
		Status:       t.Status,
		Dependencies: append([]string(nil), t.Dependencies...),
		TimeoutSec:   int(t.Timeout.Seconds()),
		Result:       t.Result,
		Error:        t.Err,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		Metadata:     t.Metadata,
	}
}
