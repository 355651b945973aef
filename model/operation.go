package model

import (
	"context"
	"time"
)

// Operation status constants. Completed, failed and cancelled are terminal.
const (
	OperationStatusPending   = "pending"
	OperationStatusRunning   = "running"
	OperationStatusPaused    = "paused"
	OperationStatusCompleted = "completed"
	OperationStatusFailed    = "failed"
	OperationStatusCancelled = "cancelled"
)

// OperationFunc is the target callable of a pausable operation. Like
// TaskFunc it is opaque to the manager.
type OperationFunc func(ctx context.Context) (any, error)

// Operation is a long-running unit of work managed by the pause/resume
// manager. Type tags the operation for safety gating: critical types
// cannot be paused.
type Operation struct {
	ID          string
	Name        string
	Type        string
	Target      OperationFunc
	Status      string
	CreatedAt   time.Time
	StartedAt   *time.Time
	PausedAt    *time.Time
	CompletedAt *time.Time
	Progress    float64
	Result      any
	Err         string
	Metadata    map[string]any
}

// Terminal reports whether the operation has reached a terminal status.
func (o *Operation) Terminal() bool {
	switch o.Status {
	case OperationStatusCompleted, OperationStatusFailed, OperationStatusCancelled:
		return true
	}
	return false
}

// OperationRecord is the round-trippable snapshot of an operation. The
// target callable is not serializable; on load it is rebound from a
// registry or supplied by the caller.
type OperationRecord struct {
	ID          string         `json:"operation_id"`
	Name        string         `json:"name"`
	Type        string         `json:"operation_type"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	PausedAt    *time.Time     `json:"paused_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Progress    float64        `json:"progress"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Record returns a snapshot of the operation.
func (o *Operation) Record() OperationRecord {
	return OperationRecord{
		ID:          o.ID,
		Name:        o.Name,
		Type:        o.Type,
		Status:      o.Status,
		CreatedAt:   o.CreatedAt,
		StartedAt:   o.StartedAt,
		PausedAt:    o.PausedAt,
		CompletedAt: o.CompletedAt,
		Progress:    o.Progress,
		Result:      o.Result,
		Error:       o.Err,
		Metadata:    o.Metadata,
	}
}

// Apply copies the record's persisted fields onto the operation. The
// target callable is left untouched.
func (o *Operation) Apply(rec OperationRecord) {
	o.Name = rec.Name
	o.Type = rec.Type
	o.Status = rec.Status
	o.CreatedAt = rec.CreatedAt
	o.StartedAt = rec.StartedAt
	o.PausedAt = rec.PausedAt
	o.CompletedAt = rec.CompletedAt
	o.Progress = rec.Progress
	o.Result = rec.Result
	o.Err = rec.Error
	o.Metadata = rec.Metadata
}
