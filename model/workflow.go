package model

import "time"

// Workflow status constants.
const (
	WorkflowStatusCreated   = "created"
	WorkflowStatusRunning   = "running"
	WorkflowStatusPaused    = "paused"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusFailed    = "failed"
	WorkflowStatusCancelled = "cancelled"
)

// Workflow is a DAG of tasks driven to a terminal status by the engine.
// Tasks may only depend on tasks within the same workflow.
type Workflow struct {
	ID          string
	Name        string
	Tasks       map[string]*Task
	Status      string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Metadata    map[string]any
}

// NewWorkflow creates an empty workflow in created status.
func NewWorkflow(id, name string) *Workflow {
	return &Workflow{
		ID:        id,
		Name:      name,
		Tasks:     make(map[string]*Task),
		Status:    WorkflowStatusCreated,
		CreatedAt: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

// Terminal reports whether the workflow has reached a terminal status.
func (w *Workflow) Terminal() bool {
	switch w.Status {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// ReadyTasks returns the pending tasks whose every dependency exists and
// is completed. Readiness is a pure function of current task statuses; no
// ready flag is persisted, so recomputation without execution always
// yields the same set.
func (w *Workflow) ReadyTasks() []*Task {
	var ready []*Task
	for _, task := range w.Tasks {
		if task.Status != TaskStatusPending {
			continue
		}
		satisfied := true
		for _, depID := range task.Dependencies {
			dep, exists := w.Tasks[depID]
			if !exists || dep.Status != TaskStatusCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, task)
		}
	}
	return ready
}

// PendingCount returns the number of tasks still pending.
func (w *Workflow) PendingCount() int {
	n := 0
	for _, task := range w.Tasks {
		if task.Status == TaskStatusPending {
			n++
		}
	}
	return n
}

// RunningCount returns the number of tasks currently running.
func (w *Workflow) RunningCount() int {
	n := 0
	for _, task := range w.Tasks {
		if task.Status == TaskStatusRunning {
			n++
		}
	}
	return n
}

// WorkflowRecord is a plain serializable snapshot of a workflow.
type WorkflowRecord struct {
	ID          string                `json:"workflow_id"`
	Name        string                `json:"name"`
	Status      string                `json:"status"`
	CreatedAt   time.Time             `json:"created_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Tasks       map[string]TaskRecord `json:"tasks"`
	Metadata    map[string]any        `json:"metadata,omitempty"`
}

// Record returns a snapshot of the workflow and all its tasks.
func (w *Workflow) Record() WorkflowRecord {
	tasks := make(map[string]TaskRecord, len(w.Tasks))
	for id, task := range w.Tasks {
		tasks[id] = task.Record()
	}
	return WorkflowRecord{
		ID:          w.ID,
		Name:        w.Name,
		Status:      w.Status,
		CreatedAt:   w.CreatedAt,
		StartedAt:   w.StartedAt,
		CompletedAt: w.CompletedAt,
		Tasks:       tasks,
		Metadata:    w.Metadata,
	}
}
