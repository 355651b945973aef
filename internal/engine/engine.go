// Package engine executes dependency-ordered task workflows. Tasks run
// concurrently once their dependencies complete; the engine owns all task
// and workflow status mutations.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/internal/config"
	"github.com/pitabwire/medicoord/internal/observability"
	"github.com/pitabwire/medicoord/model"
)

// Engine manages the lifecycle of task workflows. All workflow state lives
// in memory; a single mutex guards the registry and every task mutation.
type Engine struct {
	mu           sync.Mutex
	workflows    map[string]*model.Workflow
	executing    map[string]bool
	pollInterval time.Duration
	taskTimeout  time.Duration

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewEngine creates a workflow engine.
func NewEngine(cfg config.EngineConfig, logger *zap.Logger, metrics *observability.Metrics) *Engine {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	taskTimeout := cfg.DefaultTaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = model.DefaultTaskTimeout
	}
	return &Engine{
		workflows:    make(map[string]*model.Workflow),
		executing:    make(map[string]bool),
		pollInterval: poll,
		taskTimeout:  taskTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

// CreateWorkflow registers an empty workflow and returns its id.
func (e *Engine) CreateWorkflow(name string) string {
	w := model.NewWorkflow(uuid.New().String(), name)

	e.mu.Lock()
	e.workflows[w.ID] = w
	e.mu.Unlock()

	e.logger.Info("workflow created",
		zap.String("workflow_id", w.ID),
		zap.String("name", name))
	return w.ID
}

// CreateCareWorkflow registers a workflow annotated with patient context.
// Priority is advisory metadata; scheduling does not act on it.
func (e *Engine) CreateCareWorkflow(name, patientID, workflowType string, priority int) string {
	id := e.CreateWorkflow(name)

	e.mu.Lock()
	w := e.workflows[id]
	w.Metadata["patient_id"] = patientID
	w.Metadata["workflow_type"] = workflowType
	w.Metadata["priority"] = priority
	e.mu.Unlock()

	return id
}

// AddTask attaches a task to a workflow. Returns false for unknown
// workflows. Dependency ids are not validated here; a dependency that
// never exists leaves the task permanently unready and fails the workflow
// at execution time.
func (e *Engine) AddTask(workflowID string, task *model.Task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workflows[workflowID]
	if !ok {
		return false
	}
	if task.Timeout <= 0 {
		task.Timeout = e.taskTimeout
	}
	w.Tasks[task.ID] = task
	return true
}

// ExecuteWorkflow drives a workflow to a terminal status and reports
// whether it reached completed. Individual task failures do not fail the
// workflow; the run completes and failure detail stays on the task
// records. Only workflows in created status can be started; re-execution
// of a terminal or already-running workflow returns false immediately.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string) bool {
	e.mu.Lock()
	w, ok := e.workflows[workflowID]
	if !ok || w.Status != model.WorkflowStatusCreated || e.executing[workflowID] {
		e.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	w.Status = model.WorkflowStatusRunning
	w.StartedAt = &now
	e.executing[workflowID] = true
	workflowType := workflowTypeOf(w)
	e.mu.Unlock()

	e.metrics.RecordWorkflowStart(workflowType)
	e.logger.Info("workflow execution started",
		zap.String("workflow_id", workflowID),
		zap.String("workflow_type", workflowType),
		zap.Int("tasks", len(w.Tasks)))

	return e.drive(ctx, workflowID)
}

// drive runs the scheduling loop until the workflow reaches a terminal
// status. It is entered by ExecuteWorkflow and re-entered by
// ResumeWorkflow when no executor is active.
func (e *Engine) drive(ctx context.Context, workflowID string) bool {
	defer func() {
		e.mu.Lock()
		delete(e.executing, workflowID)
		e.mu.Unlock()
	}()

	for {
		e.mu.Lock()
		w := e.workflows[workflowID]

		if w.Status == model.WorkflowStatusCancelled {
			e.mu.Unlock()
			e.finishWorkflow(workflowID, model.WorkflowStatusCancelled)
			return false
		}

		if w.Status == model.WorkflowStatusPaused {
			e.mu.Unlock()
			if !e.sleep(ctx, workflowID) {
				return false
			}
			continue
		}

		ready := w.ReadyTasks()
		if len(ready) == 0 {
			if w.PendingCount() == 0 {
				// Every task is terminal: the run is complete. Individual
				// task failures stay on the task records.
				e.mu.Unlock()
				e.finishWorkflow(workflowID, model.WorkflowStatusCompleted)
				return true
			}
			// Pending tasks remain but none can ever become ready: the
			// dependency graph has a cycle or references a missing task.
			for _, t := range w.Tasks {
				if t.Status == model.TaskStatusPending {
					e.skipTaskLocked(t, "unsatisfiable dependencies")
				}
			}
			e.mu.Unlock()
			e.finishWorkflow(workflowID, model.WorkflowStatusFailed)
			return false
		}

		for _, t := range ready {
			now := time.Now().UTC()
			t.Status = model.TaskStatusRunning
			t.StartedAt = &now
		}
		e.mu.Unlock()

		e.runBatch(ctx, workflowID, ready)
	}
}

// runBatch executes a set of ready tasks concurrently and waits for all
// of them to settle before the next scheduling round.
func (e *Engine) runBatch(ctx context.Context, workflowID string, batch []*model.Task) {
	var wg sync.WaitGroup
	for _, t := range batch {
		wg.Add(1)
		go func(task *model.Task) {
			defer wg.Done()
			e.runTask(ctx, workflowID, task)
		}(t)
	}
	wg.Wait()
}

// runTask executes one task with its timeout as a hard deadline. The task
// function runs in its own goroutine so a function that ignores its
// context cannot stall the scheduler; on timeout the goroutine is
// abandoned and the task recorded as failed.
func (e *Engine) runTask(ctx context.Context, workflowID string, task *model.Task) {
	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("task panic: %v", r)}
			}
		}()
		res, err := task.Fn(taskCtx)
		resultCh <- outcome{result: res, err: err}
	}()

	var res outcome
	select {
	case res = <-resultCh:
	case <-taskCtx.Done():
		res = outcome{err: model.NewTimeoutError(
			fmt.Sprintf("task %q exceeded timeout of %s", task.ID, task.Timeout))}
	}

	e.settleTask(workflowID, task, res.result, res.err)
}

// settleTask records a task outcome and, on failure, skips every
// transitive dependent so the pending set shrinks monotonically.
func (e *Engine) settleTask(workflowID string, task *model.Task, result any, err error) {
	e.mu.Lock()
	w := e.workflows[workflowID]

	// A cancel may have skipped the task while it was in flight.
	if task.Status != model.TaskStatusRunning {
		e.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	task.CompletedAt = &now
	var duration time.Duration
	if task.StartedAt != nil {
		duration = now.Sub(*task.StartedAt)
	}

	if err != nil {
		task.Status = model.TaskStatusFailed
		task.Err = err.Error()
		e.skipDependentsLocked(w)
	} else {
		task.Status = model.TaskStatusCompleted
		task.Result = result
	}
	status := task.Status
	e.mu.Unlock()

	e.metrics.RecordTaskExecution(status, duration)
	if err != nil {
		e.logger.Warn("task failed",
			zap.String("workflow_id", workflowID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		e.logger.Info("task completed",
			zap.String("workflow_id", workflowID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration))
	}
}

// skipDependentsLocked marks every pending task that transitively depends
// on a failed or skipped task as skipped. Caller holds the mutex.
func (e *Engine) skipDependentsLocked(w *model.Workflow) {
	for changed := true; changed; {
		changed = false
		for _, t := range w.Tasks {
			if t.Status != model.TaskStatusPending {
				continue
			}
			for _, dep := range t.Dependencies {
				d, ok := w.Tasks[dep]
				if !ok {
					continue
				}
				if d.Status == model.TaskStatusFailed || d.Status == model.TaskStatusSkipped {
					e.skipTaskLocked(t, fmt.Sprintf("dependency %q did not complete", dep))
					changed = true
					break
				}
			}
		}
	}
}

// skipTaskLocked marks a task skipped. Caller holds the mutex.
func (e *Engine) skipTaskLocked(t *model.Task, reason string) {
	now := time.Now().UTC()
	t.Status = model.TaskStatusSkipped
	t.Err = reason
	t.CompletedAt = &now
}

// finishWorkflow commits a terminal workflow status and emits the
// completion audit record.
func (e *Engine) finishWorkflow(workflowID, status string) {
	e.mu.Lock()
	w := e.workflows[workflowID]
	if !w.Terminal() {
		now := time.Now().UTC()
		w.Status = status
		w.CompletedAt = &now
	}
	final := w.Status
	workflowType := workflowTypeOf(w)
	e.mu.Unlock()

	e.metrics.RecordWorkflowCompletion(workflowType, final)
	e.logger.Info("workflow finished",
		zap.String("workflow_id", workflowID),
		zap.String("status", final))
}

// sleep blocks for one poll interval, returning false if the context was
// cancelled. Context cancellation cancels the workflow.
func (e *Engine) sleep(ctx context.Context, workflowID string) bool {
	select {
	case <-time.After(e.pollInterval):
		return true
	case <-ctx.Done():
		e.CancelWorkflow(workflowID)
		e.finishWorkflow(workflowID, model.WorkflowStatusCancelled)
		return false
	}
}

// CancelWorkflow cancels a workflow. Running and pending tasks become
// skipped; terminal workflows are left untouched and the call returns
// false.
func (e *Engine) CancelWorkflow(workflowID string) bool {
	e.mu.Lock()
	w, ok := e.workflows[workflowID]
	if !ok || w.Terminal() {
		e.mu.Unlock()
		return false
	}
	wasRunning := w.Status == model.WorkflowStatusRunning || w.Status == model.WorkflowStatusPaused
	for _, t := range w.Tasks {
		if t.Status == model.TaskStatusPending || t.Status == model.TaskStatusRunning {
			e.skipTaskLocked(t, "workflow cancelled")
		}
	}
	now := time.Now().UTC()
	w.Status = model.WorkflowStatusCancelled
	w.CompletedAt = &now
	workflowType := workflowTypeOf(w)
	e.mu.Unlock()

	if !wasRunning {
		// Never started, so no start metric to balance; record directly.
		e.metrics.WorkflowCompletionsTotal.WithLabelValues(workflowType, model.WorkflowStatusCancelled).Inc()
	}
	e.logger.Info("workflow cancelled", zap.String("workflow_id", workflowID))
	return true
}

// PauseWorkflow stops scheduling new task batches. Tasks already running
// are not interrupted; this is a scheduling pause, not a suspension of
// in-flight work.
func (e *Engine) PauseWorkflow(workflowID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workflows[workflowID]
	if !ok || w.Status != model.WorkflowStatusRunning {
		return false
	}
	w.Status = model.WorkflowStatusPaused
	e.logger.Info("workflow paused", zap.String("workflow_id", workflowID))
	return true
}

// ResumeWorkflow resumes a paused workflow. If the original executor is
// still parked it picks the change up on its next poll; otherwise a new
// drive loop is launched.
func (e *Engine) ResumeWorkflow(ctx context.Context, workflowID string) bool {
	e.mu.Lock()
	w, ok := e.workflows[workflowID]
	if !ok || w.Status != model.WorkflowStatusPaused {
		e.mu.Unlock()
		return false
	}
	w.Status = model.WorkflowStatusRunning
	relaunch := !e.executing[workflowID]
	if relaunch {
		e.executing[workflowID] = true
	}
	e.mu.Unlock()

	if relaunch {
		go e.drive(ctx, workflowID)
	}
	e.logger.Info("workflow resumed", zap.String("workflow_id", workflowID))
	return true
}

// WorkflowStatus returns the current status of a workflow.
func (e *Engine) WorkflowStatus(workflowID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workflows[workflowID]
	if !ok {
		return "", false
	}
	return w.Status, true
}

// WorkflowRecord returns a snapshot of a workflow and its tasks.
func (e *Engine) WorkflowRecord(workflowID string) (model.WorkflowRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.workflows[workflowID]
	if !ok {
		return model.WorkflowRecord{}, false
	}
	return w.Record(), true
}

// PatientWorkflows returns snapshots of all workflows annotated with the
// given patient id.
func (e *Engine) PatientWorkflows(patientID string) []model.WorkflowRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []model.WorkflowRecord
	for _, w := range e.workflows {
		if pid, _ := w.Metadata["patient_id"].(string); pid == patientID {
			out = append(out, w.Record())
		}
	}
	return out
}

func workflowTypeOf(w *model.Workflow) string {
	if t, _ := w.Metadata["workflow_type"].(string); t != "" {
		return t
	}
	return "generic"
}
