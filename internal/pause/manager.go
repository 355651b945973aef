// Package pause manages long-running operations that can be paused,
// resumed and cancelled. Critical operation types are protected: a pause
// request against them is always refused.
package pause

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

// Rebinder resolves an operation's target callable from its persisted
// record when none is supplied at load time.
type Rebinder func(rec model.OperationRecord) model.OperationFunc

// Manager owns all operations and their lifecycle. A single mutex guards
// the registry; operation targets run in detached goroutines whose
// contexts the manager cancels on pause and cancel.
type Manager struct {
	mu         sync.Mutex
	operations map[string]*model.Operation
	cancels    map[string]context.CancelFunc
	tokens     map[string]int
	critical   map[string]bool

	store    OperationStore
	storeTTL time.Duration
	rebind   Rebinder
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore attaches a persistence backend for operation snapshots.
func WithStore(store OperationStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithRebinder sets the fallback used by LoadOperation to resolve a
// target callable from a persisted record.
func WithRebinder(r Rebinder) Option {
	return func(m *Manager) { m.rebind = r }
}

// NewManager creates an operation manager. The critical type list from
// configuration defines which operations refuse to pause.
func NewManager(cfg config.OperationsConfig, logger *zap.Logger, metrics *observability.Metrics, opts ...Option) *Manager {
	critical := make(map[string]bool, len(cfg.CriticalTypes))
	for _, t := range cfg.CriticalTypes {
		critical[t] = true
	}
	m := &Manager{
		operations: make(map[string]*model.Operation),
		cancels:    make(map[string]context.CancelFunc),
		tokens:     make(map[string]int),
		critical:   critical,
		storeTTL:   cfg.Store.DefaultTTL,
		logger:     logger,
		metrics:    metrics,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateOperation registers a pending operation and returns its id.
func (m *Manager) CreateOperation(name, opType string, target model.OperationFunc, metadata map[string]any) string {
	if metadata == nil {
		metadata = make(map[string]any)
	}
	op := &model.Operation{
		ID:        uuid.New().String(),
		Name:      name,
		Type:      opType,
		Target:    target,
		Status:    model.OperationStatusPending,
		CreatedAt: time.Now().UTC(),
		Metadata:  metadata,
	}

	m.mu.Lock()
	m.operations[op.ID] = op
	m.mu.Unlock()

	m.logger.Info("operation created",
		zap.String("operation_id", op.ID),
		zap.String("name", name),
		zap.String("operation_type", opType))
	return op.ID
}

// StartOperation moves a pending operation to running and launches its
// target in a detached goroutine. Outcomes are recorded on the operation,
// never propagated to the caller.
func (m *Manager) StartOperation(_ context.Context, operationID string) bool {
	m.mu.Lock()
	op, ok := m.operations[operationID]
	if !ok || op.Status != model.OperationStatusPending || op.Target == nil {
		m.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	op.Status = model.OperationStatusRunning
	op.StartedAt = &now
	token := m.launchLocked(op)
	m.mu.Unlock()

	m.logger.Info("operation started",
		zap.String("operation_id", operationID),
		zap.Int("run", token))
	return true
}

// launchLocked starts one run of the operation target. Caller holds the
// mutex and has already set the operation to running.
func (m *Manager) launchLocked(op *model.Operation) int {
	// The run context is detached from the caller: operations outlive the
	// request that started them.
	runCtx, cancel := context.WithCancel(context.Background())
	m.tokens[op.ID]++
	token := m.tokens[op.ID]
	m.cancels[op.ID] = cancel

	go m.run(runCtx, op.ID, op.Target, token)
	return token
}

// run executes one attempt of the target and settles the outcome. Stale
// runs, superseded by a pause/resume cycle, are discarded.
func (m *Manager) run(ctx context.Context, operationID string, target model.OperationFunc, token int) {
	var result any
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("operation panic: %v", r)
			}
		}()
		result, err = target(ctx)
	}()

	m.mu.Lock()
	op := m.operations[operationID]
	if op == nil || op.Status != model.OperationStatusRunning || m.tokens[operationID] != token {
		// Paused, cancelled or superseded while in flight.
		m.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	op.CompletedAt = &now
	delete(m.cancels, operationID)
	if err != nil {
		op.Status = model.OperationStatusFailed
		op.Err = err.Error()
	} else {
		op.Status = model.OperationStatusCompleted
		op.Result = result
		op.Progress = 1.0
	}
	status := op.Status
	opType := op.Type
	m.mu.Unlock()

	m.metrics.RecordOperation(opType, status)
	if err != nil {
		m.logger.Warn("operation failed",
			zap.String("operation_id", operationID),
			zap.Error(err))
	} else {
		m.logger.Info("operation completed",
			zap.String("operation_id", operationID))
	}
}

// PauseOperation pauses a running operation. Critical operation types are
// always refused and the operation keeps running. The in-flight run is
// cancelled; resume re-runs the target from the top.
func (m *Manager) PauseOperation(operationID string) bool {
	m.mu.Lock()
	op, ok := m.operations[operationID]
	if !ok || op.Status != model.OperationStatusRunning {
		m.mu.Unlock()
		return false
	}
	if m.critical[op.Type] {
		opType := op.Type
		m.mu.Unlock()
		m.metrics.RecordPauseRejection(opType)
		m.logger.Warn("pause refused for critical operation",
			zap.String("operation_id", operationID),
			zap.String("operation_type", opType))
		return false
	}

	now := time.Now().UTC()
	op.Status = model.OperationStatusPaused
	op.PausedAt = &now
	cancel := m.cancels[operationID]
	delete(m.cancels, operationID)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.metrics.OperationsPausedActive.Inc()
	m.logger.Info("operation paused", zap.String("operation_id", operationID))
	return true
}

// ResumeOperation resumes a paused operation by re-running its target
// from the beginning. There is no mid-operation checkpointing; targets
// needing finer resumption must track their own progress in metadata.
func (m *Manager) ResumeOperation(_ context.Context, operationID string) bool {
	m.mu.Lock()
	op, ok := m.operations[operationID]
	if !ok || op.Status != model.OperationStatusPaused || op.Target == nil {
		m.mu.Unlock()
		return false
	}
	op.Status = model.OperationStatusRunning
	op.PausedAt = nil
	token := m.launchLocked(op)
	m.mu.Unlock()

	m.metrics.OperationsPausedActive.Dec()
	m.logger.Info("operation resumed",
		zap.String("operation_id", operationID),
		zap.Int("run", token))
	return true
}

// CancelOperation cancels a pending, running or paused operation.
// Terminal operations are left untouched and the call returns false.
func (m *Manager) CancelOperation(operationID string) bool {
	m.mu.Lock()
	op, ok := m.operations[operationID]
	if !ok || op.Terminal() {
		m.mu.Unlock()
		return false
	}
	wasPaused := op.Status == model.OperationStatusPaused
	now := time.Now().UTC()
	op.Status = model.OperationStatusCancelled
	op.CompletedAt = &now
	cancel := m.cancels[operationID]
	delete(m.cancels, operationID)
	opType := op.Type
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasPaused {
		m.metrics.OperationsPausedActive.Dec()
	}
	m.metrics.RecordOperation(opType, model.OperationStatusCancelled)
	m.logger.Info("operation cancelled", zap.String("operation_id", operationID))
	return true
}

// SetProgress updates an operation's progress, clamped to [0, 1]. Only
// running operations accept progress updates.
func (m *Manager) SetProgress(operationID string, progress float64) bool {
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[operationID]
	if !ok || op.Status != model.OperationStatusRunning {
		return false
	}
	op.Progress = progress
	return true
}

// Operation returns a snapshot of one operation.
func (m *Manager) Operation(operationID string) (model.OperationRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.operations[operationID]
	if !ok {
		return model.OperationRecord{}, false
	}
	return op.Record(), true
}

// Operations returns snapshots of every registered operation.
func (m *Manager) Operations() []model.OperationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.OperationRecord, 0, len(m.operations))
	for _, op := range m.operations {
		out = append(out, op.Record())
	}
	return out
}

// PatientOperations returns snapshots of operations annotated with the
// given patient id in their metadata.
func (m *Manager) PatientOperations(patientID string) []model.OperationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.OperationRecord
	for _, op := range m.operations {
		if pid, _ := op.Metadata["patient_id"].(string); pid == patientID {
			out = append(out, op.Record())
		}
	}
	return out
}

// SaveOperation persists an operation snapshot to the configured store.
func (m *Manager) SaveOperation(ctx context.Context, operationID string) error {
	if m.store == nil {
		return model.NewInternalError(fmt.Errorf("no operation store configured"))
	}

	m.mu.Lock()
	op, ok := m.operations[operationID]
	if !ok {
		m.mu.Unlock()
		return model.NewNotFoundError(fmt.Sprintf("operation %q not found", operationID))
	}
	rec := op.Record()
	m.mu.Unlock()

	return m.store.Save(ctx, rec, m.storeTTL)
}

// LoadOperation restores an operation from the store, rebinding the
// supplied target callable. When target is nil the configured rebinder
// resolves one from the record; without either the load fails, since a
// callable cannot be serialized.
func (m *Manager) LoadOperation(ctx context.Context, operationID string, target model.OperationFunc) error {
	if m.store == nil {
		return model.NewInternalError(fmt.Errorf("no operation store configured"))
	}

	rec, found, err := m.store.Load(ctx, operationID)
	if err != nil {
		return err
	}
	if !found {
		return model.NewNotFoundError(fmt.Sprintf("operation %q not found in store", operationID))
	}

	if target == nil && m.rebind != nil {
		target = m.rebind(rec)
	}
	if target == nil {
		return model.NewBadRequestError(
			fmt.Sprintf("operation %q has no target callable to rebind", operationID))
	}

	op := &model.Operation{ID: rec.ID, Target: target}
	op.Apply(rec)

	m.mu.Lock()
	m.operations[op.ID] = op
	m.mu.Unlock()

	m.logger.Info("operation loaded from store",
		zap.String("operation_id", operationID),
		zap.String("status", op.Status))
	return nil
}
