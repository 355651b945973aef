package pause

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/internal/config"
	"github.com/pitabwire/medicoord/internal/observability"
	"github.com/pitabwire/medicoord/model"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	cfg := config.OperationsConfig{
		CriticalTypes: []string{"emergency_procedure", "life_support", "critical_monitoring"},
		Store:         config.OperationStoreConfig{DefaultTTL: time.Hour},
	}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	return NewManager(cfg, zap.NewNop(), metrics, opts...)
}

// waitForStatus polls until the operation reaches the wanted status or the
// deadline passes.
func waitForStatus(t *testing.T, m *Manager, id, want string) model.OperationRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok := m.Operation(id)
		if !ok {
			t.Fatalf("operation %q disappeared", id)
		}
		if rec.Status == want {
			return rec
		}
		time.Sleep(2 * time.Millisecond)
	}
	rec, _ := m.Operation(id)
	t.Fatalf("operation %q status = %q, want %q", id, rec.Status, want)
	return rec
}

func TestManager_startRunsToCompletion(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateOperation("vitals sweep", "routine_monitoring", func(ctx context.Context) (any, error) {
		return map[string]any{"checked": 12}, nil
	}, nil)

	if !m.StartOperation(context.Background(), id) {
		t.Fatal("StartOperation = false, want true")
	}

	rec := waitForStatus(t, m, id, model.OperationStatusCompleted)
	if rec.Progress != 1.0 {
		t.Errorf("progress = %v, want 1.0", rec.Progress)
	}
	if rec.Result == nil {
		t.Error("result not recorded")
	}

	// Re-starting a terminal operation is rejected.
	if m.StartOperation(context.Background(), id) {
		t.Error("StartOperation on completed operation = true, want false")
	}
}

func TestManager_targetErrorRecordedNotPropagated(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateOperation("infusion", "medication", func(ctx context.Context) (any, error) {
		return nil, errors.New("pump offline")
	}, nil)

	m.StartOperation(context.Background(), id)

	rec := waitForStatus(t, m, id, model.OperationStatusFailed)
	if rec.Error != "pump offline" {
		t.Errorf("error = %q, want %q", rec.Error, "pump offline")
	}
}

func TestManager_targetPanicRecordedAsFailure(t *testing.T) {
	m := newTestManager(t)
	id := m.CreateOperation("scan", "imaging", func(ctx context.Context) (any, error) {
		panic("scanner fault")
	}, nil)

	m.StartOperation(context.Background(), id)
	rec := waitForStatus(t, m, id, model.OperationStatusFailed)
	if rec.Error == "" {
		t.Error("panic not recorded on operation")
	}
}

func TestManager_pauseAndResumeRerunsTarget(t *testing.T) {
	m := newTestManager(t)

	runs := make(chan int, 4)
	attempt := 0
	block := make(chan struct{})
	id := m.CreateOperation("dialysis", "scheduled_procedure", func(ctx context.Context) (any, error) {
		attempt++
		runs <- attempt
		if attempt == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		<-block
		return "done", nil
	}, nil)

	m.StartOperation(context.Background(), id)
	<-runs

	if !m.PauseOperation(id) {
		t.Fatal("PauseOperation = false, want true")
	}
	rec, _ := m.Operation(id)
	if rec.Status != model.OperationStatusPaused {
		t.Fatalf("status = %q, want %q", rec.Status, model.OperationStatusPaused)
	}
	if rec.PausedAt == nil {
		t.Error("PausedAt not set")
	}

	if !m.ResumeOperation(context.Background(), id) {
		t.Fatal("ResumeOperation = false, want true")
	}
	if got := <-runs; got != 2 {
		t.Errorf("resume ran attempt %d, want 2", got)
	}
	close(block)

	waitForStatus(t, m, id, model.OperationStatusCompleted)
}

func TestManager_criticalTypesRefusePause(t *testing.T) {
	m := newTestManager(t)

	block := make(chan struct{})
	defer close(block)
	id := m.CreateOperation("ventilation", "life_support", func(ctx context.Context) (any, error) {
		<-block
		return "ok", nil
	}, nil)

	m.StartOperation(context.Background(), id)

	if m.PauseOperation(id) {
		t.Error("PauseOperation on life_support = true, want false")
	}
	rec, _ := m.Operation(id)
	if rec.Status != model.OperationStatusRunning {
		t.Errorf("status = %q, want still %q", rec.Status, model.OperationStatusRunning)
	}
}

func TestManager_cancelSemantics(t *testing.T) {
	m := newTestManager(t)

	id := m.CreateOperation("observation", "routine_monitoring", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	m.StartOperation(context.Background(), id)

	if !m.CancelOperation(id) {
		t.Fatal("CancelOperation = false, want true")
	}
	rec, _ := m.Operation(id)
	if rec.Status != model.OperationStatusCancelled {
		t.Errorf("status = %q, want %q", rec.Status, model.OperationStatusCancelled)
	}

	// Terminal operations reject both cancel and resume.
	if m.CancelOperation(id) {
		t.Error("CancelOperation on cancelled operation = true, want false")
	}
	if m.ResumeOperation(context.Background(), id) {
		t.Error("ResumeOperation on cancelled operation = true, want false")
	}
}

func TestManager_setProgressClampsAndGates(t *testing.T) {
	m := newTestManager(t)

	block := make(chan struct{})
	defer close(block)
	id := m.CreateOperation("transfusion", "medication", func(ctx context.Context) (any, error) {
		<-block
		return "ok", nil
	}, nil)

	// Pending operations do not accept progress.
	if m.SetProgress(id, 0.5) {
		t.Error("SetProgress on pending operation = true, want false")
	}

	m.StartOperation(context.Background(), id)
	if !m.SetProgress(id, 2.5) {
		t.Fatal("SetProgress = false, want true")
	}
	rec, _ := m.Operation(id)
	if rec.Progress != 1.0 {
		t.Errorf("progress = %v, want clamped 1.0", rec.Progress)
	}
}

func TestManager_patientOperations(t *testing.T) {
	m := newTestManager(t)
	meta := map[string]any{"patient_id": "patient-7"}
	m.CreateOperation("a", "routine_monitoring", nil, meta)
	m.CreateOperation("b", "imaging", nil, meta)
	m.CreateOperation("c", "imaging", nil, map[string]any{"patient_id": "patient-8"})

	if got := len(m.PatientOperations("patient-7")); got != 2 {
		t.Errorf("PatientOperations(patient-7) = %d operations, want 2", got)
	}
}

func TestManager_saveAndLoadRoundTrip(t *testing.T) {
	store := NewMemoryOperationStore()
	m := newTestManager(t, WithStore(store))

	id := m.CreateOperation("rehab plan", "therapy", func(ctx context.Context) (any, error) {
		return "done", nil
	}, map[string]any{"patient_id": "patient-3"})

	if err := m.SaveOperation(context.Background(), id); err != nil {
		t.Fatalf("SaveOperation: %v", err)
	}

	// A fresh manager simulates a restart; the callable must be rebound.
	m2 := newTestManager(t, WithStore(store))
	if err := m2.LoadOperation(context.Background(), id, func(ctx context.Context) (any, error) {
		return "rebound", nil
	}); err != nil {
		t.Fatalf("LoadOperation: %v", err)
	}

	rec, ok := m2.Operation(id)
	if !ok {
		t.Fatal("operation missing after load")
	}
	if rec.Name != "rehab plan" || rec.Type != "therapy" {
		t.Errorf("loaded record = %q/%q, want rehab plan/therapy", rec.Name, rec.Type)
	}
	if pid, _ := rec.Metadata["patient_id"].(string); pid != "patient-3" {
		t.Errorf("loaded metadata patient_id = %q, want patient-3", pid)
	}

	if !m2.StartOperation(context.Background(), id) {
		t.Fatal("StartOperation after load = false, want true")
	}
	final := waitForStatus(t, m2, id, model.OperationStatusCompleted)
	if final.Result != "rebound" {
		t.Errorf("result = %v, want rebound", final.Result)
	}
}

func TestManager_loadWithoutTargetUsesRebinder(t *testing.T) {
	store := NewMemoryOperationStore()
	m := newTestManager(t, WithStore(store))

	id := m.CreateOperation("draw labs", "lab", func(ctx context.Context) (any, error) {
		return nil, nil
	}, map[string]any{"handler": "lab.draw"})
	if err := m.SaveOperation(context.Background(), id); err != nil {
		t.Fatalf("SaveOperation: %v", err)
	}

	var resolvedHandler string
	m2 := newTestManager(t, WithStore(store), WithRebinder(func(rec model.OperationRecord) model.OperationFunc {
		resolvedHandler, _ = rec.Metadata["handler"].(string)
		return func(ctx context.Context) (any, error) { return "via rebinder", nil }
	}))

	if err := m2.LoadOperation(context.Background(), id, nil); err != nil {
		t.Fatalf("LoadOperation: %v", err)
	}
	if resolvedHandler != "lab.draw" {
		t.Errorf("rebinder saw handler %q, want lab.draw", resolvedHandler)
	}

	// No target and no rebinder is a hard error.
	m3 := newTestManager(t, WithStore(store))
	err := m3.LoadOperation(context.Background(), id, nil)
	var envelope *model.ErrorEnvelope
	if !errors.As(err, &envelope) || envelope.Code != model.ErrBadRequest {
		t.Errorf("LoadOperation without target = %v, want BAD_REQUEST envelope", err)
	}
}
