package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/internal/bus"
	"github.com/pitabwire/medicoord/internal/config"
	"github.com/pitabwire/medicoord/internal/engine"
	"github.com/pitabwire/medicoord/internal/observability"
	"github.com/pitabwire/medicoord/internal/pause"
	"github.com/pitabwire/medicoord/model"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	b := bus.New(config.BusConfig{QueueSize: 16}, logger, metrics)
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	eng := engine.NewEngine(config.EngineConfig{PollInterval: 5 * time.Millisecond}, logger, metrics)
	ops := pause.NewManager(config.OperationsConfig{
		CriticalTypes: []string{"life_support"},
	}, logger, metrics)

	return NewServer(Deps{
		Engine:     eng,
		Operations: ops,
		Bus:        b,
		Logger:     logger,
		Metrics:    metrics,
		Readiness:  observability.ReadinessChecks{BusRunning: b.Running},
	})
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestServer_createWorkflowFromTemplate(t *testing.T) {
	s := newTestServer(t)
	s.RegisterTemplate("admission", func(patientID string) []*model.Task {
		intake := model.NewTask("intake", "intake", func(context.Context) (any, error) {
			return patientID, nil
		})
		verify := model.NewTask("verify", "verify insurance", func(context.Context) (any, error) {
			return "verified", nil
		}, "intake")
		return []*model.Task{intake, verify}
	})
	h := s.Routes()

	rec := doRequest(t, h, http.MethodPost, "/v1/workflows",
		`{"template":"admission","patient_id":"p-1","priority":2}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created workflowStatusResponse
	decodeBody(t, rec, &created)
	if created.WorkflowID == "" {
		t.Fatal("create response has no workflow id")
	}

	// Execution is asynchronous; poll until terminal.
	deadline := time.Now().Add(2 * time.Second)
	var record model.WorkflowRecord
	for {
		get := doRequest(t, h, http.MethodGet, "/v1/workflows/"+created.WorkflowID, "")
		if get.Code != http.StatusOK {
			t.Fatalf("get status = %d", get.Code)
		}
		decodeBody(t, get, &record)
		if record.Status == model.WorkflowStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow status = %q, want completed", record.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if record.Tasks["verify"].Status != model.TaskStatusCompleted {
		t.Errorf("verify task status = %q, want completed", record.Tasks["verify"].Status)
	}
	if record.Metadata["patient_id"] != "p-1" {
		t.Errorf("metadata = %v, want patient_id p-1", record.Metadata)
	}
}

func TestServer_createWorkflowValidation(t *testing.T) {
	s := newTestServer(t)
	h := s.Routes()

	rec := doRequest(t, h, http.MethodPost, "/v1/workflows", `{"template":"ghost","patient_id":"p-1"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown template status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/workflows", `{"patient_id":"p-1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing template status = %d, want 400", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/workflows", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestServer_workflowLifecycleActions(t *testing.T) {
	s := newTestServer(t)
	release := make(chan struct{})
	s.RegisterTemplate("slow", func(string) []*model.Task {
		return []*model.Task{model.NewTask("wait", "wait", func(ctx context.Context) (any, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})}
	})
	h := s.Routes()

	rec := doRequest(t, h, http.MethodPost, "/v1/workflows", `{"template":"slow","patient_id":"p-2"}`)
	var created workflowStatusResponse
	decodeBody(t, rec, &created)
	id := created.WorkflowID

	// Wait until the engine reports the workflow running.
	deadline := time.Now().Add(time.Second)
	for {
		var record model.WorkflowRecord
		decodeBody(t, doRequest(t, h, http.MethodGet, "/v1/workflows/"+id, ""), &record)
		if record.Status == model.WorkflowStatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("workflow never started running")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if rec := doRequest(t, h, http.MethodPost, "/v1/workflows/"+id+":pause", ""); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, h, http.MethodPost, "/v1/workflows/"+id+":pause", ""); rec.Code != http.StatusConflict {
		t.Errorf("double pause status = %d, want 409", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/v1/workflows/"+id+":resume", ""); rec.Code != http.StatusOK {
		t.Errorf("resume status = %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/v1/workflows/"+id+":cancel", ""); rec.Code != http.StatusOK {
		t.Errorf("cancel status = %d", rec.Code)
	}
	close(release)

	if rec := doRequest(t, h, http.MethodPost, "/v1/workflows/nope:cancel", ""); rec.Code != http.StatusNotFound {
		t.Errorf("cancel unknown workflow status = %d, want 404", rec.Code)
	}
}

func TestServer_operationEndpoints(t *testing.T) {
	s := newTestServer(t)
	h := s.Routes()
	block := make(chan struct{})
	defer close(block)

	runningOp := func(ctx context.Context) (any, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, nil
	}
	opID := s.operations.CreateOperation("infusion", "medication", runningOp,
		map[string]any{"patient_id": "p-3"})
	s.operations.StartOperation(context.Background(), opID)
	criticalID := s.operations.CreateOperation("ventilator", "life_support", runningOp, nil)
	s.operations.StartOperation(context.Background(), criticalID)

	var list struct {
		Operations []model.OperationRecord `json:"operations"`
	}
	decodeBody(t, doRequest(t, h, http.MethodGet, "/v1/operations", ""), &list)
	if len(list.Operations) != 2 {
		t.Errorf("operations listed = %d, want 2", len(list.Operations))
	}
	decodeBody(t, doRequest(t, h, http.MethodGet, "/v1/operations?patient_id=p-3", ""), &list)
	if len(list.Operations) != 1 || list.Operations[0].ID != opID {
		t.Errorf("patient filter returned %v, want only %s", list.Operations, opID)
	}

	if rec := doRequest(t, h, http.MethodPost, "/v1/operations/"+opID+":pause", ""); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, h, http.MethodPost, "/v1/operations/"+opID+":resume", ""); rec.Code != http.StatusOK {
		t.Errorf("resume status = %d", rec.Code)
	}

	rec := doRequest(t, h, http.MethodPost, "/v1/operations/"+criticalID+":pause", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("pause critical status = %d, want 409", rec.Code)
	}
	var envelope model.ErrorEnvelope
	decodeBody(t, rec, &envelope)
	if envelope.Code != model.ErrOperationNotPausable {
		t.Errorf("pause critical code = %q, want OPERATION_NOT_PAUSABLE", envelope.Code)
	}

	if rec := doRequest(t, h, http.MethodPost, "/v1/operations/"+opID+":cancel", ""); rec.Code != http.StatusOK {
		t.Errorf("cancel status = %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/v1/operations/ghost:pause", ""); rec.Code != http.StatusNotFound {
		t.Errorf("pause unknown operation status = %d, want 404", rec.Code)
	}
}

func TestServer_patientStateTransitions(t *testing.T) {
	s := newTestServer(t)
	h := s.Routes()

	// No machine until the first transition.
	if rec := doRequest(t, h, http.MethodGet, "/v1/patients/p-9/state", ""); rec.Code != http.StatusNotFound {
		t.Errorf("state before intake status = %d, want 404", rec.Code)
	}

	rec := doRequest(t, h, http.MethodPost, "/v1/patients/p-9/state:transition", `{"target":"triage"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("transition status = %d, body %s", rec.Code, rec.Body.String())
	}
	var state patientStateResponse
	decodeBody(t, rec, &state)
	if state.State != model.StateTriage {
		t.Errorf("state = %q, want triage", state.State)
	}
	if len(state.History) != 1 {
		t.Errorf("history length = %d, want 1", len(state.History))
	}

	// Skipping ahead is rejected.
	rec = doRequest(t, h, http.MethodPost, "/v1/patients/p-9/state:transition", `{"target":"treatment"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("invalid transition status = %d, want 409", rec.Code)
	}
	var envelope model.ErrorEnvelope
	decodeBody(t, rec, &envelope)
	if envelope.Code != model.ErrInvalidTransition {
		t.Errorf("code = %q, want INVALID_TRANSITION", envelope.Code)
	}

	// Emergency escalation from triage.
	rec = doRequest(t, h, http.MethodPost, "/v1/patients/p-9/state:transition", `{"emergency":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("emergency status = %d, body %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &state)
	if state.State != model.StateEmergency {
		t.Errorf("state = %q, want emergency", state.State)
	}

	// Administrative correction requires a reason.
	rec = doRequest(t, h, http.MethodPost, "/v1/patients/p-9/state:transition", `{"target":"monitoring","force":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("force without reason status = %d, want 400", rec.Code)
	}
	rec = doRequest(t, h, http.MethodPost, "/v1/patients/p-9/state:transition",
		`{"target":"monitoring","force":true,"reason":"charting error"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("forced change status = %d", rec.Code)
	}

	get := doRequest(t, h, http.MethodGet, "/v1/patients/p-9/state", "")
	decodeBody(t, get, &state)
	if state.State != model.StateMonitoring {
		t.Errorf("state after force = %q, want monitoring", state.State)
	}
}

func TestServer_busStatsAndHealth(t *testing.T) {
	s := newTestServer(t)
	h := s.Routes()

	s.bus.Publish(context.Background(), model.ChannelTriage, map[string]any{"x": 1}, "tester")

	rec := doRequest(t, h, http.MethodGet, "/v1/bus/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("bus stats status = %d", rec.Code)
	}
	var stats bus.Statistics
	decodeBody(t, rec, &stats)
	if stats.Published != 1 {
		t.Errorf("published = %d, want 1", stats.Published)
	}

	if rec := doRequest(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}

	s.bus.Stop()
	if rec := doRequest(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with stopped bus status = %d, want 503", rec.Code)
	}
}

func TestServer_correlationIDEchoed(t *testing.T) {
	s := newTestServer(t)
	h := s.Routes()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("correlation header = %q, want corr-123", got)
	}

	rec = doRequest(t, h, http.MethodGet, "/healthz", "")
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("no correlation id generated")
	}
}
