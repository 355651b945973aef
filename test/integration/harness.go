// Package integration provides a reusable harness for end-to-end testing
// of the coordination service. It wires the bus, workflow engine,
// operation manager and agent courier behind a real HTTP server.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/internal/agent"
	"github.com/pitabwire/medicoord/internal/bus"
	"github.com/pitabwire/medicoord/internal/config"
	"github.com/pitabwire/medicoord/internal/engine"
	"github.com/pitabwire/medicoord/internal/observability"
	"github.com/pitabwire/medicoord/internal/pause"
	"github.com/pitabwire/medicoord/internal/statemachine"
	"github.com/pitabwire/medicoord/internal/transport"
)

// TestHarness is a fully wired coordinator instance with its HTTP API
// served over httptest.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Bus        *bus.Bus
	Engine     *engine.Engine
	Operations *pause.Manager
	Agents     *agent.Registry
	Courier    *agent.Courier
	API        *transport.Server
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	criticalTypes []string
	templates     map[string]transport.WorkflowTemplate
	pollInterval  time.Duration
}

// WithCriticalTypes sets the operation types that refuse to pause.
func WithCriticalTypes(types ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.criticalTypes = types
	}
}

// WithTemplate registers a workflow template on the API server.
func WithTemplate(name string, tpl transport.WorkflowTemplate) HarnessOption {
	return func(c *harnessConfig) {
		c.templates[name] = tpl
	}
}

// NewTestHarness creates and starts a coordinator instance. Everything is
// cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()
	t.Setenv("MEDICOORD_AGENT_SECRET", "integration-secret")

	hc := &harnessConfig{
		templates:    make(map[string]transport.WorkflowTemplate),
		pollInterval: 5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zap.NewNop()
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	b := bus.New(config.BusConfig{
		QueueSize:           128,
		MaintenanceInterval: 20 * time.Millisecond,
	}, logger, metrics)
	b.Start(context.Background())
	t.Cleanup(b.Stop)

	eng := engine.NewEngine(config.EngineConfig{PollInterval: hc.pollInterval}, logger, metrics)

	agents := agent.NewRegistry(logger)
	courier := agent.NewCourier(config.AgentsConfig{
		SecretEnv:      "MEDICOORD_AGENT_SECRET",
		RequestTimeout: 2 * time.Second,
		EnvelopeTTL:    time.Minute,
	}, b, agents, logger)

	store := pause.NewMemoryOperationStore()
	operations := pause.NewManager(config.OperationsConfig{
		CriticalTypes: hc.criticalTypes,
		Store:         config.OperationStoreConfig{DefaultTTL: time.Hour},
	}, logger, metrics,
		pause.WithStore(store),
		pause.WithRebinder(agents.OperationRebinder()))

	api := transport.NewServer(transport.Deps{
		Engine:         eng,
		Operations:     operations,
		Bus:            b,
		Logger:         logger,
		Metrics:        metrics,
		MachineOptions: []statemachine.Option{statemachine.WithMetrics(metrics)},
		Readiness:      observability.ReadinessChecks{BusRunning: b.Running},
	})
	for name, tpl := range hc.templates {
		api.RegisterTemplate(name, tpl)
	}

	h := &TestHarness{
		t:          t,
		Bus:        b,
		Engine:     eng,
		Operations: operations,
		Agents:     agents,
		Courier:    courier,
		API:        api,
	}
	h.server = httptest.NewServer(api.Routes())
	t.Cleanup(h.server.Close)
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GET performs a GET request against the API.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, "")
}

// POST performs a POST request with a JSON body against the API.
func (h *TestHarness) POST(path, body string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body)
}

func (h *TestHarness) doRequest(method, path, body string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(resp *http.Response, expected int) {
	h.t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		h.t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// WaitForWorkflowStatus polls the API until the workflow reports the
// wanted status or the deadline passes.
func (h *TestHarness) WaitForWorkflowStatus(workflowID, want string, deadline time.Duration) map[string]any {
	h.t.Helper()

	stop := time.Now().Add(deadline)
	for {
		var record map[string]any
		resp := h.GET("/v1/workflows/" + workflowID)
		h.AssertStatus(resp, http.StatusOK)
		h.ParseJSON(resp, &record)
		if record["status"] == want {
			return record
		}
		if time.Now().After(stop) {
			h.t.Fatalf("workflow %s status = %v, want %s", workflowID, record["status"], want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
