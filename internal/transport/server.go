package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/internal/bus"
	"github.com/pitabwire/medicoord/internal/engine"
	"github.com/pitabwire/medicoord/internal/mesh"
	"github.com/pitabwire/medicoord/internal/observability"
	"github.com/pitabwire/medicoord/internal/pause"
	"github.com/pitabwire/medicoord/internal/statemachine"
	"github.com/pitabwire/medicoord/model"
)

// WorkflowTemplate builds the task graph for one care workflow instance.
// Tasks carry callables, so workflows are created from registered
// templates rather than posted task definitions.
type WorkflowTemplate func(patientID string) []*model.Task

// Deps bundles the subsystems the API exposes.
type Deps struct {
	Engine     *engine.Engine
	Operations *pause.Manager
	Bus        *bus.Bus
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Readiness  observability.ReadinessChecks

	// Mesh is optional; without it the service listing endpoint reports
	// an empty mesh.
	Mesh *mesh.Mesh

	// MachineOptions apply to every patient state machine the server
	// creates.
	MachineOptions []statemachine.Option
}

// Server is the HTTP face of the coordinator.
type Server struct {
	engine     *engine.Engine
	operations *pause.Manager
	bus        *bus.Bus
	mesh       *mesh.Mesh
	logger     *zap.Logger
	metrics    *observability.Metrics
	readiness  observability.ReadinessChecks

	mu          sync.Mutex
	machines    map[string]*statemachine.Machine
	templates   map[string]WorkflowTemplate
	machineOpts []statemachine.Option
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	return &Server{
		engine:      deps.Engine,
		operations:  deps.Operations,
		bus:         deps.Bus,
		mesh:        deps.Mesh,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		readiness:   deps.Readiness,
		machines:    make(map[string]*statemachine.Machine),
		templates:   make(map[string]WorkflowTemplate),
		machineOpts: deps.MachineOptions,
	}
}

// RegisterTemplate makes a workflow template available to the create
// endpoint. Later registrations under the same name replace earlier ones.
func (s *Server) RegisterTemplate(name string, tpl WorkflowTemplate) {
	s.mu.Lock()
	s.templates[name] = tpl
	s.mu.Unlock()
}

// machineFor returns the patient's state machine, creating one at intake
// on first contact.
func (s *Server) machineFor(patientID string) *statemachine.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[patientID]
	if !ok {
		m = statemachine.New(patientID, s.logger, s.machineOpts...)
		s.machines[patientID] = m
	}
	return m
}

// machineIfExists returns the patient's state machine without creating one.
func (s *Server) machineIfExists(patientID string) (*statemachine.Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[patientID]
	return m, ok
}

// Routes builds the router with the full middleware chain.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(CorrelationID(s.logger))
	r.Use(observability.TracingMiddleware)
	r.Use(s.metrics.MetricsMiddleware)
	r.Use(RequestLog(s.logger))
	r.Use(Recover(s.logger))

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(s.readiness))
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/workflows", s.handleCreateWorkflow)
		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Post("/workflows/{id}:cancel", s.handleCancelWorkflow)
		r.Post("/workflows/{id}:pause", s.handlePauseWorkflow)
		r.Post("/workflows/{id}:resume", s.handleResumeWorkflow)

		r.Get("/operations", s.handleListOperations)
		r.Get("/operations/{id}", s.handleGetOperation)
		r.Post("/operations/{id}:pause", s.handlePauseOperation)
		r.Post("/operations/{id}:resume", s.handleResumeOperation)
		r.Post("/operations/{id}:cancel", s.handleCancelOperation)

		r.Get("/patients/{id}/state", s.handleGetPatientState)
		r.Post("/patients/{id}/state:transition", s.handleTransition)

		r.Get("/bus/stats", s.handleBusStats)
		r.Get("/mesh/services", s.handleListServices)
	})
	return r
}

// --- Workflows ---

type createWorkflowRequest struct {
	Template     string `json:"template"`
	Name         string `json:"name"`
	PatientID    string `json:"patient_id"`
	WorkflowType string `json:"workflow_type"`
	Priority     int    `json:"priority"`
}

type workflowStatusResponse struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// handleCreateWorkflow instantiates a registered template and starts it
// asynchronously. The response is accepted-state; completion is observed
// via GET.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if req.Template == "" || req.PatientID == "" {
		writeError(w, r, s.logger, model.NewBadRequestError("template and patient_id are required"))
		return
	}

	s.mu.Lock()
	tpl, ok := s.templates[req.Template]
	s.mu.Unlock()
	if !ok {
		writeError(w, r, s.logger, model.NewNotFoundError("workflow template "+req.Template+" is not registered"))
		return
	}

	name := req.Name
	if name == "" {
		name = req.Template
	}
	workflowType := req.WorkflowType
	if workflowType == "" {
		workflowType = req.Template
	}

	id := s.engine.CreateCareWorkflow(name, req.PatientID, workflowType, req.Priority)
	for _, task := range tpl(req.PatientID) {
		s.engine.AddTask(id, task)
	}

	// Execution outlives the request, so it must not inherit the request
	// context.
	go s.engine.ExecuteWorkflow(observability.WithLogger(context.Background(), s.logger), id)

	writeJSON(w, http.StatusAccepted, workflowStatusResponse{WorkflowID: id, Status: model.WorkflowStatusRunning})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.engine.WorkflowRecord(id)
	if !ok {
		writeError(w, r, s.logger, model.NewNotFoundError("workflow "+id+" not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	s.workflowAction(w, r, s.engine.CancelWorkflow, "cannot be cancelled")
}

func (s *Server) handlePauseWorkflow(w http.ResponseWriter, r *http.Request) {
	s.workflowAction(w, r, s.engine.PauseWorkflow, "is not running")
}

func (s *Server) handleResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	s.workflowAction(w, r, func(id string) bool {
		// Resume drives in the background; detach from the request.
		return s.engine.ResumeWorkflow(observability.WithLogger(context.Background(), s.logger), id)
	}, "is not paused")
}

func (s *Server) workflowAction(w http.ResponseWriter, r *http.Request, action func(string) bool, refusal string) {
	id := chi.URLParam(r, "id")
	if _, ok := s.engine.WorkflowStatus(id); !ok {
		writeError(w, r, s.logger, model.NewNotFoundError("workflow "+id+" not found"))
		return
	}
	if !action(id) {
		writeError(w, r, s.logger, &model.ErrorEnvelope{
			Code:    model.ErrWorkflowNotActive,
			Message: "workflow " + id + " " + refusal,
		})
		return
	}
	status, _ := s.engine.WorkflowStatus(id)
	writeJSON(w, http.StatusOK, workflowStatusResponse{WorkflowID: id, Status: status})
}

// --- Operations ---

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	var records []model.OperationRecord
	if patientID := r.URL.Query().Get("patient_id"); patientID != "" {
		records = s.operations.PatientOperations(patientID)
	} else {
		records = s.operations.Operations()
	}
	if records == nil {
		records = []model.OperationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": records})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.operations.Operation(id)
	if !ok {
		writeError(w, r, s.logger, model.NewNotFoundError("operation "+id+" not found"))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type operationStatusResponse struct {
	OperationID string `json:"operation_id"`
	Status      string `json:"status"`
}

func (s *Server) handlePauseOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.operations.Operation(id)
	if !ok {
		writeError(w, r, s.logger, model.NewNotFoundError("operation "+id+" not found"))
		return
	}

	if !s.operations.PauseOperation(id) {
		if rec.Status == model.OperationStatusRunning {
			// Running but refused: a protected critical type.
			writeError(w, r, s.logger, model.NewOperationNotPausableError(
				"operation type "+rec.Type+" cannot be paused"))
		} else {
			writeError(w, r, s.logger, model.NewConflictError("operation "+id+" is not running"))
		}
		return
	}
	s.respondOperation(w, id)
}

func (s *Server) handleResumeOperation(w http.ResponseWriter, r *http.Request) {
	s.operationAction(w, r, func(id string) bool {
		return s.operations.ResumeOperation(r.Context(), id)
	}, "is not paused")
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	s.operationAction(w, r, s.operations.CancelOperation, "is already terminal")
}

func (s *Server) operationAction(w http.ResponseWriter, r *http.Request, action func(string) bool, refusal string) {
	id := chi.URLParam(r, "id")
	if _, ok := s.operations.Operation(id); !ok {
		writeError(w, r, s.logger, model.NewNotFoundError("operation "+id+" not found"))
		return
	}
	if !action(id) {
		writeError(w, r, s.logger, model.NewConflictError("operation "+id+" "+refusal))
		return
	}
	s.respondOperation(w, id)
}

func (s *Server) respondOperation(w http.ResponseWriter, id string) {
	rec, _ := s.operations.Operation(id)
	writeJSON(w, http.StatusOK, operationStatusResponse{OperationID: id, Status: rec.Status})
}

// --- Patient state ---

type patientStateResponse struct {
	statemachine.StateInfo
	Available []model.State        `json:"available_transitions"`
	History   []model.HistoryEntry `json:"history"`
}

func (s *Server) handleGetPatientState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := s.machineIfExists(id)
	if !ok {
		writeError(w, r, s.logger, model.NewNotFoundError("no state machine for patient "+id))
		return
	}
	s.respondPatientState(w, r, m)
}

type transitionRequest struct {
	Target    string                  `json:"target"`
	Context   model.TransitionContext `json:"context"`
	Emergency bool                    `json:"emergency"`
	Force     bool                    `json:"force"`
	Reason    string                  `json:"reason"`
}

// handleTransition drives a patient's state machine. The machine is
// created at intake on the patient's first transition request.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if req.Target == "" && !req.Emergency {
		writeError(w, r, s.logger, model.NewBadRequestError("target state is required"))
		return
	}

	m := s.machineFor(id)
	target := model.State(req.Target)

	switch {
	case req.Force:
		if req.Reason == "" {
			writeError(w, r, s.logger, model.NewBadRequestError("a forced state change requires a reason"))
			return
		}
		m.ForceStateChange(target, req.Reason)
	case req.Emergency:
		if !m.TriggerEmergency(r.Context(), req.Context) {
			writeError(w, r, s.logger, model.NewGuardRejectedError(
				"emergency escalation from "+string(m.CurrentState())+" was rejected"))
			return
		}
	default:
		if !m.TransitionTo(r.Context(), target, req.Context) {
			writeError(w, r, s.logger, model.NewInvalidTransitionError(
				"transition from "+string(m.CurrentState())+" to "+req.Target+" is not allowed"))
			return
		}
	}
	s.respondPatientState(w, r, m)
}

func (s *Server) respondPatientState(w http.ResponseWriter, r *http.Request, m *statemachine.Machine) {
	writeJSON(w, http.StatusOK, patientStateResponse{
		StateInfo: m.StateInfo(),
		Available: m.AvailableTransitions(r.Context(), nil),
		History:   m.History(),
	})
}

// --- Bus ---

func (s *Server) handleBusStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Statistics())
}

// --- Mesh ---

type serviceView struct {
	mesh.Endpoint
	Health       mesh.HealthStatus `json:"health"`
	BreakerState string            `json:"breaker_state"`
}

func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	services := []serviceView{}
	if s.mesh != nil {
		for _, ep := range s.mesh.Services() {
			health, _ := s.mesh.Health(ep.ServiceID)
			services = append(services, serviceView{
				Endpoint:     ep,
				Health:       health,
				BreakerState: s.mesh.BreakerState(ep.ServiceID).String(),
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

// HTTPServer wraps the router in an http.Server with the configured
// timeouts.
func (s *Server) HTTPServer(addr string, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
}
