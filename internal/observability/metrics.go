package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	taskDurationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300}
	meshDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the coordinator.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow engine metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  prometheus.Gauge
	TaskExecutionsTotal      *prometheus.CounterVec
	TaskDuration             *prometheus.HistogramVec

	// State machine metrics
	TransitionsTotal        *prometheus.CounterVec
	TransitionsDeniedTotal  *prometheus.CounterVec
	ForcedTransitionsTotal  prometheus.Counter
	EmergencyOverridesTotal prometheus.Counter

	// Operation metrics
	OperationsTotal        *prometheus.CounterVec
	PauseRejectionsTotal   *prometheus.CounterVec
	OperationsPausedActive prometheus.Gauge

	// Bus metrics
	MessagesPublishedTotal  *prometheus.CounterVec
	MessagesDispatchedTotal *prometheus.CounterVec
	MessagesExpiredTotal    prometheus.Counter
	EmergencyMessagesTotal  prometheus.Counter
	RequestReplyTimeouts    prometheus.Counter
	ActiveSubscribers       prometheus.Gauge

	// Mesh metrics
	MeshRequestsTotal        *prometheus.CounterVec
	MeshRequestDuration      *prometheus.HistogramVec
	MeshRetriesTotal         *prometheus.CounterVec
	MeshCircuitBreakerState  *prometheus.GaugeVec
	MeshBreakerRejectedTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medicoord_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medicoord_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medicoord_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medicoord_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medicoord_workflow_starts_total",
			Help: "Total number of workflow executions started.",
		}, []string{"workflow_type"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medicoord_workflow_completions_total",
			Help: "Total number of workflows reaching a terminal status.",
		}, []string{"workflow_type", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medicoord_workflow_active_instances",
			Help: "Number of workflows currently executing.",
		}),
		TaskExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medicoord_task_executions_total",
			Help: "Total number of task completions by final status.",
		}, []string{"status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medicoord_task_duration_seconds",
			Help:    "Task execution duration in seconds.",
			Buckets: taskDurationBuckets,
		}, []string{"status"}),

		// State machine
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medicoord_state_transitions_total",
			Help: "Total number of completed state transitions.",
		}, []string{"from_state", "to_state"}),
		TransitionsDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medicoord_state_transitions_denied_total",
			Help: "Total number of transitions rejected by guards or rules.",
		}, []string{"from_state", "to_state"}),
		ForcedTransitionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medicoord_state_forced_transitions_total",
			Help: "Total number of administrative forced state changes.",
		}),
		EmergencyOverridesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medicoord_state_emergency_overrides_total",
			Help: "Total number of emergency escalations.",
		}),

		// Operations
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medicoord_operations_total",
			Help: "Total number of operations reaching a terminal status.",
		}, []string{"operation_type", "final_status"}),
		PauseRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medicoord_pause_rejections_total",
			Help: "Total number of pause requests rejected for critical operation types.",
		}, []string{"operation_type"}),
		OperationsPausedActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medicoord_operations_paused",
			Help: "Number of operations currently paused.",
		}),

		// Bus
		MessagesPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medicoord_bus_messages_published_total",
			Help: "Total number of messages accepted for delivery.",
		}, []string{"channel"}),
		MessagesDispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medicoord_bus_messages_dispatched_total",
			Help: "Total number of message deliveries to subscribers.",
		}, []string{"channel"}),
		MessagesExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medicoord_bus_messages_expired_total",
			Help: "Total number of messages dropped past their expiration.",
		}),
		EmergencyMessagesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medicoord_bus_emergency_messages_total",
			Help: "Total number of emergency broadcasts.",
		}),
		RequestReplyTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medicoord_bus_request_reply_timeouts_total",
			Help: "Total number of request-reply exchanges that timed out.",
		}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medicoord_bus_active_subscribers",
			Help: "Number of live bus subscriptions.",
		}),

		// Mesh
		MeshRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medicoord_mesh_requests_total",
			Help: "Total number of routed service requests.",
		}, []string{"service", "status"}),
		MeshRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medicoord_mesh_request_duration_seconds",
			Help:    "Routed request duration in seconds.",
			Buckets: meshDurationBuckets,
		}, []string{"service"}),
		MeshRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medicoord_mesh_retries_total",
			Help: "Total number of routed request retries.",
		}, []string{"service"}),
		MeshCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "medicoord_mesh_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"service"}),
		MeshBreakerRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medicoord_mesh_breaker_rejected_total",
			Help: "Total number of requests rejected by an open circuit breaker.",
		}, []string{"service"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.TaskExecutionsTotal,
		m.TaskDuration,
		// State machine
		m.TransitionsTotal,
		m.TransitionsDeniedTotal,
		m.ForcedTransitionsTotal,
		m.EmergencyOverridesTotal,
		// Operations
		m.OperationsTotal,
		m.PauseRejectionsTotal,
		m.OperationsPausedActive,
		// Bus
		m.MessagesPublishedTotal,
		m.MessagesDispatchedTotal,
		m.MessagesExpiredTotal,
		m.EmergencyMessagesTotal,
		m.RequestReplyTimeouts,
		m.ActiveSubscribers,
		// Mesh
		m.MeshRequestsTotal,
		m.MeshRequestDuration,
		m.MeshRetriesTotal,
		m.MeshCircuitBreakerState,
		m.MeshBreakerRejectedTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowStart records a workflow execution start.
func (m *Metrics) RecordWorkflowStart(workflowType string) {
	m.WorkflowStartsTotal.WithLabelValues(workflowType).Inc()
	m.WorkflowActiveInstances.Inc()
}

// RecordWorkflowCompletion records a workflow reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(workflowType, finalStatus string) {
	m.WorkflowCompletionsTotal.WithLabelValues(workflowType, finalStatus).Inc()
	m.WorkflowActiveInstances.Dec()
}

// RecordTaskExecution records a task completion.
func (m *Metrics) RecordTaskExecution(status string, duration time.Duration) {
	m.TaskExecutionsTotal.WithLabelValues(status).Inc()
	m.TaskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTransition records a completed state transition.
func (m *Metrics) RecordTransition(from, to string) {
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordTransitionDenied records a transition rejected by guards or rules.
func (m *Metrics) RecordTransitionDenied(from, to string) {
	m.TransitionsDeniedTotal.WithLabelValues(from, to).Inc()
}

// RecordForcedTransition records an administrative forced state change.
func (m *Metrics) RecordForcedTransition() {
	m.ForcedTransitionsTotal.Inc()
}

// RecordEmergencyOverride records an emergency escalation.
func (m *Metrics) RecordEmergencyOverride() {
	m.EmergencyOverridesTotal.Inc()
}

// RecordOperation records an operation reaching a terminal status.
func (m *Metrics) RecordOperation(operationType, finalStatus string) {
	m.OperationsTotal.WithLabelValues(operationType, finalStatus).Inc()
}

// RecordPauseRejection records a pause rejected for a critical operation type.
func (m *Metrics) RecordPauseRejection(operationType string) {
	m.PauseRejectionsTotal.WithLabelValues(operationType).Inc()
}

// RecordMessagePublished records a message accepted for delivery.
func (m *Metrics) RecordMessagePublished(channel string) {
	m.MessagesPublishedTotal.WithLabelValues(channel).Inc()
}

// RecordMessageDispatched records a delivery to one subscriber.
func (m *Metrics) RecordMessageDispatched(channel string) {
	m.MessagesDispatchedTotal.WithLabelValues(channel).Inc()
}

// RecordMessageExpired records a message dropped past its expiration.
func (m *Metrics) RecordMessageExpired() {
	m.MessagesExpiredTotal.Inc()
}

// RecordEmergencyMessage records an emergency broadcast.
func (m *Metrics) RecordEmergencyMessage() {
	m.EmergencyMessagesTotal.Inc()
}

// RecordRequestReplyTimeout records a request-reply exchange that timed out.
func (m *Metrics) RecordRequestReplyTimeout() {
	m.RequestReplyTimeouts.Inc()
}

// RecordMeshRequest records a routed service request.
func (m *Metrics) RecordMeshRequest(service, status string, duration time.Duration) {
	m.MeshRequestsTotal.WithLabelValues(service, status).Inc()
	m.MeshRequestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordMeshRetry records a routed request retry.
func (m *Metrics) RecordMeshRetry(service string) {
	m.MeshRetriesTotal.WithLabelValues(service).Inc()
}

// SetMeshCircuitBreakerState sets the circuit breaker state for a service.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetMeshCircuitBreakerState(service string, state float64) {
	m.MeshCircuitBreakerState.WithLabelValues(service).Set(state)
}

// RecordMeshBreakerRejected records a request refused by an open breaker.
func (m *Metrics) RecordMeshBreakerRejected(service string) {
	m.MeshBreakerRejectedTotal.WithLabelValues(service).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
