package mesh

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/internal/config"
	"github.com/pitabwire/medicoord/internal/observability"
	"github.com/pitabwire/medicoord/model"
)

// Request is a transport-agnostic routed request.
type Request struct {
	Method  string
	Path    string
	Headers map[string]string
	Body    []byte
}

// Response is the routed reply.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// Doer performs the actual transport call for one endpoint. HTTP clients,
// gRPC adapters and test fakes all sit behind it.
type Doer interface {
	Do(ctx context.Context, ep Endpoint, req Request) (*Response, error)
}

// Default resilience policy applied when a service has no explicit
// configuration.
var defaultServiceConfig = config.ServiceConfig{
	Timeout: 10 * time.Second,
	CircuitBreaker: config.CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	},
	Retry: config.RetryConfig{
		MaxAttempts:       3,
		BackoffInitial:    100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		BackoffMax:        2 * time.Second,
	},
}

// Mesh routes requests to registered services, wrapping every call in a
// per-service circuit breaker and a retry policy. Retries are internal:
// callers see only the final outcome.
type Mesh struct {
	cfg      config.MeshConfig
	registry *Registry
	doer     Doer
	secret   []byte

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewMesh creates a mesh over the given endpoint registry and transport.
// The token signing secret is read from the environment variable named in
// the configuration.
func NewMesh(cfg config.MeshConfig, registry *Registry, doer Doer, logger *zap.Logger, metrics *observability.Metrics) *Mesh {
	var secret []byte
	if cfg.SecretEnv != "" {
		secret = []byte(os.Getenv(cfg.SecretEnv))
	}
	return &Mesh{
		cfg:      cfg,
		registry: registry,
		doer:     doer,
		secret:   secret,
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
		metrics:  metrics,
	}
}

// serviceConfig returns the resilience policy for a service, falling back
// to defaults field by field.
func (m *Mesh) serviceConfig(serviceID string) config.ServiceConfig {
	sc, ok := m.cfg.Services[serviceID]
	if !ok {
		return defaultServiceConfig
	}
	if sc.Timeout <= 0 {
		sc.Timeout = defaultServiceConfig.Timeout
	}
	if sc.CircuitBreaker.FailureThreshold < 1 {
		sc.CircuitBreaker.FailureThreshold = defaultServiceConfig.CircuitBreaker.FailureThreshold
	}
	if sc.CircuitBreaker.SuccessThreshold < 1 {
		sc.CircuitBreaker.SuccessThreshold = defaultServiceConfig.CircuitBreaker.SuccessThreshold
	}
	if sc.CircuitBreaker.Timeout <= 0 {
		sc.CircuitBreaker.Timeout = defaultServiceConfig.CircuitBreaker.Timeout
	}
	if sc.Retry.MaxAttempts < 1 {
		sc.Retry.MaxAttempts = defaultServiceConfig.Retry.MaxAttempts
	}
	if sc.Retry.BackoffInitial <= 0 {
		sc.Retry.BackoffInitial = defaultServiceConfig.Retry.BackoffInitial
	}
	if sc.Retry.BackoffMultiplier <= 1 {
		sc.Retry.BackoffMultiplier = defaultServiceConfig.Retry.BackoffMultiplier
	}
	if sc.Retry.BackoffMax <= 0 {
		sc.Retry.BackoffMax = defaultServiceConfig.Retry.BackoffMax
	}
	return sc
}

// breaker returns the service's circuit breaker, creating it on first use.
func (m *Mesh) breaker(serviceID string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[serviceID]; ok {
		return cb
	}
	sc := m.serviceConfig(serviceID)
	cb := NewCircuitBreaker(
		sc.CircuitBreaker.FailureThreshold,
		sc.CircuitBreaker.SuccessThreshold,
		sc.CircuitBreaker.Timeout,
	)
	cb.OnStateChange(func(state BreakerState) {
		m.metrics.SetMeshCircuitBreakerState(serviceID, state.GaugeValue())
		m.logger.Warn("circuit breaker state change",
			zap.String("service", serviceID),
			zap.String("state", state.String()))
	})
	m.breakers[serviceID] = cb
	return cb
}

// Route sends a request to a registered service. The circuit breaker is
// consulted per attempt; transient failures are retried with exponential
// backoff and a response with a 5xx status counts as a failure.
func (m *Mesh) Route(ctx context.Context, serviceID string, req Request) (*Response, error) {
	ep, ok := m.registry.Lookup(serviceID)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("service %q is not registered", serviceID))
	}

	sc := m.serviceConfig(serviceID)
	cb := m.breaker(serviceID)
	start := time.Now()

	var lastErr error
	backoff := sc.Retry.BackoffInitial
	for attempt := 1; attempt <= sc.Retry.MaxAttempts; attempt++ {
		if err := cb.Allow(); err != nil {
			m.metrics.RecordMeshBreakerRejected(serviceID)
			m.metrics.RecordMeshRequest(serviceID, "rejected", time.Since(start))
			return nil, err
		}

		resp, err := m.attempt(ctx, ep, req, sc.Timeout)
		if err == nil && resp.StatusCode < 500 {
			cb.RecordSuccess()
			m.registry.MarkHealthy(serviceID)
			m.metrics.RecordMeshRequest(serviceID, strconv.Itoa(resp.StatusCode), time.Since(start))
			return resp, nil
		}

		cb.RecordFailure()
		if err == nil {
			err = model.NewMeshUnavailableError(
				fmt.Sprintf("service %q returned status %d", serviceID, resp.StatusCode))
		}
		lastErr = err
		m.logger.Warn("routed request attempt failed",
			zap.String("service", serviceID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == sc.Retry.MaxAttempts {
			break
		}
		m.metrics.RecordMeshRetry(serviceID)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			m.registry.MarkUnhealthy(serviceID)
			m.metrics.RecordMeshRequest(serviceID, "cancelled", time.Since(start))
			return nil, model.NewTimeoutError("routing cancelled: " + ctx.Err().Error())
		}
		backoff = time.Duration(float64(backoff) * sc.Retry.BackoffMultiplier)
		if backoff > sc.Retry.BackoffMax {
			backoff = sc.Retry.BackoffMax
		}
	}

	m.registry.MarkUnhealthy(serviceID)
	m.metrics.RecordMeshRequest(serviceID, "error", time.Since(start))
	return nil, model.NewMeshUnavailableError(
		fmt.Sprintf("service %q unavailable after %d attempts: %v", serviceID, sc.Retry.MaxAttempts, lastErr))
}

// attempt performs a single transport call under the per-request timeout.
func (m *Mesh) attempt(ctx context.Context, ep Endpoint, req Request, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.doer.Do(attemptCtx, ep, req)
}

// RouteByType routes to any healthy endpoint of the given service type.
// Selection is a placeholder for least-load balancing: the first healthy
// endpoint wins.
func (m *Mesh) RouteByType(ctx context.Context, serviceType string, req Request) (*Response, error) {
	healthy := m.registry.HealthyByType(serviceType)
	if len(healthy) == 0 {
		return nil, model.NewMeshUnavailableError(
			fmt.Sprintf("no healthy endpoints of type %q", serviceType))
	}
	return m.Route(ctx, healthy[0].ServiceID, req)
}

// BreakerState returns the circuit breaker state for a service.
func (m *Mesh) BreakerState(serviceID string) BreakerState {
	return m.breaker(serviceID).State()
}

// Services returns all endpoints registered with the mesh.
func (m *Mesh) Services() []Endpoint {
	return m.registry.Services()
}

// Health returns the tracked health of a registered endpoint.
func (m *Mesh) Health(serviceID string) (HealthStatus, bool) {
	return m.registry.Health(serviceID)
}

// ServiceToken mints a short-lived HS256 JWT identifying a service for
// mesh-internal calls. Shared-secret signing is a demonstration scheme,
// not a production credential system.
func (m *Mesh) ServiceToken(serviceID string) (string, error) {
	if len(m.secret) == 0 {
		return "", model.NewInternalError(fmt.Errorf("mesh signing secret is not configured"))
	}

	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss": "medicoord-mesh",
		"sub": serviceID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}

// VerifyServiceToken validates a mesh service token and returns the
// service id it was minted for.
func (m *Mesh) VerifyServiceToken(tokenString string) (string, error) {
	if len(m.secret) == 0 {
		return "", model.NewInternalError(fmt.Errorf("mesh signing secret is not configured"))
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return "", &model.ErrorEnvelope{Code: model.ErrInvalidSignature, Message: "invalid service token"}
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", &model.ErrorEnvelope{Code: model.ErrInvalidSignature, Message: "service token has no subject"}
	}
	return sub, nil
}
