// Package mesh routes requests to downstream clinical services with
// circuit breaking, retries and per-service health tracking. Transport is
// an injected collaborator; the mesh owns only the resilience policy.
package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/medicoord/model"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all requests through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all requests immediately.
	BreakerOpen
	// BreakerHalfOpen allows probe requests through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GaugeValue maps a breaker state to its metric encoding
// (0=closed, 1=half-open, 2=open).
func (s BreakerState) GaugeValue() float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreaker implements the circuit breaker pattern with three
// states: Closed → Open → HalfOpen. It trips on consecutive failures and
// closes again after consecutive successes in half-open. Safe for
// concurrent use.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time

	onStateChange func(BreakerState)
}

// NewCircuitBreaker creates a circuit breaker.
// failureThreshold: consecutive failures to trip from Closed → Open.
// successThreshold: consecutive successes in HalfOpen to return to Closed.
// timeout: duration to stay Open before allowing a half-open probe.
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
}

// OnStateChange registers a callback invoked after every state change,
// outside the breaker lock.
func (cb *CircuitBreaker) OnStateChange(fn func(BreakerState)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// Allow checks whether a request should be allowed through. Returns nil
// if allowed, or a MESH_UNAVAILABLE error while the circuit is open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()

	switch cb.state {
	case BreakerOpen:
		if time.Since(cb.openedAt) > cb.timeout {
			cb.transitionLocked(BreakerHalfOpen)
			cb.successes = 0
			cb.mu.Unlock()
			return nil
		}
		cb.mu.Unlock()
		return model.NewMeshUnavailableError("circuit breaker is open")
	default:
		cb.mu.Unlock()
		return nil
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transitionLocked(BreakerClosed)
			cb.failures = 0
			cb.successes = 0
		}
	}
	cb.mu.Unlock()
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.transitionLocked(BreakerOpen)
			cb.openedAt = time.Now()
		}
	case BreakerHalfOpen:
		// Any failure in half-open immediately reopens.
		cb.transitionLocked(BreakerOpen)
		cb.openedAt = time.Now()
		cb.successes = 0
	}
	cb.mu.Unlock()
}

// State returns the current breaker state, promoting an expired Open
// state to HalfOpen.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()

	if cb.state == BreakerOpen && time.Since(cb.openedAt) > cb.timeout {
		cb.transitionLocked(BreakerHalfOpen)
		cb.successes = 0
	}
	state := cb.state
	cb.mu.Unlock()
	return state
}

// Counts returns the current failure and success counts for diagnostics.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.successes
}

// Execute runs fn through the breaker: a rejected call never invokes fn,
// and the outcome is recorded automatically.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// transitionLocked changes state and schedules the change callback.
// Caller holds the mutex; the callback runs in its own goroutine to stay
// outside the lock.
func (cb *CircuitBreaker) transitionLocked(next BreakerState) {
	if cb.state == next {
		return
	}
	cb.state = next
	if cb.onStateChange != nil {
		fn := cb.onStateChange
		go fn(next)
	}
}
