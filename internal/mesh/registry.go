package mesh

import (
	"fmt"
	"sync"
	"time"
)

// Endpoint describes one registered downstream service instance.
type Endpoint struct {
	ServiceID       string            `json:"service_id"`
	ServiceType     string            `json:"service_type"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	TLS             bool              `json:"tls"`
	HealthCheckPath string            `json:"health_check_path"`
	Version         string            `json:"version"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// BaseURL returns the endpoint's scheme://host:port prefix.
func (e Endpoint) BaseURL() string {
	scheme := "http"
	if e.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, e.Host, e.Port)
}

// HealthStatus is the tracked health of an endpoint.
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
	Failures  int       `json:"consecutive_failures"`
}

// Registry tracks service endpoints and their observed health. Endpoints
// start healthy; health flips on routed request outcomes.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	health    map[string]HealthStatus
}

// NewRegistry creates an empty endpoint registry.
func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]Endpoint),
		health:    make(map[string]HealthStatus),
	}
}

// Register adds or replaces an endpoint. New endpoints start healthy.
func (r *Registry) Register(ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[ep.ServiceID] = ep
	r.health[ep.ServiceID] = HealthStatus{Healthy: true, CheckedAt: time.Now().UTC()}
}

// Deregister removes an endpoint. Unknown ids are ignored.
func (r *Registry) Deregister(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, serviceID)
	delete(r.health, serviceID)
}

// Lookup returns an endpoint by service id.
func (r *Registry) Lookup(serviceID string) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[serviceID]
	return ep, ok
}

// ByType returns all endpoints of the given service type.
func (r *Registry) ByType(serviceType string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Endpoint
	for _, ep := range r.endpoints {
		if ep.ServiceType == serviceType {
			out = append(out, ep)
		}
	}
	return out
}

// HealthyByType returns the healthy endpoints of the given service type.
func (r *Registry) HealthyByType(serviceType string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Endpoint
	for id, ep := range r.endpoints {
		if ep.ServiceType == serviceType && r.health[id].Healthy {
			out = append(out, ep)
		}
	}
	return out
}

// Health returns the tracked health of an endpoint.
func (r *Registry) Health(serviceID string) (HealthStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[serviceID]
	return h, ok
}

// MarkHealthy records a successful interaction with an endpoint.
func (r *Registry) MarkHealthy(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[serviceID]; !ok {
		return
	}
	r.health[serviceID] = HealthStatus{Healthy: true, CheckedAt: time.Now().UTC()}
}

// MarkUnhealthy records a failed interaction with an endpoint.
func (r *Registry) MarkUnhealthy(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.endpoints[serviceID]; !ok {
		return
	}
	h := r.health[serviceID]
	h.Healthy = false
	h.Failures++
	h.CheckedAt = time.Now().UTC()
	r.health[serviceID] = h
}

// Services returns all registered endpoints.
func (r *Registry) Services() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out
}
