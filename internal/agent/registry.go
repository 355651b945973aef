// Package agent provides agent-to-agent messaging: a capability registry
// for dispatching typed actions, signed message envelopes, and a courier
// that carries envelopes over the coordination bus.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/internal/pause"
	"github.com/pitabwire/medicoord/model"
)

// ActionKind names a capability an agent exposes.
type ActionKind string

// Request is one typed action invocation.
type Request struct {
	Kind    ActionKind
	Payload map[string]any
}

// Handler executes one action kind for an agent.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Registry maps agents to their action handlers. It is an explicit,
// injected object; there is no process-global agent table.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]map[ActionKind]Handler
	logger *zap.Logger
}

// NewRegistry creates an empty agent registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]map[ActionKind]Handler),
		logger: logger,
	}
}

// Register adds an agent with no capabilities. Registering an existing
// agent is a no-op.
func (r *Registry) Register(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		r.agents[agentID] = make(map[ActionKind]Handler)
		r.logger.Debug("agent registered", zap.String("agent_id", agentID))
	}
}

// Deregister removes an agent and all its handlers.
func (r *Registry) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// Registered reports whether an agent exists.
func (r *Registry) Registered(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Handle attaches a handler for an action kind to a registered agent.
func (r *Registry) Handle(agentID string, kind ActionKind, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	caps, ok := r.agents[agentID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("agent %q is not registered", agentID))
	}
	caps[kind] = handler
	return nil
}

// Capabilities lists the action kinds an agent handles.
func (r *Registry) Capabilities(agentID string) []ActionKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	out := make([]ActionKind, 0, len(caps))
	for kind := range caps {
		out = append(out, kind)
	}
	return out
}

// Dispatch routes a request to the named agent's handler for its kind.
func (r *Registry) Dispatch(ctx context.Context, agentID string, req Request) (map[string]any, error) {
	r.mu.RLock()
	caps, ok := r.agents[agentID]
	if !ok {
		r.mu.RUnlock()
		return nil, model.NewNotFoundError(fmt.Sprintf("agent %q is not registered", agentID))
	}
	handler, ok := caps[req.Kind]
	r.mu.RUnlock()

	if !ok {
		return nil, model.NewHandlerNotRegisteredError(
			fmt.Sprintf("agent %q has no handler for %q", agentID, req.Kind))
	}
	return handler(ctx, req.Payload)
}

// OperationRebinder resolves operation targets from persisted records
// whose metadata carries a handler reference in "agent/kind" form. The
// operation's metadata is passed as the action payload.
func (r *Registry) OperationRebinder() pause.Rebinder {
	return func(rec model.OperationRecord) model.OperationFunc {
		ref, _ := rec.Metadata["handler"].(string)
		agentID, kind, ok := strings.Cut(ref, "/")
		if !ok || agentID == "" || kind == "" {
			return nil
		}
		return func(ctx context.Context) (any, error) {
			return r.Dispatch(ctx, agentID, Request{
				Kind:    ActionKind(kind),
				Payload: rec.Metadata,
			})
		}
	}
}
