package agent

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/internal/bus"
	"github.com/pitabwire/medicoord/internal/config"
	"github.com/pitabwire/medicoord/model"
)

// agentChannel is the bus channel an agent receives envelopes on.
func agentChannel(agentID string) string {
	return "agent:" + agentID
}

// Courier carries signed envelopes between registered agents over the
// coordination bus. Each listening agent gets a bus subscription that
// verifies, dispatches and answers request envelopes.
type Courier struct {
	bus      *bus.Bus
	registry *Registry
	secret   []byte
	cfg      config.AgentsConfig
	logger   *zap.Logger

	mu        sync.Mutex
	listeners map[string]string
}

// NewCourier creates a courier. The signing secret is read from the
// environment variable named in the configuration.
func NewCourier(cfg config.AgentsConfig, b *bus.Bus, registry *Registry, logger *zap.Logger) *Courier {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	var secret []byte
	if cfg.SecretEnv != "" {
		secret = []byte(os.Getenv(cfg.SecretEnv))
	}
	return &Courier{
		bus:       b,
		registry:  registry,
		secret:    secret,
		cfg:       cfg,
		logger:    logger,
		listeners: make(map[string]string),
	}
}

// Listen subscribes a registered agent to its envelope channel. Incoming
// request envelopes are verified, dispatched through the registry, and
// answered with a response or error envelope on the same channel.
func (c *Courier) Listen(agentID string) error {
	if !c.registry.Registered(agentID) {
		return model.NewNotFoundError("agent " + agentID + " is not registered")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.listeners[agentID]; ok {
		return nil
	}
	subID := c.bus.Subscribe(model.Filter{Channel: agentChannel(agentID)}, c.inbox(agentID))
	c.listeners[agentID] = subID
	return nil
}

// StopListening removes the agent's envelope subscription.
func (c *Courier) StopListening(agentID string) {
	c.mu.Lock()
	subID, ok := c.listeners[agentID]
	delete(c.listeners, agentID)
	c.mu.Unlock()

	if ok {
		c.bus.Unsubscribe(subID)
	}
}

// inbox builds the bus handler for one agent's envelope channel.
func (c *Courier) inbox(agentID string) bus.Handler {
	return func(ctx context.Context, msg model.Message) error {
		env, err := EnvelopeFromContent(msg.Content)
		if err != nil {
			c.logger.Warn("undecodable envelope dropped",
				zap.String("agent_id", agentID),
				zap.String("message_id", msg.ID),
				zap.Error(err))
			return nil
		}
		if env.Type != EnvelopeRequest && env.Type != EnvelopeNotification {
			// Responses on the shared channel belong to the requester.
			return nil
		}
		if err := env.Verify(c.secret); err != nil {
			c.logger.Warn("envelope failed verification",
				zap.String("agent_id", agentID),
				zap.String("envelope_id", env.ID),
				zap.Error(err))
			return nil
		}
		if env.Expired(time.Now().UTC()) {
			c.respondError(ctx, agentID, env, msg,
				model.NewEnvelopeExpiredError("envelope "+env.ID+" expired before handling"))
			return nil
		}

		result, err := c.registry.Dispatch(ctx, agentID, Request{Kind: env.Kind, Payload: env.Payload})
		if env.Type == EnvelopeNotification {
			if err != nil {
				c.logger.Warn("notification handler error",
					zap.String("agent_id", agentID),
					zap.String("envelope_id", env.ID),
					zap.Error(err))
			}
			return nil
		}
		if err != nil {
			c.respondError(ctx, agentID, env, msg, err)
			return nil
		}

		reply := NewEnvelope(EnvelopeResponse, agentID, env.Sender, env.Kind, result, c.cfg.EnvelopeTTL)
		reply.CorrelationID = env.ID
		c.send(ctx, reply, msg.Channel, msg.CorrelationID)
		return nil
	}
}

// respondError answers a request envelope with an error envelope.
func (c *Courier) respondError(ctx context.Context, agentID string, env Envelope, msg model.Message, cause error) {
	var envelope *model.ErrorEnvelope
	if !errors.As(cause, &envelope) {
		envelope = model.NewInternalError(cause)
	}
	reply := NewEnvelope(EnvelopeError, agentID, env.Sender, env.Kind, map[string]any{
		"code":    envelope.Code,
		"message": envelope.Message,
	}, c.cfg.EnvelopeTTL)
	reply.CorrelationID = env.ID
	c.send(ctx, reply, msg.Channel, msg.CorrelationID)
}

// send signs and publishes an envelope on a channel, tagged with the bus
// correlation id of the exchange it belongs to.
func (c *Courier) send(ctx context.Context, env Envelope, channel, correlationID string) {
	if err := env.Sign(c.secret); err != nil {
		c.logger.Error("sign envelope", zap.String("envelope_id", env.ID), zap.Error(err))
		return
	}
	content, err := env.Content()
	if err != nil {
		c.logger.Error("encode envelope", zap.String("envelope_id", env.ID), zap.Error(err))
		return
	}
	opts := []bus.PublishOption{}
	if correlationID != "" {
		opts = append(opts, bus.WithCorrelationID(correlationID))
	}
	if _, err := c.bus.Publish(ctx, channel, content, env.Sender, opts...); err != nil {
		c.logger.Error("publish envelope",
			zap.String("envelope_id", env.ID),
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// SendRequest sends a request envelope to an agent and waits for its
// reply. Unlike the bus request/reply primitive, a missing reply here is
// an error: the caller addressed a specific agent and silence means the
// exchange failed.
func (c *Courier) SendRequest(ctx context.Context, from, to string, kind ActionKind, payload map[string]any, timeout time.Duration) (map[string]any, error) {
	if !c.registry.Registered(to) {
		return nil, model.NewNotFoundError("agent " + to + " is not registered")
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	env := NewEnvelope(EnvelopeRequest, from, to, kind, payload, c.cfg.EnvelopeTTL)
	if err := env.Sign(c.secret); err != nil {
		return nil, err
	}
	content, err := env.Content()
	if err != nil {
		return nil, err
	}

	replyContent, err := c.bus.RequestReply(ctx, agentChannel(to), content, from, timeout)
	if err != nil {
		return nil, err
	}
	if replyContent == nil {
		return nil, model.NewTimeoutError("no reply from agent " + to + " for " + string(kind))
	}

	reply, err := EnvelopeFromContent(replyContent)
	if err != nil {
		return nil, err
	}
	if err := reply.Verify(c.secret); err != nil {
		return nil, err
	}
	if reply.Type == EnvelopeError {
		code, _ := reply.Payload["code"].(string)
		message, _ := reply.Payload["message"].(string)
		if code == "" {
			code = model.ErrInternalError
		}
		return nil, &model.ErrorEnvelope{Code: code, Message: message}
	}
	return reply.Payload, nil
}

// SendNotification sends a fire-and-forget notification envelope to an
// agent and returns the envelope id.
func (c *Courier) SendNotification(ctx context.Context, from, to string, kind ActionKind, payload map[string]any) (string, error) {
	if !c.registry.Registered(to) {
		return "", model.NewNotFoundError("agent " + to + " is not registered")
	}

	env := NewEnvelope(EnvelopeNotification, from, to, kind, payload, c.cfg.EnvelopeTTL)
	if err := env.Sign(c.secret); err != nil {
		return "", err
	}
	content, err := env.Content()
	if err != nil {
		return "", err
	}
	if _, err := c.bus.Publish(ctx, agentChannel(to), content, from); err != nil {
		return "", err
	}
	return env.ID, nil
}
