// Package bus is an in-process publish/subscribe message bus for agent
// coordination. Messages flow through a buffered ingress queue into a
// single processor goroutine; emergency traffic takes a dedicated lane
// that is always drained first.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/internal/config"
	"github.com/pitabwire/medicoord/internal/observability"
	"github.com/pitabwire/medicoord/model"
)

// EmergencyPriority is stamped on every emergency broadcast.
const EmergencyPriority = 10

// emergencyDrainBurst caps how many emergency messages the processor
// drains back to back before giving the normal queue and the maintenance
// ticker a turn.
const emergencyDrainBurst = 16

// Handler consumes one delivered message. Handlers run in their own
// goroutine per delivery; returning an error or panicking affects only
// that delivery.
type Handler func(ctx context.Context, msg model.Message) error

type subscriber struct {
	id       string
	filter   model.Filter
	handler  Handler
	lastSeen time.Time
}

// Bus routes messages between publishers and subscribers. A mutex guards
// the subscriber registry, retained messages and counters; delivery
// ordering is FIFO per the ingress queue except for the emergency lane.
type Bus struct {
	mu          sync.Mutex
	retained    map[string][]model.Message
	subscribers map[string]*subscriber
	audit       []AuditEntry

	queue     chan model.Message
	emergency chan model.Message
	stop      chan struct{}
	done      chan struct{}
	running   bool

	published  int64
	dispatched int64
	expired    int64
	perChannel map[string]int64

	cfg     config.BusConfig
	logger  *zap.Logger
	metrics *observability.Metrics
}

// New creates a bus. Call Start before publishing.
func New(cfg config.BusConfig, logger *zap.Logger, metrics *observability.Metrics) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.SubscriberLiveness <= 0 {
		cfg.SubscriberLiveness = 5 * time.Minute
	}
	if cfg.EmergencyTTL <= 0 {
		cfg.EmergencyTTL = 5 * time.Minute
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Second
	}
	if cfg.AuditLogCap < 2 {
		cfg.AuditLogCap = 10000
	}
	return &Bus{
		retained:    make(map[string][]model.Message),
		subscribers: make(map[string]*subscriber),
		queue:       make(chan model.Message, cfg.QueueSize),
		emergency:   make(chan model.Message, cfg.QueueSize),
		perChannel:  make(map[string]int64),
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
	}
}

// Start launches the processor goroutine. Starting a running bus is a
// no-op.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.process(ctx)
	b.logger.Info("message bus started",
		zap.Int("queue_size", b.cfg.QueueSize))
}

// Stop shuts the processor down and waits for it to drain its current
// message. Queued but unprocessed messages are dropped.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	stop := b.stop
	done := b.done
	b.mu.Unlock()

	close(stop)
	<-done
	b.logger.Info("message bus stopped")
}

// Running reports whether the processor goroutine is active.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// process is the single consumer of both queues. The emergency lane is
// drained before the normal queue on every iteration.
func (b *Bus) process(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		// Emergency messages jump the line. The burst is bounded so a
		// saturated emergency lane cannot starve the normal queue or defer
		// maintenance indefinitely.
	drain:
		for i := 0; i < emergencyDrainBurst; i++ {
			select {
			case msg := <-b.emergency:
				b.dispatch(ctx, msg)
			default:
				break drain
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case msg := <-b.emergency:
			b.dispatch(ctx, msg)
		case msg := <-b.queue:
			b.dispatch(ctx, msg)
		case <-ticker.C:
			b.maintain()
		}
	}
}

// dispatch retains a message and fans it out to every matching live
// subscriber, one goroutine per delivery.
func (b *Bus) dispatch(ctx context.Context, msg model.Message) {
	if msg.Expired(time.Now().UTC()) {
		b.mu.Lock()
		b.expired++
		b.mu.Unlock()
		b.metrics.RecordMessageExpired()
		b.logger.Debug("message expired before dispatch",
			zap.String("message_id", msg.ID),
			zap.String("channel", msg.Channel))
		return
	}

	b.mu.Lock()
	b.retained[msg.Channel] = append(b.retained[msg.Channel], msg)
	var matched []*subscriber
	for _, sub := range b.subscribers {
		if sub.filter.Matches(msg) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		go b.deliver(ctx, sub, msg)
	}
}

// deliver runs one subscriber handler, capturing panics and refreshing
// the subscriber heartbeat on success.
func (b *Bus) deliver(ctx context.Context, sub *subscriber, msg model.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber handler panic",
				zap.String("subscription_id", sub.id),
				zap.String("message_id", msg.ID),
				zap.Any("panic", r))
		}
	}()

	if err := sub.handler(ctx, msg); err != nil {
		b.logger.Warn("subscriber handler error",
			zap.String("subscription_id", sub.id),
			zap.String("message_id", msg.ID),
			zap.Error(err))
		return
	}

	b.mu.Lock()
	if s, ok := b.subscribers[sub.id]; ok {
		s.lastSeen = time.Now().UTC()
	}
	b.dispatched++
	b.mu.Unlock()
	b.metrics.RecordMessageDispatched(msg.Channel)
}

// maintain garbage-collects expired retained messages and prunes
// subscribers that have not successfully handled anything within the
// liveness window.
func (b *Bus) maintain() {
	now := time.Now().UTC()
	cutoff := now.Add(-b.cfg.SubscriberLiveness)

	b.mu.Lock()
	removedMsgs := 0
	for channel, msgs := range b.retained {
		kept := msgs[:0]
		for _, m := range msgs {
			if m.Expired(now) {
				removedMsgs++
				b.expired++
				continue
			}
			kept = append(kept, m)
		}
		b.retained[channel] = kept
	}

	var pruned []string
	for id, sub := range b.subscribers {
		if sub.lastSeen.Before(cutoff) {
			delete(b.subscribers, id)
			pruned = append(pruned, id)
		}
	}
	b.mu.Unlock()

	for i := 0; i < removedMsgs; i++ {
		b.metrics.RecordMessageExpired()
	}
	for _, id := range pruned {
		b.metrics.ActiveSubscribers.Dec()
		b.logger.Info("pruned dead subscriber", zap.String("subscription_id", id))
	}
}

// PublishOption customizes a published message.
type PublishOption func(*model.Message)

// WithPriority sets the message priority. Priority is advisory metadata
// except for the emergency lane.
func WithPriority(p int) PublishOption {
	return func(m *model.Message) { m.Priority = p }
}

// WithTTL sets an expiration relative to the publish time.
func WithTTL(ttl time.Duration) PublishOption {
	return func(m *model.Message) {
		exp := m.Timestamp.Add(ttl)
		m.Expiration = &exp
	}
}

// WithCorrelationID tags the message with a correlation id.
func WithCorrelationID(id string) PublishOption {
	return func(m *model.Message) { m.CorrelationID = id }
}

// WithReplyTo names the channel replies should go to.
func WithReplyTo(channel string) PublishOption {
	return func(m *model.Message) { m.ReplyTo = channel }
}

// WithMessageMetadata attaches metadata to the message.
func WithMessageMetadata(md map[string]any) PublishOption {
	return func(m *model.Message) { m.Metadata = md }
}

// Publish enqueues a message for asynchronous delivery and returns its
// id. Publishing blocks only when the ingress queue is full, and then
// honors context cancellation.
func (b *Bus) Publish(ctx context.Context, channel string, content map[string]any, senderID string, opts ...PublishOption) (string, error) {
	msg := model.Message{
		ID:        uuid.New().String(),
		Channel:   channel,
		Content:   content,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&msg)
	}
	return b.enqueue(ctx, b.queue, msg)
}

// PublishEmergency broadcasts on the emergency channel with top priority
// and a short expiration. Emergency messages bypass the normal queue.
func (b *Bus) PublishEmergency(ctx context.Context, content map[string]any, senderID string) (string, error) {
	now := time.Now().UTC()
	exp := now.Add(b.cfg.EmergencyTTL)
	msg := model.Message{
		ID:         uuid.New().String(),
		Channel:    model.ChannelEmergency,
		Content:    content,
		SenderID:   senderID,
		Timestamp:  now,
		Priority:   EmergencyPriority,
		Expiration: &exp,
	}

	id, err := b.enqueue(ctx, b.emergency, msg)
	if err != nil {
		return "", err
	}
	b.metrics.RecordEmergencyMessage()
	b.logger.Warn("emergency broadcast",
		zap.String("message_id", id),
		zap.String("sender_id", senderID))
	return id, nil
}

func (b *Bus) enqueue(ctx context.Context, queue chan model.Message, msg model.Message) (string, error) {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return "", model.NewConflictError("message bus is not running")
	}
	b.mu.Unlock()

	select {
	case queue <- msg:
	case <-ctx.Done():
		return "", model.NewTimeoutError("publish cancelled: " + ctx.Err().Error())
	}

	b.mu.Lock()
	b.published++
	b.perChannel[msg.Channel]++
	b.mu.Unlock()
	b.metrics.RecordMessagePublished(msg.Channel)
	return msg.ID, nil
}

// Subscribe registers a handler for messages matching the filter and
// returns the subscription id. An empty filter channel subscribes across
// all channels.
func (b *Bus) Subscribe(filter model.Filter, handler Handler) string {
	sub := &subscriber{
		id:       uuid.New().String(),
		filter:   filter,
		handler:  handler,
		lastSeen: time.Now().UTC(),
	}

	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	b.metrics.ActiveSubscribers.Inc()
	b.logger.Debug("subscriber registered",
		zap.String("subscription_id", sub.id),
		zap.String("channel", filter.Channel))
	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	_, existed := b.subscribers[subscriptionID]
	delete(b.subscribers, subscriptionID)
	b.mu.Unlock()

	if existed {
		b.metrics.ActiveSubscribers.Dec()
	}
}

// RequestReply publishes a request and waits for a correlated reply from
// another sender. A timeout is an expected outcome and returns (nil, nil);
// the temporary subscription is always removed, whichever way the
// exchange ends.
func (b *Bus) RequestReply(ctx context.Context, channel string, content map[string]any, senderID string, timeout time.Duration) (map[string]any, error) {
	correlationID := uuid.New().String()
	replyCh := make(chan map[string]any, 1)

	subID := b.Subscribe(model.Filter{Channel: channel}, func(_ context.Context, msg model.Message) error {
		if msg.CorrelationID != correlationID || msg.SenderID == senderID {
			return nil
		}
		select {
		case replyCh <- msg.Content:
		default:
		}
		return nil
	})
	defer b.Unsubscribe(subID)

	if _, err := b.Publish(ctx, channel, content, senderID,
		WithCorrelationID(correlationID),
		WithReplyTo(channel)); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		b.metrics.RecordRequestReplyTimeout()
		b.logger.Debug("request-reply timed out",
			zap.String("channel", channel),
			zap.String("correlation_id", correlationID))
		return nil, nil
	case <-ctx.Done():
		return nil, model.NewTimeoutError("request cancelled: " + ctx.Err().Error())
	}
}

// Retained returns a copy of the retained messages for a channel.
func (b *Bus) Retained(channel string) []model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.Message(nil), b.retained[channel]...)
}
