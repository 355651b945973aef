package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/internal/config"
	"github.com/pitabwire/medicoord/internal/observability"
	"github.com/pitabwire/medicoord/model"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	cfg := config.BusConfig{
		QueueSize:           64,
		SubscriberLiveness:  time.Minute,
		EmergencyTTL:        time.Minute,
		MaintenanceInterval: 10 * time.Millisecond,
		AuditLogCap:         10,
	}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	b := New(cfg, zap.NewNop(), metrics)
	b.Start(context.Background())
	t.Cleanup(b.Stop)
	return b
}

func waitMessage(t *testing.T, ch <-chan model.Message) model.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return model.Message{}
	}
}

func TestBus_publishDeliversToChannelSubscriber(t *testing.T) {
	b := newTestBus(t)

	got := make(chan model.Message, 1)
	b.Subscribe(model.Filter{Channel: model.ChannelTriage}, func(_ context.Context, msg model.Message) error {
		got <- msg
		return nil
	})

	id, err := b.Publish(context.Background(), model.ChannelTriage,
		map[string]any{"acuity": 2}, "triage-agent")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg := waitMessage(t, got)
	if msg.ID != id {
		t.Errorf("delivered message id = %q, want %q", msg.ID, id)
	}
	if msg.Content["acuity"] != 2 {
		t.Errorf("content acuity = %v, want 2", msg.Content["acuity"])
	}
	if msg.SenderID != "triage-agent" {
		t.Errorf("sender = %q, want triage-agent", msg.SenderID)
	}
}

func TestBus_emptyFilterMatchesAllChannels(t *testing.T) {
	b := newTestBus(t)

	got := make(chan model.Message, 2)
	b.Subscribe(model.Filter{}, func(_ context.Context, msg model.Message) error {
		got <- msg
		return nil
	})

	b.Publish(context.Background(), model.ChannelTriage, map[string]any{"n": 1}, "a")
	b.Publish(context.Background(), model.ChannelResearch, map[string]any{"n": 2}, "b")

	seen := map[string]bool{}
	seen[waitMessage(t, got).Channel] = true
	seen[waitMessage(t, got).Channel] = true
	if !seen[model.ChannelTriage] || !seen[model.ChannelResearch] {
		t.Errorf("all-channel subscriber saw %v, want both channels", seen)
	}
}

func TestBus_filterRejectsOtherSendersAndContent(t *testing.T) {
	b := newTestBus(t)

	got := make(chan model.Message, 4)
	b.Subscribe(model.Filter{
		Channel:  model.ChannelDiagnosis,
		SenderID: "lab",
		Content: func(content map[string]any) bool {
			return content["critical"] == true
		},
	}, func(_ context.Context, msg model.Message) error {
		got <- msg
		return nil
	})

	b.Publish(context.Background(), model.ChannelDiagnosis, map[string]any{"critical": true}, "nurse")
	b.Publish(context.Background(), model.ChannelDiagnosis, map[string]any{"critical": false}, "lab")
	b.Publish(context.Background(), model.ChannelDiagnosis, map[string]any{"critical": true}, "lab")

	msg := waitMessage(t, got)
	if msg.SenderID != "lab" || msg.Content["critical"] != true {
		t.Errorf("filtered delivery = sender %q content %v", msg.SenderID, msg.Content)
	}
	select {
	case extra := <-got:
		t.Errorf("unexpected extra delivery: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_expiredMessageIsDropped(t *testing.T) {
	b := newTestBus(t)

	got := make(chan model.Message, 1)
	b.Subscribe(model.Filter{Channel: model.ChannelSystem}, func(_ context.Context, msg model.Message) error {
		got <- msg
		return nil
	})

	b.Publish(context.Background(), model.ChannelSystem,
		map[string]any{"stale": true}, "scheduler", WithTTL(-time.Second))

	select {
	case msg := <-got:
		t.Errorf("expired message delivered: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_maintenanceRemovesExpiredRetained(t *testing.T) {
	b := newTestBus(t)

	id, err := b.Publish(context.Background(), model.ChannelSystem,
		map[string]any{"short": "lived"}, "scheduler", WithTTL(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// The message lands in retained storage first.
	deadline := time.Now().Add(time.Second)
	for len(b.Retained(model.ChannelSystem)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message never appeared in retained storage")
		}
		time.Sleep(time.Millisecond)
	}
	if got := b.Retained(model.ChannelSystem)[0].ID; got != id {
		t.Fatalf("retained message id = %q, want %q", got, id)
	}

	// Maintenance garbage-collects it once the TTL passes.
	deadline = time.Now().Add(2 * time.Second)
	for len(b.Retained(model.ChannelSystem)) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expired message still retained: %d messages",
				len(b.Retained(model.ChannelSystem)))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBus_handlerPanicIsIsolated(t *testing.T) {
	b := newTestBus(t)

	got := make(chan model.Message, 1)
	b.Subscribe(model.Filter{Channel: model.ChannelSystem}, func(_ context.Context, _ model.Message) error {
		panic("handler bug")
	})
	b.Subscribe(model.Filter{Channel: model.ChannelSystem}, func(_ context.Context, msg model.Message) error {
		got <- msg
		return nil
	})

	b.Publish(context.Background(), model.ChannelSystem, map[string]any{"n": 1}, "a")
	waitMessage(t, got)

	// The bus survives the panic and keeps delivering.
	b.Publish(context.Background(), model.ChannelSystem, map[string]any{"n": 2}, "a")
	waitMessage(t, got)
}

func TestBus_unsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t)

	got := make(chan model.Message, 2)
	subID := b.Subscribe(model.Filter{Channel: model.ChannelTreatment}, func(_ context.Context, msg model.Message) error {
		got <- msg
		return nil
	})

	b.Publish(context.Background(), model.ChannelTreatment, map[string]any{"n": 1}, "a")
	waitMessage(t, got)

	b.Unsubscribe(subID)
	b.Publish(context.Background(), model.ChannelTreatment, map[string]any{"n": 2}, "a")

	select {
	case msg := <-got:
		t.Errorf("delivery after unsubscribe: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_requestReplyRoundTrip(t *testing.T) {
	b := newTestBus(t)

	// Responder echoes requests back with the same correlation id.
	b.Subscribe(model.Filter{Channel: model.ChannelResearch}, func(ctx context.Context, msg model.Message) error {
		if msg.CorrelationID == "" || msg.SenderID == "research-agent" {
			return nil
		}
		_, err := b.Publish(ctx, model.ChannelResearch,
			map[string]any{"answer": 42, "for": msg.Content["question"]},
			"research-agent",
			WithCorrelationID(msg.CorrelationID))
		return err
	})

	reply, err := b.RequestReply(context.Background(), model.ChannelResearch,
		map[string]any{"question": "dosage"}, "treatment-agent", 2*time.Second)
	if err != nil {
		t.Fatalf("RequestReply: %v", err)
	}
	if reply == nil {
		t.Fatal("RequestReply returned nil reply, want answer")
	}
	if reply["answer"] != 42 || reply["for"] != "dosage" {
		t.Errorf("reply = %v, want answer 42 for dosage", reply)
	}
}

func TestBus_requestReplyTimeoutIsNotAnError(t *testing.T) {
	b := newTestBus(t)

	before := b.Statistics().ActiveSubscribers
	reply, err := b.RequestReply(context.Background(), model.ChannelResearch,
		map[string]any{"question": "unanswerable"}, "agent", 30*time.Millisecond)
	if err != nil {
		t.Errorf("timeout returned error %v, want nil", err)
	}
	if reply != nil {
		t.Errorf("timeout returned reply %v, want nil", reply)
	}
	if after := b.Statistics().ActiveSubscribers; after != before {
		t.Errorf("temporary subscriber leaked: %d -> %d", before, after)
	}
}

func TestBus_requestReplyIgnoresOwnRequest(t *testing.T) {
	b := newTestBus(t)

	// No responder: the requester's own message must not satisfy the wait.
	reply, err := b.RequestReply(context.Background(), model.ChannelSystem,
		map[string]any{"ping": true}, "self", 50*time.Millisecond)
	if err != nil || reply != nil {
		t.Errorf("RequestReply = (%v, %v), want (nil, nil)", reply, err)
	}
}

func TestBus_publishEmergencySetsPriorityAndTTL(t *testing.T) {
	b := newTestBus(t)

	got := make(chan model.Message, 1)
	b.Subscribe(model.Filter{Channel: model.ChannelEmergency}, func(_ context.Context, msg model.Message) error {
		got <- msg
		return nil
	})

	_, err := b.PublishEmergency(context.Background(),
		map[string]any{"patient_id": "patient-1", "event": "code blue"}, "monitoring-agent")
	if err != nil {
		t.Fatalf("PublishEmergency: %v", err)
	}

	msg := waitMessage(t, got)
	if msg.Priority != EmergencyPriority {
		t.Errorf("priority = %d, want %d", msg.Priority, EmergencyPriority)
	}
	if msg.Expiration == nil {
		t.Error("emergency message has no expiration")
	}
}

func TestBus_emergencyFloodDoesNotStarveNormalTraffic(t *testing.T) {
	b := newTestBus(t)

	got := make(chan model.Message, 1)
	b.Subscribe(model.Filter{Channel: model.ChannelTreatment}, func(_ context.Context, msg model.Message) error {
		select {
		case got <- msg:
		default:
		}
		return nil
	})

	// Keep the emergency lane saturated for the whole test.
	floodCtx, stopFlood := context.WithCancel(context.Background())
	defer stopFlood()
	go func() {
		for floodCtx.Err() == nil {
			b.PublishEmergency(floodCtx, map[string]any{"event": "alarm"}, "monitoring-agent")
		}
	}()

	if _, err := b.Publish(context.Background(), model.ChannelTreatment,
		map[string]any{"dose": 1}, "pharmacy"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitMessage(t, got)
}

func TestBus_publishRejectedWhenStopped(t *testing.T) {
	cfg := config.BusConfig{QueueSize: 4, AuditLogCap: 10}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	b := New(cfg, zap.NewNop(), metrics)

	_, err := b.Publish(context.Background(), model.ChannelSystem, nil, "a")
	var envelope *model.ErrorEnvelope
	if !errors.As(err, &envelope) || envelope.Code != model.ErrConflict {
		t.Errorf("Publish on stopped bus = %v, want CONFLICT envelope", err)
	}
}

func TestBus_complianceAuditTrailAndTrim(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Second)
	for i := 0; i < 15; i++ {
		_, err := b.PublishWithCompliance(ctx, model.ChannelTreatment,
			map[string]any{"dose": i}, "pharmacy",
			map[string]any{"regulation": "hipaa"})
		if err != nil {
			t.Fatalf("PublishWithCompliance: %v", err)
		}
	}

	// Cap is 10: the log trims to the most recent half.
	stats := b.Statistics()
	if stats.AuditSize > 10 {
		t.Errorf("audit size = %d, want <= cap 10", stats.AuditSize)
	}

	trail := b.AuditTrail(start, time.Time{})
	if len(trail) == 0 {
		t.Fatal("audit trail empty")
	}
	last := trail[len(trail)-1]
	if last.Compliance["regulation"] != "hipaa" {
		t.Errorf("compliance block = %v, want hipaa tag", last.Compliance)
	}
	if last.Message.Content["dose"] != 14 {
		t.Errorf("latest audit dose = %v, want 14", last.Message.Content["dose"])
	}

	// Windows exclude entries outside the bounds.
	if got := b.AuditTrail(time.Now().Add(time.Hour), time.Time{}); len(got) != 0 {
		t.Errorf("future-windowed trail = %d entries, want 0", len(got))
	}
}

func TestBus_statisticsCountPublishes(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	done := make(chan model.Message, 3)
	b.Subscribe(model.Filter{Channel: model.ChannelTriage}, func(_ context.Context, msg model.Message) error {
		done <- msg
		return nil
	})

	b.Publish(ctx, model.ChannelTriage, map[string]any{"n": 1}, "a")
	b.Publish(ctx, model.ChannelTriage, map[string]any{"n": 2}, "a")
	b.Publish(ctx, model.ChannelDiagnosis, map[string]any{"n": 3}, "a")
	waitMessage(t, done)
	waitMessage(t, done)

	stats := b.Statistics()
	if stats.Published != 3 {
		t.Errorf("published = %d, want 3", stats.Published)
	}
	if stats.PerChannel[model.ChannelTriage] != 2 {
		t.Errorf("triage publishes = %d, want 2", stats.PerChannel[model.ChannelTriage])
	}
	if stats.ActiveSubscribers != 1 {
		t.Errorf("active subscribers = %d, want 1", stats.ActiveSubscribers)
	}
	if stats.Dispatched < 2 {
		t.Errorf("dispatched = %d, want >= 2", stats.Dispatched)
	}
}

func TestBus_maintenancePrunesDeadSubscribers(t *testing.T) {
	cfg := config.BusConfig{
		QueueSize:           16,
		SubscriberLiveness:  20 * time.Millisecond,
		MaintenanceInterval: 5 * time.Millisecond,
		AuditLogCap:         10,
	}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	b := New(cfg, zap.NewNop(), metrics)
	b.Start(context.Background())
	defer b.Stop()

	b.Subscribe(model.Filter{Channel: model.ChannelSystem}, func(_ context.Context, _ model.Message) error {
		return nil
	})
	if got := b.Statistics().ActiveSubscribers; got != 1 {
		t.Fatalf("active subscribers = %d, want 1", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Statistics().ActiveSubscribers == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("idle subscriber was never pruned")
}
