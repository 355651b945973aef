package bus

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/model"
)

// AuditEntry is one compliance-tracked publish.
type AuditEntry struct {
	Message    model.Message  `json:"message"`
	Compliance map[string]any `json:"compliance"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// PublishWithCompliance publishes a message and records it in the capped
// audit log. The compliance block is attached to the message metadata so
// downstream subscribers see it too.
func (b *Bus) PublishWithCompliance(ctx context.Context, channel string, content map[string]any, senderID string, compliance map[string]any, opts ...PublishOption) (string, error) {
	if compliance == nil {
		compliance = make(map[string]any)
	}
	now := time.Now().UTC()
	compliance["recorded_at"] = now.Format(time.RFC3339Nano)

	opts = append(opts, WithMessageMetadata(map[string]any{"compliance": compliance}))
	msgID, err := b.Publish(ctx, channel, content, senderID, opts...)
	if err != nil {
		return "", err
	}

	entry := AuditEntry{
		Message: model.Message{
			ID:        msgID,
			Channel:   channel,
			Content:   content,
			SenderID:  senderID,
			Timestamp: now,
		},
		Compliance: compliance,
		RecordedAt: now,
	}

	b.mu.Lock()
	b.audit = append(b.audit, entry)
	if len(b.audit) > b.cfg.AuditLogCap {
		// Trim to the most recent half to amortize the cost.
		keep := b.cfg.AuditLogCap / 2
		trimmed := make([]AuditEntry, keep)
		copy(trimmed, b.audit[len(b.audit)-keep:])
		b.audit = trimmed
		b.logger.Warn("audit log trimmed",
			zap.Int("kept", keep),
			zap.Int("cap", b.cfg.AuditLogCap))
	}
	b.mu.Unlock()

	return msgID, nil
}

// AuditTrail returns audit entries recorded in [since, until]. Zero
// bounds are open.
func (b *Bus) AuditTrail(since, until time.Time) []AuditEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []AuditEntry
	for _, entry := range b.audit {
		if !since.IsZero() && entry.RecordedAt.Before(since) {
			continue
		}
		if !until.IsZero() && entry.RecordedAt.After(until) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// Statistics is a point-in-time summary of bus activity.
type Statistics struct {
	Published         int64            `json:"published"`
	Dispatched        int64            `json:"dispatched"`
	Expired           int64            `json:"expired"`
	PerChannel        map[string]int64 `json:"per_channel"`
	ActiveSubscribers int              `json:"active_subscribers"`
	RetainedMessages  int              `json:"retained_messages"`
	AuditSize         int              `json:"audit_size"`
}

// Statistics returns current bus counters.
func (b *Bus) Statistics() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()

	perChannel := make(map[string]int64, len(b.perChannel))
	for ch, n := range b.perChannel {
		perChannel[ch] = n
	}
	retained := 0
	for _, msgs := range b.retained {
		retained += len(msgs)
	}
	return Statistics{
		Published:         b.published,
		Dispatched:        b.dispatched,
		Expired:           b.expired,
		PerChannel:        perChannel,
		ActiveSubscribers: len(b.subscribers),
		RetainedMessages:  retained,
		AuditSize:         len(b.audit),
	}
}
