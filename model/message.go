package model

import "time"

// Well-known bus channels. Channels are open-ended strings; these cover
// the standard coordination topics.
const (
	ChannelTriage    = "triage"
	ChannelDiagnosis = "diagnosis"
	ChannelTreatment = "treatment"
	ChannelResearch  = "research"
	ChannelSystem    = "system"
	ChannelEmergency = "emergency"
)

// Message is a single bus message. It is immutable once published;
// consumers must not modify Content.
type Message struct {
	ID            string         `json:"message_id"`
	Channel       string         `json:"channel"`
	Content       map[string]any `json:"content"`
	SenderID      string         `json:"sender_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Priority      int            `json:"priority"`
	Expiration    *time.Time     `json:"expiration,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ReplyTo       string         `json:"reply_to,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the message is past its expiration at the given
// instant. Messages without an expiration never expire.
func (m Message) Expired(now time.Time) bool {
	return m.Expiration != nil && now.After(*m.Expiration)
}

// Filter selects messages for a subscription. Zero-valued fields match
// everything: an empty Channel subscribes across all channels, an empty
// SenderID accepts any sender, and a nil Content predicate accepts any
// payload.
type Filter struct {
	Channel  string
	SenderID string
	Content  func(content map[string]any) bool
}

// Matches reports whether the message passes the filter.
func (f Filter) Matches(m Message) bool {
	if f.Channel != "" && m.Channel != f.Channel {
		return false
	}
	if f.SenderID != "" && m.SenderID != f.SenderID {
		return false
	}
	if f.Content != nil && !f.Content(m.Content) {
		return false
	}
	return true
}
