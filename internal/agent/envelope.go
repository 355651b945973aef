package agent

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/medicoord/model"
)

// EnvelopeType classifies an agent-to-agent message.
type EnvelopeType string

const (
	EnvelopeRequest      EnvelopeType = "request"
	EnvelopeResponse     EnvelopeType = "response"
	EnvelopeNotification EnvelopeType = "notification"
	EnvelopeError        EnvelopeType = "error"
)

// Envelope is one signed agent-to-agent message. Integrity uses
// HMAC-SHA256 over the canonical JSON encoding with the signature field
// blanked. Shared-secret signing is a demonstration scheme, not a
// production credential system.
type Envelope struct {
	ID            string         `json:"envelope_id"`
	Type          EnvelopeType   `json:"type"`
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"`
	Kind          ActionKind     `json:"kind,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	IssuedAt      time.Time      `json:"issued_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	Signature     string         `json:"signature,omitempty"`
}

// NewEnvelope creates an unsigned envelope with a fresh id. A zero TTL
// means the envelope never expires.
func NewEnvelope(t EnvelopeType, sender, recipient string, kind ActionKind, payload map[string]any, ttl time.Duration) Envelope {
	now := time.Now().UTC()
	env := Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		Sender:    sender,
		Recipient: recipient,
		Kind:      kind,
		Payload:   payload,
		IssuedAt:  now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		env.ExpiresAt = &exp
	}
	return env
}

// Expired reports whether the envelope is past its expiry at the given
// instant.
func (e Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// digest computes the HMAC over the envelope with its signature blanked.
// Map keys marshal in sorted order, so the encoding is canonical.
func (e Envelope) digest(secret []byte) (string, error) {
	e.Signature = ""
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode envelope for signing: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Sign stamps the envelope's signature.
func (e *Envelope) Sign(secret []byte) error {
	sig, err := e.digest(secret)
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// Verify checks the envelope's signature with a constant-time compare.
func (e Envelope) Verify(secret []byte) error {
	if e.Signature == "" {
		return &model.ErrorEnvelope{Code: model.ErrInvalidSignature, Message: "envelope is unsigned"}
	}
	want, err := e.digest(secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(e.Signature)) {
		return &model.ErrorEnvelope{Code: model.ErrInvalidSignature, Message: "envelope signature mismatch"}
	}
	return nil
}

// Content encodes the envelope as a bus message payload.
func (e Envelope) Content() (map[string]any, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	var content map[string]any
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return content, nil
}

// EnvelopeFromContent decodes an envelope from a bus message payload.
func EnvelopeFromContent(content map[string]any) (Envelope, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return Envelope{}, model.NewBadRequestError("message content is not an envelope")
	}
	return env, nil
}
