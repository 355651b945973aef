// Package transport exposes the coordination subsystems over a thin chi
// HTTP API. The API is operator-facing; clinical user interfaces live in
// other services and reach the coordinator through it.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/medicoord/internal/observability"
	"github.com/pitabwire/medicoord/model"
)

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders an error as an ErrorEnvelope response. Unexpected
// errors are logged and masked as INTERNAL_ERROR.
func writeError(w http.ResponseWriter, r *http.Request, fallback *zap.Logger, err error) {
	var envelope *model.ErrorEnvelope
	if !errors.As(err, &envelope) {
		observability.RequestLogger(r.Context(), fallback).Error("unhandled error", zap.Error(err))
		envelope = &model.ErrorEnvelope{Code: model.ErrInternalError, Message: "An unexpected error occurred"}
	}
	writeJSON(w, statusForCode(envelope.Code), envelope)
}

// statusForCode maps envelope codes to HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case model.ErrBadRequest:
		return http.StatusBadRequest
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrConflict,
		model.ErrInvalidTransition,
		model.ErrGuardRejected,
		model.ErrOperationNotPausable,
		model.ErrWorkflowNotActive:
		return http.StatusConflict
	case model.ErrTimeout:
		return http.StatusGatewayTimeout
	case model.ErrMeshUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrInvalidSignature:
		return http.StatusUnauthorized
	case model.ErrEnvelopeExpired, model.ErrHandlerNotRegistered:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.NewBadRequestError("invalid request body: " + err.Error())
	}
	return nil
}
