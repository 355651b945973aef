package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest       = "BAD_REQUEST"
	ErrNotFound         = "NOT_FOUND"
	ErrConflict         = "CONFLICT"
	ErrTimeout          = "TIMEOUT"
	ErrInternalError    = "INTERNAL_ERROR"
	ErrMeshUnavailable  = "MESH_UNAVAILABLE"
	ErrInvalidSignature = "INVALID_SIGNATURE"
)

// Coordination-specific error codes.
const (
	ErrInvalidTransition    = "INVALID_TRANSITION"
	ErrGuardRejected        = "GUARD_REJECTED"
	ErrOperationNotPausable = "OPERATION_NOT_PAUSABLE"
	ErrWorkflowNotActive    = "WORKFLOW_NOT_ACTIVE"
	ErrHandlerNotRegistered = "HANDLER_NOT_REGISTERED"
	ErrEnvelopeExpired      = "ENVELOPE_EXPIRED"
)

// ErrorEnvelope is the standard structured error returned for expected
// failure modes. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewTimeoutError returns a TIMEOUT error.
func NewTimeoutError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTimeout, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR with the original error text
// preserved for diagnosis.
func NewInternalError(cause error) *ErrorEnvelope {
	msg := "An unexpected error occurred"
	if cause != nil {
		msg = cause.Error()
	}
	return &ErrorEnvelope{Code: ErrInternalError, Message: msg}
}

// NewMeshUnavailableError returns a MESH_UNAVAILABLE error.
func NewMeshUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrMeshUnavailable, Message: msg}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewGuardRejectedError returns a GUARD_REJECTED error. Callers observe
// the same outcome as an invalid transition; the distinct code exists for
// audit records.
func NewGuardRejectedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrGuardRejected, Message: msg}
}

// NewOperationNotPausableError returns an OPERATION_NOT_PAUSABLE error.
func NewOperationNotPausableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrOperationNotPausable, Message: msg}
}

// NewHandlerNotRegisteredError returns a HANDLER_NOT_REGISTERED error.
func NewHandlerNotRegisteredError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrHandlerNotRegistered, Message: msg}
}

// NewEnvelopeExpiredError returns an ENVELOPE_EXPIRED error.
func NewEnvelopeExpiredError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrEnvelopeExpired, Message: msg}
}
