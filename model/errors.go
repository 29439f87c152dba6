package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrForbidden         = "FORBIDDEN"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Workflow-specific error codes.
const (
	ErrWorkflowNotFound     = "WORKFLOW_NOT_FOUND"
	ErrWorkflowNotActive    = "WORKFLOW_NOT_ACTIVE"
	ErrDefinitionNotFound   = "DEFINITION_NOT_FOUND"
	ErrTaskNotFound         = "TASK_NOT_FOUND"
	ErrStepNotFound         = "STEP_NOT_FOUND"
	ErrHandlerNotRegistered = "HANDLER_NOT_REGISTERED"
)

// ErrorEnvelope is the standard error shape surfaced by the engine and
// returned by the HTTP layer. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsBusinessError reports whether err is a typed business-rule violation,
// as opposed to an infrastructure failure. Business errors are surfaced to
// the caller unchanged and never retried.
func IsBusinessError(err error) bool {
	_, ok := err.(*ErrorEnvelope)
	return ok
}

// IsConflictError reports whether err is an optimistic-concurrency CONFLICT.
// Unlike other business errors a conflict is transient: the losing writer
// reloads and reapplies, so callers treat it as retryable.
func IsConflictError(err error) bool {
	env, ok := err.(*ErrorEnvelope)
	return ok && env.Code == ErrConflict
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewWorkflowNotFoundError returns a WORKFLOW_NOT_FOUND error.
func NewWorkflowNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWorkflowNotFound, Message: msg}
}

// NewWorkflowNotActiveError returns a WORKFLOW_NOT_ACTIVE error.
func NewWorkflowNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrWorkflowNotActive, Message: msg}
}

// NewDefinitionNotFoundError returns a DEFINITION_NOT_FOUND error.
func NewDefinitionNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrDefinitionNotFound, Message: msg}
}

// NewTaskNotFoundError returns a TASK_NOT_FOUND error.
func NewTaskNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTaskNotFound, Message: msg}
}

// NewStepNotFoundError returns a STEP_NOT_FOUND error.
func NewStepNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStepNotFound, Message: msg}
}

// NewHandlerNotRegisteredError returns a HANDLER_NOT_REGISTERED error.
// This is a configuration failure: the definition names a handler that was
// never registered at startup.
func NewHandlerNotRegisteredError(name string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrHandlerNotRegistered,
		Message: fmt.Sprintf("automatic task handler %q is not registered", name),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
