package protocol

import (
	"fmt"
)

// Error codes for offload operations
const (
	// Routing errors
	ErrCodeRoutingDropped = "ROUTING_DROPPED"
	ErrCodeNotConnected   = "NOT_CONNECTED"

	// Negotiation errors
	ErrCodeNegotiationFailed = "NEGOTIATION_FAILED"
	ErrCodeChannelLost       = "CHANNEL_LOST"

	// Permission errors
	ErrCodePermissionDenied = "PERMISSION_DENIED"

	// Selection errors
	ErrCodeCapabilityTimeout  = "CAPABILITY_TIMEOUT"
	ErrCodeFeatureUnsupported = "FEATURE_UNSUPPORTED"
	ErrCodeWorkerNotFound     = "WORKER_NOT_FOUND"

	// Execution errors
	ErrCodeOperationUnknown = "OPERATION_UNKNOWN"
	ErrCodeExecutionFailed  = "EXECUTION_FAILED"
	ErrCodeConstraintFailed = "CONSTRAINT_FAILED"
)

// Error carries a code for programmatic handling alongside a message and
// an optional cause.
type Error struct {
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates a new coded error
func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with offload error context
func WrapError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Common error constructors

func ErrWorkerNotFound(workerID string) *Error {
	return NewError(ErrCodeWorkerNotFound, "worker not found").
		WithContext("worker_id", workerID)
}

func ErrFeatureUnsupported(feature string) *Error {
	return NewError(ErrCodeFeatureUnsupported, "feature not supported").
		WithContext("feature", feature)
}

func ErrPermissionDenied(feature string) *Error {
	return NewError(ErrCodePermissionDenied, "permission denied").
		WithContext("feature", feature)
}

func ErrChannelLost(workerID string) *Error {
	return NewError(ErrCodeChannelLost, "data channel lost").
		WithContext("worker_id", workerID)
}

func ErrNegotiationFailed(workerID string, cause error) *Error {
	return WrapError(ErrCodeNegotiationFailed, "negotiation failed", cause).
		WithContext("worker_id", workerID)
}

func ErrCapabilityTimeout(feature string) *Error {
	return NewError(ErrCodeCapabilityTimeout, "no capable worker discovered in time").
		WithContext("feature", feature)
}

func ErrWakeTimeout(workerID string) *Error {
	return NewError(ErrCodeCapabilityTimeout, "woken device never joined").
		WithContext("worker_id", workerID)
}

func ErrOperationUnknown(op string) *Error {
	return NewError(ErrCodeOperationUnknown, "compute operation not registered").
		WithContext("op", op)
}
