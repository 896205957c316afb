package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Graph build error codes
const (
	ErrDuplicateNode ErrorCode = "DUPLICATE_NODE"
	ErrUnknownNode   ErrorCode = "UNKNOWN_NODE"
	ErrInvalidCycle  ErrorCode = "INVALID_CYCLE"
	ErrInvalidGraph  ErrorCode = "INVALID_GRAPH"
)

// Mapping error codes
const (
	ErrMissingMappingField ErrorCode = "MISSING_MAPPING_FIELD"
	ErrInvalidMapping      ErrorCode = "INVALID_MAPPING"
)

// Execution error codes
const (
	ErrNodeExecution         ErrorCode = "NODE_EXECUTION"
	ErrUnknownKind           ErrorCode = "UNKNOWN_KIND"
	ErrInvalidParameter      ErrorCode = "INVALID_PARAMETER"
	ErrConvergenceEvaluation ErrorCode = "CONVERGENCE_EVALUATION"
	ErrCycleLimitExceeded    ErrorCode = "CYCLE_LIMIT_EXCEEDED"
	ErrCycleTimeout          ErrorCode = "CYCLE_TIMEOUT"
	ErrNodeTimeout           ErrorCode = "NODE_TIMEOUT"
	ErrRunCancelled          ErrorCode = "RUN_CANCELLED"
)

// Error represents a structured error with code, message, and metadata.
// Inside a cycle group the offending iteration is carried alongside the
// node id so failures can be traced to a specific pass.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	NodeID    string    `json:"node_id,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	Iteration int       `json:"iteration,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.NodeID != "" {
		msg += fmt.Sprintf(" (node=%s", e.NodeID)
		if e.Iteration > 0 {
			msg += fmt.Sprintf(" iteration=%d", e.Iteration)
		}
		msg += ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithNode sets the offending node id.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithCycle sets the cycle group id and iteration index.
func (e *Error) WithCycle(groupID string, iteration int) *Error {
	e.GroupID = groupID
	e.Iteration = iteration
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the error code from an error, unwrapping as needed.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
