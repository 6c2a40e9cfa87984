package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeNodeNotFound       = "NODE_NOT_FOUND"
	ErrCodeUnsupportedType    = "UNSUPPORTED_NODE_TYPE"
	ErrCodeMissingField       = "MISSING_FIELD"
	ErrCodeTypeMismatch       = "TYPE_MISMATCH"
	ErrCodeVariableNotFound   = "VARIABLE_NOT_FOUND"
	ErrCodePropertyNotFound   = "PROPERTY_NOT_FOUND"
	ErrCodeSchemaValidation   = "SCHEMA_VALIDATION_FAILED"
	ErrCodeActionDriver       = "ACTION_DRIVER_ERROR"
	ErrCodeEval               = "EVAL_ERROR"
	ErrCodeResolution         = "RESOLUTION_ERROR"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeConflict           = "CONFLICT"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *EngineError) WithNode(nodeID string) *EngineError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}

// IsCode reports whether err is an *EngineError carrying the given code.
func IsCode(err error, code string) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}
