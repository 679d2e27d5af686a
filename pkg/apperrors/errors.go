package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Code is a stable, machine-readable error kind callers can branch on.
type Code string

const (
	CodeServiceNotInitialized    Code = "SERVICE_NOT_INITIALIZED"
	CodeServiceInit              Code = "SERVICE_INIT_ERROR"
	CodeServiceShutdown          Code = "SERVICE_SHUTDOWN_ERROR"
	CodeInvalidNodeData          Code = "INVALID_NODE_DATA"
	CodeDuplicateNodeSlug        Code = "DUPLICATE_NODE_SLUG"
	CodeNodeNotFound             Code = "NODE_NOT_FOUND"
	CodeNodeHasDependencies      Code = "NODE_HAS_DEPENDENCIES"
	CodeDependencyNotFound       Code = "DEPENDENCY_NOT_FOUND"
	CodeDependencyNotInitialized Code = "DEPENDENCY_NOT_INITIALIZED"
	CodeServiceNotAvailable      Code = "SERVICE_NOT_AVAILABLE"
	CodeDatabase                 Code = "DATABASE_ERROR"
	CodeService                  Code = "SERVICE_ERROR"
)

// FieldError describes one rejected field of a payload.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ServiceError is the structured error surfaced by services.
// Service and Operation are filled in by the operation guard when empty.
type ServiceError struct {
	Code        Code           `json:"code"`
	Message     string         `json:"message"`
	Service     string         `json:"service,omitempty"`
	Operation   string         `json:"operation,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	FieldErrors []FieldError   `json:"field_errors,omitempty"`
	Cause       error          `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Service != "" || e.Operation != "" {
		fmt.Fprintf(&b, " [%s.%s]", e.Service, e.Operation)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ServiceError with the same code.
func (e *ServiceError) Is(target error) bool {
	t, ok := target.(*ServiceError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail sets a single context value and returns the error for chaining.
func (e *ServiceError) WithDetail(key string, value any) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError without a cause.
func New(code Code, message string) *ServiceError {
	return &ServiceError{Code: code, Message: message}
}

// Wrap creates a ServiceError around cause.
func Wrap(code Code, message string, cause error) *ServiceError {
	return &ServiceError{Code: code, Message: message, Cause: cause}
}

// Invalid creates an INVALID_NODE_DATA error carrying every field violation.
func Invalid(fieldErrors []FieldError) *ServiceError {
	return &ServiceError{
		Code:        CodeInvalidNodeData,
		Message:     fmt.Sprintf("node data failed validation (%d errors)", len(fieldErrors)),
		FieldErrors: fieldErrors,
	}
}

// CodeOf returns the code of the first ServiceError in err's chain, or "" if none.
func CodeOf(err error) Code {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
