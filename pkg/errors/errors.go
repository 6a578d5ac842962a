// Package errors provides the structured error system for the cache
// subsystem, with error codes, categories, and wrapped causes.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a failure class of the cache subsystem.
type ErrorCode string

const (
	// Safety kernel errors
	ErrCodeRecursionLimit   ErrorCode = "RECURSION_LIMIT_EXCEEDED"
	ErrCodeRecursiveCall    ErrorCode = "RECURSIVE_CALL_BLOCKED"
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"

	// Event bus errors
	ErrCodeListenerLimit   ErrorCode = "LISTENER_LIMIT"
	ErrCodeEmissionBlocked ErrorCode = "EMISSION_BLOCKED"

	// Bootstrap and validation errors
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Caller-supplied fetch failures, propagated opaquely
	ErrCodeFetchFailed ErrorCode = "FETCH_FAILED"

	// Configuration and state errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
)

// ErrorCategory groups error codes by subsystem concern.
type ErrorCategory string

const (
	CategorySafety        ErrorCategory = "safety"
	CategoryEvents        ErrorCategory = "events"
	CategoryBootstrap     ErrorCategory = "bootstrap"
	CategoryFetch         ErrorCategory = "fetch"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryState         ErrorCategory = "state"
)

// CacheError is a structured error with code, category, and context.
type CacheError struct {
	Code      ErrorCode              `json:"code"`
	Category  ErrorCategory          `json:"category"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"`
	Timestamp time.Time              `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is matches against another CacheError by code.
func (e *CacheError) Is(target error) bool {
	if other, ok := target.(*CacheError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *CacheError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("CacheError{%s}", strings.Join(parts, ", "))
}

// New creates a structured error with category and retryability derived
// from the code.
func New(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:      code,
		Category:  CategoryOf(code),
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableByDefault(code),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return New(code, fmt.Sprintf(format, args...))
}

// CategoryOf maps an error code to its category.
func CategoryOf(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeRecursionLimit, ErrCodeRecursiveCall, ErrCodeCircuitOpen, ErrCodeOperationTimeout:
		return CategorySafety
	case ErrCodeListenerLimit, ErrCodeEmissionBlocked:
		return CategoryEvents
	case ErrCodeValidationFailed:
		return CategoryBootstrap
	case ErrCodeFetchFailed:
		return CategoryFetch
	case ErrCodeInvalidConfig:
		return CategoryConfiguration
	default:
		return CategoryState
	}
}

func retryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeCircuitOpen, ErrCodeOperationTimeout, ErrCodeFetchFailed:
		return true
	}
	return false
}

// WithDetail attaches a key/value detail to the error.
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the originating component.
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation that failed.
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithCause records the underlying cause.
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// IsCode reports whether err is a CacheError with the given code anywhere
// in its chain.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		if ce, ok := err.(*CacheError); ok && ce.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
