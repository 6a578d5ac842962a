package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_DerivesCategoryAndRetryability(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      ErrorCode
		category  ErrorCategory
		retryable bool
	}{
		{ErrCodeRecursiveCall, CategorySafety, false},
		{ErrCodeRecursionLimit, CategorySafety, false},
		{ErrCodeCircuitOpen, CategorySafety, true},
		{ErrCodeOperationTimeout, CategorySafety, true},
		{ErrCodeListenerLimit, CategoryEvents, false},
		{ErrCodeValidationFailed, CategoryBootstrap, false},
		{ErrCodeFetchFailed, CategoryFetch, true},
		{ErrCodeInvalidConfig, CategoryConfiguration, false},
		{ErrCodeInvalidState, CategoryState, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "boom")
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestCacheError_ErrorFormatting(t *testing.T) {
	t.Parallel()

	err := New(ErrCodeCircuitOpen, "breaker open for key").
		WithComponent("safety").
		WithOperation("execute")

	assert.Equal(t, "[safety:execute] CIRCUIT_OPEN: breaker open for key", err.Error())
}

func TestCacheError_IsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := New(ErrCodeRecursiveCall, "key active")
	assert.True(t, errors.Is(err, New(ErrCodeRecursiveCall, "other message")))
	assert.False(t, errors.Is(err, New(ErrCodeRecursionLimit, "key active")))
}

func TestCacheError_UnwrapChain(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("connection reset")
	err := New(ErrCodeFetchFailed, "fetch failed").WithCause(cause)

	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, IsCode(fmt.Errorf("wrapped: %w", err), ErrCodeFetchFailed))
	assert.False(t, IsCode(cause, ErrCodeFetchFailed))
}
