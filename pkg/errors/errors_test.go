package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type userRetryable struct{}

func (userRetryable) Error() string   { return "user error" }
func (userRetryable) Retryable() bool { return true }

type userFinal struct{}

func (userFinal) Error() string   { return "user error" }
func (userFinal) Retryable() bool { return false }

func TestIsRetryable(t *testing.T) {
	t.Run("NilIsNot", func(t *testing.T) {
		assert.False(t, IsRetryable(nil))
	})

	t.Run("ContentionIs", func(t *testing.T) {
		assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrContention)))
	})

	t.Run("UserErrorsFollowTheirFlag", func(t *testing.T) {
		assert.True(t, IsRetryable(userRetryable{}))
		assert.False(t, IsRetryable(userFinal{}))
	})

	t.Run("StoreErrorsFollowTheStore", func(t *testing.T) {
		assert.True(t, IsRetryable(&StoreError{Code: CodeThrottling, Retryable: true}))
		assert.False(t, IsRetryable(&StoreError{Code: "ValidationException"}))
		assert.True(t, IsRetryable(&StoreError{Code: CodeConditionalCheckFailed}))
	})

	t.Run("CanceledBundlesAreRetryable", func(t *testing.T) {
		err := &TransactionCanceledError{Reasons: []CancellationReason{{Code: "None"}}}
		assert.True(t, IsRetryable(err))
	})

	t.Run("ClassifiedConcurrencyErrorsAreNot", func(t *testing.T) {
		assert.False(t, IsRetryable(fmt.Errorf("%w: Order", ErrModelAlreadyExists)))
		assert.False(t, IsRetryable(fmt.Errorf("%w: Order", ErrInvalidModelUpdate)))
	})
}

func TestTransactionError(t *testing.T) {
	inner := fmt.Errorf("%w: gave up", ErrContention)
	err := &TransactionError{Err: inner, Attempts: 4}
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.ErrorIs(t, err, ErrContention)
	assert.Contains(t, err.Error(), "4 attempts")
}

func TestMultipleError(t *testing.T) {
	err := &MultipleError{Errors: []error{
		fmt.Errorf("%w: a", ErrModelAlreadyExists),
		fmt.Errorf("%w: b", ErrInvalidModelUpdate),
	}}
	assert.ErrorIs(t, err, ErrModelAlreadyExists)
	assert.ErrorIs(t, err, ErrInvalidModelUpdate)
	assert.Contains(t, err.Error(), "multiple non-retryable errors")
}

func TestTransactionCanceledError(t *testing.T) {
	err := &TransactionCanceledError{Reasons: []CancellationReason{
		{Code: "None"},
		{Code: CodeConditionFailedReason},
	}}
	assert.True(t, err.HasConditionFailure())
	assert.Contains(t, err.Error(), CodeConditionFailedReason)
}

func TestValidationError(t *testing.T) {
	ve := &ValidationError{Message: "must be a string"}
	named := ve.WithField("product")
	assert.Equal(t, "product", named.Field)
	assert.Contains(t, named.Error(), "product")
	assert.True(t, IsValidation(named))
}
