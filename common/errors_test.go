package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name string
		err  error
		kind error
		code string
	}{
		{"validation", NewValidationError(CodeBelowMinimum, "min %v", 0.1), ErrValidation, CodeBelowMinimum},
		{"not found", NewNotFoundError("operation", "op_1"), ErrNotFound, CodeNotFound},
		{"conflict", NewConflictError(CodeContainerRequired, "inactive"), ErrConflict, CodeContainerRequired},
		{"deadline", NewDeadlineError(CodeActivationExpired, "late"), ErrDeadlineExceeded, CodeActivationExpired},
		{"adapter", NewAdapterError("bitcoin", "query", cause), ErrAdapter, CodeAdapterFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.kind)
			assert.Equal(t, tt.code, CodeOf(wrapped))
			assert.True(t, HasCode(wrapped, tt.code))
		})
	}
}

func TestAdapterErrorKeepsCause(t *testing.T) {
	cause := errors.New("rpc timeout")
	err := NewAdapterError("solana", "submit", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "rpc timeout")
	assert.NotErrorIs(t, err, ErrValidation)
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Empty(t, CodeOf(errors.New("plain")))
	assert.Empty(t, CodeOf(nil))
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "ckbtc", NormalizeKey(" ckBTC "))
	assert.Equal(t, "bitcoin", NormalizeKey("Bitcoin"))
}
