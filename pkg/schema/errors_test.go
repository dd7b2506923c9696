package schema

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Format(t *testing.T) {
	err := NewError(ErrCodeTimeout, "no response").WithStep("step_002")
	assert.Equal(t, "[timeout] step step_002: no response", err.Error())

	err = NewErrorf(ErrCodeNotFound, "run %q not found", "r1")
	assert.Equal(t, `[not_found] run "r1" not found`, err.Error())
}

func TestError_Recoverable(t *testing.T) {
	for _, code := range []string{ErrCodeTimeout, ErrCodeTargetNotFound, ErrCodeEvidenceMismatch, ErrCodeConnector} {
		assert.True(t, NewError(code, "x").IsRecoverable(), code)
	}
	for _, code := range []string{ErrCodeValidation, ErrCodePermissionDenied, ErrCodeCodeNotFound, ErrCodeSafeStop} {
		assert.False(t, NewError(code, "x").IsRecoverable(), code)
	}
	assert.True(t, IsRecoverable(fmt.Errorf("fill: %w", context.DeadlineExceeded)))
	assert.True(t, IsRecoverable(errors.New("socket closed")))
	assert.False(t, IsRecoverable(nil))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "", CodeOf(nil))
	assert.Equal(t, ErrCodeTimeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, ErrCodeTimeout, CodeOf(fmt.Errorf("fill: %w", context.DeadlineExceeded)))
	assert.Equal(t, ErrCodeConnector, CodeOf(errors.New("socket closed")))

	wrapped := fmt.Errorf("navigate: %w", NewError(ErrCodePermissionDenied, "403"))
	assert.Equal(t, ErrCodePermissionDenied, CodeOf(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodePermissionDenied))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify(nil))

	cause := errors.New("boom")
	got := Classify(cause)
	assert.Equal(t, ErrCodeConnector, got.Code)
	assert.ErrorIs(t, got, cause)

	orig := NewError(ErrCodeTargetNotFound, "#email")
	assert.Same(t, orig, Classify(orig))
}
