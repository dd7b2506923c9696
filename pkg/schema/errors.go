package schema

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for structured error reporting. The first block is the closed
// taxonomy surfaced on record outcomes; the rest are infrastructure codes.
const (
	ErrCodeTargetNotFound    = "target_not_found"
	ErrCodeTimeout           = "timeout"
	ErrCodeCodeNotFound      = "code_not_found"
	ErrCodeValidation        = "validation_failed"
	ErrCodePermissionDenied  = "permission_denied"
	ErrCodeCompileAmbiguous  = "compile_ambiguous"
	ErrCodeUnsupportedAction = "compile_unsupported_action"
	ErrCodeSafeStop          = "safe_stop_triggered"

	ErrCodeEvidenceMismatch = "evidence_mismatch"
	ErrCodeConnector        = "connector_failure"
	ErrCodeDuplicateRecord  = "duplicate_record"
	ErrCodeOperatorAction   = "operator_action"
	ErrCodeRunAborted       = "run_aborted"

	ErrCodeNotFound          = "not_found"
	ErrCodeConflict          = "conflict"
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodeStore             = "store_error"
)

// recoverableCodes lists the codes a step may retry on. code_not_found is
// handled separately because it depends on the OTP window.
var recoverableCodes = map[string]bool{
	ErrCodeTargetNotFound:   true,
	ErrCodeTimeout:          true,
	ErrCodeEvidenceMismatch: true,
	ErrCodeConnector:        true,
}

// Error is the structured error type for all taskpilot operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsRecoverable reports whether the code permits another attempt under the
// step's retry policy.
func (e *Error) IsRecoverable() bool {
	return recoverableCodes[e.Code]
}

// IsRecoverable reports whether err carries a code a step may retry on.
func IsRecoverable(err error) bool {
	e := Classify(err)
	return e != nil && e.IsRecoverable()
}

// CodeOf returns the taxonomy code carried by err. Deadline errors map to
// timeout; anything unclassified maps to connector_failure.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	return ErrCodeConnector
}

// Classify converts any error into a *Error so callers can rely on a code.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(CodeOf(err), err.Error()).WithCause(err)
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
