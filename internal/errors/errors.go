// Package errors defines the application error taxonomy shared by the
// scheduler, workers, coordinator, and ingress. Codes decide whether a
// failed run is retried or terminal.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeValidation indicates a malformed task, schedule expression, or timezone.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeConflict indicates a conflict with existing data (e.g., unique constraint violation).
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeTemplateRender indicates a pipeline template failed to render.
	ErrCodeTemplateRender ErrorCode = "template_render"
	// ErrCodeConditionEval indicates a step condition failed to evaluate.
	ErrCodeConditionEval ErrorCode = "condition_eval"
	// ErrCodeToolTimeout indicates a tool invocation exceeded its deadline.
	ErrCodeToolTimeout ErrorCode = "tool_timeout"
	// ErrCodeToolTransient indicates a tool-reported temporary failure.
	ErrCodeToolTransient ErrorCode = "tool_transient"
	// ErrCodeToolPermanent indicates a tool-reported permanent failure.
	ErrCodeToolPermanent ErrorCode = "tool_permanent"
	// ErrCodeStore indicates a database failure.
	ErrCodeStore ErrorCode = "store"
	// ErrCodeLeaseLost indicates the worker's lease was lost mid-execution.
	ErrCodeLeaseLost ErrorCode = "lease_lost"
)

// AppError is a structured application error with a code, message, an
// optional cause, and the pipeline step it originated from (when any).
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
	// StepID identifies the offending pipeline step for executor errors.
	StepID string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Validation creates a new validation error.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: message}
}

// Validationf creates a new validation error with a formatted message.
func Validationf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a new not-found error.
func NotFound(message string) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: message}
}

// NotFoundf creates a new not-found error with a formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return &AppError{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{Code: ErrCodeConflict, Message: message}
}

// TemplateRender wraps a template rendering failure for a pipeline step.
func TemplateRender(stepID string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeTemplateRender,
		Message: fmt.Sprintf("render templates for step %q", stepID),
		Cause:   cause,
		StepID:  stepID,
	}
}

// ConditionEval wraps a condition evaluation failure for a pipeline step.
func ConditionEval(stepID string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeConditionEval,
		Message: fmt.Sprintf("evaluate condition for step %q", stepID),
		Cause:   cause,
		StepID:  stepID,
	}
}

// ToolTimeout wraps a tool invocation deadline exceeded for a pipeline step.
func ToolTimeout(stepID string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeToolTimeout,
		Message: fmt.Sprintf("tool timeout in step %q", stepID),
		Cause:   cause,
		StepID:  stepID,
	}
}

// ToolTransient wraps a temporary tool failure for a pipeline step.
func ToolTransient(stepID string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeToolTransient,
		Message: fmt.Sprintf("transient tool failure in step %q", stepID),
		Cause:   cause,
		StepID:  stepID,
	}
}

// ToolPermanent wraps a permanent tool failure for a pipeline step.
func ToolPermanent(stepID string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeToolPermanent,
		Message: fmt.Sprintf("permanent tool failure in step %q", stepID),
		Cause:   cause,
		StepID:  stepID,
	}
}

// Store wraps a database failure.
func Store(message string, cause error) *AppError {
	return &AppError{Code: ErrCodeStore, Message: message, Cause: cause}
}

// LeaseLost signals that the worker no longer holds the lease for a row.
func LeaseLost(workerID string) *AppError {
	return &AppError{
		Code:    ErrCodeLeaseLost,
		Message: fmt.Sprintf("lease no longer held by worker %s", workerID),
	}
}

// CodeOf extracts the ErrorCode from err, or "" when err carries no AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// StepIDOf extracts the offending pipeline step id from err, if any.
func StepIDOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StepID
	}
	return ""
}

// Retryable reports whether a run that failed with err should be
// re-enqueued with backoff rather than terminated. Timeouts, transient
// tool errors, and store errors retry; template, condition, validation,
// and permanent tool errors do not. A lease loss is neither: the next
// claimant owns the retry.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch CodeOf(err) {
	case ErrCodeToolTimeout, ErrCodeToolTransient, ErrCodeStore:
		return true
	case ErrCodeTemplateRender, ErrCodeConditionEval, ErrCodeValidation,
		ErrCodeToolPermanent, ErrCodeLeaseLost, ErrCodeNotFound, ErrCodeConflict:
		return false
	default:
		// Unclassified errors are treated as transient so that flaky
		// infrastructure does not silently drop work.
		return true
	}
}
