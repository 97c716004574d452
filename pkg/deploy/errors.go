package deploy

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a deployment error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed
	// on retry, such as a provisioning backend timeout.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error, such as
	// malformed job data or a missing box record.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassConflict indicates a state conflict, such as a step
	// already in a different terminal state.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassThrottled indicates the provisioning backend rejected
	// the request due to rate limiting; retry after backoff.
	ErrorClassThrottled ErrorClass = "throttled"
)

// DeployError is a classified error with deployment context.
type DeployError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass

	// Message is the human-readable error message.
	Message string

	// Code is an optional error code for programmatic handling.
	Code string

	// BoxID identifies the box the error belongs to.
	BoxID string

	// Step is the step key in progress when the error occurred.
	Step string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *DeployError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Step != "" {
		msg += fmt.Sprintf(" (step=%s)", e.Step)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for chain inspection.
func (e *DeployError) Unwrap() error {
	return e.Err
}

// Is matches deploy errors by class and code.
func (e *DeployError) Is(target error) bool {
	t, ok := target.(*DeployError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Common error codes.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeValidationError = "VALIDATION_ERROR"
)

// NewTransientError creates a transient deployment error.
func NewTransientError(message string, err error) *DeployError {
	return &DeployError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a permanent deployment error.
func NewPermanentError(message string, err error) *DeployError {
	return &DeployError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewConflictError creates a conflict deployment error.
func NewConflictError(message string, err error) *DeployError {
	return &DeployError{Class: ErrorClassConflict, Message: message, Err: err}
}

// IsPermanentClass reports whether the error chain contains a permanent
// deployment error.
func IsPermanentClass(err error) bool {
	var de *DeployError
	return errors.As(err, &de) && de.Class == ErrorClassPermanent
}

// IsRetryable reports whether retrying the operation could succeed.
// Unclassified errors are treated as retryable.
func IsRetryable(err error) bool {
	var de *DeployError
	if !errors.As(err, &de) {
		return true
	}
	return de.Class == ErrorClassTransient || de.Class == ErrorClassThrottled
}
