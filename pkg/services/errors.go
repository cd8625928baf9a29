// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest       = errors.New("invalid request")
	ErrWorkflowNameRequired = errors.New("workflow name is required")
	ErrStepsRequired        = errors.New("workflow must have at least one step")
	ErrInvalidStepContent   = errors.New("step content does not match its schema")
	ErrInvalidStatus        = errors.New("invalid workflow status")
	ErrWorkflowNil          = errors.New("workflow cannot be nil")
	ErrNotEnoughVariants    = errors.New("a test needs at least two variants")

	// Business Logic Conflicts (409 Conflict).
	ErrWorkflowInUse   = errors.New("workflow has active enrollments, steps are immutable")
	ErrWorkflowRetired = errors.New("cannot modify archived workflow")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrWorkflowNameRequired) ||
		errors.Is(err, ErrStepsRequired) ||
		errors.Is(err, ErrInvalidStepContent) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrWorkflowNil) ||
		errors.Is(err, ErrNotEnoughVariants)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrWorkflowInUse) ||
		errors.Is(err, ErrWorkflowRetired)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
