// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrEnrollmentNotFound indicates an enrollment was not found.
	ErrEnrollmentNotFound = errors.New("enrollment not found")

	// ErrVariantNotFound indicates a variant was not found under its owner.
	ErrVariantNotFound = errors.New("variant not found")

	// ErrTestNotFound indicates an A/B test was not found by the given identifier.
	ErrTestNotFound = errors.New("ab test not found")

	// ErrAlreadyEnrolled indicates a non-terminal enrollment already exists
	// for the (workflow, entity) pair. Callers convert this to a skip.
	ErrAlreadyEnrolled = errors.New("entity already enrolled in workflow")

	// ErrStaleEnrollment indicates a compare-and-swap write lost the race:
	// another worker already advanced the enrollment. Callers drop the
	// losing update silently.
	ErrStaleEnrollment = errors.New("enrollment modified concurrently")

	// ErrTestAlreadyCompleted indicates an attempt to complete a test that
	// is already frozen.
	ErrTestAlreadyCompleted = errors.New("ab test already completed")
)

// EnrollmentError wraps enrollment-related errors with additional context.
type EnrollmentError struct {
	Op           string // Operation being performed (e.g., "Create", "Update", "Due")
	EnrollmentID string // Enrollment ID if applicable
	WorkflowID   string // Workflow ID if applicable
	EntityID     string // Entity ID if applicable
	Err          error  // Underlying error
}

func (e *EnrollmentError) Error() string {
	target := e.EnrollmentID
	if target == "" {
		target = fmt.Sprintf("(%s, %s)", e.WorkflowID, e.EntityID)
	}

	return fmt.Sprintf("%s operation failed for enrollment %s: %v", e.Op, target, e.Err)
}

func (e *EnrollmentError) Unwrap() error {
	return e.Err
}

func (e *EnrollmentError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEnrollmentError creates a new enrollment error with context.
func NewEnrollmentError(op, enrollmentID string, err error) *EnrollmentError {
	return &EnrollmentError{
		Op:           op,
		EnrollmentID: enrollmentID,
		Err:          err,
	}
}

// IsWorkflowNotFound checks if an error indicates a workflow was not found.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsEnrollmentNotFound checks if an error indicates an enrollment was not found.
func IsEnrollmentNotFound(err error) bool {
	return errors.Is(err, ErrEnrollmentNotFound)
}

// IsTestNotFound checks if an error indicates an A/B test was not found.
func IsTestNotFound(err error) bool {
	return errors.Is(err, ErrTestNotFound)
}

// IsAlreadyEnrolled checks if an error indicates a duplicate enrollment insert.
func IsAlreadyEnrolled(err error) bool {
	return errors.Is(err, ErrAlreadyEnrolled)
}

// IsStaleEnrollment checks if an error indicates a lost optimistic-concurrency race.
func IsStaleEnrollment(err error) bool {
	return errors.Is(err, ErrStaleEnrollment)
}
