package models

import "time"

// EnrollmentStatus represents the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusPaused    EnrollmentStatus = "paused"
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
	EnrollmentStatusCancelled EnrollmentStatus = "cancelled"
	EnrollmentStatusFailed    EnrollmentStatus = "failed"
)

// Enrollment records one entity's progress through one workflow's step
// sequence. CurrentStep is 1-indexed into the workflow's steps. NextSendAt
// is nil once the enrollment reaches a terminal state.
//
// Version is the optimistic-lock tag: every advancement writes a new
// version conditioned on the old one, so two concurrent ticks can never
// both send for the same step.
type Enrollment struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflow_id" validate:"required"`
	EntityID    string           `json:"entity_id"   validate:"required"`
	Status      EnrollmentStatus `json:"status"      validate:"required"`
	CurrentStep int              `json:"current_step"`
	NextSendAt  *time.Time       `json:"next_send_at,omitempty"`
	ABTestGroup *string          `json:"ab_test_group,omitempty"`
	Attempts    int              `json:"attempts"`
	Version     int64            `json:"version"`
	EnrolledAt  time.Time        `json:"enrolled_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the enrollment reached a final state.
func (e *Enrollment) IsTerminal() bool {
	switch e.Status {
	case EnrollmentStatusCompleted, EnrollmentStatusCancelled, EnrollmentStatusFailed:
		return true
	default:
		return false
	}
}

// IsDue reports whether the enrollment should be advanced at the given time.
func (e *Enrollment) IsDue(now time.Time) bool {
	return e.Status == EnrollmentStatusActive &&
		e.NextSendAt != nil &&
		!e.NextSendAt.After(now)
}
