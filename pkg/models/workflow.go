// Package models defines the core domain models for drip workflow scheduling.
package models

import "time"

// WorkflowStatus represents the lifecycle state of a drip workflow.
type WorkflowStatus string

const (
	WorkflowStatusActive   WorkflowStatus = "active"   // Accepts enrollments
	WorkflowStatusArchived WorkflowStatus = "archived" // Kept for history, rejects enrollments
)

// Workflow is an ordered sequence of drip steps. Once enrollments exist
// against a workflow its step list is treated as immutable.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"        validate:"required,min=3"`
	Description string         `json:"description"`
	Status      WorkflowStatus `json:"status"      validate:"required"`
	Steps       []*Step        `json:"steps"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Owner       string         `json:"owner"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
}

// StepAt returns the 1-indexed step, or nil when position is out of range.
func (w *Workflow) StepAt(position int) *Step {
	if position < 1 || position > len(w.Steps) {
		return nil
	}

	return w.Steps[position-1]
}

// HasStep reports whether a 1-indexed step position exists.
func (w *Workflow) HasStep(position int) bool {
	return position >= 1 && position <= len(w.Steps)
}
