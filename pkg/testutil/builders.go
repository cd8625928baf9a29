// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/soshogle/drip/pkg/models"
)

// CreateTestWorkflow creates a workflow with a single immediate SMS step.
// Overrides adjust it per test.
func CreateTestWorkflow(overrides ...func(*models.Workflow)) *models.Workflow {
	now := time.Now().UTC()

	workflow := &models.Workflow{
		ID:          uuid.New().String(),
		Name:        "Test Workflow",
		Description: "A workflow used in tests",
		Status:      models.WorkflowStatusActive,
		Steps:       []*models.Step{CreateTestStep()},
		Owner:       "test-owner",
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithSteps replaces the workflow's step sequence.
func WithSteps(steps ...*models.Step) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Steps = steps
	}
}

// WithWorkflowStatus sets the workflow status.
func WithWorkflowStatus(status models.WorkflowStatus) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Status = status
	}
}

// CreateTestStep creates a zero-delay SMS step.
func CreateTestStep(overrides ...func(*models.Step)) *models.Step {
	step := &models.Step{
		ID:         uuid.New().String(),
		Name:       "Test Step",
		DelayValue: 0,
		DelayUnit:  models.DelayUnitMinutes,
		Content:    map[string]any{"channel": "sms", "body": "hello"},
	}

	for _, override := range overrides {
		override(step)
	}

	return step
}

// WithDelay sets the step delay.
func WithDelay(value int64, unit models.DelayUnit) func(*models.Step) {
	return func(s *models.Step) {
		s.DelayValue = value
		s.DelayUnit = unit
	}
}

// WithVariants attaches inline variants to the step.
func WithVariants(policy models.SplitPolicy, variants ...*models.Variant) func(*models.Step) {
	return func(s *models.Step) {
		s.SplitPolicy = policy
		s.Variants = variants
	}
}

// CreateTestVariant creates a variant with equal default weight.
func CreateTestVariant(label string, overrides ...func(*models.Variant)) *models.Variant {
	variant := &models.Variant{
		ID:        uuid.New().String(),
		Label:     label,
		Content:   map[string]any{"channel": "sms", "body": "variant " + label},
		Weight:    50,
		CreatedAt: time.Now().UTC(),
	}

	for _, override := range overrides {
		override(variant)
	}

	return variant
}

// WithWeight sets the variant weight.
func WithWeight(weight float64) func(*models.Variant) {
	return func(v *models.Variant) {
		v.Weight = weight
	}
}

// WithCounters seeds the variant's send and success counters.
func WithCounters(sends, successes int64) func(*models.Variant) {
	return func(v *models.Variant) {
		v.SendCount = sends
		v.SuccessCount = successes
	}
}

// CreateTestEnrollment creates an active enrollment due immediately.
func CreateTestEnrollment(workflowID, entityID string, overrides ...func(*models.Enrollment)) *models.Enrollment {
	now := time.Now().UTC()

	enrollment := &models.Enrollment{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		EntityID:    entityID,
		Status:      models.EnrollmentStatusActive,
		CurrentStep: 1,
		NextSendAt:  &now,
		Version:     1,
		EnrolledAt:  now,
		UpdatedAt:   now,
	}

	for _, override := range overrides {
		override(enrollment)
	}

	return enrollment
}

// WithNextSendAt pins the enrollment's due time.
func WithNextSendAt(at time.Time) func(*models.Enrollment) {
	return func(e *models.Enrollment) {
		e.NextSendAt = &at
	}
}

// WithEnrollmentStatus sets the enrollment status.
func WithEnrollmentStatus(status models.EnrollmentStatus) func(*models.Enrollment) {
	return func(e *models.Enrollment) {
		e.Status = status
	}
}

// WithABTestGroup pins the enrollment to a variant.
func WithABTestGroup(variantID string) func(*models.Enrollment) {
	return func(e *models.Enrollment) {
		e.ABTestGroup = &variantID
	}
}
