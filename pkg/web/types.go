// Package web provides HTTP request and response types for the drip API.
package web

import (
	"github.com/soshogle/drip/pkg/models"
)

// CreateWorkflowRequest represents the request body for creating a new workflow.
type CreateWorkflowRequest struct {
	Name        string         `json:"name"        validate:"required,min=3"`
	Description string         `json:"description"`
	Steps       []StepRequest  `json:"steps"       validate:"required,min=1,dive"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Owner       string         `json:"owner"       validate:"required"`
}

// UpdateWorkflowRequest represents the request body for updating a workflow.
// Omitted fields keep their stored values; steps, when present, replace the
// whole sequence.
type UpdateWorkflowRequest struct {
	Name        *string        `json:"name,omitempty"        validate:"omitempty,min=3"`
	Description *string        `json:"description,omitempty"`
	Steps       []StepRequest  `json:"steps,omitempty"       validate:"omitempty,min=1,dive"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// StepRequest is one step in a create or update request.
type StepRequest struct {
	Name        string           `json:"name"         validate:"required"`
	DelayValue  int64            `json:"delay_value"  validate:"min=0"`
	DelayUnit   string           `json:"delay_unit"   validate:"required,oneof=minutes hours days"`
	Content     map[string]any   `json:"content"      validate:"required"`
	Variants    []VariantRequest `json:"variants,omitempty"     validate:"omitempty,min=2,dive"`
	SplitPolicy string           `json:"split_policy,omitempty" validate:"omitempty,oneof=least_sends weighted"`
	ABTestID    *string          `json:"ab_test_id,omitempty"`
}

// VariantRequest is one variant in a step or test request.
type VariantRequest struct {
	Label   string         `json:"label"  validate:"required"`
	Content map[string]any `json:"content,omitempty"`
	Weight  float64        `json:"weight" validate:"min=0,max=100"`
}

// EnrollRequest represents the request body for batch enrollment.
type EnrollRequest struct {
	EntityIDs []string `json:"entity_ids" validate:"required,min=1,dive,required"`
}

// TickRequest optionally pins the tick's reference time, mostly for
// operational replays. Empty means now.
type TickRequest struct {
	At *string `json:"at,omitempty"`
}

// CreateTestRequest represents the request body for creating an A/B test.
type CreateTestRequest struct {
	Name        string           `json:"name"         validate:"required,min=3"`
	SplitPolicy string           `json:"split_policy,omitempty" validate:"omitempty,oneof=least_sends weighted"`
	Variants    []VariantRequest `json:"variants"     validate:"required,min=2,dive"`
}

func (r StepRequest) toModel() *models.Step {
	step := &models.Step{
		Name:        r.Name,
		DelayValue:  r.DelayValue,
		DelayUnit:   models.DelayUnit(r.DelayUnit),
		Content:     r.Content,
		SplitPolicy: models.SplitPolicy(r.SplitPolicy),
		ABTestID:    r.ABTestID,
	}

	for _, v := range r.Variants {
		step.Variants = append(step.Variants, v.toModel())
	}

	return step
}

func (r VariantRequest) toModel() *models.Variant {
	return &models.Variant{
		Label:   r.Label,
		Content: r.Content,
		Weight:  r.Weight,
	}
}
