package models

import (
	"errors"
	"time"
)

// DelayUnit is the unit of a step's delay relative to the previous step.
type DelayUnit string

const (
	DelayUnitMinutes DelayUnit = "minutes"
	DelayUnitHours   DelayUnit = "hours"
	DelayUnitDays    DelayUnit = "days"
)

// SplitPolicy selects how entities are assigned to a step's variants.
type SplitPolicy string

const (
	// SplitPolicyLeastSends assigns the variant with the fewest sends so far,
	// ties broken by insertion order.
	SplitPolicyLeastSends SplitPolicy = "least_sends"

	// SplitPolicyWeighted samples a variant by its configured weight.
	SplitPolicyWeighted SplitPolicy = "weighted"
)

var (
	ErrInvalidDelayUnit   = errors.New("invalid delay unit")
	ErrInvalidSplitPolicy = errors.New("invalid split policy")
)

// Step is one unit of a drip workflow: a delay plus the content to send,
// with optional variants under test.
type Step struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"         validate:"required"`
	DelayValue  int64          `json:"delay_value"  validate:"min=0"`
	DelayUnit   DelayUnit      `json:"delay_unit"   validate:"required,oneof=minutes hours days"`
	Content     map[string]any `json:"content"`
	Variants    []*Variant     `json:"variants,omitempty"`
	SplitPolicy SplitPolicy    `json:"split_policy,omitempty"`
	ABTestID    *string        `json:"ab_test_id,omitempty"`
}

// Delay returns the step's configured delay as a duration.
func (s *Step) Delay() (time.Duration, error) {
	switch s.DelayUnit {
	case DelayUnitMinutes:
		return time.Duration(s.DelayValue) * time.Minute, nil
	case DelayUnitHours:
		return time.Duration(s.DelayValue) * time.Hour, nil
	case DelayUnitDays:
		return time.Duration(s.DelayValue) * 24 * time.Hour, nil
	default:
		return 0, ErrInvalidDelayUnit
	}
}

// HasVariants reports whether this step carries content variants under test.
func (s *Step) HasVariants() bool {
	return len(s.Variants) > 0 || s.ABTestID != nil
}

// VariantOwnerID returns the key variant rows are stored under: the linked
// A/B test when the step references one, otherwise the step itself.
func (s *Step) VariantOwnerID() string {
	if s.ABTestID != nil {
		return *s.ABTestID
	}

	return s.ID
}

// EffectiveSplitPolicy returns the configured split policy, defaulting to
// least-sends when the step does not declare one.
func (s *Step) EffectiveSplitPolicy() SplitPolicy {
	if s.SplitPolicy == "" {
		return SplitPolicyLeastSends
	}

	return s.SplitPolicy
}

// Validate checks delay and split configuration beyond struct tags.
func (s *Step) Validate() error {
	if _, err := s.Delay(); err != nil {
		return err
	}

	switch s.SplitPolicy {
	case "", SplitPolicyLeastSends, SplitPolicyWeighted:
	default:
		return ErrInvalidSplitPolicy
	}

	return nil
}
