package models

import (
	"errors"
	"time"
)

// ABTestStatus represents the lifecycle state of an A/B test.
type ABTestStatus string

const (
	ABTestStatusActive    ABTestStatus = "active"
	ABTestStatusPaused    ABTestStatus = "paused"
	ABTestStatusCompleted ABTestStatus = "completed"
)

// ErrNotEnoughVariants is returned when a test is created with fewer than
// two variants.
var ErrNotEnoughVariants = errors.New("ab test requires at least 2 variants")

// ABTest groups two or more variants competing over the same step content.
// Once completed the test and its variant counters are frozen.
type ABTest struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"   validate:"required,min=3"`
	Status      ABTestStatus `json:"status" validate:"required"`
	Variants    []*Variant   `json:"variants"`
	SplitPolicy SplitPolicy  `json:"split_policy,omitempty"`
	WinnerID    *string      `json:"winner_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// NewABTest creates an active test over the given variants.
func NewABTest(id, name string, policy SplitPolicy, variants []*Variant) (*ABTest, error) {
	if len(variants) < 2 {
		return nil, ErrNotEnoughVariants
	}

	now := time.Now().UTC()

	return &ABTest{
		ID:          id,
		Name:        name,
		Status:      ABTestStatusActive,
		Variants:    variants,
		SplitPolicy: policy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// IsCompleted reports whether the test has been frozen with a winner.
func (t *ABTest) IsCompleted() bool {
	return t.Status == ABTestStatusCompleted
}

// VariantByID returns the variant with the given ID, or nil.
func (t *ABTest) VariantByID(id string) *Variant {
	for _, v := range t.Variants {
		if v.ID == id {
			return v
		}
	}

	return nil
}
