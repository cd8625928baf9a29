// Package abtest provides variant assignment and A/B test outcome analysis.
package abtest

import (
	"errors"
	"math/rand/v2"

	"github.com/soshogle/drip/pkg/models"
)

// ErrNoVariants is returned when assignment is attempted over an empty set.
var ErrNoVariants = errors.New("no variants to assign")

// AssignVariant selects a variant for a new enrollment according to the
// split policy. The choice is made once per enrollment and frozen in its
// ab_test_group; it is never re-rolled on later steps.
func AssignVariant(policy models.SplitPolicy, variants []*models.Variant) (*models.Variant, error) {
	return assignVariant(policy, variants, rand.Float64)
}

func assignVariant(policy models.SplitPolicy, variants []*models.Variant, randFloat func() float64) (*models.Variant, error) {
	if len(variants) == 0 {
		return nil, ErrNoVariants
	}

	if policy == models.SplitPolicyWeighted {
		if variant := pickWeighted(variants, randFloat()); variant != nil {
			return variant, nil
		}
		// No usable weights configured, fall back to least sends.
	}

	return pickLeastSends(variants), nil
}

// pickWeighted samples by cumulative weight. roll is uniform in [0, 1).
// Returns nil when the weights sum to zero.
func pickWeighted(variants []*models.Variant, roll float64) *models.Variant {
	var total float64
	for _, variant := range variants {
		total += variant.Weight
	}

	if total <= 0 {
		return nil
	}

	target := roll * total

	var cumulative float64

	for _, variant := range variants {
		cumulative += variant.Weight
		if target < cumulative {
			return variant
		}
	}

	// Floating-point edge: roll landed exactly on the upper bound.
	return variants[len(variants)-1]
}

// pickLeastSends returns the variant with the fewest sends so far, ties
// broken by insertion order. Under concurrency this is only approximately
// round robin, which is acceptable: balance is eventual, not per-draw.
func pickLeastSends(variants []*models.Variant) *models.Variant {
	selected := variants[0]

	for _, variant := range variants[1:] {
		if variant.SendCount < selected.SendCount {
			selected = variant
		}
	}

	return selected
}
