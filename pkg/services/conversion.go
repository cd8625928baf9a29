package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/soshogle/drip/pkg/persistence"
)

// Conversion records delivery confirmations against the variant an
// enrollment was pinned to. Hosts call it from their delivery webhooks
// (link clicked, reply received, whatever counts as success).
type Conversion struct {
	persistence persistence.Persistence
	logger      *slog.Logger
}

func NewConversion(p persistence.Persistence, logger *slog.Logger) *Conversion {
	return &Conversion{
		persistence: p,
		logger:      logger.With("module", "conversion"),
	}
}

// RecordSuccess bumps the success counter of the enrollment's assigned
// variant. Enrollments without a variant group are a no-op.
func (c *Conversion) RecordSuccess(ctx context.Context, enrollmentID string) error {
	enrollment, err := c.persistence.EnrollmentRepository().GetByID(ctx, enrollmentID)
	if err != nil {
		return fmt.Errorf("failed to load enrollment: %w", err)
	}

	if enrollment.ABTestGroup == nil {
		return nil
	}

	workflow, err := c.persistence.WorkflowRepository().GetByID(ctx, enrollment.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load workflow: %w", err)
	}

	variantID := *enrollment.ABTestGroup

	for _, step := range workflow.Steps {
		if !step.HasVariants() {
			continue
		}

		ownerID := step.VariantOwnerID()

		variants, err := c.persistence.VariantRepository().ListByOwner(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("failed to load variants: %w", err)
		}

		for _, variant := range variants {
			if variant.ID != variantID {
				continue
			}

			err := c.persistence.VariantRepository().IncrementSuccess(ctx, ownerID, variantID)
			if err != nil {
				return fmt.Errorf("failed to record success: %w", err)
			}

			c.logger.DebugContext(ctx, "Conversion recorded",
				"enrollment_id", enrollmentID, "variant_id", variantID)

			return nil
		}
	}

	return fmt.Errorf("variant %s: %w", variantID, persistence.ErrVariantNotFound)
}
