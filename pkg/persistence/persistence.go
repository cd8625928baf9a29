// Package persistence provides the data storage abstraction layer for
// workflows, enrollments, variants and A/B tests.
package persistence

import (
	"context"
	"time"

	"github.com/soshogle/drip/pkg/models"
)

type Persistence interface {
	WorkflowRepository() WorkflowRepository
	EnrollmentRepository() EnrollmentRepository
	VariantRepository() VariantRepository
	ABTestRepository() ABTestRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// WorkflowRepository stores drip workflow definitions. Steps are persisted
// as part of the workflow document.
type WorkflowRepository interface {
	Save(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	GetAll(ctx context.Context) ([]*models.Workflow, error)
	Delete(ctx context.Context, id string) error
}

// EnrollmentRepository stores enrollment rows. It is the authoritative
// guard for the engine's two correctness properties: Create enforces
// at-most-one non-terminal enrollment per (workflow, entity) pair, and
// Update is a compare-and-swap on the enrollment's version tag.
type EnrollmentRepository interface {
	// Create inserts a new enrollment. Returns ErrAlreadyEnrolled when a
	// non-terminal enrollment already exists for the same
	// (workflow, entity) pair.
	Create(ctx context.Context, enrollment *models.Enrollment) error

	GetByID(ctx context.Context, id string) (*models.Enrollment, error)

	// FindCurrent returns the non-terminal enrollment for the pair, or
	// ErrEnrollmentNotFound when none exists.
	FindCurrent(ctx context.Context, workflowID, entityID string) (*models.Enrollment, error)

	// ListByWorkflow returns enrollments for a workflow, optionally
	// filtered by status.
	ListByWorkflow(ctx context.Context, workflowID string, status *models.EnrollmentStatus) ([]*models.Enrollment, error)

	// Due returns active enrollments with next_send_at at or before the
	// given time, up to limit. Ordering across ties is not promised.
	Due(ctx context.Context, before time.Time, limit int) ([]*models.Enrollment, error)

	// Update writes the enrollment conditioned on the stored row still
	// carrying expectedVersion. A lost race returns ErrStaleEnrollment
	// and leaves the row untouched.
	Update(ctx context.Context, enrollment *models.Enrollment, expectedVersion int64) error

	// CountActiveByWorkflow reports how many non-terminal enrollments a
	// workflow has. Used to enforce step immutability on live workflows.
	CountActiveByWorkflow(ctx context.Context, workflowID string) (int64, error)
}

// VariantRepository stores variant rows keyed by their owner: the step ID
// for inline step variants, or the test ID for standalone A/B tests. The
// counters are monotonic and must be incremented storage-side, never
// read-modify-write in application code.
type VariantRepository interface {
	SaveAll(ctx context.Context, ownerID string, variants []*models.Variant) error
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Variant, error)
	IncrementSend(ctx context.Context, ownerID, variantID string) error
	IncrementSuccess(ctx context.Context, ownerID, variantID string) error
}

// ABTestRepository stores A/B test lifecycle rows. Variants of a test live
// in the VariantRepository under the test's ID.
type ABTestRepository interface {
	Save(ctx context.Context, test *models.ABTest) error
	GetByID(ctx context.Context, id string) (*models.ABTest, error)

	// Complete freezes the test with a winner. Only an active test can be
	// completed; a test that is already completed returns
	// ErrTestAlreadyCompleted.
	Complete(ctx context.Context, testID, winnerID string, completedAt time.Time) error
}
