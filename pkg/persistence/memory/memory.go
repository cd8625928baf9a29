// Package memory provides an in-memory persistence implementation used for
// development and tests. The guards the engine relies on (the non-terminal
// uniqueness check, compare-and-swap enrollment updates and atomic variant
// counters) hold under concurrent use through a single mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/persistence"
)

// Persistence implements persistence.Persistence backed by process memory.
type Persistence struct {
	mu          sync.Mutex
	workflows   map[string]*models.Workflow
	enrollments map[string]*models.Enrollment
	variants    map[string][]*models.Variant // keyed by owner ID, insertion order preserved
	tests       map[string]*models.ABTest
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		workflows:   make(map[string]*models.Workflow),
		enrollments: make(map[string]*models.Enrollment),
		variants:    make(map[string][]*models.Variant),
		tests:       make(map[string]*models.ABTest),
	}
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return &workflowRepository{p: p}
}

func (p *Persistence) EnrollmentRepository() persistence.EnrollmentRepository {
	return &enrollmentRepository{p: p}
}

func (p *Persistence) VariantRepository() persistence.VariantRepository {
	return &variantRepository{p: p}
}

func (p *Persistence) ABTestRepository() persistence.ABTestRepository {
	return &abTestRepository{p: p}
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// Workflow repository

type workflowRepository struct {
	p *Persistence
}

func (r *workflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	copied := *workflow
	r.p.workflows[workflow.ID] = &copied

	return nil
}

func (r *workflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	workflow, ok := r.p.workflows[id]
	if !ok || workflow.DeletedAt != nil {
		return nil, persistence.ErrWorkflowNotFound
	}

	copied := *workflow

	return &copied, nil
}

func (r *workflowRepository) GetAll(_ context.Context) ([]*models.Workflow, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	workflows := make([]*models.Workflow, 0, len(r.p.workflows))

	for _, workflow := range r.p.workflows {
		if workflow.DeletedAt != nil {
			continue
		}

		copied := *workflow
		workflows = append(workflows, &copied)
	}

	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})

	return workflows, nil
}

func (r *workflowRepository) Delete(_ context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	workflow, ok := r.p.workflows[id]
	if !ok || workflow.DeletedAt != nil {
		return persistence.ErrWorkflowNotFound
	}

	now := time.Now().UTC()
	workflow.DeletedAt = &now

	return nil
}

// Enrollment repository

type enrollmentRepository struct {
	p *Persistence
}

func (r *enrollmentRepository) Create(_ context.Context, enrollment *models.Enrollment) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	// The check-then-insert happens under the same lock, mirroring the
	// partial unique index the SQL implementation relies on.
	for _, existing := range r.p.enrollments {
		if existing.WorkflowID == enrollment.WorkflowID &&
			existing.EntityID == enrollment.EntityID &&
			!existing.IsTerminal() {
			return persistence.NewEnrollmentError("Create", enrollment.ID, persistence.ErrAlreadyEnrolled)
		}
	}

	copied := *enrollment
	r.p.enrollments[enrollment.ID] = &copied

	return nil
}

func (r *enrollmentRepository) GetByID(_ context.Context, id string) (*models.Enrollment, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	enrollment, ok := r.p.enrollments[id]
	if !ok {
		return nil, persistence.ErrEnrollmentNotFound
	}

	copied := *enrollment

	return &copied, nil
}

func (r *enrollmentRepository) FindCurrent(_ context.Context, workflowID, entityID string) (*models.Enrollment, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, enrollment := range r.p.enrollments {
		if enrollment.WorkflowID == workflowID &&
			enrollment.EntityID == entityID &&
			!enrollment.IsTerminal() {
			copied := *enrollment

			return &copied, nil
		}
	}

	return nil, persistence.ErrEnrollmentNotFound
}

func (r *enrollmentRepository) ListByWorkflow(_ context.Context, workflowID string, status *models.EnrollmentStatus) ([]*models.Enrollment, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var enrollments []*models.Enrollment

	for _, enrollment := range r.p.enrollments {
		if enrollment.WorkflowID != workflowID {
			continue
		}

		if status != nil && enrollment.Status != *status {
			continue
		}

		copied := *enrollment
		enrollments = append(enrollments, &copied)
	}

	sort.Slice(enrollments, func(i, j int) bool {
		return enrollments[i].EnrolledAt.Before(enrollments[j].EnrolledAt)
	})

	return enrollments, nil
}

func (r *enrollmentRepository) Due(_ context.Context, before time.Time, limit int) ([]*models.Enrollment, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var due []*models.Enrollment

	for _, enrollment := range r.p.enrollments {
		if enrollment.IsDue(before) {
			copied := *enrollment
			due = append(due, &copied)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextSendAt.Before(*due[j].NextSendAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func (r *enrollmentRepository) Update(_ context.Context, enrollment *models.Enrollment, expectedVersion int64) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored, ok := r.p.enrollments[enrollment.ID]
	if !ok {
		return persistence.ErrEnrollmentNotFound
	}

	if stored.Version != expectedVersion {
		return persistence.NewEnrollmentError("Update", enrollment.ID, persistence.ErrStaleEnrollment)
	}

	copied := *enrollment
	copied.Version = expectedVersion + 1
	copied.UpdatedAt = time.Now().UTC()
	r.p.enrollments[enrollment.ID] = &copied

	return nil
}

func (r *enrollmentRepository) CountActiveByWorkflow(_ context.Context, workflowID string) (int64, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var count int64

	for _, enrollment := range r.p.enrollments {
		if enrollment.WorkflowID == workflowID && !enrollment.IsTerminal() {
			count++
		}
	}

	return count, nil
}

// Variant repository

type variantRepository struct {
	p *Persistence
}

func (r *variantRepository) SaveAll(_ context.Context, ownerID string, variants []*models.Variant) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	copied := make([]*models.Variant, 0, len(variants))

	for _, variant := range variants {
		v := *variant
		copied = append(copied, &v)
	}

	r.p.variants[ownerID] = copied

	return nil
}

func (r *variantRepository) ListByOwner(_ context.Context, ownerID string) ([]*models.Variant, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	stored, ok := r.p.variants[ownerID]
	if !ok {
		return nil, nil
	}

	variants := make([]*models.Variant, 0, len(stored))

	for _, variant := range stored {
		v := *variant
		variants = append(variants, &v)
	}

	return variants, nil
}

func (r *variantRepository) IncrementSend(_ context.Context, ownerID, variantID string) error {
	return r.increment(ownerID, variantID, func(v *models.Variant) { v.SendCount++ })
}

func (r *variantRepository) IncrementSuccess(_ context.Context, ownerID, variantID string) error {
	return r.increment(ownerID, variantID, func(v *models.Variant) { v.SuccessCount++ })
}

func (r *variantRepository) increment(ownerID, variantID string, apply func(*models.Variant)) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, variant := range r.p.variants[ownerID] {
		if variant.ID == variantID {
			apply(variant)

			return nil
		}
	}

	return persistence.ErrVariantNotFound
}

// A/B test repository

type abTestRepository struct {
	p *Persistence
}

func (r *abTestRepository) Save(_ context.Context, test *models.ABTest) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	copied := *test
	copied.Variants = nil // variants live in the variant repository
	r.p.tests[test.ID] = &copied

	return nil
}

func (r *abTestRepository) GetByID(_ context.Context, id string) (*models.ABTest, error) {
	r.p.mu.Lock()

	test, ok := r.p.tests[id]
	if !ok {
		r.p.mu.Unlock()

		return nil, persistence.ErrTestNotFound
	}

	copied := *test
	r.p.mu.Unlock()

	variants, err := (&variantRepository{p: r.p}).ListByOwner(context.Background(), id)
	if err != nil {
		return nil, err
	}

	copied.Variants = variants

	return &copied, nil
}

func (r *abTestRepository) Complete(_ context.Context, testID, winnerID string, completedAt time.Time) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	test, ok := r.p.tests[testID]
	if !ok {
		return persistence.ErrTestNotFound
	}

	if test.Status == models.ABTestStatusCompleted {
		return persistence.ErrTestAlreadyCompleted
	}

	test.Status = models.ABTestStatusCompleted
	test.WinnerID = &winnerID
	test.CompletedAt = &completedAt
	test.UpdatedAt = completedAt

	return nil
}
