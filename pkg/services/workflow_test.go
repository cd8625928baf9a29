package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/persistence"
	"github.com/soshogle/drip/pkg/persistence/memory"
	"github.com/soshogle/drip/pkg/testutil"
)

func TestWorkflow_Create(t *testing.T) {
	p := memory.NewPersistence()
	service := NewWorkflow(p)

	created, err := service.Create(t.Context(), testutil.CreateTestWorkflow())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.WorkflowStatusActive, created.Status)
	assert.NotEmpty(t, created.Steps[0].ID)

	stored, err := service.FetchByID(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, stored.Name)
}

func TestWorkflow_Create_SeedsVariantCounters(t *testing.T) {
	p := memory.NewPersistence()
	service := NewWorkflow(p)

	step := testutil.CreateTestStep(testutil.WithVariants(models.SplitPolicyLeastSends,
		testutil.CreateTestVariant("A"),
		testutil.CreateTestVariant("B")))

	created, err := service.Create(t.Context(), testutil.CreateTestWorkflow(testutil.WithSteps(step)))
	require.NoError(t, err)

	variants, err := p.VariantRepository().ListByOwner(t.Context(), created.Steps[0].VariantOwnerID())
	require.NoError(t, err)
	assert.Len(t, variants, 2)
}

func TestWorkflow_Create_Validation(t *testing.T) {
	p := memory.NewPersistence()
	service := NewWorkflow(p)

	_, err := service.Create(t.Context(), nil)
	assert.ErrorIs(t, err, ErrWorkflowNil)

	unnamed := testutil.CreateTestWorkflow()
	unnamed.Name = "  "
	_, err = service.Create(t.Context(), unnamed)
	assert.ErrorIs(t, err, ErrWorkflowNameRequired)

	stepless := testutil.CreateTestWorkflow(testutil.WithSteps())
	_, err = service.Create(t.Context(), stepless)
	assert.ErrorIs(t, err, ErrStepsRequired)
}

func TestWorkflow_Create_RejectsInvalidStepContent(t *testing.T) {
	p := memory.NewPersistence()
	service := NewWorkflow(p)

	step := testutil.CreateTestStep()
	step.Content = map[string]any{"channel": "carrier_pigeon", "body": "coo"}

	_, err := service.Create(t.Context(), testutil.CreateTestWorkflow(testutil.WithSteps(step)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidStepContent)
	assert.True(t, IsValidationError(err))
}

func TestWorkflow_Create_RejectsSingleVariant(t *testing.T) {
	p := memory.NewPersistence()
	service := NewWorkflow(p)

	step := testutil.CreateTestStep(testutil.WithVariants(models.SplitPolicyLeastSends,
		testutil.CreateTestVariant("A")))

	_, err := service.Create(t.Context(), testutil.CreateTestWorkflow(testutil.WithSteps(step)))
	assert.ErrorIs(t, err, ErrNotEnoughVariants)
}

func TestWorkflow_Update_MetadataWhileInUse(t *testing.T) {
	p := memory.NewPersistence()
	service := NewWorkflow(p)

	created, err := service.Create(t.Context(), testutil.CreateTestWorkflow())
	require.NoError(t, err)

	enrollment := testutil.CreateTestEnrollment(created.ID, "lead-1")
	require.NoError(t, p.EnrollmentRepository().Create(t.Context(), enrollment))

	// Renaming does not touch the step sequence and stays allowed.
	renamed := *created
	renamed.Name = "Renamed Workflow"

	updated, err := service.Update(t.Context(), created.ID, &renamed)
	require.NoError(t, err)
	assert.Equal(t, "Renamed Workflow", updated.Name)
}

func TestWorkflow_Update_StepsImmutableWhileInUse(t *testing.T) {
	p := memory.NewPersistence()
	service := NewWorkflow(p)

	created, err := service.Create(t.Context(), testutil.CreateTestWorkflow())
	require.NoError(t, err)

	enrollment := testutil.CreateTestEnrollment(created.ID, "lead-1")
	require.NoError(t, p.EnrollmentRepository().Create(t.Context(), enrollment))

	changed := *created
	changed.Steps = []*models.Step{
		testutil.CreateTestStep(),
		testutil.CreateTestStep(testutil.WithDelay(1, models.DelayUnitDays)),
	}

	_, err = service.Update(t.Context(), created.ID, &changed)
	assert.ErrorIs(t, err, ErrWorkflowInUse)
	assert.True(t, IsConflictError(err))
}

func TestWorkflow_Update_StepsEditableOnceIdle(t *testing.T) {
	p := memory.NewPersistence()
	service := NewWorkflow(p)

	created, err := service.Create(t.Context(), testutil.CreateTestWorkflow())
	require.NoError(t, err)

	done := testutil.CreateTestEnrollment(created.ID, "lead-1",
		testutil.WithEnrollmentStatus(models.EnrollmentStatusCompleted))
	require.NoError(t, p.EnrollmentRepository().Create(t.Context(), done))

	changed := *created
	changed.Steps = []*models.Step{
		testutil.CreateTestStep(),
		testutil.CreateTestStep(testutil.WithDelay(2, models.DelayUnitHours)),
	}

	updated, err := service.Update(t.Context(), created.ID, &changed)
	require.NoError(t, err)
	assert.Len(t, updated.Steps, 2)
}

func TestWorkflow_Update_NotFound(t *testing.T) {
	p := memory.NewPersistence()
	service := NewWorkflow(p)

	_, err := service.Update(t.Context(), "missing", testutil.CreateTestWorkflow())
	assert.True(t, persistence.IsWorkflowNotFound(err))
}

func TestWorkflow_Archive(t *testing.T) {
	p := memory.NewPersistence()
	service := NewWorkflow(p)

	created, err := service.Create(t.Context(), testutil.CreateTestWorkflow())
	require.NoError(t, err)

	archived, err := service.Archive(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusArchived, archived.Status)
}

func TestWorkflow_Delete_RefusedWhileInUse(t *testing.T) {
	p := memory.NewPersistence()
	service := NewWorkflow(p)

	created, err := service.Create(t.Context(), testutil.CreateTestWorkflow())
	require.NoError(t, err)

	enrollment := testutil.CreateTestEnrollment(created.ID, "lead-1")
	require.NoError(t, p.EnrollmentRepository().Create(t.Context(), enrollment))

	err = service.Delete(t.Context(), created.ID)
	assert.ErrorIs(t, err, ErrWorkflowInUse)

	// Cancelling the last live enrollment unblocks deletion.
	stored, err := p.EnrollmentRepository().GetByID(t.Context(), enrollment.ID)
	require.NoError(t, err)
	stored.Status = models.EnrollmentStatusCancelled
	require.NoError(t, p.EnrollmentRepository().Update(t.Context(), stored, stored.Version))

	require.NoError(t, service.Delete(t.Context(), created.ID))

	_, err = service.FetchByID(t.Context(), created.ID)
	assert.True(t, persistence.IsWorkflowNotFound(err))
}
