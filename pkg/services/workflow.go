package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/persistence"
)

var (
	// ErrWorkflowNotFound is returned when a workflow is not found.
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
)

// stepContentSchema is the document shape every step's content must
// satisfy. Channel-specific fields live under the payload.
var stepContentSchema = map[string]any{
	"type":     "object",
	"required": []any{"channel"},
	"properties": map[string]any{
		"channel": map[string]any{
			"type": "string",
			"enum": []any{"sms", "email"},
		},
		"subject": map[string]any{"type": "string"},
		"body":    map[string]any{"type": "string"},
	},
}

type Workflow struct {
	persistence persistence.Persistence
	validator   *validator.Validate
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(p persistence.Persistence) *Workflow {
	return &Workflow{
		persistence: p,
		validator:   validator.New(),
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// List retrieves all workflows.
func (w *Workflow) List(ctx context.Context) ([]*models.Workflow, error) {
	workflows, err := w.persistence.WorkflowRepository().GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return workflows, nil
}

// FetchByID retrieves a workflow by its ID.
func (w *Workflow) FetchByID(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := w.persistence.WorkflowRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if workflow == nil {
		return nil, ErrWorkflowNotFound
	}

	return workflow, nil
}

// Create adds a new workflow to the repository.
func (w *Workflow) Create(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	now := time.Now().UTC()
	workflow.ID = uuid.New().String()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	if workflow.Status == "" {
		workflow.Status = models.WorkflowStatusActive
	}

	if err := w.validate(workflow); err != nil {
		return nil, err
	}

	w.assignStepIDs(workflow)

	err := w.persistence.WorkflowRepository().Save(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	if err := w.seedVariants(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

// Update modifies an existing workflow by its ID. The step sequence is
// immutable while the workflow has non-terminal enrollments; name,
// description and metadata stay editable.
func (w *Workflow) Update(ctx context.Context, workflowID string, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	existing, err := w.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return nil, ErrWorkflowNotFound
	}

	workflow.ID = workflowID
	workflow.CreatedAt = existing.CreatedAt
	workflow.UpdatedAt = time.Now().UTC()

	if workflow.Status == "" {
		workflow.Status = existing.Status
	}

	if err := w.validate(workflow); err != nil {
		return nil, err
	}

	if stepsChanged(existing.Steps, workflow.Steps) {
		active, err := w.persistence.EnrollmentRepository().CountActiveByWorkflow(ctx, workflowID)
		if err != nil {
			return nil, fmt.Errorf("failed to count enrollments: %w", err)
		}

		if active > 0 {
			return nil, ErrWorkflowInUse
		}
	}

	w.assignStepIDs(workflow)

	err = w.persistence.WorkflowRepository().Save(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	if err := w.seedVariants(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

// Archive retires a workflow. Existing enrollments keep running; new
// enrollments are rejected.
func (w *Workflow) Archive(ctx context.Context, workflowID string) (*models.Workflow, error) {
	existing, err := w.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		return nil, ErrWorkflowNotFound
	}

	existing.Status = models.WorkflowStatusArchived
	existing.UpdatedAt = time.Now().UTC()

	err = w.persistence.WorkflowRepository().Save(ctx, existing)
	if err != nil {
		return nil, fmt.Errorf("failed to archive workflow: %w", err)
	}

	return existing, nil
}

// Delete removes a workflow by its ID. Refused while enrollments are live.
func (w *Workflow) Delete(ctx context.Context, workflowID string) error {
	existing, err := w.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return err
	}

	if existing == nil {
		return ErrWorkflowNotFound
	}

	active, err := w.persistence.EnrollmentRepository().CountActiveByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to count enrollments: %w", err)
	}

	if active > 0 {
		return ErrWorkflowInUse
	}

	err = w.persistence.WorkflowRepository().Delete(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	return nil
}

func (w *Workflow) validate(workflow *models.Workflow) error {
	if strings.TrimSpace(workflow.Name) == "" {
		return ErrWorkflowNameRequired
	}

	if err := w.validator.Struct(workflow); err != nil {
		return NewValidationError("validate", "INVALID_WORKFLOW", err.Error(), ErrInvalidRequest)
	}

	if len(workflow.Steps) == 0 {
		return ErrStepsRequired
	}

	for i, step := range workflow.Steps {
		if err := step.Validate(); err != nil {
			return NewValidationError("validate", "INVALID_STEP",
				fmt.Sprintf("step %d: %v", i+1, err), ErrInvalidRequest)
		}

		if err := validateStepContent(step.Content); err != nil {
			return NewValidationError("validate", "INVALID_STEP_CONTENT",
				fmt.Sprintf("step %d: %v", i+1, err), ErrInvalidStepContent)
		}

		for _, variant := range step.Variants {
			if len(variant.Content) == 0 {
				continue
			}

			if err := validateStepContent(variant.Content); err != nil {
				return NewValidationError("validate", "INVALID_VARIANT_CONTENT",
					fmt.Sprintf("step %d, variant %s: %v", i+1, variant.Label, err), ErrInvalidStepContent)
			}
		}

		if len(step.Variants) == 1 {
			return NewValidationError("validate", "NOT_ENOUGH_VARIANTS",
				fmt.Sprintf("step %d declares a single variant", i+1), ErrNotEnoughVariants)
		}
	}

	return nil
}

// validateStepContent validates a content document against the step schema.
func validateStepContent(content map[string]any) error {
	if len(content) == 0 {
		return fmt.Errorf("content is required")
	}

	schemaLoader := gojsonschema.NewGoLoader(stepContentSchema)
	dataLoader := gojsonschema.NewGoLoader(content)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		descriptions := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			descriptions = append(descriptions, desc.String())
		}

		return fmt.Errorf("validation errors: %s", strings.Join(descriptions, "; "))
	}

	return nil
}

func (w *Workflow) assignStepIDs(workflow *models.Workflow) {
	for _, step := range workflow.Steps {
		if step.ID == "" {
			step.ID = uuid.New().String()
		}

		for _, variant := range step.Variants {
			if variant.ID == "" {
				variant.ID = uuid.New().String()
			}
		}
	}
}

// seedVariants persists inline step variants so their counters live in
// the variant store from the first assignment on.
func (w *Workflow) seedVariants(ctx context.Context, workflow *models.Workflow) error {
	for _, step := range workflow.Steps {
		if len(step.Variants) == 0 {
			continue
		}

		err := w.persistence.VariantRepository().SaveAll(ctx, step.VariantOwnerID(), step.Variants)
		if err != nil {
			return fmt.Errorf("failed to save variants for step %s: %w", step.ID, err)
		}
	}

	return nil
}

// stepsChanged reports whether the step sequence differs in a way that
// would alter in-flight enrollments.
func stepsChanged(before, after []*models.Step) bool {
	if len(before) != len(after) {
		return true
	}

	for i := range before {
		b, a := before[i], after[i]
		if b.DelayValue != a.DelayValue || b.DelayUnit != a.DelayUnit {
			return true
		}

		if fmt.Sprint(b.Content) != fmt.Sprint(a.Content) {
			return true
		}

		if len(b.Variants) != len(a.Variants) {
			return true
		}
	}

	return false
}
