// Package enrollment implements the enrollment manager: batch enrollment
// of entities into drip workflows, and the pause/resume/cancel lifecycle.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/soshogle/drip/pkg/abtest"
	"github.com/soshogle/drip/pkg/events"
	"github.com/soshogle/drip/pkg/eventbus"
	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/persistence"
)

var (
	// ErrNoSteps rejects enrollment into a workflow with an empty step
	// sequence. Nothing is partially enrolled.
	ErrNoSteps = errors.New("workflow has no steps")

	// ErrNoEntities rejects an empty enrollment batch.
	ErrNoEntities = errors.New("no entities to enroll")

	// ErrWorkflowArchived rejects enrollment into an archived workflow.
	ErrWorkflowArchived = errors.New("workflow is archived")
)

// IsConfigurationError reports whether an error is a structural problem
// with the request, detected before any item was touched.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrNoSteps) ||
		errors.Is(err, ErrNoEntities) ||
		errors.Is(err, ErrWorkflowArchived)
}

// EntityLookup validates that an entity exists and is visible to the
// caller. Injected by the host; tenant scoping happens there, not here.
type EntityLookup func(ctx context.Context, entityID string) (bool, error)

// ItemFailure records one entity that could not be enrolled.
type ItemFailure struct {
	EntityID string `json:"entity_id"`
	Error    string `json:"error"`
}

// BatchResult aggregates a batch enrollment's outcome. Per-item failures
// never abort the batch.
type BatchResult struct {
	Enrolled int           `json:"enrolled"`
	Skipped  int           `json:"skipped"`
	Failures []ItemFailure `json:"failures,omitempty"`
}

// Manager creates and manages enrollments.
type Manager struct {
	persistence  persistence.Persistence
	eventBus     eventbus.EventBus
	entityLookup EntityLookup
	logger       *slog.Logger
	now          func() time.Time
}

// NewManager creates an enrollment manager. entityLookup may be nil, in
// which case entity IDs are taken at face value.
func NewManager(p persistence.Persistence, eventBus eventbus.EventBus, entityLookup EntityLookup, logger *slog.Logger) *Manager {
	return &Manager{
		persistence:  p,
		eventBus:     eventBus,
		entityLookup: entityLookup,
		logger:       logger.With("module", "enrollment_manager"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the manager's time source. Used by tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now

	return m
}

// Enroll creates one enrollment per entity that does not already have a
// non-terminal enrollment in the workflow. The first send is scheduled at
// now + the first step's delay; nothing is sent synchronously, even when
// that delay is zero.
func (m *Manager) Enroll(ctx context.Context, workflowID string, entityIDs []string) (*BatchResult, error) {
	if len(entityIDs) == 0 {
		return nil, ErrNoEntities
	}

	workflow, err := m.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	if len(workflow.Steps) == 0 {
		return nil, ErrNoSteps
	}

	if workflow.Status == models.WorkflowStatusArchived {
		return nil, ErrWorkflowArchived
	}

	delay, err := workflow.Steps[0].Delay()
	if err != nil {
		return nil, fmt.Errorf("invalid delay on step 1: %w", err)
	}

	result := &BatchResult{}

	for _, entityID := range entityIDs {
		outcome, err := m.enrollOne(ctx, workflow, entityID, delay)
		if err != nil {
			m.logger.WarnContext(ctx, "Failed to enroll entity",
				"workflow_id", workflowID, "entity_id", entityID, "error", err)
			result.Failures = append(result.Failures, ItemFailure{EntityID: entityID, Error: err.Error()})

			continue
		}

		switch outcome {
		case enrolled:
			result.Enrolled++
		case skipped:
			result.Skipped++
		}
	}

	m.logger.InfoContext(ctx, "Enrollment batch processed",
		"workflow_id", workflowID,
		"enrolled", result.Enrolled,
		"skipped", result.Skipped,
		"failed", len(result.Failures))

	return result, nil
}

type enrollOutcome int

const (
	enrolled enrollOutcome = iota
	skipped
)

func (m *Manager) enrollOne(ctx context.Context, workflow *models.Workflow, entityID string, delay time.Duration) (enrollOutcome, error) {
	if m.entityLookup != nil {
		exists, err := m.entityLookup(ctx, entityID)
		if err != nil {
			return 0, fmt.Errorf("entity lookup failed: %w", err)
		}

		if !exists {
			return 0, fmt.Errorf("entity %s: %w", entityID, persistence.ErrEnrollmentNotFound)
		}
	}

	_, err := m.persistence.EnrollmentRepository().FindCurrent(ctx, workflow.ID, entityID)
	if err == nil {
		return skipped, nil
	}

	if !persistence.IsEnrollmentNotFound(err) {
		return 0, fmt.Errorf("failed to check existing enrollment: %w", err)
	}

	now := m.now()
	nextSendAt := now.Add(delay)

	enrollmentRow := &models.Enrollment{
		ID:          uuid.New().String(),
		WorkflowID:  workflow.ID,
		EntityID:    entityID,
		Status:      models.EnrollmentStatusActive,
		CurrentStep: 1,
		NextSendAt:  &nextSendAt,
		Version:     1,
		EnrolledAt:  now,
		UpdatedAt:   now,
	}

	// The group is pinned once, from the first step that carries variants.
	for _, step := range workflow.Steps {
		if !step.HasVariants() {
			continue
		}

		group, err := m.assignGroup(ctx, step)
		if err != nil {
			return 0, err
		}

		enrollmentRow.ABTestGroup = &group

		break
	}

	err = m.persistence.EnrollmentRepository().Create(ctx, enrollmentRow)
	if err != nil {
		// A concurrent enroll of the same pair won the insert; the
		// storage-level uniqueness guard makes this a skip, not an error.
		if persistence.IsAlreadyEnrolled(err) {
			return skipped, nil
		}

		return 0, err
	}

	m.publish(ctx, enrollmentRow.ID, events.EnrollmentCreated{
		BaseEvent:    m.baseEvent(events.EnrollmentCreatedEvent, workflow.ID),
		EnrollmentID: enrollmentRow.ID,
		EntityID:     entityID,
		NextSendAt:   enrollmentRow.NextSendAt,
		ABTestGroup:  enrollmentRow.ABTestGroup,
	})

	return enrolled, nil
}

// assignGroup picks the entity's variant once, from live counters, and
// records the pick on the variant's send counter. Counting at assignment
// time is what keeps the least-sends policy round robin across a burst of
// enrollments; the tick never touches the counter again for this
// enrollment, so nothing is double counted.
func (m *Manager) assignGroup(ctx context.Context, step *models.Step) (string, error) {
	ownerID := step.VariantOwnerID()

	variants, err := m.persistence.VariantRepository().ListByOwner(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("failed to load variants: %w", err)
	}

	if len(variants) == 0 {
		// Variant rows not seeded yet; store the definition first so the
		// counter increments have a home.
		if err := m.persistence.VariantRepository().SaveAll(ctx, ownerID, step.Variants); err != nil {
			return "", fmt.Errorf("failed to seed variants: %w", err)
		}

		variants = step.Variants
	}

	variant, err := abtest.AssignVariant(step.EffectiveSplitPolicy(), variants)
	if err != nil {
		return "", fmt.Errorf("failed to assign variant: %w", err)
	}

	if err := m.persistence.VariantRepository().IncrementSend(ctx, ownerID, variant.ID); err != nil {
		return "", fmt.Errorf("failed to record assignment: %w", err)
	}

	return variant.ID, nil
}

// Cancel transitions an active or paused enrollment to cancelled and
// clears its schedule. Cancelling an already-terminal enrollment is a
// no-op, not an error.
func (m *Manager) Cancel(ctx context.Context, enrollmentID string) error {
	return m.transition(ctx, enrollmentID, func(e *models.Enrollment) bool {
		if e.IsTerminal() {
			return false
		}

		e.Status = models.EnrollmentStatusCancelled
		e.NextSendAt = nil

		return true
	}, events.EnrollmentCancelledEvent)
}

// Pause parks an active enrollment. The tick never selects paused rows,
// so the enrollment holds its position until resumed.
func (m *Manager) Pause(ctx context.Context, enrollmentID string) error {
	return m.transition(ctx, enrollmentID, func(e *models.Enrollment) bool {
		if e.Status != models.EnrollmentStatusActive {
			return false
		}

		e.Status = models.EnrollmentStatusPaused

		return true
	}, events.EnrollmentPausedEvent)
}

// Resume reactivates a paused enrollment. A send that came due while
// paused becomes due immediately; a future one keeps its original time.
func (m *Manager) Resume(ctx context.Context, enrollmentID string) error {
	return m.transition(ctx, enrollmentID, func(e *models.Enrollment) bool {
		if e.Status != models.EnrollmentStatusPaused {
			return false
		}

		e.Status = models.EnrollmentStatusActive

		if e.NextSendAt != nil && e.NextSendAt.Before(m.now()) {
			now := m.now()
			e.NextSendAt = &now
		}

		return true
	}, events.EnrollmentResumedEvent)
}

// transition applies a state change under optimistic concurrency,
// re-reading on a lost race until the change applies or becomes a no-op.
func (m *Manager) transition(ctx context.Context, enrollmentID string, apply func(*models.Enrollment) bool, eventType events.EventType) error {
	for {
		enrollmentRow, err := m.persistence.EnrollmentRepository().GetByID(ctx, enrollmentID)
		if err != nil {
			return fmt.Errorf("failed to load enrollment: %w", err)
		}

		if !apply(enrollmentRow) {
			return nil
		}

		err = m.persistence.EnrollmentRepository().Update(ctx, enrollmentRow, enrollmentRow.Version)
		if err == nil {
			m.publishTransition(ctx, enrollmentRow, eventType)

			return nil
		}

		if !persistence.IsStaleEnrollment(err) {
			return fmt.Errorf("failed to update enrollment: %w", err)
		}
		// Raced a tick or another transition; re-read and re-decide.
	}
}

func (m *Manager) publishTransition(ctx context.Context, e *models.Enrollment, eventType events.EventType) {
	switch eventType {
	case events.EnrollmentCancelledEvent:
		m.publish(ctx, e.ID, events.EnrollmentCancelled{
			BaseEvent:    m.baseEvent(eventType, e.WorkflowID),
			EnrollmentID: e.ID,
		})
	case events.EnrollmentPausedEvent:
		m.publish(ctx, e.ID, events.EnrollmentPaused{
			BaseEvent:    m.baseEvent(eventType, e.WorkflowID),
			EnrollmentID: e.ID,
		})
	case events.EnrollmentResumedEvent:
		m.publish(ctx, e.ID, events.EnrollmentResumed{
			BaseEvent:    m.baseEvent(eventType, e.WorkflowID),
			EnrollmentID: e.ID,
			NextSendAt:   e.NextSendAt,
		})
	}
}

func (m *Manager) baseEvent(eventType events.EventType, workflowID string) events.BaseEvent {
	base := events.BaseEvent{
		Type:       eventType,
		Timestamp:  m.now(),
		WorkflowID: workflowID,
	}

	if m.eventBus != nil {
		base.ID = m.eventBus.GenerateID()
	}

	return base
}

func (m *Manager) publish(ctx context.Context, key string, event eventbus.Event) {
	if m.eventBus == nil {
		return
	}

	if err := m.eventBus.Publish(ctx, key, event); err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "key", key, "error", err)
	}
}
