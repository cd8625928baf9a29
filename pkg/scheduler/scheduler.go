// Package scheduler advances due enrollments through their workflow's
// step sequence. A tick is safe to invoke repeatedly and concurrently:
// every advancement is claimed with an optimistic write before the send
// delegate runs, so a due step is sent at most once no matter how many
// tickers race over it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/soshogle/drip/pkg/events"
	"github.com/soshogle/drip/pkg/eventbus"
	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/otelhelper"
	"github.com/soshogle/drip/pkg/persistence"
)

// TickReport summarizes one tick invocation.
type TickReport struct {
	Sent      int `json:"sent"`
	Advanced  int `json:"advanced"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Scheduler scans for due enrollments and advances them.
type Scheduler struct {
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	delegate    SendDelegate
	config      Config
	lock        TickLock
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewScheduler creates a scheduler. The delegate is required; the lock is
// optional and only useful when several ticker processes share a store.
func NewScheduler(p persistence.Persistence, eventBus eventbus.EventBus, delegate SendDelegate, config Config, logger *slog.Logger) (*Scheduler, error) {
	if delegate == nil {
		return nil, errors.New("send delegate is required")
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Scheduler{
		persistence: p,
		eventBus:    eventBus,
		delegate:    delegate,
		config:      config,
		logger:      logger.With("module", "scheduler"),
		tracer:      otel.Tracer("drip/scheduler"),
	}, nil
}

// WithLock attaches an advisory lock so only one ticker per deployment
// runs a scan at a time. Correctness does not depend on it.
func (s *Scheduler) WithLock(lock TickLock) *Scheduler {
	s.lock = lock

	return s
}

// Tick processes every enrollment due at the given time, up to the
// configured batch size. Per-enrollment problems are counted, logged and
// never abort the scan.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (*TickReport, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.tick")
	defer span.End()

	report := &TickReport{}

	if s.lock != nil {
		release, acquired, err := s.lock.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire tick lock: %w", err)
		}

		if !acquired {
			s.logger.DebugContext(ctx, "Tick lock held elsewhere, skipping scan")

			return report, nil
		}
		defer release()
	}

	due, err := s.persistence.EnrollmentRepository().Due(ctx, now, s.config.BatchSize)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to list due enrollments: %w", err)
	}

	span.SetAttributes(attribute.Int("drip.tick.due", len(due)))

	workflows := map[string]*models.Workflow{}

	for _, candidate := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := s.processOne(ctx, now, candidate.ID, workflows, report); err != nil {
			s.logger.ErrorContext(ctx, "Failed to process enrollment",
				"enrollment_id", candidate.ID, "error", err)
			report.Skipped++
		}
	}

	s.logger.InfoContext(ctx, "Tick finished",
		"due", len(due),
		"sent", report.Sent,
		"advanced", report.Advanced,
		"completed", report.Completed,
		"retried", report.Retried,
		"failed", report.Failed,
		"skipped", report.Skipped)

	return report, nil
}

// processOne advances a single enrollment. The flow is claim-then-send:
// the advanced state is written first under the version check, and only
// the worker whose write lands invokes the delegate. A lost write means
// another ticker owns this step.
func (s *Scheduler) processOne(ctx context.Context, now time.Time, enrollmentID string, workflows map[string]*models.Workflow, report *TickReport) error {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "scheduler.process_enrollment",
		attribute.String(otelhelper.EnrollmentIDKey, enrollmentID))
	defer span.End()

	current, err := s.persistence.EnrollmentRepository().GetByID(ctx, enrollmentID)
	if err != nil {
		if persistence.IsEnrollmentNotFound(err) {
			report.Skipped++

			return nil
		}

		return fmt.Errorf("failed to load enrollment: %w", err)
	}

	// The scan snapshot can be stale by the time we get here.
	if !current.IsDue(now) {
		report.Skipped++

		return nil
	}

	workflow, err := s.loadWorkflow(ctx, current.WorkflowID, workflows)
	if err != nil {
		return err
	}

	step := workflow.StepAt(current.CurrentStep)
	if step == nil {
		// The enrollment points past the step sequence; close it out.
		return s.claim(ctx, current, s.completedState(current, now), report, func() {
			report.Completed++
			s.publishCompleted(ctx, current, now)
		})
	}

	next, err := s.advancedState(workflow, current, now)
	if err != nil {
		return err
	}

	claimed := false

	err = s.claim(ctx, current, next, report, func() { claimed = true })
	if err != nil || !claimed {
		return err
	}

	sendErr := s.send(ctx, current, step)
	if sendErr == nil {
		report.Sent++

		if next.Status == models.EnrollmentStatusCompleted {
			report.Completed++
			s.publishCompleted(ctx, current, now)
		} else {
			report.Advanced++
		}

		s.publish(ctx, current.ID, events.StepSent{
			BaseEvent:    s.baseEvent(events.StepSentEvent, current.WorkflowID, now),
			EnrollmentID: current.ID,
			EntityID:     current.EntityID,
			Step:         current.CurrentStep,
			VariantID:    current.ABTestGroup,
		})

		return nil
	}

	return s.handleSendFailure(ctx, current, next, now, sendErr, report)
}

func (s *Scheduler) loadWorkflow(ctx context.Context, workflowID string, cache map[string]*models.Workflow) (*models.Workflow, error) {
	if workflow, ok := cache[workflowID]; ok {
		return workflow, nil
	}

	workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	cache[workflowID] = workflow

	return workflow, nil
}

// advancedState computes where the enrollment lands after its current
// step is sent: the next step scheduled delay-after-now, or completion
// when the current step is the last one.
func (s *Scheduler) advancedState(workflow *models.Workflow, current *models.Enrollment, now time.Time) (*models.Enrollment, error) {
	nextStep := workflow.StepAt(current.CurrentStep + 1)
	if nextStep == nil {
		return s.completedState(current, now), nil
	}

	delay, err := nextStep.Delay()
	if err != nil {
		return nil, fmt.Errorf("invalid delay on step %d of workflow %s: %w", current.CurrentStep+1, workflow.ID, err)
	}

	nextSendAt := now.Add(delay)

	next := *current
	next.CurrentStep = current.CurrentStep + 1
	next.NextSendAt = &nextSendAt
	next.Attempts = 0
	next.UpdatedAt = now

	return &next, nil
}

func (s *Scheduler) completedState(current *models.Enrollment, now time.Time) *models.Enrollment {
	next := *current
	next.Status = models.EnrollmentStatusCompleted
	next.NextSendAt = nil
	next.Attempts = 0
	next.UpdatedAt = now
	next.CompletedAt = &now

	return &next
}

// claim writes the next state conditioned on the version we read. Losing
// the race means another ticker or a user transition got there first;
// that is a skip, never an error.
func (s *Scheduler) claim(ctx context.Context, current, next *models.Enrollment, report *TickReport, won func()) error {
	err := s.persistence.EnrollmentRepository().Update(ctx, next, current.Version)
	if err != nil {
		if persistence.IsStaleEnrollment(err) || persistence.IsEnrollmentNotFound(err) {
			report.Skipped++

			return nil
		}

		return fmt.Errorf("failed to claim enrollment: %w", err)
	}

	won()

	return nil
}

// send resolves the step's content (the pinned variant's, when one is
// assigned) and invokes the delegate under the configured timeout.
func (s *Scheduler) send(ctx context.Context, current *models.Enrollment, step *models.Step) error {
	content := s.resolveContent(ctx, current, step)

	sendCtx, cancel := context.WithTimeout(ctx, s.config.SendTimeout)
	defer cancel()

	result, err := s.delegate(sendCtx, current.EntityID, content)
	if err != nil {
		return err
	}

	if result == nil || !result.Success {
		return errors.New("delegate reported unsuccessful send")
	}

	return nil
}

func (s *Scheduler) resolveContent(ctx context.Context, current *models.Enrollment, step *models.Step) map[string]any {
	if current.ABTestGroup == nil {
		return step.Content
	}

	variants, err := s.persistence.VariantRepository().ListByOwner(ctx, step.VariantOwnerID())
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to load variants, sending step content",
			"enrollment_id", current.ID, "error", err)

		return step.Content
	}

	for _, variant := range variants {
		if variant.ID == *current.ABTestGroup && len(variant.Content) > 0 {
			return variant.Content
		}
	}

	return step.Content
}

// handleSendFailure applies the configured failure policy. The enrollment
// was already advanced by the claim, so the retry policy rolls it back to
// the failed step; the advance policy leaves the claim standing.
func (s *Scheduler) handleSendFailure(ctx context.Context, current, next *models.Enrollment, now time.Time, sendErr error, report *TickReport) error {
	s.logger.WarnContext(ctx, "Send failed",
		"enrollment_id", current.ID,
		"step", current.CurrentStep,
		"attempts", current.Attempts+1,
		"policy", s.config.FailurePolicy,
		"error", sendErr)

	if s.config.FailurePolicy == FailurePolicyAdvance {
		report.Failed++

		if next.Status == models.EnrollmentStatusCompleted {
			report.Completed++
			s.publishCompleted(ctx, current, now)
		}

		s.publish(ctx, current.ID, events.StepSendFailed{
			BaseEvent:    s.baseEvent(events.StepSendFailedEvent, current.WorkflowID, now),
			EnrollmentID: current.ID,
			EntityID:     current.EntityID,
			Step:         current.CurrentStep,
			Error:        sendErr.Error(),
			WillRetry:    false,
		})

		return nil
	}

	attempts := current.Attempts + 1

	retry := *current
	retry.Attempts = attempts
	retry.UpdatedAt = now

	if attempts >= s.config.MaxAttempts {
		retry.Status = models.EnrollmentStatusFailed
		retry.NextSendAt = nil
	} else {
		retryAt := now.Add(s.config.RetryDelay)
		retry.NextSendAt = &retryAt
	}

	// The claim bumped the version; condition the rollback on it. If a
	// cancel or another transition raced in between, the rollback loses
	// and the claimed advancement stands.
	err := s.persistence.EnrollmentRepository().Update(ctx, &retry, current.Version+1)
	if err != nil {
		if persistence.IsStaleEnrollment(err) || persistence.IsEnrollmentNotFound(err) {
			report.Skipped++

			return nil
		}

		return fmt.Errorf("failed to store retry state: %w", err)
	}

	if retry.Status == models.EnrollmentStatusFailed {
		report.Failed++
		s.publish(ctx, current.ID, events.EnrollmentFailed{
			BaseEvent:    s.baseEvent(events.EnrollmentFailedEvent, current.WorkflowID, now),
			EnrollmentID: current.ID,
			EntityID:     current.EntityID,
			Step:         current.CurrentStep,
			Attempts:     attempts,
			Error:        sendErr.Error(),
		})

		return nil
	}

	report.Retried++
	s.publish(ctx, current.ID, events.StepSendFailed{
		BaseEvent:    s.baseEvent(events.StepSendFailedEvent, current.WorkflowID, now),
		EnrollmentID: current.ID,
		EntityID:     current.EntityID,
		Step:         current.CurrentStep,
		Error:        sendErr.Error(),
		WillRetry:    true,
	})

	return nil
}

func (s *Scheduler) publishCompleted(ctx context.Context, current *models.Enrollment, now time.Time) {
	s.publish(ctx, current.ID, events.EnrollmentCompleted{
		BaseEvent:    s.baseEvent(events.EnrollmentCompletedEvent, current.WorkflowID, now),
		EnrollmentID: current.ID,
		EntityID:     current.EntityID,
		CompletedAt:  now,
	})
}

func (s *Scheduler) baseEvent(eventType events.EventType, workflowID string, now time.Time) events.BaseEvent {
	base := events.BaseEvent{
		Type:       eventType,
		Timestamp:  now,
		WorkflowID: workflowID,
	}

	if s.eventBus != nil {
		base.ID = s.eventBus.GenerateID()
	}

	return base
}

func (s *Scheduler) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.eventBus == nil {
		return
	}

	if err := s.eventBus.Publish(ctx, key, event); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "key", key, "error", err)
	}
}
