package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soshogle/drip/pkg/log"
	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/persistence"
	"github.com/soshogle/drip/pkg/persistence/memory"
	"github.com/soshogle/drip/pkg/testutil"
)

// recordingDelegate counts invocations and remembers what it was asked to
// send. Safe for concurrent ticks.
type recordingDelegate struct {
	mu       sync.Mutex
	calls    []recordedSend
	failWith error
	reject   bool
}

type recordedSend struct {
	entityID string
	content  map[string]any
}

func (d *recordingDelegate) fn(_ context.Context, entityID string, content map[string]any) (*SendResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, recordedSend{entityID: entityID, content: content})

	if d.failWith != nil {
		return nil, d.failWith
	}

	if d.reject {
		return &SendResult{Success: false}, nil
	}

	return &SendResult{Success: true, ExternalMessageID: "msg-1"}, nil
}

func (d *recordingDelegate) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.calls)
}

func newTestScheduler(t *testing.T, p persistence.Persistence, delegate SendDelegate, config Config) *Scheduler {
	t.Helper()

	if config.FailurePolicy == "" {
		config.FailurePolicy = FailurePolicyRetry
	}

	s, err := NewScheduler(p, nil, delegate, config, log.WithModule("test"))
	require.NoError(t, err)

	return s
}

func seedWorkflow(t *testing.T, p persistence.Persistence, steps ...*models.Step) *models.Workflow {
	t.Helper()

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(steps...))
	require.NoError(t, p.WorkflowRepository().Save(t.Context(), workflow))

	return workflow
}

func seedEnrollment(t *testing.T, p persistence.Persistence, workflowID, entityID string, overrides ...func(*models.Enrollment)) *models.Enrollment {
	t.Helper()

	enrollment := testutil.CreateTestEnrollment(workflowID, entityID, overrides...)
	require.NoError(t, p.EnrollmentRepository().Create(t.Context(), enrollment))

	return enrollment
}

func TestNewScheduler_Validation(t *testing.T) {
	p := memory.NewPersistence()

	_, err := NewScheduler(p, nil, nil, Config{FailurePolicy: FailurePolicyRetry}, log.WithModule("test"))
	assert.Error(t, err)

	delegate := &recordingDelegate{}

	_, err = NewScheduler(p, nil, delegate.fn, Config{}, log.WithModule("test"))
	assert.ErrorIs(t, err, ErrInvalidFailurePolicy)

	_, err = NewScheduler(p, nil, delegate.fn, Config{FailurePolicy: "panic"}, log.WithModule("test"))
	assert.ErrorIs(t, err, ErrInvalidFailurePolicy)
}

func TestScheduler_Tick_AdvancesThroughSteps(t *testing.T) {
	p := memory.NewPersistence()

	workflow := seedWorkflow(t, p,
		testutil.CreateTestStep(testutil.WithDelay(0, models.DelayUnitMinutes)),
		testutil.CreateTestStep(testutil.WithDelay(1, models.DelayUnitHours)),
		testutil.CreateTestStep(testutil.WithDelay(1, models.DelayUnitDays)),
	)

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	enrollment := seedEnrollment(t, p, workflow.ID, "lead-1", testutil.WithNextSendAt(start))

	delegate := &recordingDelegate{}
	scheduler := newTestScheduler(t, p, delegate.fn, Config{})

	// Step 1 is due at start; its completion schedules step 2 an hour out.
	report, err := scheduler.Tick(t.Context(), start)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Advanced)

	current, err := p.EnrollmentRepository().GetByID(t.Context(), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, current.CurrentStep)
	require.NotNil(t, current.NextSendAt)
	assert.Equal(t, start.Add(time.Hour), *current.NextSendAt)

	// Ticking before step 2 is due does nothing.
	report, err = scheduler.Tick(t.Context(), start.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.Sent)

	// Step 2 fires at its exact due time; step 3 goes a day out from it.
	secondTick := start.Add(time.Hour)
	report, err = scheduler.Tick(t.Context(), secondTick)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	current, err = p.EnrollmentRepository().GetByID(t.Context(), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, current.CurrentStep)
	require.NotNil(t, current.NextSendAt)
	assert.Equal(t, secondTick.Add(24*time.Hour), *current.NextSendAt)

	assert.Equal(t, 2, delegate.count())
}

func TestScheduler_Tick_CompletesOnLastStep(t *testing.T) {
	p := memory.NewPersistence()
	workflow := seedWorkflow(t, p, testutil.CreateTestStep())

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	enrollment := seedEnrollment(t, p, workflow.ID, "lead-1", testutil.WithNextSendAt(now))

	delegate := &recordingDelegate{}
	scheduler := newTestScheduler(t, p, delegate.fn, Config{})

	report, err := scheduler.Tick(t.Context(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.Completed)

	completed, err := p.EnrollmentRepository().GetByID(t.Context(), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, completed.Status)
	assert.Nil(t, completed.NextSendAt)
	require.NotNil(t, completed.CompletedAt)
	assert.Equal(t, now, *completed.CompletedAt)

	// A later tick never selects it again.
	report, err = scheduler.Tick(t.Context(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.Sent)
	assert.Equal(t, 1, delegate.count())
}

func TestScheduler_Tick_NoDoubleSendUnderConcurrency(t *testing.T) {
	p := memory.NewPersistence()
	workflow := seedWorkflow(t, p, testutil.CreateTestStep())

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedEnrollment(t, p, workflow.ID, "lead-1", testutil.WithNextSendAt(now))

	var sends atomic.Int64

	delegate := func(_ context.Context, _ string, _ map[string]any) (*SendResult, error) {
		sends.Add(1)

		return &SendResult{Success: true}, nil
	}

	scheduler := newTestScheduler(t, p, delegate, Config{})

	const tickers = 5

	var wg sync.WaitGroup

	for range tickers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := scheduler.Tick(t.Context(), now)
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(1), sends.Load(), "the due step must be sent exactly once")
}

func TestScheduler_Tick_RetryPolicy(t *testing.T) {
	p := memory.NewPersistence()
	workflow := seedWorkflow(t, p, testutil.CreateTestStep(), testutil.CreateTestStep())

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	enrollment := seedEnrollment(t, p, workflow.ID, "lead-1", testutil.WithNextSendAt(now))

	delegate := &recordingDelegate{failWith: errors.New("gateway timeout")}
	scheduler := newTestScheduler(t, p, delegate.fn, Config{
		FailurePolicy: FailurePolicyRetry,
		RetryDelay:    10 * time.Minute,
		MaxAttempts:   3,
	})

	report, err := scheduler.Tick(t.Context(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Zero(t, report.Sent)

	current, err := p.EnrollmentRepository().GetByID(t.Context(), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, current.Status)
	assert.Equal(t, 1, current.CurrentStep, "a failed step is not advanced")
	assert.Equal(t, 1, current.Attempts)
	require.NotNil(t, current.NextSendAt)
	assert.Equal(t, now.Add(10*time.Minute), *current.NextSendAt)
}

func TestScheduler_Tick_RetryExhaustionFailsEnrollment(t *testing.T) {
	p := memory.NewPersistence()
	workflow := seedWorkflow(t, p, testutil.CreateTestStep())

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	enrollment := seedEnrollment(t, p, workflow.ID, "lead-1", testutil.WithNextSendAt(now))

	delegate := &recordingDelegate{reject: true}
	scheduler := newTestScheduler(t, p, delegate.fn, Config{
		FailurePolicy: FailurePolicyRetry,
		RetryDelay:    time.Minute,
		MaxAttempts:   2,
	})

	report, err := scheduler.Tick(t.Context(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	report, err = scheduler.Tick(t.Context(), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	failed, err := p.EnrollmentRepository().GetByID(t.Context(), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusFailed, failed.Status)
	assert.Nil(t, failed.NextSendAt)
	assert.Equal(t, 2, failed.Attempts)
	assert.Equal(t, 2, delegate.count())

	// Terminal; never picked up again.
	report, err = scheduler.Tick(t.Context(), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.Sent+report.Retried+report.Failed)
}

func TestScheduler_Tick_AdvancePolicyMovesOnAfterFailure(t *testing.T) {
	p := memory.NewPersistence()
	workflow := seedWorkflow(t, p,
		testutil.CreateTestStep(),
		testutil.CreateTestStep(testutil.WithDelay(1, models.DelayUnitHours)),
	)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	enrollment := seedEnrollment(t, p, workflow.ID, "lead-1", testutil.WithNextSendAt(now))

	delegate := &recordingDelegate{reject: true}
	scheduler := newTestScheduler(t, p, delegate.fn, Config{FailurePolicy: FailurePolicyAdvance})

	report, err := scheduler.Tick(t.Context(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Sent)

	current, err := p.EnrollmentRepository().GetByID(t.Context(), enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, current.Status)
	assert.Equal(t, 2, current.CurrentStep)
	require.NotNil(t, current.NextSendAt)
	assert.Equal(t, now.Add(time.Hour), *current.NextSendAt)
}

func TestScheduler_Tick_SkipsRacedCancellation(t *testing.T) {
	p := memory.NewPersistence()
	workflow := seedWorkflow(t, p, testutil.CreateTestStep())

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	enrollment := seedEnrollment(t, p, workflow.ID, "lead-1", testutil.WithNextSendAt(now))

	delegate := &recordingDelegate{}
	scheduler := newTestScheduler(t, p, delegate.fn, Config{})

	// The user cancels after the enrollment became due but before the
	// tick reaches it.
	current, err := p.EnrollmentRepository().GetByID(t.Context(), enrollment.ID)
	require.NoError(t, err)
	current.Status = models.EnrollmentStatusCancelled
	current.NextSendAt = nil
	require.NoError(t, p.EnrollmentRepository().Update(t.Context(), current, current.Version))

	report, err := scheduler.Tick(t.Context(), now)
	require.NoError(t, err)
	assert.Zero(t, report.Sent)
	assert.Zero(t, delegate.count())
}

func TestScheduler_Tick_SendsVariantContent(t *testing.T) {
	p := memory.NewPersistence()

	variantA := testutil.CreateTestVariant("A")
	variantB := testutil.CreateTestVariant("B")
	step := testutil.CreateTestStep(testutil.WithVariants(models.SplitPolicyLeastSends, variantA, variantB))
	workflow := seedWorkflow(t, p, step)

	require.NoError(t, p.VariantRepository().SaveAll(t.Context(), step.ID, []*models.Variant{variantA, variantB}))

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedEnrollment(t, p, workflow.ID, "lead-1",
		testutil.WithNextSendAt(now),
		testutil.WithABTestGroup(variantB.ID))

	delegate := &recordingDelegate{}
	scheduler := newTestScheduler(t, p, delegate.fn, Config{})

	report, err := scheduler.Tick(t.Context(), now)
	require.NoError(t, err)
	require.Equal(t, 1, report.Sent)

	require.Len(t, delegate.calls, 1)
	assert.Equal(t, "lead-1", delegate.calls[0].entityID)
	assert.Equal(t, variantB.Content, delegate.calls[0].content)
}

func TestScheduler_Tick_BatchSize(t *testing.T) {
	p := memory.NewPersistence()
	workflow := seedWorkflow(t, p, testutil.CreateTestStep())

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i := range 5 {
		seedEnrollment(t, p, workflow.ID, fmt.Sprintf("lead-%d", i), testutil.WithNextSendAt(now))
	}

	delegate := &recordingDelegate{}
	scheduler := newTestScheduler(t, p, delegate.fn, Config{BatchSize: 2})

	report, err := scheduler.Tick(t.Context(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)

	// The rest are picked up by the next tick.
	report, err = scheduler.Tick(t.Context(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Sent)

	report, err = scheduler.Tick(t.Context(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	assert.Equal(t, 5, delegate.count())
}

func TestScheduler_Tick_LockHeldElsewhere(t *testing.T) {
	p := memory.NewPersistence()
	workflow := seedWorkflow(t, p, testutil.CreateTestStep())

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	seedEnrollment(t, p, workflow.ID, "lead-1", testutil.WithNextSendAt(now))

	delegate := &recordingDelegate{}
	scheduler := newTestScheduler(t, p, delegate.fn, Config{}).WithLock(deniedLock{})

	report, err := scheduler.Tick(t.Context(), now)
	require.NoError(t, err)
	assert.Zero(t, report.Sent)
	assert.Zero(t, delegate.count())
}

type deniedLock struct{}

func (deniedLock) Acquire(_ context.Context) (func(), bool, error) {
	return nil, false, nil
}
