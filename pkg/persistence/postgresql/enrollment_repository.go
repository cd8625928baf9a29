package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/persistence"
)

// uniqueViolation is the PostgreSQL error code raised when an insert hits
// the partial unique index on (workflow_id, entity_id).
const uniqueViolation = "23505"

// EnrollmentRepository stores enrollment rows. Uniqueness of the
// non-terminal (workflow, entity) pair and version-tagged updates are
// enforced by the database itself.
type EnrollmentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewEnrollmentRepository(db *sql.DB, logger *slog.Logger) *EnrollmentRepository {
	return &EnrollmentRepository{
		db:     db,
		logger: logger.With("component", "enrollment_repository"),
	}
}

// Create inserts a new enrollment. A unique-index violation is mapped to
// ErrAlreadyEnrolled so callers can convert it into a skip.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	query := `
		INSERT INTO enrollments (
			id, workflow_id, entity_id, status, current_step, next_send_at,
			ab_test_group, attempts, version, enrolled_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		enrollment.ID,
		enrollment.WorkflowID,
		enrollment.EntityID,
		enrollment.Status,
		enrollment.CurrentStep,
		enrollment.NextSendAt,
		enrollment.ABTestGroup,
		enrollment.Attempts,
		enrollment.Version,
		enrollment.EnrolledAt,
		enrollment.UpdatedAt,
		enrollment.CompletedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return persistence.NewEnrollmentError("Create", enrollment.ID, persistence.ErrAlreadyEnrolled)
		}

		r.logger.ErrorContext(ctx, "Failed to create enrollment",
			"enrollment_id", enrollment.ID, "workflow_id", enrollment.WorkflowID, "error", err)

		return fmt.Errorf("failed to create enrollment: %w", err)
	}

	return nil
}

// GetByID returns an enrollment by its ID.
func (r *EnrollmentRepository) GetByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := selectEnrollment + ` WHERE id = $1`

	enrollment, err := scanEnrollment(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrEnrollmentNotFound
		}

		return nil, fmt.Errorf("failed to scan enrollment: %w", err)
	}

	return enrollment, nil
}

// FindCurrent returns the non-terminal enrollment for the pair, if any.
func (r *EnrollmentRepository) FindCurrent(ctx context.Context, workflowID, entityID string) (*models.Enrollment, error) {
	query := selectEnrollment + `
		WHERE workflow_id = $1 AND entity_id = $2 AND status IN ('active', 'paused')
		LIMIT 1
	`

	enrollment, err := scanEnrollment(r.db.QueryRowContext(ctx, query, workflowID, entityID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrEnrollmentNotFound
		}

		return nil, fmt.Errorf("failed to scan enrollment: %w", err)
	}

	return enrollment, nil
}

// ListByWorkflow returns a workflow's enrollments, optionally filtered by status.
func (r *EnrollmentRepository) ListByWorkflow(ctx context.Context, workflowID string, status *models.EnrollmentStatus) ([]*models.Enrollment, error) {
	query := selectEnrollment + ` WHERE workflow_id = $1`
	args := []any{workflowID}

	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	}

	query += ` ORDER BY enrolled_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "Failed to close rows", "error", closeErr)
		}
	}()

	return collectEnrollments(rows)
}

// Due returns active enrollments with next_send_at at or before the given
// time. The partial index on (next_send_at) WHERE status='active' makes
// this an index-only scan.
func (r *EnrollmentRepository) Due(ctx context.Context, before time.Time, limit int) ([]*models.Enrollment, error) {
	query := selectEnrollment + `
		WHERE status = 'active' AND next_send_at <= $1
		ORDER BY next_send_at ASC
	`
	args := []any{before}

	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to query due enrollments", "before", before, "error", err)

		return nil, fmt.Errorf("failed to query due enrollments: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "Failed to close rows", "error", closeErr)
		}
	}()

	return collectEnrollments(rows)
}

// Update writes the enrollment conditioned on the stored version. A write
// that matches no row either lost an optimistic-concurrency race
// (ErrStaleEnrollment) or targets a missing row (ErrEnrollmentNotFound).
func (r *EnrollmentRepository) Update(ctx context.Context, enrollment *models.Enrollment, expectedVersion int64) error {
	query := `
		UPDATE enrollments SET
			status = $2,
			current_step = $3,
			next_send_at = $4,
			ab_test_group = $5,
			attempts = $6,
			version = version + 1,
			updated_at = NOW(),
			completed_at = $7
		WHERE id = $1 AND version = $8
	`

	result, err := r.db.ExecContext(ctx, query,
		enrollment.ID,
		enrollment.Status,
		enrollment.CurrentStep,
		enrollment.NextSendAt,
		enrollment.ABTestGroup,
		enrollment.Attempts,
		enrollment.CompletedAt,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update enrollment: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		var exists bool

		err = r.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM enrollments WHERE id = $1)", enrollment.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check enrollment existence: %w", err)
		}

		if !exists {
			return persistence.ErrEnrollmentNotFound
		}

		return persistence.NewEnrollmentError("Update", enrollment.ID, persistence.ErrStaleEnrollment)
	}

	return nil
}

// CountActiveByWorkflow reports non-terminal enrollments for a workflow.
func (r *EnrollmentRepository) CountActiveByWorkflow(ctx context.Context, workflowID string) (int64, error) {
	var count int64

	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM enrollments WHERE workflow_id = $1 AND status IN ('active', 'paused')",
		workflowID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count enrollments: %w", err)
	}

	return count, nil
}

const selectEnrollment = `
	SELECT id, workflow_id, entity_id, status, current_step, next_send_at,
	       ab_test_group, attempts, version, enrolled_at, updated_at, completed_at
	FROM enrollments
`

func scanEnrollment(row rowScanner) (*models.Enrollment, error) {
	var enrollment models.Enrollment

	err := row.Scan(
		&enrollment.ID,
		&enrollment.WorkflowID,
		&enrollment.EntityID,
		&enrollment.Status,
		&enrollment.CurrentStep,
		&enrollment.NextSendAt,
		&enrollment.ABTestGroup,
		&enrollment.Attempts,
		&enrollment.Version,
		&enrollment.EnrolledAt,
		&enrollment.UpdatedAt,
		&enrollment.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	return &enrollment, nil
}

func collectEnrollments(rows *sql.Rows) ([]*models.Enrollment, error) {
	var enrollments []*models.Enrollment

	for rows.Next() {
		enrollment, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment row: %w", err)
		}

		enrollments = append(enrollments, enrollment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enrollment rows: %w", err)
	}

	return enrollments, nil
}
