package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/persistence"
)

// ABTestRepository stores A/B test lifecycle rows. Variants of a test live
// in the variants table under the test's ID.
type ABTestRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewABTestRepository(db *sql.DB, logger *slog.Logger) *ABTestRepository {
	return &ABTestRepository{
		db:     db,
		logger: logger.With("component", "abtest_repository"),
	}
}

// Save inserts or updates a test row. Variant rows are saved separately
// through the VariantRepository.
func (r *ABTestRepository) Save(ctx context.Context, test *models.ABTest) error {
	now := time.Now().UTC()
	if test.CreatedAt.IsZero() {
		test.CreatedAt = now
	}

	test.UpdatedAt = now

	query := `
		INSERT INTO ab_tests (
			id, name, status, split_policy, winner_id, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id)
		DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			split_policy = EXCLUDED.split_policy,
			winner_id = EXCLUDED.winner_id,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err := r.db.ExecContext(ctx, query,
		test.ID,
		test.Name,
		test.Status,
		test.SplitPolicy,
		test.WinnerID,
		test.CreatedAt,
		test.UpdatedAt,
		test.CompletedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to save ab test", "test_id", test.ID, "error", err)

		return fmt.Errorf("failed to save ab test: %w", err)
	}

	return nil
}

// GetByID returns a test with its variants loaded.
func (r *ABTestRepository) GetByID(ctx context.Context, id string) (*models.ABTest, error) {
	query := `
		SELECT id, name, status, split_policy, winner_id, created_at, updated_at, completed_at
		FROM ab_tests
		WHERE id = $1
	`

	var test models.ABTest

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&test.ID,
		&test.Name,
		&test.Status,
		&test.SplitPolicy,
		&test.WinnerID,
		&test.CreatedAt,
		&test.UpdatedAt,
		&test.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrTestNotFound
		}

		return nil, fmt.Errorf("failed to scan ab test: %w", err)
	}

	variants, err := NewVariantRepository(r.db, r.logger).ListByOwner(ctx, id)
	if err != nil {
		return nil, err
	}

	test.Variants = variants

	return &test, nil
}

// Complete freezes the test with a winner. The status predicate makes the
// transition happen exactly once even under concurrent analyzers.
func (r *ABTestRepository) Complete(ctx context.Context, testID, winnerID string, completedAt time.Time) error {
	query := `
		UPDATE ab_tests SET
			status = $2,
			winner_id = $3,
			completed_at = $4,
			updated_at = $4
		WHERE id = $1 AND status <> $2
	`

	result, err := r.db.ExecContext(ctx, query, testID, models.ABTestStatusCompleted, winnerID, completedAt)
	if err != nil {
		return fmt.Errorf("failed to complete ab test: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		var exists bool

		err = r.db.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM ab_tests WHERE id = $1)", testID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check ab test existence: %w", err)
		}

		if !exists {
			return persistence.ErrTestNotFound
		}

		return persistence.ErrTestAlreadyCompleted
	}

	return nil
}
