package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/persistence"
)

// VariantRepository stores variant rows keyed by owner (step or test ID).
// Counters are incremented in SQL so concurrent sends across enrollments
// sharing a variant never lose updates.
type VariantRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewVariantRepository(db *sql.DB, logger *slog.Logger) *VariantRepository {
	return &VariantRepository{
		db:     db,
		logger: logger.With("component", "variant_repository"),
	}
}

// SaveAll upserts an owner's variant set, preserving insertion order in the
// position column so least-sends ties keep breaking deterministically.
func (r *VariantRepository) SaveAll(ctx context.Context, ownerID string, variants []*models.Variant) error {
	query := `
		INSERT INTO variants (
			owner_id, id, label, content, weight, send_count, success_count, position, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id, id)
		DO UPDATE SET
			label = EXCLUDED.label,
			content = EXCLUDED.content,
			weight = EXCLUDED.weight,
			position = EXCLUDED.position
	`

	for position, variant := range variants {
		content, err := json.Marshal(variant.Content)
		if err != nil {
			return fmt.Errorf("failed to marshal variant content: %w", err)
		}

		if variant.CreatedAt.IsZero() {
			variant.CreatedAt = time.Now().UTC()
		}

		_, err = r.db.ExecContext(ctx, query,
			ownerID,
			variant.ID,
			variant.Label,
			content,
			variant.Weight,
			variant.SendCount,
			variant.SuccessCount,
			position,
			variant.CreatedAt,
		)
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to save variant",
				"owner_id", ownerID, "variant_id", variant.ID, "error", err)

			return fmt.Errorf("failed to save variant: %w", err)
		}
	}

	return nil
}

// ListByOwner returns an owner's variants in insertion order.
func (r *VariantRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.Variant, error) {
	query := `
		SELECT id, label, content, weight, send_count, success_count, created_at
		FROM variants
		WHERE owner_id = $1
		ORDER BY position ASC
	`

	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query variants: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "Failed to close rows", "error", closeErr)
		}
	}()

	var variants []*models.Variant

	for rows.Next() {
		var (
			variant models.Variant
			content []byte
		)

		err := rows.Scan(
			&variant.ID,
			&variant.Label,
			&content,
			&variant.Weight,
			&variant.SendCount,
			&variant.SuccessCount,
			&variant.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan variant row: %w", err)
		}

		if len(content) > 0 {
			if err := json.Unmarshal(content, &variant.Content); err != nil {
				return nil, fmt.Errorf("failed to unmarshal variant content: %w", err)
			}
		}

		variants = append(variants, &variant)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating variant rows: %w", err)
	}

	return variants, nil
}

// IncrementSend atomically bumps a variant's send counter.
func (r *VariantRepository) IncrementSend(ctx context.Context, ownerID, variantID string) error {
	return r.increment(ctx, "send_count", ownerID, variantID)
}

// IncrementSuccess atomically bumps a variant's success counter.
func (r *VariantRepository) IncrementSuccess(ctx context.Context, ownerID, variantID string) error {
	return r.increment(ctx, "success_count", ownerID, variantID)
}

func (r *VariantRepository) increment(ctx context.Context, column, ownerID, variantID string) error {
	// column is one of two compile-time constants, never user input.
	query := fmt.Sprintf(
		"UPDATE variants SET %s = %s + 1 WHERE owner_id = $1 AND id = $2", column, column)

	result, err := r.db.ExecContext(ctx, query, ownerID, variantID)
	if err != nil {
		return fmt.Errorf("failed to increment variant %s: %w", column, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrVariantNotFound
	}

	return nil
}
