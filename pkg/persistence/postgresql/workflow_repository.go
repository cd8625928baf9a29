package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/soshogle/drip/pkg/models"
	"github.com/soshogle/drip/pkg/persistence"
)

// WorkflowRepository stores workflows with their step documents as JSONB.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{
		db:     db,
		logger: logger.With("component", "workflow_repository"),
	}
}

// Save inserts or updates a workflow.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	steps, err := json.Marshal(workflow.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow steps: %w", err)
	}

	metadata, err := json.Marshal(workflow.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow metadata: %w", err)
	}

	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	query := `
		INSERT INTO workflows (
			id, name, description, status, steps, metadata, owner,
			created_at, updated_at, deleted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id)
		DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			metadata = EXCLUDED.metadata,
			owner = EXCLUDED.owner,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`

	_, err = r.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.Name,
		workflow.Description,
		workflow.Status,
		steps,
		metadata,
		workflow.Owner,
		workflow.CreatedAt,
		workflow.UpdatedAt,
		workflow.DeletedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to save workflow", "workflow_id", workflow.ID, "error", err)

		return fmt.Errorf("failed to save workflow: %w", err)
	}

	return nil
}

// GetByID returns a workflow by its ID, excluding soft-deleted rows.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `
		SELECT id, name, description, status, steps, metadata, owner,
		       created_at, updated_at, deleted_at
		FROM workflows
		WHERE id = $1 AND deleted_at IS NULL
	`

	workflow, err := r.scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrWorkflowNotFound
		}

		r.logger.ErrorContext(ctx, "Failed to scan workflow", "workflow_id", id, "error", err)

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return workflow, nil
}

// GetAll returns all workflows that are not soft-deleted.
func (r *WorkflowRepository) GetAll(ctx context.Context) ([]*models.Workflow, error) {
	query := `
		SELECT id, name, description, status, steps, metadata, owner,
		       created_at, updated_at, deleted_at
		FROM workflows
		WHERE deleted_at IS NULL
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "Failed to close rows", "error", closeErr)
		}
	}()

	var workflows []*models.Workflow

	for rows.Next() {
		workflow, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow rows: %w", err)
	}

	return workflows, nil
}

// Delete soft deletes a workflow by setting its deleted_at timestamp.
func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	query := `UPDATE workflows SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.ErrWorkflowNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowRepository) scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		workflow models.Workflow
		steps    []byte
		metadata []byte
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Description,
		&workflow.Status,
		&steps,
		&metadata,
		&workflow.Owner,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
		&workflow.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(steps, &workflow.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow steps: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &workflow.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow metadata: %w", err)
		}
	}

	return &workflow, nil
}
