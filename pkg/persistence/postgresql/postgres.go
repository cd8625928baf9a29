// Package postgresql provides the PostgreSQL persistence implementation for
// workflows, enrollments, variants and A/B tests.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/soshogle/drip/pkg/persistence"
	"github.com/soshogle/drip/pkg/persistence/sqlbase"

	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	workflowRepo   *WorkflowRepository
	enrollmentRepo *EnrollmentRepository
	variantRepo    *VariantRepository
	abTestRepo     *ABTestRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and runs
// pending schema migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:             database,
		logger:         logger.With("component", "postgres_persistence"),
		workflowRepo:   NewWorkflowRepository(database, logger),
		enrollmentRepo: NewEnrollmentRepository(database, logger),
		variantRepo:    NewVariantRepository(database, logger),
		abTestRepo:     NewABTestRepository(database, logger),
	}, nil
}

func (p *Persistence) WorkflowRepository() persistence.WorkflowRepository {
	return p.workflowRepo
}

func (p *Persistence) EnrollmentRepository() persistence.EnrollmentRepository {
	return p.enrollmentRepo
}

func (p *Persistence) VariantRepository() persistence.VariantRepository {
	return p.variantRepo
}

func (p *Persistence) ABTestRepository() persistence.ABTestRepository {
	return p.abTestRepo
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// migrations returns the schema migration scripts, keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(32) NOT NULL,
				steps JSONB NOT NULL DEFAULT '[]',
				metadata JSONB,
				owner VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE TABLE enrollments (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflows(id),
				entity_id VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				current_step INTEGER NOT NULL DEFAULT 1,
				next_send_at TIMESTAMP WITH TIME ZONE,
				ab_test_group VARCHAR(255),
				attempts INTEGER NOT NULL DEFAULT 0,
				version BIGINT NOT NULL DEFAULT 1,
				enrolled_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			-- At most one non-terminal enrollment per (workflow, entity) pair.
			-- This partial index is the authoritative uniqueness guard; the
			-- application converts violations into skips.
			CREATE UNIQUE INDEX idx_enrollments_current_pair
				ON enrollments(workflow_id, entity_id)
				WHERE status IN ('active', 'paused');

			-- Due-enrollment scan, the hottest query of the engine.
			CREATE INDEX idx_enrollments_due
				ON enrollments(next_send_at)
				WHERE status = 'active';

			CREATE INDEX idx_enrollments_workflow ON enrollments(workflow_id);

			CREATE TABLE variants (
				owner_id VARCHAR(255) NOT NULL,
				id VARCHAR(255) NOT NULL,
				label VARCHAR(255) NOT NULL,
				content JSONB,
				weight DOUBLE PRECISION NOT NULL DEFAULT 0,
				send_count BIGINT NOT NULL DEFAULT 0,
				success_count BIGINT NOT NULL DEFAULT 0,
				position INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (owner_id, id)
			);

			CREATE TABLE ab_tests (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				split_policy VARCHAR(32) NOT NULL DEFAULT '',
				winner_id VARCHAR(255),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at TIMESTAMP WITH TIME ZONE
			);
		`,
	}
}
