// Package archive records terminal jobs in Postgres so their outcomes
// survive the on-disk store's deletes. Archiving is best-effort; the service
// runs fine without a database.
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/subforge/subforge/models"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS archived_jobs (
	id                  TEXT PRIMARY KEY,
	filename            TEXT NOT NULL,
	status              TEXT NOT NULL,
	message             TEXT NOT NULL DEFAULT '',
	error_detail        TEXT NOT NULL DEFAULT '',
	target_language     TEXT NOT NULL DEFAULT '',
	burn_in             BOOLEAN NOT NULL DEFAULT FALSE,
	translation_skipped BOOLEAN NOT NULL DEFAULT FALSE,
	created_at          TIMESTAMPTZ NOT NULL,
	completed_at        TIMESTAMPTZ NOT NULL
)`

const upsertJobSQL = `
INSERT INTO archived_jobs (
	id, filename, status, message, error_detail,
	target_language, burn_in, translation_skipped, created_at, completed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	message = EXCLUDED.message,
	error_detail = EXCLUDED.error_detail,
	translation_skipped = EXCLUDED.translation_skipped,
	completed_at = EXCLUDED.completed_at`

// Archive writes terminal job records through a pgx connection pool
type Archive struct {
	pool *pgxpool.Pool
}

// New creates an archive backed by the given pool
func New(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// EnsureSchema creates the archive table if it does not exist
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("failed to create archive table: %v", err)
	}
	return nil
}

// SaveJob upserts one terminal job record
func (a *Archive) SaveJob(ctx context.Context, job models.Job) error {
	_, err := a.pool.Exec(ctx, upsertJobSQL,
		job.ID,
		job.Filename,
		string(job.Status),
		job.Message,
		job.ErrorDetail,
		job.Options.TargetLanguage,
		job.Options.BurnIn,
		job.TranslationSkipped,
		job.CreatedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive job %s: %v", job.ID, err)
	}
	return nil
}
