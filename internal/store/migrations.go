package store

import (
	"context"
	"fmt"
)

// Schema statements applied in order on startup. Kept in-source so a single
// binary can bootstrap an empty database.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id                TEXT PRIMARY KEY,
		type              TEXT NOT NULL,
		category          TEXT NOT NULL,
		status            TEXT NOT NULL,
		priority          INT NOT NULL DEFAULT 0,
		payload           JSONB NOT NULL DEFAULT '{}'::jsonb,
		result            JSONB,
		error             TEXT,
		message           TEXT NOT NULL DEFAULT '',
		source            TEXT NOT NULL DEFAULT 'system',
		created_by        TEXT,
		target_type       TEXT,
		target_id         TEXT,
		attempts          INT NOT NULL DEFAULT 0,
		max_attempts      INT NOT NULL DEFAULT 3,
		concurrency_key   TEXT,
		concurrency_limit INT,
		next_run_at       TIMESTAMPTZ NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL,
		started_at        TIMESTAMPTZ,
		completed_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_runnable
		ON jobs (status, next_run_at, priority DESC, created_at ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_concurrency_key
		ON jobs (concurrency_key) WHERE concurrency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_target
		ON jobs (target_type, target_id)`,
	`CREATE TABLE IF NOT EXISTS job_logs (
		id         BIGSERIAL PRIMARY KEY,
		job_id     TEXT NOT NULL REFERENCES jobs(id),
		level      TEXT NOT NULL,
		message    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_logs_job_id ON job_logs (job_id, id)`,
}

// RunMigrations executes the schema statements in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}
