package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"netboot-jobqueue/internal/models"
)

// Postgres wraps pgxpool for durable job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, type, category, status, priority, payload, result, error, message, source,
	created_by, target_type, target_id, attempts, max_attempts, concurrency_key, concurrency_limit,
	next_run_at, created_at, updated_at, started_at, completed_at`

// CreateJob inserts a job row and returns it.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	now := time.Now().UTC()
	runAt := p.NextRunAt
	if runAt.IsZero() {
		runAt = now
	}
	status := models.StatusQueued
	if runAt.After(now) {
		status = models.StatusPending
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, category, status, priority, payload, message, source,
			created_by, target_type, target_id, attempts, max_attempts,
			concurrency_key, concurrency_limit, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $13, $14, $15, $16, $16)
	`, id, p.Type, p.Category, status, p.Priority, payloadJSON, p.Message, p.Source,
		p.CreatedBy, p.TargetType, p.TargetID, p.MaxAttempts,
		p.ConcurrencyKey, p.ConcurrencyLimit, runAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:               id,
		Type:             p.Type,
		Category:         p.Category,
		Status:           status,
		Priority:         p.Priority,
		Payload:          p.Payload,
		Message:          p.Message,
		Source:           p.Source,
		CreatedBy:        p.CreatedBy,
		TargetType:       p.TargetType,
		TargetID:         p.TargetID,
		MaxAttempts:      p.MaxAttempts,
		ConcurrencyKey:   p.ConcurrencyKey,
		ConcurrencyLimit: p.ConcurrencyLimit,
		NextRunAt:        runAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// ListJobs returns jobs matching the filter, most recent first.
func (s *Postgres) ListJobs(ctx context.Context, f ListFilter) ([]models.Job, error) {
	var (
		conds []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, col+" = $"+strconv.Itoa(len(args)))
	}
	add("status", f.Status)
	add("category", f.Category)
	add("type", f.Type)
	add("source", f.Source)
	add("target_id", f.TargetID)

	q := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	q += " LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// PromoteScheduled flips due pending rows to queued.
func (s *Postgres) PromoteScheduled(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2
		WHERE status = $3 AND next_run_at <= $2
	`, models.StatusQueued, now.UTC(), models.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SelectRunnable returns due queued jobs ordered by priority desc, FIFO
// within a priority, skipping jobs whose concurrency key is saturated.
func (s *Postgres) SelectRunnable(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.status = $1 AND j.next_run_at <= $2
		  AND (j.concurrency_key IS NULL OR (
			SELECT COUNT(*) FROM jobs r
			WHERE r.status = $3 AND r.concurrency_key = j.concurrency_key
		  ) < COALESCE(j.concurrency_limit, 1))
		ORDER BY j.priority DESC, j.created_at ASC
		LIMIT $4
	`, models.StatusQueued, now.UTC(), models.StatusRunning, limit)
	if err != nil {
		return nil, fmt.Errorf("select runnable: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ClaimJob transitions queued/pending -> running. The conditional WHERE makes
// the claim exclusive: at most one dispatcher wins the row.
func (s *Postgres) ClaimJob(ctx context.Context, id string, now time.Time) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempts = attempts + 1, started_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)
		RETURNING `+jobColumns,
		id, models.StatusRunning, now.UTC(), models.StatusQueued, models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// MarkCompleted finishes a running job with its result.
func (s *Postgres) MarkCompleted(ctx context.Context, id string, result map[string]any) (models.Job, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal result: %w", err)
	}
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, result = $3, error = NULL, completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5
		RETURNING `+jobColumns,
		id, models.StatusCompleted, resultJSON, now, models.StatusRunning)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// MarkFailed terminally fails a running job.
func (s *Postgres) MarkFailed(ctx context.Context, id string, errMsg string) (models.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, error = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5
		RETURNING `+jobColumns,
		id, models.StatusFailed, errMsg, now, models.StatusRunning)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// ScheduleRetry puts a running job back in the queue with a backoff delay.
func (s *Postgres) ScheduleRetry(ctx context.Context, id string, errMsg string, nextRunAt time.Time) (models.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $2, error = $3, next_run_at = $4, started_at = NULL, updated_at = $5
		WHERE id = $1 AND status = $6
		RETURNING `+jobColumns,
		id, models.StatusQueued, errMsg, nextRunAt.UTC(), now, models.StatusRunning)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// AppendLog adds a log line for a job.
func (s *Postgres) AppendLog(ctx context.Context, jobID, level, message string) (models.JobLog, error) {
	now := time.Now().UTC()
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO job_logs (job_id, level, message, created_at)
		VALUES ($1, $2, $3, $4) RETURNING id
	`, jobID, level, message, now).Scan(&id)
	if err != nil {
		return models.JobLog{}, fmt.Errorf("append log: %w", err)
	}
	return models.JobLog{ID: id, JobID: jobID, Level: level, Message: message, CreatedAt: now}, nil
}

// ListLogs returns a job's log lines in write order.
func (s *Postgres) ListLogs(ctx context.Context, jobID string, limit int) ([]models.JobLog, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, level, message, created_at FROM job_logs
		WHERE job_id = $1 ORDER BY id ASC LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var logs []models.JobLog
	for rows.Next() {
		var l models.JobLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.Level, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// RecoverRunning applies the crash-recovery policy to rows a dead process
// left running, so no job is ever stuck in that state.
func (s *Postgres) RecoverRunning(ctx context.Context, policy RecoveryPolicy) ([]models.Job, error) {
	now := time.Now().UTC()
	var rows pgx.Rows
	var err error
	switch policy {
	case RecoveryFail:
		rows, err = s.pool.Query(ctx, `
			UPDATE jobs SET status = $1, error = $2, completed_at = $3, updated_at = $3
			WHERE status = $4
			RETURNING `+jobColumns,
			models.StatusFailed, "interrupted by process restart", now, models.StatusRunning)
	case RecoveryRequeue, "":
		rows, err = s.pool.Query(ctx, `
			UPDATE jobs SET status = $1, started_at = NULL, next_run_at = $2, updated_at = $2
			WHERE status = $3
			RETURNING `+jobColumns,
			models.StatusQueued, now, models.StatusRunning)
	default:
		return nil, fmt.Errorf("unknown recovery policy %q", policy)
	}
	if err != nil {
		return nil, fmt.Errorf("recover running: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job           models.Job
		payloadJSON   []byte
		resultJSON    []byte
		errText       pgtype.Text
		createdBy     pgtype.Text
		targetType    pgtype.Text
		targetID      pgtype.Text
		concKey       pgtype.Text
		concLimit     pgtype.Int4
		startedAt     pgtype.Timestamptz
		completedAt   pgtype.Timestamptz
	)
	if err := row.Scan(
		&job.ID, &job.Type, &job.Category, &job.Status, &job.Priority,
		&payloadJSON, &resultJSON, &errText, &job.Message, &job.Source,
		&createdBy, &targetType, &targetID, &job.Attempts, &job.MaxAttempts,
		&concKey, &concLimit, &job.NextRunAt, &job.CreatedAt, &job.UpdatedAt,
		&startedAt, &completedAt,
	); err != nil {
		return models.Job{}, err
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.Error = textPtr(errText)
	job.CreatedBy = textPtr(createdBy)
	job.TargetType = textPtr(targetType)
	job.TargetID = textPtr(targetID)
	job.ConcurrencyKey = textPtr(concKey)
	if concLimit.Valid {
		v := int(concLimit.Int32)
		job.ConcurrencyLimit = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func scanJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
