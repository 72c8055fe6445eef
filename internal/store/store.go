// Package store persists jobs and their log lines. The database is the
// single source of truth for job status; the dispatcher and execution
// engine mutate rows exclusively through the conditional primitives below.
package store

import (
	"context"
	"errors"
	"time"

	"netboot-jobqueue/internal/models"
)

// ErrNotFound is returned when a job id has no row.
var ErrNotFound = errors.New("job not found")

// RecoveryPolicy controls what happens to rows left running after a crash.
type RecoveryPolicy string

const (
	// RecoveryRequeue puts interrupted jobs back in the queue for another run.
	RecoveryRequeue RecoveryPolicy = "requeue"
	// RecoveryFail marks interrupted jobs failed without another run.
	RecoveryFail RecoveryPolicy = "fail"
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Type             string
	Category         string
	Message          string
	Source           string
	CreatedBy        *string
	TargetType       *string
	TargetID         *string
	Payload          map[string]any
	Priority         int
	MaxAttempts      int
	ConcurrencyKey   *string
	ConcurrencyLimit *int
	NextRunAt        time.Time
}

// ListFilter narrows ListJobs results. Zero values match everything.
type ListFilter struct {
	Status   string
	Category string
	Type     string
	Source   string
	TargetID string
	Limit    int
}

// Store is implemented by the Postgres store and the in-memory store used
// in tests.
type Store interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f ListFilter) ([]models.Job, error)

	// PromoteScheduled flips pending rows whose next_run_at has passed to
	// queued. Returns how many rows were promoted.
	PromoteScheduled(ctx context.Context, now time.Time) (int, error)

	// SelectRunnable returns queued jobs due at now, ordered by priority
	// desc then created_at asc, excluding jobs whose concurrency key is
	// already at its running cap.
	SelectRunnable(ctx context.Context, now time.Time, limit int) ([]models.Job, error)

	// ClaimJob conditionally transitions queued/pending -> running,
	// incrementing attempts and setting started_at. The second return is
	// false when another dispatcher won the row first.
	ClaimJob(ctx context.Context, id string, now time.Time) (models.Job, bool, error)

	MarkCompleted(ctx context.Context, id string, result map[string]any) (models.Job, error)
	MarkFailed(ctx context.Context, id string, errMsg string) (models.Job, error)

	// ScheduleRetry transitions running -> queued with a future next_run_at.
	ScheduleRetry(ctx context.Context, id string, errMsg string, nextRunAt time.Time) (models.Job, error)

	AppendLog(ctx context.Context, jobID, level, message string) (models.JobLog, error)
	ListLogs(ctx context.Context, jobID string, limit int) ([]models.JobLog, error)

	// RecoverRunning applies the crash-recovery policy to every row left
	// running by a previous process and returns the affected jobs.
	RecoverRunning(ctx context.Context, policy RecoveryPolicy) ([]models.Job, error)
}
