package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Log line severities.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Job sources describing what triggered the enqueue.
const (
	SourceAPI      = "api"
	SourceSystem   = "system"
	SourceSchedule = "schedule"
)

// DefaultConcurrencyLimit caps running jobs per concurrency key unless the
// job overrides it.
const DefaultConcurrencyLimit = 1

// Job is a durable unit of asynchronous work. Rows are created by the
// enqueue service and mutated only by the dispatcher and execution engine.
type Job struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Category         string         `json:"category"`
	Status           string         `json:"status"`
	Priority         int            `json:"priority"`
	Payload          map[string]any `json:"payload"`
	Result           map[string]any `json:"result,omitempty"`
	Error            *string        `json:"error,omitempty"`
	Message          string         `json:"message,omitempty"`
	Source           string         `json:"source"`
	CreatedBy        *string        `json:"created_by,omitempty"`
	TargetType       *string        `json:"target_type,omitempty"`
	TargetID         *string        `json:"target_id,omitempty"`
	Attempts         int            `json:"attempts"`
	MaxAttempts      int            `json:"max_attempts"`
	ConcurrencyKey   *string        `json:"concurrency_key,omitempty"`
	ConcurrencyLimit *int           `json:"concurrency_limit,omitempty"`
	NextRunAt        time.Time      `json:"next_run_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the job can never be dispatched again.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// KeyLimit returns the effective per-key running cap for the job.
func (j Job) KeyLimit() int {
	if j.ConcurrencyLimit != nil && *j.ConcurrencyLimit > 0 {
		return *j.ConcurrencyLimit
	}
	return DefaultConcurrencyLimit
}

// JobLog is a single append-only log line owned by one job.
type JobLog struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"job_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidLevel reports whether lvl is one of the persisted log severities.
func ValidLevel(lvl string) bool {
	switch lvl {
	case LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}
