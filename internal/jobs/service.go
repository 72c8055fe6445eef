package jobs

import (
	"context"
	"fmt"
	"time"

	"netboot-jobqueue/internal/events"
	"netboot-jobqueue/internal/models"
	"netboot-jobqueue/internal/store"
)

// Waker nudges the dispatcher so a fresh job is picked up before the next
// poll tick. Best-effort; a missed wake only costs one poll interval.
type Waker interface {
	Wake(ctx context.Context) error
}

// Spec is the input to Enqueue.
type Spec struct {
	Type             string         `json:"type"`
	Category         string         `json:"category"`
	Message          string         `json:"message"`
	Source           string         `json:"source"`
	CreatedBy        *string        `json:"created_by"`
	Payload          map[string]any `json:"payload"`
	TargetType       *string        `json:"target_type"`
	TargetID         *string        `json:"target_id"`
	Priority         int            `json:"priority"`
	MaxAttempts      int            `json:"max_attempts"`
	ConcurrencyKey   *string        `json:"concurrency_key"`
	ConcurrencyLimit *int           `json:"concurrency_limit"`
	DelaySeconds     int            `json:"delay_seconds"`
	NextRunAt        *time.Time     `json:"next_run_at"`
}

// Service is the only write path into the job store from outside the
// engine: validate, persist, announce, return. It never blocks on
// execution.
type Service struct {
	st          store.Store
	pub         events.Publisher
	waker       Waker
	maxAttempts int
}

// NewService builds the enqueue service. pub and waker may be nil.
func NewService(st store.Store, pub events.Publisher, waker Waker, defaultMaxAttempts int) *Service {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &Service{st: st, pub: pub, waker: waker, maxAttempts: defaultMaxAttempts}
}

// Enqueue validates the spec, persists the job, and returns it immediately
// with status queued (or pending when scheduled in the future).
func (s *Service) Enqueue(ctx context.Context, spec Spec) (models.Job, error) {
	if spec.Type == "" {
		return models.Job{}, &ValidationError{Field: "type", Reason: "is required"}
	}
	if spec.Category == "" {
		return models.Job{}, &ValidationError{Field: "category", Reason: "is required"}
	}
	if spec.Payload == nil {
		return models.Job{}, &ValidationError{Field: "payload", Reason: "is required (may be an empty object)"}
	}
	if spec.ConcurrencyLimit != nil && *spec.ConcurrencyLimit < 1 {
		return models.Job{}, &ValidationError{Field: "concurrency_limit", Reason: "must be >= 1"}
	}
	if spec.DelaySeconds < 0 {
		return models.Job{}, &ValidationError{Field: "delay_seconds", Reason: "must be >= 0"}
	}

	runAt := time.Now().UTC()
	if spec.NextRunAt != nil {
		runAt = spec.NextRunAt.UTC()
	}
	if spec.DelaySeconds > 0 {
		runAt = time.Now().UTC().Add(time.Duration(spec.DelaySeconds) * time.Second)
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	job, err := s.st.CreateJob(ctx, store.CreateJobParams{
		Type:             spec.Type,
		Category:         spec.Category,
		Message:          spec.Message,
		Source:           NormalizeSource(spec.Source, spec.CreatedBy),
		CreatedBy:        spec.CreatedBy,
		TargetType:       spec.TargetType,
		TargetID:         spec.TargetID,
		Payload:          spec.Payload,
		Priority:         spec.Priority,
		MaxAttempts:      maxAttempts,
		ConcurrencyKey:   spec.ConcurrencyKey,
		ConcurrencyLimit: spec.ConcurrencyLimit,
		NextRunAt:        runAt,
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}

	if s.pub != nil {
		s.pub.Publish(events.JobEvent(job))
	}
	if s.waker != nil {
		// Best-effort: the dispatcher polls anyway.
		_ = s.waker.Wake(ctx)
	}
	return job, nil
}

// NormalizeSource maps the acting principal to a provenance tag. An
// explicit override passes through untouched; otherwise an authenticated
// caller is "api" and everything else is "system". Pure function.
func NormalizeSource(override string, createdBy *string) string {
	if override != "" {
		return override
	}
	if createdBy != nil && *createdBy != "" {
		return models.SourceAPI
	}
	return models.SourceSystem
}
