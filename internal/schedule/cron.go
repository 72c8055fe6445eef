// Package schedule enqueues recurring system jobs (retention sweeps,
// client inventory refreshes) on cron expressions. Entries go through the
// normal enqueue path with source=schedule, so they are dispatched,
// retried, and observable like any other job.
package schedule

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"netboot-jobqueue/internal/jobs"
	"netboot-jobqueue/internal/models"
)

// Scheduler owns a cron runner that feeds the enqueue service.
type Scheduler struct {
	c      *cron.Cron
	svc    *jobs.Service
	logger *slog.Logger
}

// New creates a stopped scheduler.
func New(svc *jobs.Service, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		c:      cron.New(),
		svc:    svc,
		logger: logger,
	}
}

// Add registers a cron entry that enqueues the given spec on each fire.
// The spec's source is forced to "schedule".
func (s *Scheduler) Add(cronExpr string, spec jobs.Spec) error {
	spec.Source = models.SourceSchedule
	if spec.Payload == nil {
		spec.Payload = map[string]any{}
	}
	_, err := s.c.AddFunc(cronExpr, func() {
		job, err := s.svc.Enqueue(context.Background(), spec)
		if err != nil {
			s.logger.Error("enqueue scheduled job",
				slog.String("type", spec.Type),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.Info("scheduled job enqueued",
			slog.String("type", job.Type),
			slog.String("job_id", job.ID),
		)
	})
	return err
}

// Start begins firing entries. Safe to call once.
func (s *Scheduler) Start() { s.c.Start() }

// Stop halts the cron runner and waits for in-flight entry functions.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}
