package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"netboot-jobqueue/internal/events"
	"netboot-jobqueue/internal/jobs"
	"netboot-jobqueue/internal/models"
	"netboot-jobqueue/internal/store"
	"netboot-jobqueue/internal/telemetry"
)

// Executor runs one claimed job through its registered handler, captures
// logs, and writes the final state. Handler faults of any kind (returned
// errors, panics, timeouts) end here; nothing escapes into the dispatch
// loop.
type Executor struct {
	registry *jobs.Registry
	st       store.Store
	pub      events.Publisher
	backoff  Backoff
	timeout  time.Duration // zero means no timeout
	logger   *slog.Logger
}

// NewExecutor creates an execution engine.
func NewExecutor(registry *jobs.Registry, st store.Store, pub events.Publisher, bo Backoff, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		st:       st,
		pub:      pub,
		backoff:  bo,
		timeout:  timeout,
		logger:   logger,
	}
}

// Execute runs a job that has already been claimed (status running,
// attempts incremented). On success the result is persisted and the job
// completes; on failure it retries with backoff until max_attempts, then
// fails terminally.
func (e *Executor) Execute(ctx context.Context, job models.Job) {
	sink := jobs.NewLogger(job.ID, e.st, e.pub, e.logger)
	// State writes survive shutdown cancellation so a finishing job is
	// recorded rather than left running for crash recovery.
	updCtx := context.WithoutCancel(ctx)

	handler, ok := e.registry.Resolve(job.Type)
	if !ok {
		// Configuration error: retrying cannot conjure a handler.
		sink.Error("%s: %q", jobs.ErrHandlerNotFound, job.Type)
		e.finishFailed(updCtx, job, fmt.Errorf("%w: %q", jobs.ErrHandlerNotFound, job.Type))
		return
	}

	result, err := e.invoke(ctx, handler, job, sink)
	if err == nil {
		updated, markErr := e.st.MarkCompleted(updCtx, job.ID, result)
		if markErr != nil {
			e.logger.Error("mark job completed",
				slog.String("job_id", job.ID),
				slog.String("error", markErr.Error()),
			)
			return
		}
		e.publish(updated)
		telemetry.JobsCompleted.Inc()
		return
	}

	if job.Attempts < job.MaxAttempts {
		nextRun := time.Now().UTC().Add(e.backoff.Delay(job.Attempts))
		updated, retryErr := e.st.ScheduleRetry(updCtx, job.ID, err.Error(), nextRun)
		if retryErr != nil {
			e.logger.Error("schedule retry",
				slog.String("job_id", job.ID),
				slog.String("error", retryErr.Error()),
			)
			return
		}
		e.publish(updated)
		telemetry.JobsRetried.Inc()
		e.logger.Info("job scheduled for retry",
			slog.String("job_id", job.ID),
			slog.String("type", job.Type),
			slog.Int("attempt", job.Attempts),
			slog.Int("max_attempts", job.MaxAttempts),
			slog.Time("next_run_at", nextRun),
		)
		return
	}

	e.finishFailed(updCtx, job, err)
}

// invoke calls the handler with panic isolation and the optional timeout.
// A panic is an UnexpectedFault: logged distinctly, then treated like any
// handler failure so the job is never left stuck in running.
func (e *Executor) invoke(ctx context.Context, handler jobs.Handler, job models.Job, sink *jobs.Logger) (result map[string]any, err error) {
	run := func(ctx context.Context) (res map[string]any, runErr error) {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("unexpected fault: %v", r)
				sink.Error("unexpected fault: %v", r)
				e.logger.Error("handler panicked",
					slog.String("job_id", job.ID),
					slog.String("type", job.Type),
					slog.Any("panic", r),
				)
			}
		}()
		return handler(ctx, job, sink)
	}

	if e.timeout <= 0 {
		return run(ctx)
	}

	jobCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, runErr := run(jobCtx)
		done <- outcome{result: res, err: runErr}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-jobCtx.Done():
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("job timed out after %s", e.timeout)
		}
		return nil, jobCtx.Err()
	}
}

// finishFailed terminally fails the job, retaining the last error message.
func (e *Executor) finishFailed(ctx context.Context, job models.Job, cause error) {
	updated, markErr := e.st.MarkFailed(ctx, job.ID, cause.Error())
	if markErr != nil {
		e.logger.Error("mark job failed",
			slog.String("job_id", job.ID),
			slog.String("error", markErr.Error()),
		)
		return
	}
	e.publish(updated)
	telemetry.JobsFailed.Inc()
	e.logger.Warn("job failed terminally",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.Int("attempts", job.Attempts),
		slog.String("error", cause.Error()),
	)
}

func (e *Executor) publish(job models.Job) {
	if e.pub != nil {
		e.pub.Publish(events.JobEvent(job))
	}
}
