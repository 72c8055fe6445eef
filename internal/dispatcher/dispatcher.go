// Package dispatcher owns the job execution loop: it selects runnable
// jobs under priority, backoff, and concurrency-key constraints, claims
// them with a conditional update, and hands them to the execution engine
// without blocking the poll loop.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"netboot-jobqueue/internal/events"
	"netboot-jobqueue/internal/jobs"
	"netboot-jobqueue/internal/models"
	"netboot-jobqueue/internal/store"
	"netboot-jobqueue/internal/telemetry"
)

// Options tunes the dispatch loop.
type Options struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxInFlight    int64
	RecoveryPolicy store.RecoveryPolicy
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 25
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 16
	}
	if o.RecoveryPolicy == "" {
		o.RecoveryPolicy = store.RecoveryRequeue
	}
}

// Dispatcher drives job execution. One loop per process; the claim CAS in
// the store keeps concurrent dispatchers (tests, horizontal scaling) from
// double-running a job.
type Dispatcher struct {
	st     store.Store
	exec   *Executor
	pub    events.Publisher
	opts   Options
	keys   *keyTable
	sem    *semaphore.Weighted
	logger *slog.Logger

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a dispatcher. pub may be nil.
func New(st store.Store, exec *Executor, pub events.Publisher, logger *slog.Logger, opts Options) *Dispatcher {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		st:     st,
		exec:   exec,
		pub:    pub,
		opts:   opts,
		keys:   newKeyTable(),
		sem:    semaphore.NewWeighted(opts.MaxInFlight),
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Wake nudges the loop to poll immediately instead of waiting out the
// current tick. Non-blocking; extra wakes coalesce.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Waker adapts this dispatcher to the enqueue service's wake seam, for
// processes where the producer and the dispatch loop live together.
func (d *Dispatcher) Waker() jobs.Waker { return waker{d} }

type waker struct{ d *Dispatcher }

func (w waker) Wake(context.Context) error {
	w.d.Wake()
	return nil
}

// Run executes the dispatch loop until ctx is cancelled, then waits for
// in-flight jobs to finish. It first reconciles rows left running by a
// previous process so no job is ever stuck.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.recover(ctx); err != nil {
		return err
	}

	d.logger.Info("dispatcher started",
		slog.Duration("poll_interval", d.opts.PollInterval),
		slog.Int("batch_size", d.opts.BatchSize),
		slog.Int64("max_in_flight", d.opts.MaxInFlight),
	)

	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.logger.Info("dispatcher stopped")
			return ctx.Err()
		default:
		}

		if err := d.dispatchBatch(ctx); err != nil {
			// Transient store outage: back off, never crash the loop.
			d.logger.Error("dispatch batch", slog.String("error", err.Error()))
			d.sleep(ctx, 2*d.opts.PollInterval)
			continue
		}

		d.sleep(ctx, d.opts.PollInterval)
	}
}

// recover applies the configured crash-recovery policy once at startup.
func (d *Dispatcher) recover(ctx context.Context) error {
	recovered, err := d.st.RecoverRunning(ctx, d.opts.RecoveryPolicy)
	if err != nil {
		return err
	}
	for _, job := range recovered {
		d.publish(job)
		d.logger.Warn("recovered interrupted job",
			slog.String("job_id", job.ID),
			slog.String("type", job.Type),
			slog.String("status", job.Status),
		)
	}
	return nil
}

// dispatchBatch promotes due scheduled jobs, selects runnable work, and
// claims as much of it as the slot budget allows.
func (d *Dispatcher) dispatchBatch(ctx context.Context) error {
	now := time.Now().UTC()

	if _, err := d.st.PromoteScheduled(ctx, now); err != nil {
		return err
	}

	runnable, err := d.st.SelectRunnable(ctx, now, d.opts.BatchSize)
	if err != nil {
		return err
	}

	for _, job := range runnable {
		if !d.sem.TryAcquire(1) {
			// Global in-flight budget exhausted; the rest waits for the
			// next tick.
			return nil
		}
		if !d.keys.tryReserve(job.ConcurrencyKey, job.KeyLimit()) {
			d.sem.Release(1)
			continue
		}

		claimed, won, err := d.st.ClaimJob(ctx, job.ID, time.Now().UTC())
		if err != nil {
			d.keys.release(job.ConcurrencyKey)
			d.sem.Release(1)
			return err
		}
		if !won {
			// Another dispatcher got there first.
			d.keys.release(job.ConcurrencyKey)
			d.sem.Release(1)
			continue
		}

		d.publish(claimed)
		telemetry.JobsInFlight.Inc()

		d.wg.Add(1)
		go func(j models.Job) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			defer d.keys.release(j.ConcurrencyKey)
			defer telemetry.JobsInFlight.Dec()
			d.exec.Execute(ctx, j)
		}(claimed)
	}
	return nil
}

// sleep waits out the interval, or returns early on a wake or shutdown.
func (d *Dispatcher) sleep(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-d.wake:
	case <-timer.C:
	}
}

func (d *Dispatcher) publish(job models.Job) {
	if d.pub != nil {
		d.pub.Publish(events.JobEvent(job))
	}
}
