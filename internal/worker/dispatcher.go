package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"commerce-outbox/internal/models"
	"commerce-outbox/internal/retry"
	"commerce-outbox/internal/telemetry"
)

// JobStore is the slice of the persistence layer the dispatcher drives.
type JobStore interface {
	LeaseBatch(ctx context.Context, limit int, leaseDuration time.Duration, owner string) ([]models.Job, error)
	Complete(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string, nextRun time.Time, lastError string) error
	DeadLetter(ctx context.Context, id string, lastError string) error
	MarkFailed(ctx context.Context, id string, lastError string) error
	ReapExpiredLeases(ctx context.Context) (int, error)
	CountDue(ctx context.Context) (int64, error)
}

// DispatcherConfig tunes the worker loop.
type DispatcherConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	LeaseDuration time.Duration
	Concurrency   int
	WorkerID      string
}

// Dispatcher leases due jobs and executes them through the handler
// registry with bounded concurrency. Multiple dispatcher processes can run
// against the same store; leasing keeps them from colliding.
type Dispatcher struct {
	store    JobStore
	registry *Registry
	policy   retry.Policy
	cfg      DispatcherConfig
	log      *logrus.Entry

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewDispatcher builds a dispatcher.
func NewDispatcher(store JobStore, registry *Registry, policy retry.Policy, cfg DispatcherConfig, log *logrus.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		policy:   policy,
		cfg:      cfg,
		log:      log.WithField("component", "dispatcher").WithField("worker_id", cfg.WorkerID),
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
	}
}

// Run drives the poll loop until ctx is cancelled, then waits for in-flight
// jobs to finish. A job interrupted mid-flight is re-leased by the reaper
// after its lease expires, so nothing is silently dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.log.WithFields(logrus.Fields{
		"poll_interval": d.cfg.PollInterval.String(),
		"concurrency":   d.cfg.Concurrency,
		"batch_size":    d.cfg.BatchSize,
	}).Info("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping, waiting for in-flight jobs")
			d.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
		d.tick(ctx)
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if reaped, err := d.store.ReapExpiredLeases(ctx); err != nil {
		d.log.WithError(err).Warn("lease reaping failed")
	} else if reaped > 0 {
		telemetry.LeasesReaped.Add(float64(reaped))
		d.log.WithField("count", reaped).Info("reclaimed expired leases")
	}

	if due, err := d.store.CountDue(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(due))
	}

	jobs, err := d.store.LeaseBatch(ctx, d.cfg.BatchSize, d.cfg.LeaseDuration, d.cfg.WorkerID)
	if err != nil {
		d.log.WithError(err).Warn("lease batch failed")
		return
	}

	for _, job := range jobs {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			// Shutdown mid-batch: leave the remaining leases to expire
			// and be reaped.
			return
		}
		d.wg.Add(1)
		go func(job models.Job) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.execute(ctx, job)
		}(job)
	}
}

func (d *Dispatcher) execute(ctx context.Context, job models.Job) {
	// The handler must not outlive its lease, or a second worker could
	// execute the same job concurrently after reaping.
	jobCtx, cancel := context.WithTimeout(ctx, d.cfg.LeaseDuration)
	defer cancel()

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := d.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": string(job.Type),
		"merchant": job.MerchantID,
		"attempt":  job.Attempts + 1,
	})

	started := time.Now()
	out := d.runHandler(jobCtx, job)
	telemetry.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(started).Seconds())

	// Store transitions run on the parent context so a finished job is
	// recorded even when its own deadline has just expired.
	switch out.Kind {
	case models.ErrorKindNone:
		if err := d.store.Complete(ctx, job.ID); err != nil {
			log.WithError(err).Error("complete transition failed")
			return
		}
		telemetry.JobsProcessed.WithLabelValues(string(job.Type), "success").Inc()
		log.Debug("job completed")

	case models.ErrorKindPermanent:
		if err := d.store.MarkFailed(ctx, job.ID, out.ErrorText()); err != nil {
			log.WithError(err).Error("fail transition failed")
			return
		}
		telemetry.JobsProcessed.WithLabelValues(string(job.Type), "failed").Inc()
		log.WithError(out.Err).Warn("job failed permanently")

	default:
		d.applyRetry(ctx, job, out, log)
	}
}

func (d *Dispatcher) runHandler(ctx context.Context, job models.Job) models.Outcome {
	handler, ok := d.registry.Resolve(job.Type)
	if !ok {
		return models.Permanent(fmt.Errorf("no handler registered for job type %q", job.Type))
	}
	return handler.Execute(ctx, job)
}

func (d *Dispatcher) applyRetry(ctx context.Context, job models.Job, out models.Outcome, log *logrus.Entry) {
	decision := d.policy.Decide(job.Attempts, job.MaxAttempts, job.CreatedAt, out)
	switch decision.Action {
	case retry.ActionRetry:
		nextRun := time.Now().UTC().Add(decision.Delay)
		if err := d.store.Reschedule(ctx, job.ID, nextRun, out.ErrorText()); err != nil {
			log.WithError(err).Error("reschedule transition failed")
			return
		}
		telemetry.JobsProcessed.WithLabelValues(string(job.Type), "retry").Inc()
		log.WithError(out.Err).WithFields(logrus.Fields{
			"kind":     out.Kind.String(),
			"next_run": nextRun.Format(time.RFC3339),
		}).Info("job rescheduled")

	case retry.ActionDeadLetter:
		if err := d.store.DeadLetter(ctx, job.ID, out.ErrorText()); err != nil {
			log.WithError(err).Error("dead-letter transition failed")
			return
		}
		telemetry.JobsProcessed.WithLabelValues(string(job.Type), "dead_letter").Inc()
		telemetry.DeadLetterTotal.Inc()
		log.WithError(out.Err).Error("job dead-lettered")

	default:
		if err := d.store.MarkFailed(ctx, job.ID, out.ErrorText()); err != nil {
			log.WithError(err).Error("fail transition failed")
			return
		}
		telemetry.JobsProcessed.WithLabelValues(string(job.Type), "failed").Inc()
		log.WithError(out.Err).Warn("job failed")
	}
}
