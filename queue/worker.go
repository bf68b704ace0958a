package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meikuraledutech/casegraph/internal/observability"
)

// settleTimeout bounds the backend write that records a job's outcome.
// The write runs detached from the worker's context so a shutdown cannot
// strand the job in StatusStarted.
const settleTimeout = 10 * time.Second

// WorkerOptions tune a Worker. Zero values pick the defaults.
type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	Metrics      *observability.Collector
	Clock        func() time.Time

	// Lease is how long a job may stay started before a sweep presumes its
	// worker dead and reschedules it. Zero disables the sweep. Set it well
	// above the slowest handler, or live jobs get delivered twice.
	Lease time.Duration

	// SweepInterval is how often Run checks for expired leases.
	SweepInterval time.Duration
}

// Worker claims jobs from a Backend and dispatches them through a Registry.
// Workers hold no state between jobs, so any number of them may run against
// the same backend.
type Worker struct {
	backend  Backend
	registry *Registry
	logger   *zap.Logger
	metrics  *observability.Collector

	concurrency   int
	pollInterval  time.Duration
	lease         time.Duration
	sweepInterval time.Duration
	now           func() time.Time
}

func NewWorker(backend Backend, registry *Registry, logger *zap.Logger, opts WorkerOptions) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		backend:      backend,
		registry:     registry,
		logger:       logger,
		metrics:      opts.Metrics,
		concurrency:   opts.Concurrency,
		pollInterval:  opts.PollInterval,
		lease:         opts.Lease,
		sweepInterval: opts.SweepInterval,
		now:           opts.Clock,
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if w.sweepInterval <= 0 {
		w.sweepInterval = time.Minute
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Run processes jobs until ctx is canceled. It returns nil on a clean
// shutdown and the first backend error otherwise. Handlers still running at
// shutdown see ctx canceled; their jobs go back to the queue with the
// attempt refunded.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		zap.Int("concurrency", w.concurrency),
		zap.Strings("handlers", w.registry.Names()),
		zap.Duration("lease", w.lease),
	)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	if w.lease > 0 {
		g.Go(func() error { return w.sweepLoop(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	w.logger.Info("worker stopped", zap.Error(err))
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	var wake <-chan struct{}
	if n, ok := w.backend.(Notifier); ok {
		wake = n.Notify()
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		ran, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if ran {
			continue
		}
		timer.Reset(w.pollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-timer.C:
		}
	}
}

func (w *Worker) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("lease sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep reschedules jobs started longer than the lease ago. It is a no-op
// when no lease is configured.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	if w.lease <= 0 {
		return 0, nil
	}
	now := w.now()
	n, err := w.backend.RequeueStale(ctx, now.Add(-w.lease), now)
	if err != nil {
		return 0, fmt.Errorf("queue: requeue stale: %w", err)
	}
	if n > 0 {
		w.logger.Warn("requeued jobs with expired lease", zap.Int("count", n), zap.Duration("lease", w.lease))
	}
	return n, nil
}

// RunOnce claims and processes at most one ready job. It reports whether a
// job was processed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	job, err := w.backend.Claim(ctx, w.now())
	if err != nil {
		return false, fmt.Errorf("queue: claim: %w", err)
	}
	if job == nil {
		return false, nil
	}
	job.Bind(w.backend)
	w.process(ctx, job)
	return true, nil
}

// Drain processes ready jobs until none remain. Jobs scheduled in the
// future by a retry are left alone.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		ran, err := w.RunOnce(ctx)
		if err != nil || !ran {
			return n, err
		}
		n++
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("handler", job.Handler),
		zap.Int("attempt", job.Attempt),
	)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	h, ok := w.registry.Lookup(job.Handler)
	if !ok {
		log.Error("no handler for job")
		w.settle(log, job, "unknown", w.backend.Fail(sctx, job.ID, ErrUnknownHandler.Error(), job.Meta))
		return
	}

	err := safeCall(ctx, h, job)

	var retry *RetryError
	switch {
	case err == nil:
		w.settle(log, job, "finished", w.backend.Complete(sctx, job.ID, job.Meta))
	case ctx.Err() != nil:
		log.Warn("job interrupted by shutdown, releasing", zap.Error(err))
		w.settle(log, job, "released", w.backend.Release(sctx, job.ID, job.Meta))
	case errors.As(err, &retry):
		runAt := w.now().Add(retry.Delay)
		msg := "retry requested"
		if retry.Err != nil {
			msg = retry.Err.Error()
		}
		log.Warn("job will be retried", zap.Duration("delay", retry.Delay), zap.String("error", msg))
		w.settle(log, job, "retried", w.backend.Retry(sctx, job.ID, runAt, msg, job.Meta))
	default:
		log.Error("job failed", zap.Error(err))
		w.settle(log, job, "failed", w.backend.Fail(sctx, job.ID, err.Error(), job.Meta))
	}
}

func (w *Worker) settle(log *zap.Logger, job *Job, outcome string, err error) {
	w.metrics.RecordJob(job.Handler, outcome)
	if err != nil {
		log.Error("record job outcome", zap.String("outcome", outcome), zap.Error(err))
	}
}

func safeCall(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler %s panicked: %v\n%s", job.Handler, r, debug.Stack())
		}
	}()
	return h(ctx, job)
}
