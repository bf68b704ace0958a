package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph/internal/observability"
	"github.com/meikuraledutech/casegraph/queue"
)

// hookTimeout bounds the exhaustion hook, which runs detached from the
// job's context.
const hookTimeout = 10 * time.Second

type retrier struct {
	policy    Policy
	logger    *zap.Logger
	metrics   *observability.Collector
	exhausted ExhaustedFunc
}

// RetryOption configures the retry middleware.
type RetryOption func(*retrier)

func WithRetryLogger(l *zap.Logger) RetryOption {
	return func(r *retrier) { r.logger = l }
}

func WithRetryMetrics(m *observability.Collector) RetryOption {
	return func(r *retrier) { r.metrics = m }
}

// OnExhausted registers fn to run when a job fails for the last time.
func OnExhausted(fn ExhaustedFunc) RetryOption {
	return func(r *retrier) { r.exhausted = fn }
}

// Retry returns middleware that turns handler errors into delayed
// redeliveries until p.MaxRetries retries have been spent. Errors marked
// Permanent fail immediately. A handler therefore runs at most
// p.MaxRetries+1 times per job.
//
// An error returned after ctx was canceled is passed through untouched:
// the worker is shutting down and hands the job back without charging
// a retry.
func Retry(p Policy, opts ...RetryOption) queue.Middleware {
	r := &retrier{policy: p, logger: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return func(next queue.Handler) queue.Handler {
		return func(ctx context.Context, job *queue.Job) error {
			err := next(ctx, job)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				r.logger.Info("task interrupted, no retry charged",
					zap.String("job_id", job.ID),
					zap.String("handler", job.Handler),
					zap.Error(err),
				)
				return err
			}

			retries := job.Attempt - 1
			if retries < 0 {
				retries = 0
			}
			log := r.logger.With(zap.String("job_id", job.ID), zap.String("handler", job.Handler))

			if !IsPermanent(err) && retries < r.policy.MaxRetries {
				delay := r.policy.Delay(retries)
				job.SetMeta(MetaRetryCount, retries+1)
				job.SetMeta(MetaLastError, err.Error())
				if serr := job.SaveMeta(ctx); serr != nil {
					log.Warn("save job meta", zap.Error(serr))
				}
				r.metrics.RecordRetry(job.Handler)
				log.Warn("task failed, retrying",
					zap.Int("retry", retries+1),
					zap.Int("max_retries", r.policy.MaxRetries),
					zap.Duration("delay", delay),
					zap.Error(err),
				)
				return queue.RetryAfter(delay, err)
			}

			job.SetMeta(MetaLastError, err.Error())
			log.Error("task failed for good",
				zap.Int("attempts", job.Attempt),
				zap.Bool("permanent", IsPermanent(err)),
				zap.Error(err),
			)
			if r.exhausted != nil {
				hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hookTimeout)
				r.exhausted(hctx, job, job.Attempt, err)
				cancel()
			}
			return err
		}
	}
}

// WithMonitoringAndRetry returns the standard middleware stack for a
// handler: monitoring outermost so it sees the outcome the retry layer
// decided on.
func WithMonitoringAndRetry(m *Monitor, p Policy, opts ...RetryOption) []queue.Middleware {
	return []queue.Middleware{m.Middleware(), Retry(p, opts...)}
}
