package task

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph/internal/observability"
	"github.com/meikuraledutech/casegraph/queue"
)

// Monitor records progress metadata on the job and traces each attempt.
type Monitor struct {
	logger  *zap.Logger
	metrics *observability.Collector
	tracer  trace.Tracer
	now     func() time.Time
}

func NewMonitor(logger *zap.Logger, metrics *observability.Collector) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer(observability.TracerName),
		now:     time.Now,
	}
}

// Middleware returns the monitoring queue.Middleware.
func (m *Monitor) Middleware() queue.Middleware {
	return func(next queue.Handler) queue.Handler {
		return func(ctx context.Context, job *queue.Job) error {
			ctx, span := m.tracer.Start(ctx, "task."+job.Handler,
				trace.WithAttributes(
					attribute.String("job.id", job.ID),
					attribute.String("job.handler", job.Handler),
					attribute.Int("job.attempt", job.Attempt),
				),
			)
			defer span.End()

			log := m.logger.With(zap.String("job_id", job.ID), zap.String("handler", job.Handler))
			start := m.now()
			job.SetMeta(MetaStatus, StatusRunning)
			job.SetMeta(MetaStartedAt, start.UTC().Format(time.RFC3339Nano))
			job.SetMeta(MetaFunctionName, job.Handler)
			m.save(ctx, log, job)
			log.Info("task started", zap.Int("attempt", job.Attempt))

			err := next(ctx, job)
			elapsed := m.now().Sub(start)
			if err == nil {
				job.SetMeta(MetaStatus, StatusCompleted)
				job.SetMeta(MetaCompletedAt, m.now().UTC().Format(time.RFC3339Nano))
				m.save(ctx, log, job)
				m.metrics.RecordTask(job.Handler, StatusCompleted, elapsed)
				span.SetStatus(codes.Ok, "")
				log.Info("task completed", zap.Duration("elapsed", elapsed))
				return nil
			}

			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if ctx.Err() != nil {
				// The worker persists Meta when it releases the job.
				job.SetMeta(MetaStatus, StatusInterrupted)
				m.metrics.RecordTask(job.Handler, StatusInterrupted, elapsed)
				log.Warn("task interrupted", zap.Duration("elapsed", elapsed), zap.Error(err))
				return err
			}
			var retry *queue.RetryError
			if errors.As(err, &retry) {
				job.SetMeta(MetaStatus, StatusRetrying)
				m.save(ctx, log, job)
				m.metrics.RecordTask(job.Handler, StatusRetrying, elapsed)
				return err
			}
			job.SetMeta(MetaStatus, StatusFailed)
			job.SetMeta(MetaError, err.Error())
			m.save(ctx, log, job)
			m.metrics.RecordTask(job.Handler, StatusFailed, elapsed)
			log.Error("task failed", zap.Duration("elapsed", elapsed), zap.Error(err))
			return err
		}
	}
}

func (m *Monitor) save(ctx context.Context, log *zap.Logger, job *queue.Job) {
	if err := job.SaveMeta(ctx); err != nil {
		log.Warn("save job meta", zap.Error(err))
	}
}
