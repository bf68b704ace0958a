package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph/internal/observability"
)

// DefaultEnqueueTimeout bounds how long a producer waits on the backend.
const DefaultEnqueueTimeout = 2 * time.Second

// Client is the producer side of the queue plus the operator calls used by
// the API and CLI.
type Client struct {
	backend Backend
	logger  *zap.Logger
	metrics *observability.Collector
	timeout time.Duration
	now     func() time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithEnqueueTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

func WithClientMetrics(m *observability.Collector) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

func NewClient(backend Backend, logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		backend: backend,
		logger:  logger,
		timeout: DefaultEnqueueTimeout,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Enqueue pushes a job for handler. The call is bounded by the client's
// enqueue timeout regardless of ctx.
func (c *Client) Enqueue(ctx context.Context, handler string, args ...any) (*Job, error) {
	job, err := NewJob(handler, c.now(), args...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err = c.backend.Push(ctx, job)
	c.metrics.RecordEnqueue(handler, err)
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", handler, err)
	}
	c.logger.Debug("job enqueued", zap.String("job_id", job.ID), zap.String("handler", handler))
	return job, nil
}

// Status returns a job by ID.
func (c *Client) Status(ctx context.Context, id string) (*Job, error) {
	job, err := c.backend.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("queue: get job %s: %w", id, err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Cancel cancels a job that is still waiting to run.
func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := c.backend.Cancel(ctx, id)
	if err != nil {
		return false, fmt.Errorf("queue: cancel job %s: %w", id, err)
	}
	if ok {
		c.logger.Info("job canceled", zap.String("job_id", id))
	}
	return ok, nil
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	return c.backend.Stats(ctx)
}

// RequeueStale reschedules jobs that have been started for longer than
// olderThan. Use it after a worker crash when no running worker sweeps
// leases.
func (c *Client) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := c.now()
	n, err := c.backend.RequeueStale(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("queue: requeue stale jobs: %w", err)
	}
	c.logger.Info("requeued stale jobs", zap.Int("count", n), zap.Duration("older_than", olderThan))
	return n, nil
}

// Cleanup removes failed jobs older than maxAge.
func (c *Client) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := c.backend.PurgeFailed(ctx, c.now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("queue: purge failed jobs: %w", err)
	}
	c.logger.Info("purged failed jobs", zap.Int("count", n), zap.Duration("max_age", maxAge))
	return n, nil
}
