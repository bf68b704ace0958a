package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meikuraledutech/casegraph/queue"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T) (*queue.Memory, *queue.Registry, *queue.Client, *queue.Worker, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	backend := queue.NewMemory()
	reg := queue.NewRegistry()
	log := zaptest.NewLogger(t)
	client := queue.NewClient(backend, log, queue.WithClientClock(clk.now))
	worker := queue.NewWorker(backend, reg, log, queue.WorkerOptions{Clock: clk.now})
	return backend, reg, client, worker, clk
}

func TestWorkerDispatchesByName(t *testing.T) {
	ctx := context.Background()
	_, reg, client, worker, _ := setup(t)

	var got []string
	reg.Register("greet", func(ctx context.Context, job *queue.Job) error {
		name, err := job.StringArg(0)
		if err != nil {
			return err
		}
		got = append(got, name)
		job.SetMeta("greeted", name)
		return nil
	})

	job, err := client.Enqueue(ctx, "greet", "case-1")
	require.NoError(t, err)

	n, err := worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"case-1"}, got)

	done, err := client.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFinished, done.Status)
	assert.Equal(t, "case-1", done.Meta["greeted"])
}

func TestWorkerUnknownHandlerFails(t *testing.T) {
	ctx := context.Background()
	_, _, client, worker, _ := setup(t)

	job, err := client.Enqueue(ctx, "missing")
	require.NoError(t, err)
	_, err = worker.Drain(ctx)
	require.NoError(t, err)

	got, err := client.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "no handler")
}

func TestWorkerRetryError(t *testing.T) {
	ctx := context.Background()
	_, reg, client, worker, clk := setup(t)

	var calls int32
	reg.Register("flaky", func(ctx context.Context, job *queue.Job) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return queue.RetryAfter(10*time.Second, errors.New("transient"))
		}
		return nil
	})

	job, err := client.Enqueue(ctx, "flaky")
	require.NoError(t, err)

	n, err := worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "retried job waits for its delay")

	pending, err := client.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusScheduled, pending.Status)
	assert.Equal(t, "transient", pending.Error)

	clk.advance(10 * time.Second)
	n, err = worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done, err := client.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFinished, done.Status)
	assert.Equal(t, 2, done.Attempt)
}

func TestWorkerRecoversPanics(t *testing.T) {
	ctx := context.Background()
	_, reg, client, worker, _ := setup(t)
	reg.Register("boom", func(ctx context.Context, job *queue.Job) error { panic("kaboom") })

	job, err := client.Enqueue(ctx, "boom")
	require.NoError(t, err)
	_, err = worker.Drain(ctx)
	require.NoError(t, err)

	got, err := client.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "kaboom")
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	backend := queue.NewMemory()
	reg := queue.NewRegistry()
	done := make(chan struct{})
	reg.Register("signal", func(ctx context.Context, job *queue.Job) error {
		close(done)
		return nil
	})
	worker := queue.NewWorker(backend, reg, zaptest.NewLogger(t), queue.WorkerOptions{
		Concurrency:  2,
		PollInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- worker.Run(ctx) }()

	client := queue.NewClient(backend, nil)
	_, err := client.Enqueue(ctx, "signal")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not woken by the push")
	}
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// ctxBackend fails outcome writes on a done context, the way a
// database-backed queue does.
type ctxBackend struct{ *queue.Memory }

func (b ctxBackend) Complete(ctx context.Context, id string, meta map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Memory.Complete(ctx, id, meta)
}

func (b ctxBackend) Retry(ctx context.Context, id string, runAt time.Time, errMsg string, meta map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Memory.Retry(ctx, id, runAt, errMsg, meta)
}

func (b ctxBackend) Fail(ctx context.Context, id string, errMsg string, meta map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Memory.Fail(ctx, id, errMsg, meta)
}

func (b ctxBackend) Release(ctx context.Context, id string, meta map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Memory.Release(ctx, id, meta)
}

func TestWorkerShutdownReleasesRunningJob(t *testing.T) {
	backend := ctxBackend{queue.NewMemory()}
	log := zaptest.NewLogger(t)

	running := make(chan struct{})
	reg := queue.NewRegistry()
	reg.Register("slow", func(ctx context.Context, job *queue.Job) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	})
	worker := queue.NewWorker(backend, reg, log, queue.WorkerOptions{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- worker.Run(ctx) }()

	client := queue.NewClient(backend, log)
	job, err := client.Enqueue(context.Background(), "slow")
	require.NoError(t, err)

	select {
	case <-running:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	released, err := client.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, released.Status)
	assert.Equal(t, 0, released.Attempt, "an interrupted delivery is not charged")

	next := queue.NewRegistry()
	next.Register("slow", func(ctx context.Context, job *queue.Job) error { return nil })
	n, err := queue.NewWorker(backend, next, log, queue.WorkerOptions{}).Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	done, err := client.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFinished, done.Status)
	assert.Equal(t, 1, done.Attempt)
}

func TestWorkerSweepRequeuesExpiredLease(t *testing.T) {
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	backend := queue.NewMemory()
	log := zaptest.NewLogger(t)
	client := queue.NewClient(backend, log, queue.WithClientClock(clk.now))

	job, err := client.Enqueue(ctx, "report")
	require.NoError(t, err)
	// A worker claims the job and dies without reporting back.
	_, err = backend.Claim(ctx, clk.now())
	require.NoError(t, err)

	var ran int32
	reg := queue.NewRegistry()
	reg.Register("report", func(ctx context.Context, job *queue.Job) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	worker := queue.NewWorker(backend, reg, log, queue.WorkerOptions{Clock: clk.now, Lease: 30 * time.Minute})

	clk.advance(10 * time.Minute)
	n, err := worker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease has not expired yet")

	clk.advance(25 * time.Minute)
	n, err = worker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	drained, err := worker.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, drained)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))

	done, err := client.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFinished, done.Status)
	assert.Equal(t, 2, done.Attempt)
}

func TestClientRequeueStale(t *testing.T) {
	ctx := context.Background()
	backend, _, client, _, clk := setup(t)

	_, err := client.Enqueue(ctx, "report")
	require.NoError(t, err)
	_, err = backend.Claim(ctx, clk.now())
	require.NoError(t, err)

	clk.advance(2 * time.Hour)
	n, err := client.RequeueStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scheduled)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) queue.Middleware {
		return func(next queue.Handler) queue.Handler {
			return func(ctx context.Context, job *queue.Job) error {
				order = append(order, name)
				return next(ctx, job)
			}
		}
	}
	h := queue.Chain(func(ctx context.Context, job *queue.Job) error {
		order = append(order, "handler")
		return nil
	}, mw("outer"), mw("inner"))

	require.NoError(t, h(context.Background(), &queue.Job{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestClientCleanupAndCancel(t *testing.T) {
	ctx := context.Background()
	_, _, client, _, _ := setup(t)

	job, err := client.Enqueue(ctx, "later")
	require.NoError(t, err)
	ok, err := client.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err := client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Canceled)

	_, err = client.Status(ctx, "unknown")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)

	n, err := client.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}
