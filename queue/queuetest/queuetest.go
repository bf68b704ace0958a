// Package queuetest is a conformance suite for queue.Backend
// implementations.
package queuetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/casegraph/queue"
)

// Factory returns an empty backend.
type Factory func(t *testing.T) queue.Backend

// Run executes the suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("ClaimIsFIFO", func(t *testing.T) { testClaimFIFO(t, newBackend(t)) })
	t.Run("ClaimEmpty", func(t *testing.T) { testClaimEmpty(t, newBackend(t)) })
	t.Run("RetryDelaysRedelivery", func(t *testing.T) { testRetry(t, newBackend(t)) })
	t.Run("CompleteAndFail", func(t *testing.T) { testCompleteFail(t, newBackend(t)) })
	t.Run("CancelOnlyPending", func(t *testing.T) { testCancel(t, newBackend(t)) })
	t.Run("SaveMeta", func(t *testing.T) { testSaveMeta(t, newBackend(t)) })
	t.Run("PurgeFailed", func(t *testing.T) { testPurge(t, newBackend(t)) })
	t.Run("ReleaseRefundsAttempt", func(t *testing.T) { testRelease(t, newBackend(t)) })
	t.Run("RequeueStale", func(t *testing.T) { testRequeueStale(t, newBackend(t)) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func push(t *testing.T, b queue.Backend, handler string, at time.Time, args ...any) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(handler, at, args...)
	require.NoError(t, err)
	require.NoError(t, b.Push(context.Background(), job))
	return job
}

func testClaimFIFO(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	first := push(t, b, "h", base, "a")
	second := push(t, b, "h", base.Add(time.Millisecond), "b")

	got, err := b.Claim(ctx, base.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, queue.StatusStarted, got.Status)
	assert.Equal(t, 1, got.Attempt)
	arg, err := got.StringArg(0)
	require.NoError(t, err)
	assert.Equal(t, "a", arg)

	got, err = b.Claim(ctx, base.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second.ID, got.ID)
}

func testClaimEmpty(t *testing.T, b queue.Backend) {
	got, err := b.Claim(context.Background(), base)
	require.NoError(t, err)
	assert.Nil(t, got)

	missing, err := b.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testRetry(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	job := push(t, b, "h", base)

	claimed, err := b.Claim(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, b.Retry(ctx, job.ID, base.Add(30*time.Second), "boom", map[string]any{"retry_count": 1}))

	early, err := b.Claim(ctx, base.Add(10*time.Second))
	require.NoError(t, err)
	assert.Nil(t, early, "job must not be redelivered before its delay")

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scheduled)

	again, err := b.Claim(ctx, base.Add(31*time.Second))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempt)
	assert.EqualValues(t, 1, again.Meta["retry_count"])
}

func testCompleteFail(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	ok := push(t, b, "h", base)
	bad := push(t, b, "h", base.Add(time.Millisecond))

	_, err := b.Claim(ctx, base.Add(time.Second))
	require.NoError(t, err)
	_, err = b.Claim(ctx, base.Add(time.Second))
	require.NoError(t, err)

	require.NoError(t, b.Complete(ctx, ok.ID, map[string]any{"status": "completed"}))
	require.NoError(t, b.Fail(ctx, bad.ID, "exhausted", nil))

	got, err := b.Get(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFinished, got.Status)
	assert.Equal(t, "completed", got.Meta["status"])
	assert.NotNil(t, got.EndedAt)

	got, err = b.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, got.Status)
	assert.Equal(t, "exhausted", got.Error)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Finished: 1, Failed: 1}, stats)
}

func testCancel(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	running := push(t, b, "h", base)
	waiting := push(t, b, "h", base.Add(time.Millisecond))

	_, err := b.Claim(ctx, base)
	require.NoError(t, err)

	ok, err := b.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.False(t, ok, "started jobs cannot be canceled")

	ok, err = b.Cancel(ctx, waiting.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	next, err := b.Claim(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = b.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func testSaveMeta(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	job := push(t, b, "h", base)
	require.NoError(t, b.SaveMeta(ctx, job.ID, map[string]any{"status": "started", "function_name": "h"}))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "started", got.Meta["status"])
	assert.Equal(t, "h", got.Meta["function_name"])
}

func testPurge(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	job := push(t, b, "h", base)
	_, err := b.Claim(ctx, base)
	require.NoError(t, err)
	require.NoError(t, b.Fail(ctx, job.ID, "boom", nil))

	n, err := b.PurgeFailed(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "recent failures are kept")

	n, err = b.PurgeFailed(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testRelease(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	job := push(t, b, "h", base)

	claimed, err := b.Claim(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, 1, claimed.Attempt)

	require.NoError(t, b.Release(ctx, job.ID, map[string]any{"status": "interrupted"}))

	got, err := b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempt)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, "interrupted", got.Meta["status"])

	again, err := b.Claim(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Attempt)

	require.NoError(t, b.Complete(ctx, job.ID, nil))
	require.NoError(t, b.Release(ctx, job.ID, nil), "releasing a settled job is a no-op")
	got, err = b.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFinished, got.Status)

	assert.ErrorIs(t, b.Release(ctx, "missing", nil), queue.ErrJobNotFound)
}

func testRequeueStale(t *testing.T, b queue.Backend) {
	ctx := context.Background()
	old := push(t, b, "h", base)
	fresh := push(t, b, "h", base.Add(time.Millisecond))

	_, err := b.Claim(ctx, base)
	require.NoError(t, err)
	_, err = b.Claim(ctx, base.Add(50*time.Minute))
	require.NoError(t, err)

	now := base.Add(time.Hour + time.Minute)
	n, err := b.RequeueStale(ctx, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := b.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusScheduled, got.Status)
	assert.Equal(t, queue.StaleError, got.Error)

	running, err := b.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusStarted, running.Status, "jobs inside the lease are left running")

	again, err := b.Claim(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, old.ID, again.ID)
	assert.Equal(t, 2, again.Attempt, "a lost delivery still counts")
}
