package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meikuraledutech/casegraph/cache"
	"github.com/meikuraledutech/casegraph/internal/observability"
)

type brokenStore struct{}

var errDown = errors.New("connection refused")

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, errDown }
func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errDown
}
func (brokenStore) DeleteMatching(context.Context, string) (int, error) { return 0, errDown }
func (brokenStore) Ping(context.Context) error                         { return errDown }

type answer struct {
	Text  string `json:"text"`
	Score int    `json:"score"`
}

func TestKeyStable(t *testing.T) {
	k1, err := cache.Key("solution", []any{"bgp flap", 3}, map[string]any{"vendor": "cisco", "top_k": 5})
	require.NoError(t, err)
	k2, err := cache.Key("solution", []any{"bgp flap", 3}, map[string]any{"top_k": 5, "vendor": "cisco"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "keyword order must not matter")
	assert.Regexp(t, `^solution:[0-9a-f]{64}$`, k1)

	k3, err := cache.Key("solution", []any{"bgp flap", 4}, map[string]any{"vendor": "cisco", "top_k": 5})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	k4, err := cache.Key("analysis", []any{"bgp flap", 3}, map[string]any{"vendor": "cisco", "top_k": 5})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4, "operation name is part of the key")

	assert.Equal(t, cache.MustKey("x"), cache.MustKey("x"))

	_, err = cache.Key("bad", []any{make(chan int)}, nil)
	assert.Error(t, err)
}

func TestCacheRoundTripAndTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := cache.NewMemoryStore(0, 0, zaptest.NewLogger(t))
	store.SetClock(func() time.Time { return now })
	c := cache.New(store, zaptest.NewLogger(t), nil)

	c.Put(ctx, "solution:a", answer{Text: "reset the session", Score: 9}, time.Minute)

	var got answer
	require.True(t, c.Get(ctx, "solution:a", &got))
	assert.Equal(t, answer{Text: "reset the session", Score: 9}, got)

	now = now.Add(2 * time.Minute)
	assert.False(t, c.Get(ctx, "solution:a", &got), "entry expires after its TTL")
}

func TestStatsCountLookups(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.NewMemoryStore(0, 0, nil), nil, nil)

	var got answer
	c.Get(ctx, "solution:a", &got)
	c.Put(ctx, "solution:a", answer{Text: "x"}, time.Minute)
	c.Get(ctx, "solution:a", &got)
	c.Get(ctx, "solution:a", &got)
	c.Get(ctx, "solution:b", &got)

	st := c.Stats()
	assert.Equal(t, int64(2), st.Hits)
	assert.Equal(t, int64(2), st.Misses)
	assert.Zero(t, st.Errors)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)

	broken := cache.New(brokenStore{}, nil, nil)
	broken.Get(ctx, "k", &got)
	assert.Equal(t, cache.Stats{Errors: 1}, broken.Stats())

	var none *cache.Cache
	assert.Equal(t, cache.Stats{}, none.Stats())
}

func TestCacheOutageIsAdvisory(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewCollector("test")
	c := cache.New(brokenStore{}, zaptest.NewLogger(t), metrics)

	var got answer
	assert.False(t, c.Get(ctx, "k", &got))
	c.Put(ctx, "k", answer{Text: "x"}, time.Minute)
	assert.False(t, c.Healthy(ctx))

	calls := 0
	v, err := cache.Do(ctx, c, "k", time.Minute, func(context.Context) (answer, error) {
		calls++
		return answer{Text: "computed"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "computed", v.Text)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CacheRequests.WithLabelValues("error")))

	_, err = c.Invalidate(ctx, "*")
	assert.ErrorIs(t, err, errDown)
}

func TestDoMemoizesAndSkipsErrors(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.NewMemoryStore(100, 0, nil), nil, nil)

	calls := 0
	fail := true
	fn := func(context.Context) (answer, error) {
		calls++
		if fail {
			return answer{}, errors.New("llm timeout")
		}
		return answer{Text: "ok"}, nil
	}

	_, err := cache.Do(ctx, c, "solution:q", time.Minute, fn)
	require.Error(t, err)

	fail = false
	v, err := cache.Do(ctx, c, "solution:q", time.Minute, fn)
	require.NoError(t, err)
	assert.Equal(t, "ok", v.Text)

	v, err = cache.Do(ctx, c, "solution:q", time.Minute, fn)
	require.NoError(t, err)
	assert.Equal(t, "ok", v.Text)
	assert.Equal(t, 2, calls, "errors are not cached, successes are")
}

func TestDoCoalescesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	c := cache.New(cache.NewMemoryStore(0, 0, nil), nil, nil)

	var calls int32
	release := make(chan struct{})
	fn := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = cache.Do(ctx, c, "stats", time.Minute, fn)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, 42, r)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(8))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestDoSurvivesCanceledCaller(t *testing.T) {
	c := cache.New(cache.NewMemoryStore(0, 0, nil), nil, nil)

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	fn := func(ctx context.Context) (int, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return 42, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Do(firstCtx, c, "solution:shared", time.Minute, fn)
		firstErr <- err
	}()
	<-started

	second := make(chan int, 1)
	go func() {
		v, err := cache.Do(context.Background(), c, "solution:shared", time.Minute, fn)
		assert.NoError(t, err)
		second <- v
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("canceled caller did not return")
	}

	close(release)
	select {
	case v := <-second:
		assert.Equal(t, 42, v)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting caller did not get the shared result")
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	var cached int
	assert.True(t, c.Get(context.Background(), "solution:shared", &cached))
	assert.Equal(t, 42, cached)
}

func TestNilCacheComputes(t *testing.T) {
	var c *cache.Cache
	v, err := cache.Do(context.Background(), c, "k", time.Minute, func(context.Context) (string, error) {
		return "direct", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "direct", v)
	n, err := c.Invalidate(context.Background(), "*")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStoreInvalidateAndEviction(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore(3, 0, nil)
	c := cache.New(store, nil, nil)

	c.Put(ctx, "solution:1", 1, time.Minute)
	c.Put(ctx, "solution:2", 2, time.Minute)
	c.Put(ctx, "retrieval:1", 3, time.Minute)

	n, err := c.Invalidate(ctx, "solution:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, store.Len())

	c.Put(ctx, "a", 1, time.Minute)
	c.Put(ctx, "b", 1, time.Minute)
	c.Put(ctx, "c", 1, time.Minute)
	assert.Equal(t, 3, store.Len())
	assert.Equal(t, int64(1), store.Evictions())

	var v int
	assert.False(t, c.Get(ctx, "retrieval:1", &v), "least recently used entry is evicted first")
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store := cache.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })
	c := cache.New(store, zaptest.NewLogger(t), nil)

	require.True(t, c.Healthy(ctx))
	c.Put(ctx, "clarification:x", answer{Text: "which vendor?"}, time.Hour)
	c.Put(ctx, "clarification:y", answer{Text: "which version?"}, time.Hour)
	c.Put(ctx, "solution:z", answer{Text: "clear ip bgp"}, time.Hour)

	var got answer
	require.True(t, c.Get(ctx, "clarification:x", &got))
	assert.Equal(t, "which vendor?", got.Text)

	mr.FastForward(2 * time.Hour)
	assert.False(t, c.Get(ctx, "clarification:x", &got))

	c.Put(ctx, "clarification:x", answer{Text: "again"}, time.Hour)
	n, err := c.Invalidate(ctx, "clarification:*")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mr.Close()
	assert.False(t, c.Get(ctx, "solution:z", &got), "unreachable redis reads as a miss")
	assert.False(t, c.Healthy(ctx))
}
