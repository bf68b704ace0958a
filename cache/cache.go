// Package cache memoizes expensive collaborator calls keyed by a stable
// hash of their arguments. The cache is advisory: when the backing store
// misbehaves, reads miss and writes are dropped so callers always fall
// through to the real computation.
package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/meikuraledutech/casegraph/internal/observability"
)

// Store is the key-value backend behind a Cache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteMatching(ctx context.Context, pattern string) (int, error)
	Ping(ctx context.Context) error
}

// Default TTLs per operation.
const (
	TTLAnalysis      = 30 * time.Minute
	TTLClarification = time.Hour
	TTLSolution      = 30 * time.Minute
	TTLRetrieval     = 30 * time.Minute
	TTLStatistics    = 5 * time.Minute
)

// Operation names used as key prefixes.
const (
	OpAnalysis      = "analysis"
	OpClarification = "clarification"
	OpSolution      = "solution"
	OpRetrieval     = "retrieval"
	OpStatistics    = "statistics"
	OpDocument      = "document"
)

type envelope struct {
	Data       json.RawMessage `json:"data"`
	CachedAt   time.Time       `json:"cached_at"`
	TTLSeconds int64           `json:"ttl_seconds"`
}

// Cache wraps a Store with the advisory error policy, metrics and request
// coalescing. A nil *Cache is valid and never hits.
type Cache struct {
	store   Store
	logger  *zap.Logger
	metrics *observability.Collector
	group   singleflight.Group
	now     func() time.Time

	hits, misses, errors atomic.Int64
}

// Stats counts lookups since the Cache was built.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

func New(store Store, logger *zap.Logger, metrics *observability.Collector) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, logger: logger, metrics: metrics, now: time.Now}
}

// Get decodes the entry at key into v. A store error counts as a miss.
func (c *Cache) Get(ctx context.Context, key string, v any) bool {
	if c == nil || c.store == nil {
		return false
	}
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.record("error")
		c.logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		c.record("miss")
		return false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || json.Unmarshal(env.Data, v) != nil {
		c.record("error")
		c.logger.Warn("cache entry undecodable", zap.String("key", key))
		return false
	}
	c.record("hit")
	return true
}

func (c *Cache) record(result string) {
	switch result {
	case "hit":
		c.hits.Add(1)
	case "miss":
		c.misses.Add(1)
	default:
		c.errors.Add(1)
	}
	c.metrics.RecordCache(result)
}

// Stats returns lookup counters. Errors count as neither hit nor miss.
func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	st := Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Errors: c.errors.Load()}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

// Put stores v at key for ttl. Failures are logged and swallowed.
func (c *Cache) Put(ctx context.Context, key string, v any, ttl time.Duration) {
	if c == nil || c.store == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache value unencodable", zap.String("key", key), zap.Error(err))
		return
	}
	raw, err := json.Marshal(envelope{Data: data, CachedAt: c.now().UTC(), TTLSeconds: int64(ttl / time.Second)})
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		c.logger.Warn("cache put failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate deletes every entry whose key matches pattern and returns how
// many were removed. Unlike Get and Put it reports store errors.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	if c == nil || c.store == nil {
		return 0, nil
	}
	n, err := c.store.DeleteMatching(ctx, pattern)
	if err != nil {
		return n, err
	}
	c.logger.Info("cache invalidated", zap.String("pattern", pattern), zap.Int("count", n))
	return n, nil
}

// Healthy reports whether the backing store answers.
func (c *Cache) Healthy(ctx context.Context) bool {
	if c == nil || c.store == nil {
		return false
	}
	return c.store.Ping(ctx) == nil
}

// Do returns the cached value at key, or runs fn, caches a successful
// result for ttl and returns it. Concurrent calls for the same key share
// one fn execution. Errors are never cached.
//
// The shared execution runs on a context detached from any one caller's
// cancellation, so a caller that gives up does not fail the others
// waiting on the same key. Each caller still returns ctx.Err() as soon as
// its own ctx is done.
func Do[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if c == nil {
		return fn(ctx)
	}
	var cached T
	if c.Get(ctx, key, &cached) {
		return cached, nil
	}
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		out, err := fn(shared)
		if err != nil {
			return out, err
		}
		c.Put(shared, key, out, ttl)
		return out, nil
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		out, _ := res.Val.(T)
		return out, nil
	}
}
