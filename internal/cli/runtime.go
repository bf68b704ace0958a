package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph"
	"github.com/meikuraledutech/casegraph/cache"
	"github.com/meikuraledutech/casegraph/config"
	"github.com/meikuraledutech/casegraph/docintel"
	"github.com/meikuraledutech/casegraph/engine"
	"github.com/meikuraledutech/casegraph/internal/observability"
	"github.com/meikuraledutech/casegraph/knowledge"
	"github.com/meikuraledutech/casegraph/llm"
	"github.com/meikuraledutech/casegraph/memstore"
	"github.com/meikuraledutech/casegraph/postgres"
	"github.com/meikuraledutech/casegraph/queue"
	"github.com/meikuraledutech/casegraph/task"
)

// runtime is the wired process: storage, queue, cache, engine and the
// handler registry. Commands build one and call close when done.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *observability.Collector
	pool     *pgxpool.Pool
	store    casegraph.Store
	backend  queue.Backend
	jobs     *queue.Client
	cache    *cache.Cache
	engine   *engine.Engine
	registry *queue.Registry

	closers []func()
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	logger, err := observability.NewLogger(cfg.Environment, cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewCollector("casegraph"),
	}
	rt.closers = append(rt.closers, func() { _ = logger.Sync() })

	shutdown, err := observability.InitTracing(ctx, cfg.Tracing.ServiceName, cfg.Environment, cfg.Tracing.Endpoint)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.closers = append(rt.closers, func() { _ = shutdown(context.Background()) })

	if cfg.Database.URL != "" {
		pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			rt.close()
			return nil, err
		}
		rt.pool = pool
		rt.closers = append(rt.closers, pool.Close)
		rt.store = postgres.New(pool)
	} else {
		logger.Warn("no database configured, cases are kept in memory")
		rt.store = memstore.New()
	}

	switch cfg.Queue.Backend {
	case "postgres":
		if rt.pool == nil {
			rt.close()
			return nil, errors.New("cli: postgres queue needs database.url")
		}
		rt.backend = postgres.NewQueue(rt.pool)
	default:
		rt.backend = queue.NewMemory()
	}
	rt.jobs = queue.NewClient(rt.backend, logger,
		queue.WithEnqueueTimeout(cfg.Queue.EnqueueTimeout),
		queue.WithClientMetrics(rt.metrics),
	)

	if err := rt.buildCache(); err != nil {
		rt.close()
		return nil, err
	}

	deps := engine.Deps{
		Store:     rt.store,
		Queue:     rt.jobs,
		Cache:     rt.cache,
		Inference: llm.New(cfg.LLM, logger),
		Logger:    logger,
		Metrics:   rt.metrics,
	}
	if cfg.Knowledge.BaseURL != "" {
		deps.Knowledge = knowledge.New(cfg.Knowledge)
	}
	if cfg.DocIntel.BaseURL != "" {
		deps.Parser = docintel.New(cfg.DocIntel, logger)
	}
	rt.engine = engine.New(deps, cfg.EngineOptions())

	rt.registry = queue.NewRegistry()
	rt.engine.Register(rt.registry, task.NewMonitor(logger, rt.metrics), cfg.Retry.Policy())
	return rt, nil
}

func (rt *runtime) buildCache() error {
	switch rt.cfg.Cache.Backend {
	case "none":
		return nil
	case "redis":
		opts, err := redis.ParseURL(rt.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("cli: redis url: %w", err)
		}
		store := cache.NewRedisStore(redis.NewClient(opts))
		rt.closers = append(rt.closers, func() { _ = store.Close() })
		rt.cache = cache.New(store, rt.logger, rt.metrics)
	default:
		rt.cache = cache.New(cache.NewMemoryStore(rt.cfg.Cache.MaxItems, rt.cfg.Cache.MaxBytes, rt.logger), rt.logger, rt.metrics)
	}
	return nil
}

func (rt *runtime) worker() *queue.Worker {
	return queue.NewWorker(rt.backend, rt.registry, rt.logger, queue.WorkerOptions{
		Concurrency:   rt.cfg.Queue.Concurrency,
		PollInterval:  rt.cfg.Queue.PollInterval,
		Metrics:       rt.metrics,
		Lease:         rt.cfg.Queue.Lease,
		SweepInterval: rt.cfg.Queue.SweepInterval,
	})
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// withRuntime loads the config, wires a runtime and runs fn with it.
func withRuntime(ctx context.Context, fn func(*runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(rt)
}
