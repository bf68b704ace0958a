// Package config loads process configuration: built-in defaults, then an
// optional YAML file, then environment variables, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/meikuraledutech/casegraph/docintel"
	"github.com/meikuraledutech/casegraph/engine"
	"github.com/meikuraledutech/casegraph/knowledge"
	"github.com/meikuraledutech/casegraph/llm"
	"github.com/meikuraledutech/casegraph/task"
)

const envPrefix = "CASEGRAPH_"

type Config struct {
	Environment string           `yaml:"environment" validate:"oneof=development staging production test"`
	Server      Server           `yaml:"server"`
	Database    Database         `yaml:"database"`
	Redis       Redis            `yaml:"redis"`
	Queue       Queue            `yaml:"queue"`
	Retry       Retry            `yaml:"retry"`
	Cache       Cache            `yaml:"cache"`
	Engine      Engine           `yaml:"engine"`
	LLM         llm.Config       `yaml:"llm"`
	Knowledge   knowledge.Config `yaml:"knowledge"`
	DocIntel    docintel.Config  `yaml:"docintel"`
	Log         Log              `yaml:"log"`
	Tracing     Tracing          `yaml:"tracing"`
}

type Server struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	BodyLimit       int           `yaml:"body_limit" validate:"gt=0"`
}

// Database enables the Postgres store when URL is set; otherwise cases live
// in memory.
type Database struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns" validate:"gte=0"`
}

type Redis struct {
	URL string `yaml:"url"`
}

// Queue selects the job backend and sizes the worker pool. A zero Lease
// turns off rescheduling of jobs abandoned by crashed workers.
type Queue struct {
	Backend         string        `yaml:"backend" validate:"oneof=memory postgres"`
	Concurrency     int           `yaml:"concurrency" validate:"gte=1"`
	PollInterval    time.Duration `yaml:"poll_interval" validate:"gt=0"`
	EnqueueTimeout  time.Duration `yaml:"enqueue_timeout" validate:"gt=0"`
	FailedRetention time.Duration `yaml:"failed_retention" validate:"gt=0"`
	Lease           time.Duration `yaml:"lease" validate:"gte=0"`
	SweepInterval   time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

type Retry struct {
	MaxRetries int             `yaml:"max_retries" validate:"gte=0"`
	Backoff    []time.Duration `yaml:"backoff" validate:"dive,gte=0"`
}

// Policy converts the section for task.Retry.
func (r Retry) Policy() task.Policy {
	return task.Policy{MaxRetries: r.MaxRetries, Backoff: append([]time.Duration(nil), r.Backoff...)}
}

type Cache struct {
	Backend  string `yaml:"backend" validate:"oneof=memory redis none"`
	MaxItems int    `yaml:"max_items" validate:"gte=0"`
	MaxBytes int64  `yaml:"max_bytes" validate:"gte=0"`
	TTL      TTLs   `yaml:"ttl"`
}

type TTLs struct {
	Analysis      time.Duration `yaml:"analysis" validate:"gte=0"`
	Clarification time.Duration `yaml:"clarification" validate:"gte=0"`
	Solution      time.Duration `yaml:"solution" validate:"gte=0"`
	Retrieval     time.Duration `yaml:"retrieval" validate:"gte=0"`
	Statistics    time.Duration `yaml:"statistics" validate:"gte=0"`
	Document      time.Duration `yaml:"document" validate:"gte=0"`
}

type Engine struct {
	TopK                   int     `yaml:"top_k" validate:"gte=1,lte=50"`
	MaxClarificationRounds int     `yaml:"max_clarification_rounds" validate:"gte=0"`
	RetrievalWeight        float64 `yaml:"retrieval_weight" validate:"gte=0,lte=1"`
}

type Log struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

type Tracing struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name" validate:"required"`
}

// EngineOptions maps the engine and cache sections onto engine.Options.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		TopK:                   c.Engine.TopK,
		MaxClarificationRounds: c.Engine.MaxClarificationRounds,
		DefaultRetrievalWeight: c.Engine.RetrievalWeight,
		TTL: engine.TTLs{
			Analysis:      c.Cache.TTL.Analysis,
			Clarification: c.Cache.TTL.Clarification,
			Solution:      c.Cache.TTL.Solution,
			Retrieval:     c.Cache.TTL.Retrieval,
			Statistics:    c.Cache.TTL.Statistics,
			Document:      c.Cache.TTL.Document,
		},
	}
}

// Default returns a configuration that runs everything in memory.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: Server{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			BodyLimit:       4 * 1024 * 1024,
		},
		Database: Database{MaxConns: 10},
		Queue: Queue{
			Backend:         "memory",
			Concurrency:     4,
			PollInterval:    time.Second,
			EnqueueTimeout:  2 * time.Second,
			FailedRetention: 24 * time.Hour,
			Lease:           time.Hour,
			SweepInterval:   time.Minute,
		},
		Retry: Retry{
			MaxRetries: 3,
			Backoff:    []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second},
		},
		Cache: Cache{
			Backend:  "memory",
			MaxItems: 10000,
			TTL: TTLs{
				Analysis:      30 * time.Minute,
				Clarification: time.Hour,
				Solution:      30 * time.Minute,
				Retrieval:     30 * time.Minute,
				Statistics:    5 * time.Minute,
				Document:      24 * time.Hour,
			},
		},
		Engine: Engine{
			TopK:                   5,
			MaxClarificationRounds: 3,
			RetrievalWeight:        0.7,
		},
		LLM: llm.Config{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "qwen-plus",
			Temperature: 0.1,
			MaxTokens:   2000,
			Timeout:     30 * time.Second,
		},
		Knowledge: knowledge.Config{Timeout: 15 * time.Second},
		DocIntel: docintel.Config{
			PollInterval: 10 * time.Second,
			MaxPolls:     120,
			Timeout:      30 * time.Second,
		},
		Log:     Log{Level: "info"},
		Tracing: Tracing{ServiceName: "casegraph"},
	}
}

// Load builds the configuration. An empty path skips the file; a path that
// does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints plus the cross-section rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Queue.Backend == "postgres" && c.Database.URL == "" {
		return errors.New("config: queue.backend=postgres needs database.url")
	}
	if c.Cache.Backend == "redis" && c.Redis.URL == "" {
		return errors.New("config: cache.backend=redis needs redis.url")
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays CASEGRAPH_* variables. DATABASE_URL and REDIS_URL are
// honored unprefixed as well; the prefixed form wins.
func (c *Config) applyEnv(lookup lookupFunc) error {
	env := func(name string) (string, bool) {
		if v, ok := lookup(envPrefix + name); ok {
			return v, true
		}
		if name == "DATABASE_URL" || name == "REDIS_URL" {
			return lookup(name)
		}
		return "", false
	}

	strs := map[string]*string{
		"ENVIRONMENT":       &c.Environment,
		"SERVER_ADDR":       &c.Server.Addr,
		"DATABASE_URL":      &c.Database.URL,
		"REDIS_URL":         &c.Redis.URL,
		"QUEUE_BACKEND":     &c.Queue.Backend,
		"CACHE_BACKEND":     &c.Cache.Backend,
		"LLM_BASE_URL":      &c.LLM.BaseURL,
		"LLM_API_KEY":       &c.LLM.APIKey,
		"LLM_MODEL":         &c.LLM.Model,
		"KNOWLEDGE_URL":     &c.Knowledge.BaseURL,
		"KNOWLEDGE_API_KEY": &c.Knowledge.APIKey,
		"DOCINTEL_URL":      &c.DocIntel.BaseURL,
		"DOCINTEL_API_KEY":  &c.DocIntel.APIKey,
		"LOG_LEVEL":         &c.Log.Level,
		"TRACING_ENDPOINT":  &c.Tracing.Endpoint,
	}
	for name, dst := range strs {
		if v, ok := env(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"QUEUE_CONCURRENCY": &c.Queue.Concurrency,
		"RETRY_MAX":         &c.Retry.MaxRetries,
		"CACHE_MAX_ITEMS":   &c.Cache.MaxItems,
	}
	for name, dst := range ints {
		v, ok := env(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
		}
		*dst = n
	}

	durs := map[string]*time.Duration{
		"QUEUE_POLL_INTERVAL":    &c.Queue.PollInterval,
		"QUEUE_ENQUEUE_TIMEOUT":  &c.Queue.EnqueueTimeout,
		"QUEUE_FAILED_RETENTION": &c.Queue.FailedRetention,
		"QUEUE_LEASE":            &c.Queue.Lease,
	}
	for name, dst := range durs {
		v, ok := env(name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
		}
		*dst = d
	}

	if v, ok := env("RETRY_BACKOFF"); ok {
		var backoff []time.Duration
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			d, err := time.ParseDuration(part)
			if err != nil {
				return fmt.Errorf("config: %sRETRY_BACKOFF: %w", envPrefix, err)
			}
			backoff = append(backoff, d)
		}
		c.Retry.Backoff = backoff
	}
	return nil
}
