// Package engine drives case graphs forward. Request-side calls mutate the
// graph synchronously and enqueue work; the registered handlers run that
// work on a queue worker and close each node's state transition.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph"
	"github.com/meikuraledutech/casegraph/cache"
	"github.com/meikuraledutech/casegraph/internal/observability"
	"github.com/meikuraledutech/casegraph/queue"
	"github.com/meikuraledutech/casegraph/task"
)

// ErrInvalidRequest wraps input the engine refuses before touching storage.
var ErrInvalidRequest = errors.New("engine: invalid request")

// Handler names as they appear in job descriptors.
const (
	HandlerAnalyzeQuery    = "analyze_query"
	HandlerProcessResponse = "process_user_response"
	HandlerParseDocument   = "parse_document"
)

// metaHandler is the node metadata key naming the handler that fills the
// node, so an operator re-trigger knows what to enqueue.
const metaHandler = "handler"

// Inference generates text from a prompt. Implementations should mark
// non-retryable failures with task.Permanent.
type Inference interface {
	Infer(ctx context.Context, prompt, systemContext string) (string, error)
}

// Passage is one knowledge search hit.
type Passage struct {
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// SearchRequest is a knowledge lookup. Alpha weighs vector similarity
// against keyword match for hybrid backends; Tags restrict the corpus.
type SearchRequest struct {
	Query string   `json:"query"`
	TopK  int      `json:"top_k"`
	Alpha float64  `json:"alpha"`
	Tags  []string `json:"tags,omitempty"`
}

// Knowledge looks up passages relevant to a query.
type Knowledge interface {
	Search(ctx context.Context, req SearchRequest) ([]Passage, error)
}

// DocumentParser turns an uploaded file into structured content. Calls may
// take minutes.
type DocumentParser interface {
	Parse(ctx context.Context, filename, sourceRef string) (json.RawMessage, error)
}

// Options tune the diagnosis pipeline. Zero values pick the defaults.
type Options struct {
	TopK                   int
	MaxClarificationRounds int
	DefaultRetrievalWeight float64
	TTL                    TTLs
}

// TTLs are the cache lifetimes per memoized operation.
type TTLs struct {
	Analysis      time.Duration
	Clarification time.Duration
	Solution      time.Duration
	Retrieval     time.Duration
	Statistics    time.Duration
	Document      time.Duration
}

func (o *Options) setDefaults() {
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.MaxClarificationRounds <= 0 {
		o.MaxClarificationRounds = 3
	}
	if o.DefaultRetrievalWeight <= 0 {
		o.DefaultRetrievalWeight = 0.7
	}
	if o.TTL.Analysis <= 0 {
		o.TTL.Analysis = cache.TTLAnalysis
	}
	if o.TTL.Clarification <= 0 {
		o.TTL.Clarification = cache.TTLClarification
	}
	if o.TTL.Solution <= 0 {
		o.TTL.Solution = cache.TTLSolution
	}
	if o.TTL.Retrieval <= 0 {
		o.TTL.Retrieval = cache.TTLRetrieval
	}
	if o.TTL.Statistics <= 0 {
		o.TTL.Statistics = cache.TTLStatistics
	}
	if o.TTL.Document <= 0 {
		o.TTL.Document = 24 * time.Hour
	}
}

// Deps are the collaborators an Engine is built from. Cache, Parser,
// Logger and Metrics may be nil.
type Deps struct {
	Store     casegraph.Store
	Queue     *queue.Client
	Cache     *cache.Cache
	Inference Inference
	Knowledge Knowledge
	Parser    DocumentParser
	Logger    *zap.Logger
	Metrics   *observability.Collector
}

// Engine is safe for concurrent use. The same value serves API requests
// and worker handlers; the two sides share nothing but the store, the
// queue and the cache.
type Engine struct {
	store   casegraph.Store
	queue   *queue.Client
	cache   *cache.Cache
	llm     Inference
	kb      Knowledge
	parser  DocumentParser
	logger  *zap.Logger
	metrics *observability.Collector
	tracer  trace.Tracer
	opts    Options
	now     func() time.Time
}

func New(d Deps, opts Options) *Engine {
	opts.setDefaults()
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   d.Store,
		queue:   d.Queue,
		cache:   d.Cache,
		llm:     d.Inference,
		kb:      d.Knowledge,
		parser:  d.Parser,
		logger:  logger,
		metrics: d.Metrics,
		tracer:  otel.Tracer(observability.TracerName),
		opts:    opts,
		now:     time.Now,
	}
}

// Register binds the engine's handlers on reg, each wrapped with monitoring
// and the retry policy. Exhausted node jobs leave their node FAILED.
func (e *Engine) Register(reg *queue.Registry, monitor *task.Monitor, policy task.Policy) {
	nodeMW := task.WithMonitoringAndRetry(monitor, policy,
		task.WithRetryLogger(e.logger),
		task.WithRetryMetrics(e.metrics),
		task.OnExhausted(e.failNode),
	)
	reg.Register(HandlerAnalyzeQuery, e.handleDiagnosis, nodeMW...)
	reg.Register(HandlerProcessResponse, e.handleDiagnosis, nodeMW...)

	docMW := task.WithMonitoringAndRetry(monitor, policy,
		task.WithRetryLogger(e.logger),
		task.WithRetryMetrics(e.metrics),
		task.OnExhausted(e.failDocument),
	)
	reg.Register(HandlerParseDocument, e.handleParseDocument, docMW...)
}

// enqueue submits a job and swallows the failure: the graph mutation that
// preceded it is already committed and stays visible as PROCESSING until an
// operator re-triggers the node.
func (e *Engine) enqueue(ctx context.Context, handler string, args ...any) string {
	if e.queue == nil {
		e.logger.Warn("no queue configured, job not enqueued", zap.String("handler", handler))
		return ""
	}
	job, err := e.queue.Enqueue(ctx, handler, args...)
	if err != nil {
		e.logger.Error("enqueue failed, node left for manual re-trigger",
			zap.String("handler", handler),
			zap.Any("args", args),
			zap.Error(err),
		)
		return ""
	}
	return job.ID
}

// ownedCase loads a case and hides cases owned by someone else. An empty
// userID skips the ownership check (operator calls).
func (e *Engine) ownedCase(ctx context.Context, userID, caseID string) (*casegraph.Case, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c == nil || (userID != "" && c.UserID != userID) {
		return nil, casegraph.ErrCaseNotFound
	}
	return c, nil
}
