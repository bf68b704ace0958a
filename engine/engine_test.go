package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meikuraledutech/casegraph"
	"github.com/meikuraledutech/casegraph/cache"
	"github.com/meikuraledutech/casegraph/engine"
	"github.com/meikuraledutech/casegraph/memstore"
	"github.com/meikuraledutech/casegraph/queue"
	"github.com/meikuraledutech/casegraph/task"
)

const user = "user-1"

// fakeLLM answers by prompt kind. Each responder sees how many times its
// kind has been asked so far (1-based).
type fakeLLM struct {
	mu            sync.Mutex
	counts        map[string]int
	prompts       []string
	analysis      func(n int, prompt string) (string, error)
	clarification func(n int, prompt string) (string, error)
	solution      func(n int, prompt string) (string, error)
}

func newLLM() *fakeLLM {
	return &fakeLLM{
		counts: map[string]int{},
		analysis: func(int, string) (string, error) {
			return "BGP session to the upstream flaps every few minutes, severity high.", nil
		},
		clarification: func(int, string) (string, error) {
			return "Which router model and software version are you running?", nil
		},
		solution: func(int, string) (string, error) {
			return "Check the peer with `show ip bgp summary` and reset it with `clear ip bgp 10.0.0.1`. See [doc1].", nil
		},
	}
}

func (f *fakeLLM) Infer(_ context.Context, prompt, _ string) (string, error) {
	f.mu.Lock()
	kind := "solution"
	switch {
	case strings.HasPrefix(prompt, "Analyze"):
		kind = "analysis"
	case strings.HasPrefix(prompt, "Current analysis"):
		kind = "clarification"
	}
	f.counts[kind]++
	n := f.counts[kind]
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	switch kind {
	case "analysis":
		return f.analysis(n, prompt)
	case "clarification":
		return f.clarification(n, prompt)
	}
	return f.solution(n, prompt)
}

func (f *fakeLLM) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[kind]
}

type fakeKB struct {
	mu   sync.Mutex
	reqs []engine.SearchRequest
}

func (k *fakeKB) Search(_ context.Context, req engine.SearchRequest) ([]engine.Passage, error) {
	k.mu.Lock()
	k.reqs = append(k.reqs, req)
	k.mu.Unlock()
	return []engine.Passage{
		{Title: "BGP troubleshooting", Content: "Verify timers and MTU.", Source: "kb/bgp.md", Score: 0.91},
	}, nil
}

type fakeParser struct {
	err error
}

func (p *fakeParser) Parse(_ context.Context, filename, _ string) (json.RawMessage, error) {
	if p.err != nil {
		return nil, p.err
	}
	return json.RawMessage(`{"title":"` + filename + `","sections":2}`), nil
}

type brokenCacheStore struct{}

func (brokenCacheStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("cache down")
}
func (brokenCacheStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}
func (brokenCacheStore) DeleteMatching(context.Context, string) (int, error) {
	return 0, errors.New("cache down")
}
func (brokenCacheStore) Ping(context.Context) error { return errors.New("cache down") }

type unreachableQueue struct{ *queue.Memory }

func (unreachableQueue) Push(context.Context, *queue.Job) error {
	return errors.New("queue unreachable")
}

type env struct {
	store  *memstore.Store
	jobs   *queue.Client
	worker *queue.Worker
	engine *engine.Engine
	llm    *fakeLLM
	kb     *fakeKB
	parser *fakeParser
}

type envOption func(*envConfig)

type envConfig struct {
	backend    queue.Backend
	cacheStore cache.Store
	opts       engine.Options
}

func withBackend(b queue.Backend) envOption { return func(c *envConfig) { c.backend = b } }
func withCacheStore(s cache.Store) envOption { return func(c *envConfig) { c.cacheStore = s } }
func withOptions(o engine.Options) envOption { return func(c *envConfig) { c.opts = o } }

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	cfg := envConfig{
		backend:    queue.NewMemory(),
		cacheStore: cache.NewMemoryStore(0, 0, nil),
	}
	for _, o := range opts {
		o(&cfg)
	}
	log := zaptest.NewLogger(t)
	e := &env{
		store:  memstore.New(),
		llm:    newLLM(),
		kb:     &fakeKB{},
		parser: &fakeParser{},
	}
	e.jobs = queue.NewClient(cfg.backend, log)
	e.engine = engine.New(engine.Deps{
		Store:     e.store,
		Queue:     e.jobs,
		Cache:     cache.New(cfg.cacheStore, log, nil),
		Inference: e.llm,
		Knowledge: e.kb,
		Parser:    e.parser,
		Logger:    log,
	}, cfg.opts)

	reg := queue.NewRegistry()
	// Zero backoff keeps retried jobs claimable within one drain.
	e.engine.Register(reg, task.NewMonitor(log, nil), task.Policy{MaxRetries: 3, Backoff: []time.Duration{0}})
	e.worker = queue.NewWorker(cfg.backend, reg, log, queue.WorkerOptions{})
	return e
}

func (e *env) drain(t *testing.T) {
	t.Helper()
	_, err := e.worker.Drain(context.Background())
	require.NoError(t, err)
}

func (e *env) node(t *testing.T, id string) casegraph.Node {
	t.Helper()
	n, err := e.store.GetNode(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, n)
	return *n
}

func TestCreateCaseThenSolve(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP neighbor keeps going down", Vendor: "Cisco"})
	require.NoError(t, err)
	require.Len(t, sub.Nodes, 2)
	require.Len(t, sub.Edges, 1)
	assert.NotEmpty(t, sub.JobID)

	a, b := sub.Nodes[0], sub.Nodes[1]
	assert.Equal(t, casegraph.NodeUserQuery, a.Type)
	assert.Equal(t, casegraph.StatusCompleted, a.Status)
	assert.Equal(t, casegraph.StatusProcessing, e.node(t, b.ID).Status)
	assert.Equal(t, a.ID, sub.Edges[0].Source)
	assert.Equal(t, b.ID, sub.Edges[0].Target)

	e.drain(t)

	done := e.node(t, b.ID)
	assert.Equal(t, casegraph.StatusCompleted, done.Status)
	assert.Equal(t, "Diagnosis complete", done.Title)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(done.Content, &raw))
	assert.Contains(t, raw, "analysis")

	content, err := casegraph.DecodeContent(&done)
	require.NoError(t, err)
	sol, ok := content.(casegraph.SolutionContent)
	require.True(t, ok)
	assert.Equal(t, "BGP", sol.Category)
	assert.Equal(t, "high", sol.Severity)
	assert.Equal(t, []string{"show ip bgp summary", "clear ip bgp 10.0.0.1"}, sol.Commands)
	require.Len(t, sol.Sources, 1)
	assert.Equal(t, "doc1", sol.Sources[0].ID)

	g, err := e.engine.GetGraph(ctx, user, sub.CaseID)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2, "handler must not create nodes")
	assert.Len(t, g.Edges, 1)

	job, err := e.jobs.Status(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFinished, job.Status)
	assert.Equal(t, task.StatusCompleted, job.Meta[task.MetaStatus])
}

func TestClarificationThenReply(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.llm.analysis = func(n int, prompt string) (string, error) {
		if !strings.Contains(prompt, "User: ") {
			return "[NEED_MORE_INFO] Possibly a BGP hold timer issue.", nil
		}
		return "BGP hold timer mismatch confirmed.", nil
	}

	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP neighbor keeps going down", Vendor: "Juniper"})
	require.NoError(t, err)
	bID := sub.NodeID
	e.drain(t)

	b := e.node(t, bID)
	require.Equal(t, casegraph.StatusAwaitingUserInput, b.Status)
	content, err := casegraph.DecodeContent(&b)
	require.NoError(t, err)
	cl, ok := content.(casegraph.ClarificationContent)
	require.True(t, ok)
	assert.Equal(t, 1, cl.Round)
	assert.Equal(t, "Possibly a BGP hold timer issue.", cl.Analysis)
	assert.Contains(t, cl.Questions, "What state are the BGP peers in?")
	assert.Contains(t, cl.Questions, "Which device model and Juniper software version are you running?")

	status, err := e.engine.CaseStatus(ctx, user, sub.CaseID)
	require.NoError(t, err)
	require.Len(t, status.AwaitingNodes, 1)
	assert.Empty(t, status.ProcessingNodes)

	reply, err := e.engine.Interact(ctx, user, sub.CaseID, engine.InteractRequest{
		ParentNodeID: bID,
		Text:         "MX204 running Junos 21.4, hold time 90 on our side",
		FilterTags:   []string{"juniper"},
	})
	require.NoError(t, err)
	require.Len(t, reply.Nodes, 2)
	c, d := reply.Nodes[0], reply.Nodes[1]
	assert.Equal(t, casegraph.NodeUserResponse, c.Type)
	assert.Equal(t, casegraph.StatusCompleted, c.Status)
	assert.Equal(t, casegraph.NodeAIAnalysis, d.Type)
	assert.Equal(t, casegraph.StatusProcessing, d.Status)
	assert.Equal(t, bID, reply.Edges[0].Source)
	assert.Equal(t, c.ID, reply.Edges[0].Target)
	assert.Equal(t, c.ID, reply.Edges[1].Source)
	assert.Equal(t, d.ID, reply.Edges[1].Target)
	assert.Equal(t, b, e.node(t, bID), "awaiting node is not mutated by a reply")

	e.drain(t)

	assert.Equal(t, casegraph.StatusCompleted, e.node(t, d.ID).Status)
	assert.Equal(t, b, e.node(t, bID))

	last := e.kb.reqs[len(e.kb.reqs)-1]
	assert.Equal(t, []string{"juniper"}, last.Tags)
	assert.InDelta(t, 0.7, last.Alpha, 1e-9)
	assert.Contains(t, last.Query, "MX204")
}

func TestClarificationRoundsAreCapped(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, withOptions(engine.Options{MaxClarificationRounds: 1}))
	e.llm.analysis = func(int, string) (string, error) {
		return "[NEED_MORE_INFO] OSPF adjacency stuck.", nil
	}

	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "OSPF neighbors stuck in EXSTART"})
	require.NoError(t, err)
	e.drain(t)
	require.Equal(t, casegraph.StatusAwaitingUserInput, e.node(t, sub.NodeID).Status)

	reply, err := e.engine.Interact(ctx, user, sub.CaseID, engine.InteractRequest{ParentNodeID: sub.NodeID, Text: "MTU is 1500 vs 9000"})
	require.NoError(t, err)
	e.drain(t)
	assert.Equal(t, casegraph.StatusCompleted, e.node(t, reply.NodeID).Status)
}

func TestCacheOutageStillCompletes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, withCacheStore(brokenCacheStore{}))

	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP down"})
	require.NoError(t, err)
	e.drain(t)

	n := e.node(t, sub.NodeID)
	assert.Equal(t, casegraph.StatusCompleted, n.Status)
	content, err := casegraph.DecodeContent(&n)
	require.NoError(t, err)
	assert.NotEmpty(t, content.(casegraph.SolutionContent).Answer)
}

func TestCachedResultsSkipInference(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	for i := 0; i < 2; i++ {
		_, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP down"})
		require.NoError(t, err)
		e.drain(t)
	}
	assert.Equal(t, 1, e.llm.count("analysis"))
	assert.Equal(t, 1, e.llm.count("solution"))
}

func TestRetryThenComplete(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	base := e.llm.analysis
	e.llm.analysis = func(n int, prompt string) (string, error) {
		if n <= 2 {
			return "", errors.New("inference timeout")
		}
		return base(n, prompt)
	}

	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP down"})
	require.NoError(t, err)
	e.drain(t)

	assert.Equal(t, casegraph.StatusCompleted, e.node(t, sub.NodeID).Status)
	job, err := e.jobs.Status(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFinished, job.Status)
	assert.EqualValues(t, 2, job.Meta[task.MetaRetryCount])
	assert.Equal(t, 3, job.Attempt)
}

func TestExhaustedRetriesFailNodeAndRetrigger(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	broken := true
	base := e.llm.analysis
	e.llm.analysis = func(n int, prompt string) (string, error) {
		if broken {
			return "", errors.New("inference backend down")
		}
		return base(n, prompt)
	}

	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP down"})
	require.NoError(t, err)
	e.drain(t)

	n := e.node(t, sub.NodeID)
	require.Equal(t, casegraph.StatusFailed, n.Status)
	assert.Equal(t, 4, e.llm.count("analysis"))
	content, err := casegraph.DecodeContent(&n)
	require.NoError(t, err)
	failure := content.(casegraph.FailureContent)
	assert.Equal(t, 4, failure.Attempts)
	assert.Contains(t, failure.Error, "inference backend down")

	status, err := e.engine.CaseStatus(ctx, user, sub.CaseID)
	require.NoError(t, err)
	assert.Len(t, status.FailedNodes, 1)

	job, err := e.jobs.Status(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)

	broken = false
	again, err := e.engine.Retrigger(ctx, user, sub.NodeID)
	require.NoError(t, err)
	assert.NotEmpty(t, again.JobID)
	assert.Equal(t, casegraph.StatusProcessing, e.node(t, sub.NodeID).Status)

	e.drain(t)
	assert.Equal(t, casegraph.StatusCompleted, e.node(t, sub.NodeID).Status)

	_, err = e.engine.Retrigger(ctx, user, sub.NodeID)
	assert.ErrorIs(t, err, casegraph.ErrInvalidTransition, "completed nodes cannot be re-run")
}

func TestRetriggerRejectsBusyCase(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	base := e.llm.analysis
	e.llm.analysis = func(n int, prompt string) (string, error) {
		if n <= 4 {
			return "", errors.New("inference backend down")
		}
		return base(n, prompt)
	}

	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP down"})
	require.NoError(t, err)
	e.drain(t)
	require.Equal(t, casegraph.StatusFailed, e.node(t, sub.NodeID).Status)

	reply, err := e.engine.Interact(ctx, user, sub.CaseID, engine.InteractRequest{ParentNodeID: sub.NodeID, Text: "still down after reboot"})
	require.NoError(t, err)

	_, err = e.engine.Retrigger(ctx, user, sub.NodeID)
	assert.ErrorIs(t, err, casegraph.ErrCaseBusy)

	status, err := e.engine.CaseStatus(ctx, user, sub.CaseID)
	require.NoError(t, err)
	require.Len(t, status.ProcessingNodes, 1)
	assert.Equal(t, reply.NodeID, status.ProcessingNodes[0].ID)
	assert.Equal(t, casegraph.StatusFailed, e.node(t, sub.NodeID).Status)

	e.drain(t)
	again, err := e.engine.Retrigger(ctx, user, sub.NodeID)
	require.NoError(t, err)
	assert.NotEmpty(t, again.JobID)
}

func TestDuplicateDeliveryIsHarmless(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP down"})
	require.NoError(t, err)
	e.drain(t)
	before := e.node(t, sub.NodeID)

	_, err = e.jobs.Enqueue(ctx, engine.HandlerAnalyzeQuery, sub.CaseID, sub.NodeID)
	require.NoError(t, err)
	e.drain(t)

	assert.Equal(t, before, e.node(t, sub.NodeID))
	assert.Equal(t, 1, e.llm.count("analysis"))
}

func TestInteractRejectsBusyCase(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP down"})
	require.NoError(t, err)

	_, err = e.engine.Interact(ctx, user, sub.CaseID, engine.InteractRequest{ParentNodeID: sub.Nodes[0].ID, Text: "more info"})
	assert.ErrorIs(t, err, casegraph.ErrCaseBusy)

	g, err := e.engine.GetGraph(ctx, user, sub.CaseID)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 2, "rejected interaction leaves no trace")
}

func TestInteractValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP down"})
	require.NoError(t, err)
	e.drain(t)

	_, err = e.engine.Interact(ctx, user, sub.CaseID, engine.InteractRequest{ParentNodeID: sub.NodeID})
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)

	bad := 1.5
	_, err = e.engine.Interact(ctx, user, sub.CaseID, engine.InteractRequest{ParentNodeID: sub.NodeID, Text: "x", RetrievalWeight: &bad})
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)

	_, err = e.engine.Interact(ctx, user, sub.CaseID, engine.InteractRequest{ParentNodeID: "nope", Text: "x"})
	assert.ErrorIs(t, err, casegraph.ErrNodeNotFound)

	_, err = e.engine.Interact(ctx, "someone-else", sub.CaseID, engine.InteractRequest{ParentNodeID: sub.NodeID, Text: "x"})
	assert.ErrorIs(t, err, casegraph.ErrCaseNotFound)

	closed := casegraph.CaseClosed
	_, err = e.engine.UpdateCase(ctx, user, sub.CaseID, engine.CaseUpdate{Status: &closed})
	require.NoError(t, err)
	_, err = e.engine.Interact(ctx, user, sub.CaseID, engine.InteractRequest{ParentNodeID: sub.NodeID, Text: "x"})
	assert.ErrorIs(t, err, casegraph.ErrCaseNotOpen)
}

func TestEnqueueFailureKeepsCase(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, withBackend(unreachableQueue{queue.NewMemory()}))

	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP down"})
	require.NoError(t, err)
	assert.Empty(t, sub.JobID)
	assert.Equal(t, casegraph.StatusProcessing, e.node(t, sub.NodeID).Status)
}

func TestCreateCaseTitleAndValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	_, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "   "})
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)

	long := strings.Repeat("x", 150)
	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: long})
	require.NoError(t, err)
	c, err := e.store.GetCase(ctx, sub.CaseID)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 100)+"...", c.Title)
	assert.Equal(t, casegraph.CaseOpen, c.Status)
}

func TestFeedbackMovesCase(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP down"})
	require.NoError(t, err)
	e.drain(t)

	zero := 0
	_, err = e.engine.SubmitFeedback(ctx, user, sub.CaseID, engine.FeedbackInput{Outcome: casegraph.OutcomeSolved, Rating: &zero})
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)
	_, err = e.engine.SubmitFeedback(ctx, user, sub.CaseID, engine.FeedbackInput{Outcome: "maybe"})
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)
	_, err = e.engine.UpdateFeedback(ctx, user, sub.CaseID, engine.FeedbackInput{Outcome: casegraph.OutcomeSolved})
	assert.ErrorIs(t, err, casegraph.ErrFeedbackNotFound)

	five := 5
	f, err := e.engine.SubmitFeedback(ctx, user, sub.CaseID, engine.FeedbackInput{Outcome: casegraph.OutcomeSolved, Rating: &five, Comment: "worked"})
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	c, err := e.store.GetCase(ctx, sub.CaseID)
	require.NoError(t, err)
	assert.Equal(t, casegraph.CaseSolved, c.Status)

	_, err = e.engine.SubmitFeedback(ctx, user, sub.CaseID, engine.FeedbackInput{Outcome: casegraph.OutcomeSolved})
	assert.ErrorIs(t, err, casegraph.ErrDuplicateFeedback)

	updated, err := e.engine.UpdateFeedback(ctx, user, sub.CaseID, engine.FeedbackInput{Outcome: casegraph.OutcomeUnsolved, Comment: "came back"})
	require.NoError(t, err)
	assert.Equal(t, f.ID, updated.ID)
	c, err = e.store.GetCase(ctx, sub.CaseID)
	require.NoError(t, err)
	assert.Equal(t, casegraph.CaseOpen, c.Status, "unsolved feedback reopens the case")

	got, err := e.engine.GetFeedback(ctx, user, sub.CaseID)
	require.NoError(t, err)
	assert.Equal(t, "came back", got.Comment)
}

func TestUpdateAndDeleteCase(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	sub, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP down"})
	require.NoError(t, err)

	title := "Upstream BGP flap"
	solved := casegraph.CaseSolved
	c, err := e.engine.UpdateCase(ctx, user, sub.CaseID, engine.CaseUpdate{Title: &title, Status: &solved})
	require.NoError(t, err)
	assert.Equal(t, title, c.Title)
	assert.Equal(t, casegraph.CaseSolved, c.Status)

	closed := casegraph.CaseClosed
	_, err = e.engine.UpdateCase(ctx, user, sub.CaseID, engine.CaseUpdate{Status: &closed})
	assert.ErrorIs(t, err, casegraph.ErrInvalidCaseTransition)

	list, err := e.engine.ListCases(ctx, casegraph.CaseFilter{UserID: user, Status: casegraph.CaseSolved})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, e.engine.DeleteCase(ctx, user, sub.CaseID))
	_, err = e.engine.GetGraph(ctx, user, sub.CaseID)
	assert.ErrorIs(t, err, casegraph.ErrCaseNotFound)

	// The job enqueued at creation finds nothing to do.
	e.drain(t)
	assert.Zero(t, e.llm.count("analysis"))
}

func TestDocumentPipeline(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	d, err := e.engine.UploadDocument(ctx, user, engine.UploadRequest{Filename: "bgp-guide.pdf", SourceRef: "s3://kb/bgp-guide.pdf"})
	require.NoError(t, err)
	assert.Equal(t, casegraph.StatusQueued, d.Status)
	assert.NotEmpty(t, d.JobID)

	e.drain(t)
	got, err := e.engine.GetDocument(ctx, user, d.ID)
	require.NoError(t, err)
	assert.Equal(t, casegraph.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"title":"bgp-guide.pdf","sections":2}`, string(got.Content))

	e.parser.err = errors.New("parser unavailable")
	_, err = e.engine.ReparseDocument(ctx, user, d.ID)
	require.NoError(t, err)
	e.drain(t)

	got, err = e.engine.GetDocument(ctx, user, d.ID)
	require.NoError(t, err)
	assert.Equal(t, casegraph.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "parser unavailable")

	_, err = e.engine.GetDocument(ctx, "someone-else", d.ID)
	assert.ErrorIs(t, err, casegraph.ErrDocumentNotFound)
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	first, err := e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "BGP down"})
	require.NoError(t, err)
	e.drain(t)
	_, err = e.engine.CreateCase(ctx, user, engine.CreateCaseRequest{Query: "OSPF down"})
	require.NoError(t, err)
	solved := casegraph.CaseSolved
	_, err = e.engine.UpdateCase(ctx, user, first.CaseID, engine.CaseUpdate{Status: &solved})
	require.NoError(t, err)

	st, err := e.engine.Statistics(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalCases)
	assert.Equal(t, map[string]int{"open": 1, "solved": 1}, st.Cases)
	assert.Equal(t, 3, st.Nodes["COMPLETED"])
	assert.Equal(t, 1, st.Nodes["PROCESSING"])
	assert.Equal(t, 2, st.NodeTypes["USER_QUERY"])
}
