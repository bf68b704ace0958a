package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph"
	"github.com/meikuraledutech/casegraph/cache"
	"github.com/meikuraledutech/casegraph/engine"
	"github.com/meikuraledutech/casegraph/memstore"
	"github.com/meikuraledutech/casegraph/postgres"
	"github.com/meikuraledutech/casegraph/queue"
	"github.com/meikuraledutech/casegraph/task"
)

// scriptedLLM asks for more detail on the first analysis and answers on
// every later one.
type scriptedLLM struct {
	mu       sync.Mutex
	analyses int
}

func (s *scriptedLLM) Infer(_ context.Context, prompt, _ string) (string, error) {
	switch {
	case strings.HasPrefix(prompt, "Analyze"):
		s.mu.Lock()
		s.analyses++
		n := s.analyses
		s.mu.Unlock()
		if n == 1 {
			return "[NEED_MORE_INFO] OSPF adjacency with the core router never reaches FULL.", nil
		}
		return "OSPF neighbors are stuck in EXSTART because of an MTU mismatch, severity high.", nil
	case strings.HasPrefix(prompt, "Current analysis"):
		return "Which router model is this, and what MTU is configured on each side?", nil
	}
	return "Match the MTU on both interfaces, or apply `ip ospf mtu-ignore`, then verify with `show ip ospf neighbor`.", nil
}

type runbooks struct{}

func (runbooks) Search(context.Context, engine.SearchRequest) ([]engine.Passage, error) {
	return []engine.Passage{
		{Title: "OSPF neighbor states", Content: "EXSTART loops usually mean an MTU mismatch.", Source: "runbooks/ospf.md", Score: 0.88},
	}, nil
}

func main() {
	ctx := context.Background()

	// With DATABASE_URL set the walk-through runs against Postgres;
	// otherwise everything stays in memory.
	var store casegraph.Store = memstore.New()
	var backend queue.Backend = queue.NewMemory()
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := postgres.Connect(ctx, dbURL, 4)
		if err != nil {
			log.Fatalf("connect: %v", err)
		}
		defer pool.Close()
		pg := postgres.New(pool)
		if err := pg.CreateSchema(ctx); err != nil {
			log.Fatalf("schema: %v", err)
		}
		store, backend = pg, postgres.NewQueue(pool)
	}

	logger := zap.NewNop()
	jobs := queue.NewClient(backend, logger)
	eng := engine.New(engine.Deps{
		Store:     store,
		Queue:     jobs,
		Cache:     cache.New(cache.NewMemoryStore(1000, 0, logger), logger, nil),
		Inference: &scriptedLLM{},
		Knowledge: runbooks{},
		Logger:    logger,
	}, engine.Options{})

	reg := queue.NewRegistry()
	eng.Register(reg, task.NewMonitor(logger, nil), task.DefaultPolicy())
	worker := queue.NewWorker(backend, reg, logger, queue.WorkerOptions{})

	drain := func() {
		if _, err := worker.Drain(ctx); err != nil {
			log.Fatalf("drain: %v", err)
		}
	}

	// ── 1. Open a case ────────────────────────────────────────────────
	sub, err := eng.CreateCase(ctx, "demo-user", engine.CreateCaseRequest{
		Query:  "OSPF neighbor with the core router is stuck",
		Vendor: "Cisco",
	})
	if err != nil {
		log.Fatalf("create case: %v", err)
	}
	fmt.Printf("case %s created, analysis node %s queued as job %s\n", sub.CaseID, sub.NodeID, sub.JobID)

	// ── 2. The worker asks for clarification ──────────────────────────
	drain()
	printNode(ctx, store, sub.NodeID)

	// ── 3. The user answers ───────────────────────────────────────────
	reply, err := eng.Interact(ctx, "demo-user", sub.CaseID, engine.InteractRequest{
		ParentNodeID: sub.NodeID,
		Text:         "ISR 4451, MTU 1500 on our side and 9000 on the core.",
		FilterTags:   []string{"ospf"},
	})
	if err != nil {
		log.Fatalf("interact: %v", err)
	}
	fmt.Printf("reply stored, analysis node %s queued as job %s\n", reply.NodeID, reply.JobID)

	// ── 4. The worker produces a solution ─────────────────────────────
	drain()
	printNode(ctx, store, reply.NodeID)

	// ── 5. The user confirms it worked ────────────────────────────────
	rating := 5
	if _, err := eng.SubmitFeedback(ctx, "demo-user", sub.CaseID, engine.FeedbackInput{
		Outcome: casegraph.OutcomeSolved,
		Rating:  &rating,
	}); err != nil {
		log.Fatalf("feedback: %v", err)
	}

	g, err := eng.GetGraph(ctx, "demo-user", sub.CaseID)
	if err != nil {
		log.Fatalf("get graph: %v", err)
	}
	fmt.Printf("case is %s with %d nodes and %d edges:\n", g.Case.Status, len(g.Nodes), len(g.Edges))
	for _, n := range g.Nodes {
		fmt.Printf("  %-16s %-20s %s\n", n.Type, n.Status, n.Title)
	}
}

func printNode(ctx context.Context, store casegraph.Store, id string) {
	n, err := store.GetNode(ctx, id)
	if err != nil || n == nil {
		log.Fatalf("get node %s: %v", id, err)
	}
	content, err := casegraph.DecodeContent(n)
	if err != nil {
		log.Fatalf("decode node %s: %v", id, err)
	}
	switch c := content.(type) {
	case casegraph.ClarificationContent:
		fmt.Printf("node %s is %s, asking: %s\n", n.ID, n.Status, c.Clarification)
		for _, q := range c.Questions {
			fmt.Printf("  - %s\n", q)
		}
	case casegraph.SolutionContent:
		fmt.Printf("node %s is %s [%s/%s]: %s\n", n.ID, n.Status, c.Category, c.Severity, c.Answer)
		fmt.Printf("  commands: %s\n", strings.Join(c.Commands, "; "))
	default:
		fmt.Printf("node %s is %s\n", n.ID, n.Status)
	}
}
