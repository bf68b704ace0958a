package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph"
	"github.com/meikuraledutech/casegraph/cache"
	"github.com/meikuraledutech/casegraph/queue"
	"github.com/meikuraledutech/casegraph/task"
)

const (
	titleCompleted = "Diagnosis complete"
	titleAwaiting  = "More information needed"
	titleFailed    = "Analysis failed"
)

// conversation is what one diagnosis step knows about the path that led
// to its node.
type conversation struct {
	query      string
	vendor     string
	transcript []string
	rounds     int
	alpha      float64
	tags       []string
}

func (c conversation) history() string { return strings.Join(c.transcript, "\n") }

func (c conversation) searchText() string {
	parts := []string{c.query}
	for _, line := range c.transcript {
		if strings.HasPrefix(line, "User: ") {
			parts = append(parts, strings.TrimPrefix(line, "User: "))
		}
	}
	return strings.Join(parts, "\n")
}

// handleDiagnosis serves both analyze_query and process_user_response: it
// fills one PROCESSING AI_ANALYSIS node from the conversation above it.
// Args: case ID, node ID.
func (e *Engine) handleDiagnosis(ctx context.Context, job *queue.Job) error {
	caseID, err := job.StringArg(0)
	if err != nil {
		return task.Permanent(err)
	}
	nodeID, err := job.StringArg(1)
	if err != nil {
		return task.Permanent(err)
	}

	ctx, span := e.tracer.Start(ctx, "engine.diagnose", trace.WithAttributes(
		attribute.String("case.id", caseID),
		attribute.String("node.id", nodeID),
	))
	defer span.End()
	log := e.logger.With(
		zap.String("case_id", caseID),
		zap.String("node_id", nodeID),
		zap.String("job_id", job.ID),
	)

	n, err := e.store.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if n == nil {
		log.Warn("node no longer exists, nothing to do")
		return nil
	}
	if n.CaseID != caseID {
		return task.Permanent(fmt.Errorf("engine: node %s belongs to case %s, not %s", nodeID, n.CaseID, caseID))
	}
	if n.Status != casegraph.StatusProcessing {
		log.Info("node already settled, skipping", zap.String("status", string(n.Status)))
		return nil
	}

	g, err := e.store.GetGraph(ctx, caseID)
	if err != nil {
		return err
	}
	if g == nil {
		log.Warn("case no longer exists, nothing to do")
		return nil
	}
	conv, err := e.buildConversation(g, nodeID)
	if err != nil {
		return task.Permanent(err)
	}

	t, err := e.diagnose(ctx, conv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	_, err = e.store.TransitionNode(ctx, nodeID, t)
	switch {
	case errors.Is(err, casegraph.ErrInvalidTransition):
		log.Info("node settled by another delivery", zap.Error(err))
		return nil
	case errors.Is(err, casegraph.ErrNodeNotFound):
		log.Warn("node deleted while processing")
		return nil
	case err != nil:
		return err
	}
	e.metrics.RecordTransition(string(t.To))
	log.Info("node settled", zap.String("status", string(t.To)))
	return nil
}

// buildConversation walks the first-parent path from the root query down to
// nodeID.
func (e *Engine) buildConversation(g *casegraph.Graph, nodeID string) (conversation, error) {
	conv := conversation{alpha: e.opts.DefaultRetrievalWeight, tags: []string{}}
	path := g.Lineage(nodeID)
	if len(path) > 0 {
		path = path[:len(path)-1]
	}
	for _, n := range path {
		content, err := casegraph.DecodeContent(n)
		if err != nil {
			return conv, err
		}
		switch c := content.(type) {
		case casegraph.QueryContent:
			if conv.query == "" {
				conv.query = c.Text
				conv.vendor = c.Vendor
			}
		case casegraph.ClarificationContent:
			conv.rounds++
			conv.transcript = append(conv.transcript, "Assistant: "+c.Clarification)
		case casegraph.SolutionContent:
			conv.transcript = append(conv.transcript, "Assistant: "+c.Answer)
		case casegraph.ResponseContent:
			conv.transcript = append(conv.transcript, "User: "+responseText(c))
			if w, ok := n.Metadata[metaRetrievalWeight].(float64); ok {
				conv.alpha = w
			}
			conv.tags = stringSlice(n.Metadata[metaFilterTags])
		}
	}
	if conv.query == "" {
		return conv, fmt.Errorf("engine: node %s has no %s ancestor", nodeID, casegraph.NodeUserQuery)
	}
	return conv, nil
}

func responseText(c casegraph.ResponseContent) string {
	if len(c.Fields) == 0 {
		return c.Text
	}
	keys := make([]string, 0, len(c.Fields))
	for k := range c.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{}
	if c.Text != "" {
		parts = append(parts, c.Text)
	}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, c.Fields[k]))
	}
	return strings.Join(parts, "; ")
}

func stringSlice(v any) []string {
	out := []string{}
	switch s := v.(type) {
	case []string:
		out = append(out, s...)
	case []any:
		for _, x := range s {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
	}
	return out
}

// diagnose runs retrieval, analysis and then either clarification or a
// solution. Every collaborator call goes through the result cache.
func (e *Engine) diagnose(ctx context.Context, conv conversation) (casegraph.Transition, error) {
	passages, err := e.retrieve(ctx, conv)
	if err != nil {
		return casegraph.Transition{}, err
	}
	docs := formatPassages(passages)

	analysis, err := e.analyze(ctx, conv, docs)
	if err != nil {
		return casegraph.Transition{}, err
	}

	if analysis.NeedMoreInfo && conv.rounds < e.opts.MaxClarificationRounds {
		questions := clarificationQuestions(analysis.Category, conv.vendor)
		text, err := e.clarify(ctx, conv, analysis, questions)
		if err != nil {
			return casegraph.Transition{}, err
		}
		content, err := casegraph.EncodeContent(casegraph.ClarificationContent{
			Analysis:      analysis.Text,
			Clarification: text,
			Questions:     questions,
			Category:      analysis.Category,
			Severity:      analysis.Severity,
			Round:         conv.rounds + 1,
		})
		if err != nil {
			return casegraph.Transition{}, err
		}
		return casegraph.Transition{
			To:       casegraph.StatusAwaitingUserInput,
			Title:    titleAwaiting,
			Content:  content,
			Metadata: map[string]any{"category": analysis.Category, "severity": analysis.Severity},
		}, nil
	}

	answer, err := e.solve(ctx, conv, analysis, docs)
	if err != nil {
		return casegraph.Transition{}, err
	}
	content, err := casegraph.EncodeContent(casegraph.SolutionContent{
		Analysis:              analysis.Text,
		Answer:                answer,
		Category:              analysis.Category,
		Severity:              analysis.Severity,
		NeedDetailedDiagnosis: analysis.NeedDetailedDiagnosis,
		Sources:               sourcesFrom(passages),
		Commands:              extractCommands(answer),
	})
	if err != nil {
		return casegraph.Transition{}, err
	}
	return casegraph.Transition{
		To:       casegraph.StatusCompleted,
		Title:    titleCompleted,
		Content:  content,
		Metadata: map[string]any{"category": analysis.Category, "severity": analysis.Severity},
	}, nil
}

func (e *Engine) retrieve(ctx context.Context, conv conversation) ([]Passage, error) {
	if e.kb == nil {
		return []Passage{}, nil
	}
	req := SearchRequest{Query: conv.searchText(), TopK: e.opts.TopK, Alpha: conv.alpha, Tags: conv.tags}
	key, err := cache.Key(cache.OpRetrieval, []any{req.Query, req.TopK}, map[string]any{"alpha": req.Alpha, "tags": req.Tags})
	if err != nil {
		return nil, task.Permanent(err)
	}
	return cache.Do(ctx, e.cache, key, e.opts.TTL.Retrieval, func(ctx context.Context) ([]Passage, error) {
		p, err := e.kb.Search(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("engine: knowledge search: %w", err)
		}
		return p, nil
	})
}

func (e *Engine) analyze(ctx context.Context, conv conversation, docs string) (Analysis, error) {
	key, err := cache.Key(cache.OpAnalysis, []any{conv.query, conv.history(), docs}, map[string]any{"vendor": conv.vendor})
	if err != nil {
		return Analysis{}, task.Permanent(err)
	}
	return cache.Do(ctx, e.cache, key, e.opts.TTL.Analysis, func(ctx context.Context) (Analysis, error) {
		text, err := e.llm.Infer(ctx, analysisPrompt(conv.query, conv.history(), docs), systemContext(conv.vendor))
		if err != nil {
			return Analysis{}, fmt.Errorf("engine: analysis inference: %w", err)
		}
		return parseAnalysis(text), nil
	})
}

func (e *Engine) clarify(ctx context.Context, conv conversation, a Analysis, questions []string) (string, error) {
	key, err := cache.Key(cache.OpClarification, []any{a.Text, a.Category, a.Severity}, map[string]any{"vendor": conv.vendor})
	if err != nil {
		return "", task.Permanent(err)
	}
	return cache.Do(ctx, e.cache, key, e.opts.TTL.Clarification, func(ctx context.Context) (string, error) {
		text, err := e.llm.Infer(ctx, clarificationPrompt(a, questions), systemContext(conv.vendor))
		if err != nil {
			return "", fmt.Errorf("engine: clarification inference: %w", err)
		}
		return strings.TrimSpace(text), nil
	})
}

func (e *Engine) solve(ctx context.Context, conv conversation, a Analysis, docs string) (string, error) {
	key, err := cache.Key(cache.OpSolution, []any{conv.query, conv.history(), a.Category, docs}, map[string]any{"vendor": conv.vendor})
	if err != nil {
		return "", task.Permanent(err)
	}
	return cache.Do(ctx, e.cache, key, e.opts.TTL.Solution, func(ctx context.Context) (string, error) {
		text, err := e.llm.Infer(ctx, solutionPrompt(conv.vendor, conv.query, a.Category, conv.history(), docs), systemContext(conv.vendor))
		if err != nil {
			return "", fmt.Errorf("engine: solution inference: %w", err)
		}
		return strings.TrimSpace(text), nil
	})
}

// failNode is the exhaustion hook for node handlers: the node ends FAILED
// with the last error instead of sitting in PROCESSING.
func (e *Engine) failNode(ctx context.Context, job *queue.Job, attempts int, cause error) {
	nodeID, err := job.StringArg(1)
	if err != nil {
		e.logger.Error("exhausted job has no node argument", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	content, err := casegraph.EncodeContent(casegraph.FailureContent{Error: cause.Error(), Attempts: attempts})
	if err != nil {
		e.logger.Error("encode failure content", zap.Error(err))
		return
	}
	_, err = e.store.TransitionNode(ctx, nodeID, casegraph.Transition{
		To:      casegraph.StatusFailed,
		Title:   titleFailed,
		Content: content,
	})
	if err != nil {
		e.logger.Warn("could not mark node failed",
			zap.String("node_id", nodeID),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return
	}
	e.metrics.RecordTransition(string(casegraph.StatusFailed))
	e.logger.Error("node failed",
		zap.String("node_id", nodeID),
		zap.String("job_id", job.ID),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
}
