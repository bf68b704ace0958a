package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph"
)

const (
	titleMaxRunes   = 100
	titleProcessing = "Analyzing..."
)

// CreateCaseRequest opens a new diagnosis session.
type CreateCaseRequest struct {
	Query       string   `json:"query" validate:"required"`
	Attachments []string `json:"attachments,omitempty"`
	Vendor      string   `json:"vendor,omitempty"`
}

// Submission reports the nodes a request created and the job filling the
// PROCESSING one. JobID is empty when the queue refused the job.
type Submission struct {
	CaseID string           `json:"case_id"`
	NodeID string           `json:"node_id"`
	JobID  string           `json:"job_id,omitempty"`
	Nodes  []casegraph.Node `json:"nodes"`
	Edges  []casegraph.Edge `json:"edges"`
}

// CreateCase stores a case with its USER_QUERY node (COMPLETED) linked to an
// AI_ANALYSIS node (PROCESSING), then enqueues the analysis. The case is
// returned even if the enqueue fails.
func (e *Engine) CreateCase(ctx context.Context, userID string, req CreateCaseRequest) (*Submission, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}

	content, err := casegraph.EncodeContent(casegraph.QueryContent{
		Text:        query,
		Attachments: req.Attachments,
		Vendor:      req.Vendor,
	})
	if err != nil {
		return nil, err
	}

	queryNode := casegraph.Node{
		ID:      uuid.NewString(),
		Type:    casegraph.NodeUserQuery,
		Status:  casegraph.StatusCompleted,
		Title:   caseTitle(query),
		Content: content,
	}
	aiNode := casegraph.Node{
		ID:       uuid.NewString(),
		Type:     casegraph.NodeAIAnalysis,
		Status:   casegraph.StatusProcessing,
		Title:    titleProcessing,
		Metadata: map[string]any{metaHandler: HandlerAnalyzeQuery},
	}
	g := &casegraph.Graph{
		Case: casegraph.Case{
			Title:  caseTitle(query),
			Status: casegraph.CaseOpen,
			UserID: userID,
		},
		Nodes: []casegraph.Node{queryNode, aiNode},
		Edges: []casegraph.Edge{{Source: queryNode.ID, Target: aiNode.ID}},
	}

	g, err = e.store.CreateGraph(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("engine: create case: %w", err)
	}
	e.metrics.RecordNodeCreated(string(casegraph.NodeUserQuery))
	e.metrics.RecordNodeCreated(string(casegraph.NodeAIAnalysis))

	jobID := e.enqueue(ctx, HandlerAnalyzeQuery, g.Case.ID, aiNode.ID)
	e.logger.Info("case created",
		zap.String("case_id", g.Case.ID),
		zap.String("node_id", aiNode.ID),
		zap.String("job_id", jobID),
	)
	return &Submission{
		CaseID: g.Case.ID,
		NodeID: aiNode.ID,
		JobID:  jobID,
		Nodes:  g.Nodes,
		Edges:  g.Edges,
	}, nil
}

func caseTitle(query string) string {
	r := []rune(query)
	if len(r) <= titleMaxRunes {
		return query
	}
	return string(r[:titleMaxRunes]) + "..."
}

// GetGraph returns the full graph of a case owned by userID.
func (e *Engine) GetGraph(ctx context.Context, userID, caseID string) (*casegraph.Graph, error) {
	if _, err := e.ownedCase(ctx, userID, caseID); err != nil {
		return nil, err
	}
	g, err := e.store.GetGraph(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, casegraph.ErrCaseNotFound
	}
	return g, nil
}

// ListCases returns a user's cases, most recently updated first.
func (e *Engine) ListCases(ctx context.Context, f casegraph.CaseFilter) ([]casegraph.Case, error) {
	if f.Status != "" && !casegraph.ValidCaseStatus(f.Status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, f.Status)
	}
	return e.store.ListCases(ctx, f)
}

// CaseUpdate carries the mutable case fields; nil means unchanged.
type CaseUpdate struct {
	Title  *string               `json:"title,omitempty"`
	Status *casegraph.CaseStatus `json:"status,omitempty"`
}

// UpdateCase renames a case or moves it along the case lifecycle.
func (e *Engine) UpdateCase(ctx context.Context, userID, caseID string, u CaseUpdate) (*casegraph.Case, error) {
	c, err := e.ownedCase(ctx, userID, caseID)
	if err != nil {
		return nil, err
	}
	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title must not be empty", ErrInvalidRequest)
		}
		c.Title = title
	}
	if u.Status != nil {
		if err := e.moveCase(c, *u.Status); err != nil {
			return nil, err
		}
	}
	if err := e.store.UpdateCase(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (e *Engine) moveCase(c *casegraph.Case, to casegraph.CaseStatus) error {
	if !casegraph.ValidCaseStatus(to) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, to)
	}
	if !casegraph.CanTransitionCase(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", casegraph.ErrInvalidCaseTransition, c.Status, to)
	}
	c.Status = to
	return nil
}

// DeleteCase removes a case with every node, edge and feedback it owns.
// Jobs still queued for its nodes find nothing to do and finish quietly.
func (e *Engine) DeleteCase(ctx context.Context, userID, caseID string) error {
	if _, err := e.ownedCase(ctx, userID, caseID); err != nil {
		return err
	}
	if err := e.store.DeleteCase(ctx, caseID); err != nil {
		return fmt.Errorf("engine: delete case: %w", err)
	}
	e.logger.Info("case deleted", zap.String("case_id", caseID))
	return nil
}

// StatusView is what a polling client needs to know about a case.
type StatusView struct {
	CaseID          string               `json:"case_id"`
	Status          casegraph.CaseStatus `json:"status"`
	UpdatedAt       time.Time            `json:"updated_at"`
	ProcessingNodes []casegraph.Node     `json:"processing_nodes"`
	AwaitingNodes   []casegraph.Node     `json:"awaiting_nodes"`
	FailedNodes     []casegraph.Node     `json:"failed_nodes"`
}

// CaseStatus returns the nodes a client is waiting on or must answer.
func (e *Engine) CaseStatus(ctx context.Context, userID, caseID string) (*StatusView, error) {
	g, err := e.GetGraph(ctx, userID, caseID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		CaseID:          g.Case.ID,
		Status:          g.Case.Status,
		UpdatedAt:       g.Case.UpdatedAt,
		ProcessingNodes: g.NodesWithStatus(casegraph.StatusProcessing),
		AwaitingNodes:   g.NodesWithStatus(casegraph.StatusAwaitingUserInput),
		FailedNodes:     g.NodesWithStatus(casegraph.StatusFailed),
	}, nil
}

// Retrigger re-enqueues the job behind an AI_ANALYSIS node that is stuck in
// PROCESSING or ended FAILED. A FAILED node moves back to PROCESSING first,
// which fails with casegraph.ErrCaseBusy while another node of the case is
// running.
func (e *Engine) Retrigger(ctx context.Context, userID, nodeID string) (*Submission, error) {
	n, err := e.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, casegraph.ErrNodeNotFound
	}
	if _, err := e.ownedCase(ctx, userID, n.CaseID); err != nil {
		return nil, err
	}
	if n.Type != casegraph.NodeAIAnalysis {
		return nil, fmt.Errorf("%w: only %s nodes run handlers", ErrInvalidRequest, casegraph.NodeAIAnalysis)
	}

	n, err = e.store.TransitionNode(ctx, nodeID, casegraph.Transition{
		To:          casegraph.StatusProcessing,
		Title:       titleProcessing,
		RequireIdle: true,
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordTransition(string(casegraph.StatusProcessing))

	handler, _ := n.Metadata[metaHandler].(string)
	if handler == "" {
		handler = HandlerAnalyzeQuery
	}
	jobID := e.enqueue(ctx, handler, n.CaseID, n.ID)
	e.logger.Info("node re-triggered",
		zap.String("case_id", n.CaseID),
		zap.String("node_id", n.ID),
		zap.String("handler", handler),
		zap.String("job_id", jobID),
	)
	return &Submission{CaseID: n.CaseID, NodeID: n.ID, JobID: jobID, Nodes: []casegraph.Node{*n}, Edges: []casegraph.Edge{}}, nil
}
