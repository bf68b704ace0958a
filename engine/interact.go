package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph"
)

// Metadata keys stored on USER_RESPONSE nodes and read back by retrieval.
const (
	metaRetrievalWeight = "retrieval_weight"
	metaFilterTags      = "filter_tags"
)

// InteractRequest is a user's reply to a node of the conversation.
type InteractRequest struct {
	ParentNodeID    string         `json:"parent_node_id" validate:"required"`
	Text            string         `json:"text"`
	Fields          map[string]any `json:"fields,omitempty"`
	RetrievalWeight *float64       `json:"retrieval_weight,omitempty" validate:"omitempty,gte=0,lte=1"`
	FilterTags      []string       `json:"filter_tags,omitempty"`
}

// Interact appends a USER_RESPONSE node (COMPLETED) after the parent and an
// AI_ANALYSIS node (PROCESSING) after it, then enqueues the response
// handler. The parent itself is never modified.
//
// At most one node per case is PROCESSING at a time: the append fails with
// casegraph.ErrCaseBusy while an earlier step is still running.
func (e *Engine) Interact(ctx context.Context, userID, caseID string, req InteractRequest) (*Submission, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" && len(req.Fields) == 0 {
		return nil, fmt.Errorf("%w: a response needs text or fields", ErrInvalidRequest)
	}
	weight := e.opts.DefaultRetrievalWeight
	if req.RetrievalWeight != nil {
		weight = *req.RetrievalWeight
		if weight < 0 || weight > 1 {
			return nil, fmt.Errorf("%w: retrieval_weight must be within [0,1]", ErrInvalidRequest)
		}
	}

	c, err := e.ownedCase(ctx, userID, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status != casegraph.CaseOpen {
		return nil, fmt.Errorf("%w: case %s is %s", casegraph.ErrCaseNotOpen, caseID, c.Status)
	}
	parent, err := e.store.GetNode(ctx, req.ParentNodeID)
	if err != nil {
		return nil, err
	}
	if parent == nil || parent.CaseID != caseID {
		return nil, fmt.Errorf("%w: parent %s", casegraph.ErrNodeNotFound, req.ParentNodeID)
	}

	content, err := casegraph.EncodeContent(casegraph.ResponseContent{Text: text, Fields: req.Fields})
	if err != nil {
		return nil, err
	}
	tags := req.FilterTags
	if tags == nil {
		tags = []string{}
	}
	respNode := casegraph.Node{
		ID:      uuid.NewString(),
		Type:    casegraph.NodeUserResponse,
		Status:  casegraph.StatusCompleted,
		Title:   caseTitle(firstNonEmpty(text, "User response")),
		Content: content,
		Metadata: map[string]any{
			metaRetrievalWeight: weight,
			metaFilterTags:      tags,
		},
	}
	aiNode := casegraph.Node{
		ID:       uuid.NewString(),
		Type:     casegraph.NodeAIAnalysis,
		Status:   casegraph.StatusProcessing,
		Title:    titleProcessing,
		Metadata: map[string]any{metaHandler: HandlerProcessResponse},
	}
	a := casegraph.Append{
		Nodes: []casegraph.Node{respNode, aiNode},
		Edges: []casegraph.Edge{
			{Source: parent.ID, Target: respNode.ID},
			{Source: respNode.ID, Target: aiNode.ID},
		},
		RequireIdle: true,
	}
	if err := e.store.AppendNodes(ctx, caseID, a); err != nil {
		return nil, fmt.Errorf("engine: interact: %w", err)
	}
	e.metrics.RecordNodeCreated(string(casegraph.NodeUserResponse))
	e.metrics.RecordNodeCreated(string(casegraph.NodeAIAnalysis))

	jobID := e.enqueue(ctx, HandlerProcessResponse, caseID, aiNode.ID)
	e.logger.Info("interaction recorded",
		zap.String("case_id", caseID),
		zap.String("parent_id", parent.ID),
		zap.String("node_id", aiNode.ID),
		zap.String("job_id", jobID),
	)
	return &Submission{
		CaseID: caseID,
		NodeID: aiNode.ID,
		JobID:  jobID,
		Nodes:  a.Nodes,
		Edges:  a.Edges,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
