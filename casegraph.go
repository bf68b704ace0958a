// Package casegraph models a diagnosis session as a directed graph of
// conversation nodes and the state machine that drives it forward.
package casegraph

import (
	"encoding/json"
	"time"
)

// CaseStatus is the lifecycle state of a Case.
type CaseStatus string

const (
	CaseOpen   CaseStatus = "open"
	CaseSolved CaseStatus = "solved"
	CaseClosed CaseStatus = "closed"
)

// NodeType identifies what a node represents in the conversation.
// The set is open: unknown types are persisted and returned untouched.
type NodeType string

const (
	NodeUserQuery    NodeType = "USER_QUERY"
	NodeAIAnalysis   NodeType = "AI_ANALYSIS"
	NodeUserResponse NodeType = "USER_RESPONSE"
)

// NodeStatus is the node state machine. See transition.go.
type NodeStatus string

const (
	StatusQueued            NodeStatus = "QUEUED"
	StatusProcessing        NodeStatus = "PROCESSING"
	StatusCompleted         NodeStatus = "COMPLETED"
	StatusAwaitingUserInput NodeStatus = "AWAITING_USER_INPUT"
	StatusFailed            NodeStatus = "FAILED"
)

// Case is one diagnosis session. It owns its nodes and edges.
type Case struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Status    CaseStatus `json:"status"`
	UserID    string     `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Node is one step of a case's conversation.
// Content is opaque to the graph; its schema belongs to the handler that
// writes it (see content.go for the typed view).
type Node struct {
	ID        string          `json:"id,omitempty"`
	CaseID    string          `json:"case_id"`
	Type      NodeType        `json:"type"`
	Status    NodeStatus      `json:"status"`
	Title     string          `json:"title"`
	Content   json.RawMessage `json:"content,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Edge is a directed causal link Source → Target inside one case.
type Edge struct {
	ID        string    `json:"id,omitempty"`
	CaseID    string    `json:"case_id"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
}

// Graph is a case together with every node and edge it owns.
type Graph struct {
	Case  Case   `json:"case"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Parents returns the source nodes of every edge pointing at id, in edge order.
func (g *Graph) Parents(id string) []*Node {
	var out []*Node
	for _, e := range g.Edges {
		if e.Target == id {
			if n := g.Node(e.Source); n != nil {
				out = append(out, n)
			}
		}
	}
	return out
}

// Lineage walks first-parent links from id back to the root and returns the
// path root-first, ending with the node itself.
func (g *Graph) Lineage(id string) []*Node {
	var path []*Node
	seen := make(map[string]bool)
	for cur := g.Node(id); cur != nil && !seen[cur.ID]; {
		seen[cur.ID] = true
		path = append(path, cur)
		parents := g.Parents(cur.ID)
		if len(parents) == 0 {
			break
		}
		cur = parents[0]
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// NodesWithStatus returns the nodes currently in status s.
func (g *Graph) NodesWithStatus(s NodeStatus) []Node {
	out := []Node{}
	for _, n := range g.Nodes {
		if n.Status == s {
			out = append(out, n)
		}
	}
	return out
}

// Outcome is the user's verdict on a case's final solution.
type Outcome string

const (
	OutcomeSolved          Outcome = "solved"
	OutcomeUnsolved        Outcome = "unsolved"
	OutcomePartiallySolved Outcome = "partially_solved"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSolved, OutcomeUnsolved, OutcomePartiallySolved:
		return true
	}
	return false
}

// Feedback is a user's assessment of a case. At most one per (case, user).
type Feedback struct {
	ID                    string    `json:"id"`
	CaseID                string    `json:"case_id"`
	UserID                string    `json:"user_id"`
	Outcome               Outcome   `json:"outcome"`
	Rating                *int      `json:"rating,omitempty"`
	Comment               string    `json:"comment,omitempty"`
	CorrectedSolution     string    `json:"corrected_solution,omitempty"`
	KnowledgeContribution string    `json:"knowledge_contribution,omitempty"`
	AdditionalContext     string    `json:"additional_context,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Document is a knowledge-base file going through the parse pipeline.
// It reuses NodeStatus values: QUEUED → PROCESSING → COMPLETED | FAILED.
type Document struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Filename  string          `json:"filename"`
	SourceRef string          `json:"source_ref"`
	Status    NodeStatus      `json:"status"`
	Content   json.RawMessage `json:"content,omitempty"`
	Error     string          `json:"error,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
