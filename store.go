package casegraph

import (
	"context"
	"errors"
)

var (
	ErrCycleDetected         = errors.New("casegraph: cycle detected, conversation graph is not acyclic")
	ErrCrossCaseEdge         = errors.New("casegraph: edge endpoints belong to different cases")
	ErrCaseNotFound          = errors.New("casegraph: case not found")
	ErrNodeNotFound          = errors.New("casegraph: node not found")
	ErrInvalidTransition     = errors.New("casegraph: invalid node transition")
	ErrInvalidCaseTransition = errors.New("casegraph: invalid case status transition")
	ErrCaseBusy              = errors.New("casegraph: case already has a node in PROCESSING")
	ErrCaseNotOpen           = errors.New("casegraph: case is not open")
	ErrDuplicateFeedback     = errors.New("casegraph: feedback already submitted for this case")
	ErrFeedbackNotFound      = errors.New("casegraph: feedback not found")
	ErrDocumentNotFound      = errors.New("casegraph: document not found")
)

// CaseFilter narrows ListCases. Zero values mean "any".
type CaseFilter struct {
	UserID string
	Status CaseStatus
	Limit  int
	Offset int
}

// Append is a batch of nodes and edges added to an existing case in one
// atomic step. When RequireIdle is set the append fails with ErrCaseBusy if
// any node of the case is PROCESSING at commit time.
type Append struct {
	Nodes       []Node
	Edges       []Edge
	RequireIdle bool
}

// Store defines the contract for persisting and retrieving case graphs.
// Getters return nil, nil when the record does not exist.
type Store interface {
	// Schema
	CreateSchema(ctx context.Context) error
	DropSchema(ctx context.Context) error

	// Cases (graph-level operations)
	CreateGraph(ctx context.Context, g *Graph) (*Graph, error)
	GetGraph(ctx context.Context, caseID string) (*Graph, error)
	GetCase(ctx context.Context, caseID string) (*Case, error)
	ListCases(ctx context.Context, f CaseFilter) ([]Case, error)
	UpdateCase(ctx context.Context, c *Case) error
	DeleteCase(ctx context.Context, caseID string) error

	// Nodes and edges
	AppendNodes(ctx context.Context, caseID string, a Append) error
	GetNode(ctx context.Context, nodeID string) (*Node, error)
	TransitionNode(ctx context.Context, nodeID string, t Transition) (*Node, error)

	// Feedback
	CreateFeedback(ctx context.Context, f *Feedback) error
	GetFeedback(ctx context.Context, caseID, userID string) (*Feedback, error)
	UpdateFeedback(ctx context.Context, f *Feedback) error

	// Documents
	CreateDocument(ctx context.Context, d *Document) error
	GetDocument(ctx context.Context, docID string) (*Document, error)
	UpdateDocument(ctx context.Context, d *Document) error
}
