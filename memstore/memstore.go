// Package memstore is an in-memory casegraph.Store. It is safe for
// concurrent use and backs tests, the example walk-through and single-process
// deployments that do not need durability.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meikuraledutech/casegraph"
	"github.com/google/uuid"
)

// Store implements casegraph.Store with maps guarded by a single mutex.
type Store struct {
	mu        sync.Mutex
	cases     map[string]*casegraph.Case
	nodes     map[string]*casegraph.Node
	nodeOrder map[string][]string // case ID → node IDs in insertion order
	edges     map[string][]casegraph.Edge
	feedback  map[string]*casegraph.Feedback // caseID/userID
	docs      map[string]*casegraph.Document
	now       func() time.Time
}

// New returns an empty Store.
func New() *Store {
	s := &Store{now: time.Now}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.cases = make(map[string]*casegraph.Case)
	s.nodes = make(map[string]*casegraph.Node)
	s.nodeOrder = make(map[string][]string)
	s.edges = make(map[string][]casegraph.Edge)
	s.feedback = make(map[string]*casegraph.Feedback)
	s.docs = make(map[string]*casegraph.Document)
}

// CreateSchema is a no-op; the maps exist from construction.
func (s *Store) CreateSchema(ctx context.Context) error { return nil }

// DropSchema discards every record.
func (s *Store) DropSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// CreateGraph stores a new case with its initial nodes and edges.
func (s *Store) CreateGraph(ctx context.Context, g *casegraph.Graph) (*casegraph.Graph, error) {
	now := s.now().UTC()
	if g.Case.ID == "" {
		g.Case.ID = uuid.NewString()
	}
	if g.Case.Status == "" {
		g.Case.Status = casegraph.CaseOpen
	}
	if g.Case.Status != casegraph.CaseOpen {
		return nil, fmt.Errorf("%w: cases are created open, got %q", casegraph.ErrInvalidCaseTransition, g.Case.Status)
	}
	if g.Case.CreatedAt.IsZero() {
		g.Case.CreatedAt = now
	}
	g.Case.UpdatedAt = g.Case.CreatedAt

	casegraph.Prepare(g.Case.ID, g.Nodes, g.Edges, now)
	if err := casegraph.ValidateGraph(g.Case.ID, g.Nodes, g.Edges); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cases[g.Case.ID]; ok {
		return nil, fmt.Errorf("memstore: case %s already exists", g.Case.ID)
	}
	c := g.Case
	s.cases[c.ID] = &c
	for _, n := range g.Nodes {
		s.putNode(n)
	}
	s.edges[c.ID] = append(s.edges[c.ID], g.Edges...)
	return g, nil
}

func (s *Store) putNode(n casegraph.Node) {
	cp := cloneNode(n)
	s.nodes[n.ID] = &cp
	s.nodeOrder[n.CaseID] = append(s.nodeOrder[n.CaseID], n.ID)
}

// GetGraph returns the case with all nodes and edges, or nil, nil.
func (s *Store) GetGraph(ctx context.Context, caseID string) (*casegraph.Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[caseID]
	if !ok {
		return nil, nil
	}
	g := &casegraph.Graph{Case: *c, Nodes: []casegraph.Node{}, Edges: []casegraph.Edge{}}
	for _, id := range s.nodeOrder[caseID] {
		g.Nodes = append(g.Nodes, cloneNode(*s.nodes[id]))
	}
	g.Edges = append(g.Edges, s.edges[caseID]...)
	return g, nil
}

// GetCase returns the case record, or nil, nil.
func (s *Store) GetCase(ctx context.Context, caseID string) (*casegraph.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// ListCases returns matching cases, most recently updated first.
func (s *Store) ListCases(ctx context.Context, f casegraph.CaseFilter) ([]casegraph.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []casegraph.Case{}
	for _, c := range s.cases {
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []casegraph.Case{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// UpdateCase overwrites title and status and bumps UpdatedAt.
func (s *Store) UpdateCase(ctx context.Context, c *casegraph.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.cases[c.ID]
	if !ok {
		return casegraph.ErrCaseNotFound
	}
	cur.Title = c.Title
	cur.Status = c.Status
	cur.UpdatedAt = s.now().UTC()
	c.UpdatedAt = cur.UpdatedAt
	c.CreatedAt = cur.CreatedAt
	c.UserID = cur.UserID
	return nil
}

// DeleteCase removes the case and every node, edge and feedback it owns.
func (s *Store) DeleteCase(ctx context.Context, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.nodeOrder[caseID] {
		delete(s.nodes, id)
	}
	delete(s.nodeOrder, caseID)
	delete(s.edges, caseID)
	delete(s.cases, caseID)
	for k, f := range s.feedback {
		if f.CaseID == caseID {
			delete(s.feedback, k)
		}
	}
	return nil
}

// AppendNodes adds nodes and edges to an existing case atomically.
func (s *Store) AppendNodes(ctx context.Context, caseID string, a casegraph.Append) error {
	now := s.now().UTC()
	casegraph.Prepare(caseID, a.Nodes, a.Edges, now)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cases[caseID]
	if !ok {
		return casegraph.ErrCaseNotFound
	}

	existing := make([]casegraph.Node, 0, len(s.nodeOrder[caseID])+len(a.Nodes))
	for _, id := range s.nodeOrder[caseID] {
		n := s.nodes[id]
		if a.RequireIdle && n.Status == casegraph.StatusProcessing {
			return casegraph.ErrCaseBusy
		}
		existing = append(existing, *n)
	}
	// Endpoints that live in another case are reported as cross-case.
	for _, e := range a.Edges {
		for _, id := range []string{e.Source, e.Target} {
			if n, ok := s.nodes[id]; ok && n.CaseID != caseID {
				return fmt.Errorf("%w: edge %s", casegraph.ErrCrossCaseEdge, e.ID)
			}
		}
	}
	allNodes := append(existing, a.Nodes...)
	allEdges := append(append([]casegraph.Edge{}, s.edges[caseID]...), a.Edges...)
	if err := casegraph.ValidateGraph(caseID, allNodes, allEdges); err != nil {
		return err
	}

	for _, n := range a.Nodes {
		s.putNode(n)
	}
	s.edges[caseID] = append(s.edges[caseID], a.Edges...)
	c.UpdatedAt = now
	return nil
}

// GetNode returns a node by ID, or nil, nil.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*casegraph.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, nil
	}
	cp := cloneNode(*n)
	return &cp, nil
}

// TransitionNode applies t to the node under the store lock.
func (s *Store) TransitionNode(ctx context.Context, nodeID string, t casegraph.Transition) (*casegraph.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return nil, casegraph.ErrNodeNotFound
	}
	work := cloneNode(*n)
	changed, err := casegraph.ApplyTransition(&work, t)
	if err != nil {
		return nil, err
	}
	if changed && t.RequireIdle {
		for _, id := range s.nodeOrder[n.CaseID] {
			if id != n.ID && s.nodes[id].Status == casegraph.StatusProcessing {
				return nil, casegraph.ErrCaseBusy
			}
		}
	}
	if changed {
		*n = work
		if c, ok := s.cases[n.CaseID]; ok {
			c.UpdatedAt = s.now().UTC()
		}
	}
	out := cloneNode(*n)
	return &out, nil
}

func feedbackKey(caseID, userID string) string { return caseID + "/" + userID }

// CreateFeedback stores f; a second feedback for the same (case, user) fails.
func (s *Store) CreateFeedback(ctx context.Context, f *casegraph.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[f.CaseID]; !ok {
		return casegraph.ErrCaseNotFound
	}
	k := feedbackKey(f.CaseID, f.UserID)
	if _, ok := s.feedback[k]; ok {
		return casegraph.ErrDuplicateFeedback
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := s.now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	cp := *f
	s.feedback[k] = &cp
	return nil
}

// GetFeedback returns the feedback a user left on a case, or nil, nil.
func (s *Store) GetFeedback(ctx context.Context, caseID, userID string) (*casegraph.Feedback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feedback[feedbackKey(caseID, userID)]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

// UpdateFeedback overwrites an existing feedback record.
func (s *Store) UpdateFeedback(ctx context.Context, f *casegraph.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := feedbackKey(f.CaseID, f.UserID)
	cur, ok := s.feedback[k]
	if !ok {
		return casegraph.ErrFeedbackNotFound
	}
	f.ID = cur.ID
	f.CreatedAt = cur.CreatedAt
	f.UpdatedAt = s.now().UTC()
	cp := *f
	s.feedback[k] = &cp
	return nil
}

// CreateDocument registers a document.
func (s *Store) CreateDocument(ctx context.Context, d *casegraph.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	cp := *d
	s.docs[d.ID] = &cp
	return nil
}

// GetDocument returns a document, or nil, nil.
func (s *Store) GetDocument(ctx context.Context, docID string) (*casegraph.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

// UpdateDocument overwrites status, content, error and job reference.
func (s *Store) UpdateDocument(ctx context.Context, d *casegraph.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.docs[d.ID]
	if !ok {
		return casegraph.ErrDocumentNotFound
	}
	cur.Status = d.Status
	cur.Content = append(json.RawMessage(nil), d.Content...)
	cur.Error = d.Error
	cur.JobID = d.JobID
	cur.UpdatedAt = s.now().UTC()
	d.UpdatedAt = cur.UpdatedAt
	return nil
}

func cloneNode(n casegraph.Node) casegraph.Node {
	if n.Content != nil {
		n.Content = append(json.RawMessage(nil), n.Content...)
	}
	if n.Metadata != nil {
		m := make(map[string]any, len(n.Metadata))
		for k, v := range n.Metadata {
			m[k] = v
		}
		n.Metadata = m
	}
	return n
}
