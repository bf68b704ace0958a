// Package storetest holds a conformance suite every casegraph.Store
// implementation runs from its own tests.
package storetest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/casegraph"
)

// Factory returns an empty store with its schema in place.
type Factory func(t *testing.T) casegraph.Store

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGetGraph", func(t *testing.T) { testCreateAndGetGraph(t, newStore(t)) })
	t.Run("CreateRejectsCycle", func(t *testing.T) { testCreateRejectsCycle(t, newStore(t)) })
	t.Run("AppendConversationStep", func(t *testing.T) { testAppend(t, newStore(t)) })
	t.Run("AppendRequireIdle", func(t *testing.T) { testAppendRequireIdle(t, newStore(t)) })
	t.Run("AppendRejectsCrossCaseEdge", func(t *testing.T) { testCrossCase(t, newStore(t)) })
	t.Run("TransitionIdempotent", func(t *testing.T) { testTransition(t, newStore(t)) })
	t.Run("TransitionRequireIdle", func(t *testing.T) { testTransitionRequireIdle(t, newStore(t)) })
	t.Run("CascadeDelete", func(t *testing.T) { testCascadeDelete(t, newStore(t)) })
	t.Run("ListAndUpdateCases", func(t *testing.T) { testListAndUpdate(t, newStore(t)) })
	t.Run("Feedback", func(t *testing.T) { testFeedback(t, newStore(t)) })
	t.Run("Documents", func(t *testing.T) { testDocuments(t, newStore(t)) })
}

// seed creates a case with a completed USER_QUERY node "a" and a processing
// AI_ANALYSIS node "b" linked a → b. It returns the stored graph.
func seed(t *testing.T, s casegraph.Store, userID string) *casegraph.Graph {
	t.Helper()
	g, err := s.CreateGraph(context.Background(), &casegraph.Graph{
		Case: casegraph.Case{Title: "bgp neighbor flapping", UserID: userID},
		Nodes: []casegraph.Node{
			{Type: casegraph.NodeUserQuery, Status: casegraph.StatusCompleted, Title: "User query", Content: json.RawMessage(`{"text":"bgp neighbor flapping"}`)},
			{Type: casegraph.NodeAIAnalysis, Status: casegraph.StatusProcessing, Title: "Analyzing..."},
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.AppendNodes(context.Background(), g.Case.ID, casegraph.Append{
		Edges: []casegraph.Edge{{Source: g.Nodes[0].ID, Target: g.Nodes[1].ID}},
	}))
	out, err := s.GetGraph(context.Background(), g.Case.ID)
	require.NoError(t, err)
	return out
}

func testCreateAndGetGraph(t *testing.T, s casegraph.Store) {
	ctx := context.Background()
	g := seed(t, s, "u1")

	assert.Equal(t, casegraph.CaseOpen, g.Case.Status)
	require.Len(t, g.Nodes, 2)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, casegraph.NodeUserQuery, g.Nodes[0].Type)
	assert.JSONEq(t, `{"text":"bgp neighbor flapping"}`, string(g.Nodes[0].Content))
	assert.Equal(t, g.Nodes[0].ID, g.Edges[0].Source)
	assert.Equal(t, g.Nodes[1].ID, g.Edges[0].Target)

	n, err := s.GetNode(ctx, g.Nodes[1].ID)
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.Equal(t, casegraph.StatusProcessing, n.Status)
	assert.Equal(t, g.Case.ID, n.CaseID)

	missing, err := s.GetGraph(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testCreateRejectsCycle(t *testing.T, s casegraph.Store) {
	_, err := s.CreateGraph(context.Background(), &casegraph.Graph{
		Case: casegraph.Case{Title: "loop", UserID: "u1"},
		Nodes: []casegraph.Node{
			{ID: "n1", Type: casegraph.NodeUserQuery, Status: casegraph.StatusCompleted},
			{ID: "n2", Type: casegraph.NodeAIAnalysis, Status: casegraph.StatusProcessing},
		},
		Edges: []casegraph.Edge{{Source: "n1", Target: "n2"}, {Source: "n2", Target: "n1"}},
	})
	assert.ErrorIs(t, err, casegraph.ErrCycleDetected)
}

func testAppend(t *testing.T, s casegraph.Store) {
	ctx := context.Background()
	g := seed(t, s, "u1")
	b := g.Nodes[1]

	_, err := s.TransitionNode(ctx, b.ID, casegraph.Transition{To: casegraph.StatusAwaitingUserInput, Content: []byte(`{"clarification":"which vendor?"}`)})
	require.NoError(t, err)

	c := casegraph.Node{Type: casegraph.NodeUserResponse, Status: casegraph.StatusCompleted, Content: json.RawMessage(`{"text":"Huawei"}`)}
	d := casegraph.Node{Type: casegraph.NodeAIAnalysis, Status: casegraph.StatusProcessing}
	batch := casegraph.Append{Nodes: []casegraph.Node{c, d}, RequireIdle: true}
	casegraph.Prepare(g.Case.ID, batch.Nodes, nil, g.Case.CreatedAt)
	batch.Edges = []casegraph.Edge{
		{Source: b.ID, Target: batch.Nodes[0].ID},
		{Source: batch.Nodes[0].ID, Target: batch.Nodes[1].ID},
	}
	require.NoError(t, s.AppendNodes(ctx, g.Case.ID, batch))

	after, err := s.GetGraph(ctx, g.Case.ID)
	require.NoError(t, err)
	assert.Len(t, after.Nodes, 4)
	assert.Len(t, after.Edges, 3)
	assert.Equal(t, casegraph.StatusAwaitingUserInput, after.Node(b.ID).Status)
	assert.False(t, after.Case.UpdatedAt.Before(g.Case.UpdatedAt))
}

func testAppendRequireIdle(t *testing.T, s casegraph.Store) {
	ctx := context.Background()
	g := seed(t, s, "u1")

	err := s.AppendNodes(ctx, g.Case.ID, casegraph.Append{
		Nodes:       []casegraph.Node{{Type: casegraph.NodeUserResponse, Status: casegraph.StatusCompleted}},
		RequireIdle: true,
	})
	assert.ErrorIs(t, err, casegraph.ErrCaseBusy)

	after, err := s.GetGraph(ctx, g.Case.ID)
	require.NoError(t, err)
	assert.Len(t, after.Nodes, 2)

	err = s.AppendNodes(ctx, "missing-case", casegraph.Append{})
	assert.ErrorIs(t, err, casegraph.ErrCaseNotFound)
}

func testCrossCase(t *testing.T, s casegraph.Store) {
	ctx := context.Background()
	g1 := seed(t, s, "u1")
	g2 := seed(t, s, "u1")

	err := s.AppendNodes(ctx, g1.Case.ID, casegraph.Append{
		Edges: []casegraph.Edge{{Source: g1.Nodes[0].ID, Target: g2.Nodes[1].ID}},
	})
	assert.ErrorIs(t, err, casegraph.ErrCrossCaseEdge)

	for _, g := range []*casegraph.Graph{g1, g2} {
		got, err := s.GetGraph(ctx, g.Case.ID)
		require.NoError(t, err)
		for _, e := range got.Edges {
			src, dst := got.Node(e.Source), got.Node(e.Target)
			require.NotNil(t, src)
			require.NotNil(t, dst)
			assert.Equal(t, got.Case.ID, src.CaseID)
			assert.Equal(t, got.Case.ID, dst.CaseID)
		}
	}
}

func testTransition(t *testing.T, s casegraph.Store) {
	ctx := context.Background()
	g := seed(t, s, "u1")
	b := g.Nodes[1].ID
	tr := casegraph.Transition{
		To:       casegraph.StatusCompleted,
		Title:    "Analysis complete",
		Content:  []byte(`{"analysis":"peer MTU mismatch"}`),
		Metadata: map[string]any{"job_id": "01J"},
	}

	first, err := s.TransitionNode(ctx, b, tr)
	require.NoError(t, err)
	second, err := s.TransitionNode(ctx, b, tr)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Title, second.Title)
	assert.JSONEq(t, string(first.Content), string(second.Content))

	after, err := s.GetGraph(ctx, g.Case.ID)
	require.NoError(t, err)
	assert.Len(t, after.Nodes, 2)
	assert.Len(t, after.Edges, 1)
	assert.Equal(t, "01J", after.Node(b).Metadata["job_id"])

	_, err = s.TransitionNode(ctx, b, casegraph.Transition{To: casegraph.StatusFailed})
	assert.ErrorIs(t, err, casegraph.ErrInvalidTransition)

	_, err = s.TransitionNode(ctx, "missing", tr)
	assert.ErrorIs(t, err, casegraph.ErrNodeNotFound)
}

func testTransitionRequireIdle(t *testing.T, s casegraph.Store) {
	ctx := context.Background()
	g := seed(t, s, "u1")
	a, b := g.Nodes[0].ID, g.Nodes[1].ID

	_, err := s.TransitionNode(ctx, b, casegraph.Transition{To: casegraph.StatusFailed})
	require.NoError(t, err)

	c := casegraph.Node{Type: casegraph.NodeAIAnalysis, Status: casegraph.StatusProcessing, Title: "Analyzing..."}
	batch := casegraph.Append{Nodes: []casegraph.Node{c}, RequireIdle: true}
	casegraph.Prepare(g.Case.ID, batch.Nodes, nil, g.Case.CreatedAt)
	cID := batch.Nodes[0].ID
	batch.Edges = []casegraph.Edge{{Source: a, Target: cID}}
	require.NoError(t, s.AppendNodes(ctx, g.Case.ID, batch))

	rerun := casegraph.Transition{To: casegraph.StatusProcessing, RequireIdle: true}
	_, err = s.TransitionNode(ctx, b, rerun)
	assert.ErrorIs(t, err, casegraph.ErrCaseBusy)

	stuck, err := s.GetNode(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, casegraph.StatusFailed, stuck.Status, "rejected move leaves the node as it was")

	// The running node itself may be re-asserted.
	_, err = s.TransitionNode(ctx, cID, rerun)
	require.NoError(t, err)

	_, err = s.TransitionNode(ctx, cID, casegraph.Transition{To: casegraph.StatusCompleted})
	require.NoError(t, err)

	rerunNode, err := s.TransitionNode(ctx, b, rerun)
	require.NoError(t, err)
	assert.Equal(t, casegraph.StatusProcessing, rerunNode.Status)
}

func testCascadeDelete(t *testing.T, s casegraph.Store) {
	ctx := context.Background()
	doomed := seed(t, s, "u1")
	kept := seed(t, s, "u1")

	require.NoError(t, s.CreateFeedback(ctx, &casegraph.Feedback{CaseID: doomed.Case.ID, UserID: "u1", Outcome: casegraph.OutcomeSolved}))
	require.NoError(t, s.DeleteCase(ctx, doomed.Case.ID))

	gone, err := s.GetGraph(ctx, doomed.Case.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	for _, n := range doomed.Nodes {
		got, err := s.GetNode(ctx, n.ID)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
	fb, err := s.GetFeedback(ctx, doomed.Case.ID, "u1")
	require.NoError(t, err)
	assert.Nil(t, fb)

	still, err := s.GetGraph(ctx, kept.Case.ID)
	require.NoError(t, err)
	require.NotNil(t, still)
	assert.Len(t, still.Nodes, 2)
	assert.Len(t, still.Edges, 1)
}

func testListAndUpdate(t *testing.T, s casegraph.Store) {
	ctx := context.Background()
	a := seed(t, s, "alice")
	seed(t, s, "alice")
	seed(t, s, "bob")

	cases, err := s.ListCases(ctx, casegraph.CaseFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, cases, 2)

	c := a.Case
	c.Status = casegraph.CaseSolved
	c.Title = "renamed"
	require.NoError(t, s.UpdateCase(ctx, &c))

	solved, err := s.ListCases(ctx, casegraph.CaseFilter{UserID: "alice", Status: casegraph.CaseSolved})
	require.NoError(t, err)
	require.Len(t, solved, 1)
	assert.Equal(t, "renamed", solved[0].Title)

	limited, err := s.ListCases(ctx, casegraph.CaseFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	missing := casegraph.Case{ID: "nope", Status: casegraph.CaseOpen}
	assert.ErrorIs(t, s.UpdateCase(ctx, &missing), casegraph.ErrCaseNotFound)
}

func testFeedback(t *testing.T, s casegraph.Store) {
	ctx := context.Background()
	g := seed(t, s, "u1")
	rating := 4

	f := &casegraph.Feedback{CaseID: g.Case.ID, UserID: "u1", Outcome: casegraph.OutcomePartiallySolved, Rating: &rating}
	require.NoError(t, s.CreateFeedback(ctx, f))
	assert.NotEmpty(t, f.ID)

	dup := &casegraph.Feedback{CaseID: g.Case.ID, UserID: "u1", Outcome: casegraph.OutcomeSolved}
	assert.ErrorIs(t, s.CreateFeedback(ctx, dup), casegraph.ErrDuplicateFeedback)

	f.Outcome = casegraph.OutcomeSolved
	f.Comment = "fixed after MTU change"
	require.NoError(t, s.UpdateFeedback(ctx, f))

	got, err := s.GetFeedback(ctx, g.Case.ID, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, casegraph.OutcomeSolved, got.Outcome)
	assert.Equal(t, "fixed after MTU change", got.Comment)
	require.NotNil(t, got.Rating)
	assert.Equal(t, 4, *got.Rating)

	other := &casegraph.Feedback{CaseID: g.Case.ID, UserID: "u2", Outcome: casegraph.OutcomeSolved}
	assert.ErrorIs(t, s.UpdateFeedback(ctx, other), casegraph.ErrFeedbackNotFound)
}

func testDocuments(t *testing.T, s casegraph.Store) {
	ctx := context.Background()
	d := &casegraph.Document{UserID: "u1", Filename: "ospf-guide.pdf", SourceRef: "s3://kb/ospf-guide.pdf", Status: casegraph.StatusQueued}
	require.NoError(t, s.CreateDocument(ctx, d))
	require.NotEmpty(t, d.ID)

	d.Status = casegraph.StatusCompleted
	d.Content = json.RawMessage(`{"markdown":"# OSPF"}`)
	d.JobID = "01J"
	require.NoError(t, s.UpdateDocument(ctx, d))

	got, err := s.GetDocument(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, casegraph.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"markdown":"# OSPF"}`, string(got.Content))
	assert.Equal(t, "01J", got.JobID)

	none, err := s.GetDocument(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, none)
	assert.ErrorIs(t, s.UpdateDocument(ctx, &casegraph.Document{ID: "missing"}), casegraph.ErrDocumentNotFound)
}
