package casegraph_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/casegraph"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to casegraph.NodeStatus
		want     bool
	}{
		{casegraph.StatusQueued, casegraph.StatusProcessing, true},
		{casegraph.StatusProcessing, casegraph.StatusCompleted, true},
		{casegraph.StatusProcessing, casegraph.StatusAwaitingUserInput, true},
		{casegraph.StatusProcessing, casegraph.StatusFailed, true},
		{casegraph.StatusFailed, casegraph.StatusProcessing, true},
		{casegraph.StatusCompleted, casegraph.StatusProcessing, false},
		{casegraph.StatusAwaitingUserInput, casegraph.StatusProcessing, false},
		{casegraph.StatusAwaitingUserInput, casegraph.StatusCompleted, false},
		{casegraph.StatusCompleted, casegraph.StatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, casegraph.CanTransition(tt.from, tt.to))
		})
	}
}

func TestApplyTransition_Idempotent(t *testing.T) {
	n := &casegraph.Node{ID: "b", Status: casegraph.StatusProcessing, Title: "Analyzing..."}
	tr := casegraph.Transition{
		To:       casegraph.StatusCompleted,
		Title:    "Analysis complete",
		Content:  []byte(`{"analysis":"done"}`),
		Metadata: map[string]any{"job_id": "j1"},
	}

	changed, err := casegraph.ApplyTransition(n, tr)
	require.NoError(t, err)
	assert.True(t, changed)
	first := *n

	changed, err = casegraph.ApplyTransition(n, tr)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.Status, n.Status)
	assert.JSONEq(t, string(first.Content), string(n.Content))
	assert.Equal(t, "Analysis complete", n.Title)
	assert.Equal(t, "j1", n.Metadata["job_id"])
}

func TestApplyTransition_FirstWriteWins(t *testing.T) {
	n := &casegraph.Node{ID: "b", Status: casegraph.StatusProcessing}
	_, err := casegraph.ApplyTransition(n, casegraph.Transition{To: casegraph.StatusCompleted, Content: []byte(`{"analysis":"one"}`)})
	require.NoError(t, err)

	changed, err := casegraph.ApplyTransition(n, casegraph.Transition{To: casegraph.StatusCompleted, Content: []byte(`{"analysis":"two"}`)})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.JSONEq(t, `{"analysis":"one"}`, string(n.Content))
}

func TestApplyTransition_Rejected(t *testing.T) {
	n := &casegraph.Node{ID: "b", Status: casegraph.StatusCompleted}
	_, err := casegraph.ApplyTransition(n, casegraph.Transition{To: casegraph.StatusFailed})
	assert.ErrorIs(t, err, casegraph.ErrInvalidTransition)
	assert.Equal(t, casegraph.StatusCompleted, n.Status)
}

func TestApplyTransition_MergesMetadata(t *testing.T) {
	n := &casegraph.Node{ID: "b", Status: casegraph.StatusProcessing, Metadata: map[string]any{"timestamp": "t0"}}
	_, err := casegraph.ApplyTransition(n, casegraph.Transition{
		To:       casegraph.StatusAwaitingUserInput,
		Metadata: map[string]any{"round": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, "t0", n.Metadata["timestamp"])
	assert.Equal(t, 1, n.Metadata["round"])
}

func TestCanTransitionCase(t *testing.T) {
	assert.True(t, casegraph.CanTransitionCase(casegraph.CaseOpen, casegraph.CaseSolved))
	assert.True(t, casegraph.CanTransitionCase(casegraph.CaseOpen, casegraph.CaseClosed))
	assert.True(t, casegraph.CanTransitionCase(casegraph.CaseSolved, casegraph.CaseOpen))
	assert.True(t, casegraph.CanTransitionCase(casegraph.CaseClosed, casegraph.CaseOpen))
	assert.True(t, casegraph.CanTransitionCase(casegraph.CaseOpen, casegraph.CaseOpen))
	assert.False(t, casegraph.CanTransitionCase(casegraph.CaseSolved, casegraph.CaseClosed))
	assert.False(t, casegraph.CanTransitionCase(casegraph.CaseClosed, casegraph.CaseSolved))
}
