package casegraph_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meikuraledutech/casegraph"
)

func TestDecodeContent(t *testing.T) {
	tests := []struct {
		name string
		node casegraph.Node
		want casegraph.Content
	}{
		{
			name: "query",
			node: casegraph.Node{Type: casegraph.NodeUserQuery, Status: casegraph.StatusCompleted, Content: json.RawMessage(`{"text":"bgp down"}`)},
			want: casegraph.QueryContent{Text: "bgp down"},
		},
		{
			name: "response",
			node: casegraph.Node{Type: casegraph.NodeUserResponse, Status: casegraph.StatusCompleted, Content: json.RawMessage(`{"text":"it is a Cisco"}`)},
			want: casegraph.ResponseContent{Text: "it is a Cisco"},
		},
		{
			name: "solution",
			node: casegraph.Node{Type: casegraph.NodeAIAnalysis, Status: casegraph.StatusCompleted, Content: json.RawMessage(`{"analysis":"x","answer":"y","sources":[],"commands":[]}`)},
			want: casegraph.SolutionContent{Analysis: "x", Answer: "y", Sources: []casegraph.Source{}, Commands: []string{}},
		},
		{
			name: "clarification",
			node: casegraph.Node{Type: casegraph.NodeAIAnalysis, Status: casegraph.StatusAwaitingUserInput, Content: json.RawMessage(`{"analysis":"x","clarification":"?","questions":["a"],"round":1}`)},
			want: casegraph.ClarificationContent{Analysis: "x", Clarification: "?", Questions: []string{"a"}, Round: 1},
		},
		{
			name: "failure",
			node: casegraph.Node{Type: casegraph.NodeAIAnalysis, Status: casegraph.StatusFailed, Content: json.RawMessage(`{"error":"boom","attempts":4}`)},
			want: casegraph.FailureContent{Error: "boom", Attempts: 4},
		},
		{
			name: "unknown type",
			node: casegraph.Node{Type: "TOPOLOGY_SNAPSHOT", Status: casegraph.StatusCompleted, Content: json.RawMessage(`{"devices":3}`)},
			want: casegraph.RawContent{Raw: json.RawMessage(`{"devices":3}`)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := casegraph.DecodeContent(&tt.node)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeContent_Empty(t *testing.T) {
	got, err := casegraph.DecodeContent(&casegraph.Node{Type: casegraph.NodeAIAnalysis, Status: casegraph.StatusProcessing})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeContent_Malformed(t *testing.T) {
	_, err := casegraph.DecodeContent(&casegraph.Node{Type: casegraph.NodeUserQuery, Content: json.RawMessage(`{"text":`)})
	assert.Error(t, err)
}

func TestEncodeContent(t *testing.T) {
	raw, err := casegraph.EncodeContent(casegraph.FailureContent{Error: "boom", Attempts: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"boom","attempts":2}`, string(raw))
}
