package casegraph

import (
	"encoding/json"
	"fmt"
)

// Content is the typed view of a node's payload. The stored form stays a
// schema-less JSON blob; DecodeContent picks the concrete type from the
// node's type and status.
type Content interface {
	Kind() string
}

// QueryContent is the payload of a USER_QUERY node.
type QueryContent struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
	Vendor      string   `json:"vendor,omitempty"`
}

// ResponseContent is the payload of a USER_RESPONSE node.
type ResponseContent struct {
	Text   string         `json:"text"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Source cites a knowledge passage used to build a solution.
type Source struct {
	ID     string  `json:"id"`
	Title  string  `json:"title,omitempty"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// SolutionContent is written by a handler that moves an AI_ANALYSIS node
// to COMPLETED.
type SolutionContent struct {
	Analysis              string   `json:"analysis"`
	Answer                string   `json:"answer"`
	Category              string   `json:"category,omitempty"`
	Severity              string   `json:"severity,omitempty"`
	NeedDetailedDiagnosis bool     `json:"need_detailed_diagnosis,omitempty"`
	Sources               []Source `json:"sources"`
	Commands              []string `json:"commands"`
}

// ClarificationContent is written when an AI_ANALYSIS node moves to
// AWAITING_USER_INPUT.
type ClarificationContent struct {
	Analysis      string   `json:"analysis"`
	Clarification string   `json:"clarification"`
	Questions     []string `json:"questions"`
	Category      string   `json:"category,omitempty"`
	Severity      string   `json:"severity,omitempty"`
	Round         int      `json:"round"`
}

// FailureContent is written when a node reaches FAILED.
type FailureContent struct {
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// RawContent carries the payload of node types the engine does not know.
type RawContent struct {
	Raw json.RawMessage
}

func (QueryContent) Kind() string         { return "query" }
func (ResponseContent) Kind() string      { return "response" }
func (SolutionContent) Kind() string      { return "solution" }
func (ClarificationContent) Kind() string { return "clarification" }
func (FailureContent) Kind() string       { return "failure" }
func (RawContent) Kind() string           { return "raw" }

// DecodeContent returns the typed payload of n, or nil when the node carries
// none yet (e.g. an AI_ANALYSIS node still PROCESSING).
func DecodeContent(n *Node) (Content, error) {
	if len(n.Content) == 0 || string(n.Content) == "null" {
		return nil, nil
	}

	var target Content
	switch {
	case n.Status == StatusFailed:
		target = &FailureContent{}
	case n.Type == NodeUserQuery:
		target = &QueryContent{}
	case n.Type == NodeUserResponse:
		target = &ResponseContent{}
	case n.Type == NodeAIAnalysis && n.Status == StatusCompleted:
		target = &SolutionContent{}
	case n.Type == NodeAIAnalysis && n.Status == StatusAwaitingUserInput:
		target = &ClarificationContent{}
	default:
		return RawContent{Raw: n.Content}, nil
	}

	if err := json.Unmarshal(n.Content, target); err != nil {
		return nil, fmt.Errorf("casegraph: decode %s content of node %s: %w", n.Type, n.ID, err)
	}
	return deref(target), nil
}

// EncodeContent serializes c for storage in Node.Content.
func EncodeContent(c Content) (json.RawMessage, error) {
	if rc, ok := c.(RawContent); ok {
		return rc.Raw, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("casegraph: encode %s content: %w", c.Kind(), err)
	}
	return b, nil
}

func deref(c Content) Content {
	switch v := c.(type) {
	case *QueryContent:
		return *v
	case *ResponseContent:
		return *v
	case *SolutionContent:
		return *v
	case *ClarificationContent:
		return *v
	case *FailureContent:
		return *v
	}
	return c
}
