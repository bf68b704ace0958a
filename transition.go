package casegraph

import "fmt"

// nodeTransitions lists the allowed node status moves.
// AWAITING_USER_INPUT has no outgoing move: the conversation continues by
// appending a USER_RESPONSE node and a fresh PROCESSING node instead.
var nodeTransitions = map[NodeStatus][]NodeStatus{
	StatusQueued:     {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusAwaitingUserInput, StatusFailed},
	StatusFailed:     {StatusProcessing},
}

// CanTransition reports whether a node may move from one status to another.
func CanTransition(from, to NodeStatus) bool {
	for _, s := range nodeTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no engine-driven transition leaves s.
func (s NodeStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transition describes a status change and the payload written with it.
// Metadata is merged into the node's existing metadata.
//
// When RequireIdle is set, a move that changes the node's status fails with
// ErrCaseBusy if another node of the same case is PROCESSING.
type Transition struct {
	To          NodeStatus
	Title       string
	Content     []byte
	Metadata    map[string]any
	RequireIdle bool
}

// ApplyTransition mutates n according to t.
//
// Re-applying the status a node already holds is a no-op and reports
// changed == false, so duplicate deliveries of the same job are harmless:
// the first write wins. Any other disallowed move returns ErrInvalidTransition.
func ApplyTransition(n *Node, t Transition) (changed bool, err error) {
	if n.Status == t.To {
		return false, nil
	}
	if !CanTransition(n.Status, t.To) {
		return false, fmt.Errorf("%w: %s -> %s (node %s)", ErrInvalidTransition, n.Status, t.To, n.ID)
	}
	n.Status = t.To
	if t.Title != "" {
		n.Title = t.Title
	}
	if t.Content != nil {
		n.Content = append([]byte(nil), t.Content...)
	}
	if len(t.Metadata) > 0 {
		if n.Metadata == nil {
			n.Metadata = make(map[string]any, len(t.Metadata))
		}
		for k, v := range t.Metadata {
			n.Metadata[k] = v
		}
	}
	return true, nil
}

// CanTransitionCase reports whether a case may move from one status to another.
// Cases only leave open, or are reopened from solved/closed.
func CanTransitionCase(from, to CaseStatus) bool {
	switch {
	case from == to:
		return true
	case from == CaseOpen:
		return to == CaseSolved || to == CaseClosed
	case from == CaseSolved || from == CaseClosed:
		return to == CaseOpen
	}
	return false
}

// ValidCaseStatus reports whether s is a known case status.
func ValidCaseStatus(s CaseStatus) bool {
	return s == CaseOpen || s == CaseSolved || s == CaseClosed
}
