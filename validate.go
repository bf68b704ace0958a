package casegraph

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Prepare fills in missing IDs, case references and timestamps on a batch
// of nodes and edges about to be stored under caseID.
func Prepare(caseID string, nodes []Node, edges []Edge, now time.Time) {
	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		if n.CaseID == "" {
			n.CaseID = caseID
		}
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		if n.Metadata == nil {
			n.Metadata = map[string]any{}
		}
	}
	for i := range edges {
		e := &edges[i]
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.CaseID == "" {
			e.CaseID = caseID
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
	}
}

// ValidateGraph checks the invariants every stored case graph must hold:
// each node and edge belongs to caseID, both edge endpoints are nodes of the
// same case, and the edges form no cycle.
func ValidateGraph(caseID string, nodes []Node, edges []Edge) error {
	owner := make(map[string]string, len(nodes))
	for _, n := range nodes {
		if n.CaseID != caseID {
			return fmt.Errorf("%w: node %s belongs to case %s, not %s", ErrCrossCaseEdge, n.ID, n.CaseID, caseID)
		}
		owner[n.ID] = n.CaseID
	}
	for _, e := range edges {
		if e.CaseID != caseID {
			return fmt.Errorf("%w: edge %s belongs to case %s, not %s", ErrCrossCaseEdge, e.ID, e.CaseID, caseID)
		}
		src, ok := owner[e.Source]
		if !ok {
			return fmt.Errorf("%w: edge %s source %s", ErrNodeNotFound, e.ID, e.Source)
		}
		dst, ok := owner[e.Target]
		if !ok {
			return fmt.Errorf("%w: edge %s target %s", ErrNodeNotFound, e.ID, e.Target)
		}
		if src != dst {
			return fmt.Errorf("%w: edge %s", ErrCrossCaseEdge, e.ID)
		}
	}
	return validateAcyclic(nodes, edges)
}

// validateAcyclic checks that the edges don't form a cycle using DFS.
func validateAcyclic(nodes []Node, edges []Edge) error {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)

	state := make(map[string]int, len(nodes))
	for _, n := range nodes {
		state[n.ID] = unvisited
	}

	var dfs func(id string) bool
	dfs = func(id string) bool {
		state[id] = visiting
		for _, next := range adj[id] {
			switch state[next] {
			case visiting:
				return true
			case unvisited:
				if dfs(next) {
					return true
				}
			}
		}
		state[id] = visited
		return false
	}

	for _, n := range nodes {
		if state[n.ID] == unvisited && dfs(n.ID) {
			return ErrCycleDetected
		}
	}
	return nil
}
