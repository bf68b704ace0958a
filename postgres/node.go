package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meikuraledutech/casegraph"
)

const nodeColumns = `id, case_id, type, status, title, content, metadata, created_at`

func scanNode(row pgx.Row) (*casegraph.Node, error) {
	var n casegraph.Node
	if err := row.Scan(&n.ID, &n.CaseID, &n.Type, &n.Status, &n.Title, &n.Content, &n.Metadata, &n.CreatedAt); err != nil {
		return nil, err
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
	return &n, nil
}

func insertNodes(ctx context.Context, q querier, nodes []casegraph.Node) error {
	for _, n := range nodes {
		if _, err := q.Exec(ctx,
			`INSERT INTO case_nodes (id, case_id, type, status, title, content, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			n.ID, n.CaseID, n.Type, n.Status, n.Title, nullJSON(n.Content), n.Metadata, n.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("casegraph: node %s already exists: %w", n.ID, err)
			}
			return fmt.Errorf("casegraph: insert node %s: %w", n.ID, err)
		}
	}
	return nil
}

func insertEdges(ctx context.Context, q querier, edges []casegraph.Edge) error {
	for _, e := range edges {
		if _, err := q.Exec(ctx,
			`INSERT INTO case_edges (id, case_id, source_id, target_id, created_at) VALUES ($1, $2, $3, $4, $5)`,
			e.ID, e.CaseID, e.Source, e.Target, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("casegraph: insert edge %s: %w", e.ID, err)
		}
	}
	return nil
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func listNodes(ctx context.Context, q querier, caseID string) ([]casegraph.Node, error) {
	rows, err := q.Query(ctx,
		`SELECT `+nodeColumns+` FROM case_nodes WHERE case_id = $1 ORDER BY seq`, caseID)
	if err != nil {
		return nil, fmt.Errorf("casegraph: list nodes: %w", err)
	}
	defer rows.Close()

	nodes := []casegraph.Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("casegraph: scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casegraph: rows nodes: %w", err)
	}
	return nodes, nil
}

func listEdges(ctx context.Context, q querier, caseID string) ([]casegraph.Edge, error) {
	rows, err := q.Query(ctx,
		`SELECT id, case_id, source_id, target_id, created_at FROM case_edges WHERE case_id = $1 ORDER BY seq`, caseID)
	if err != nil {
		return nil, fmt.Errorf("casegraph: list edges: %w", err)
	}
	defer rows.Close()

	edges := []casegraph.Edge{}
	for rows.Next() {
		var e casegraph.Edge
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Source, &e.Target, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("casegraph: scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casegraph: rows edges: %w", err)
	}
	return edges, nil
}

// AppendNodes adds nodes and edges to an existing case in one transaction.
// The case row is locked first, so concurrent appends to the same case are
// serialized and the RequireIdle check cannot race another append.
func (s *PGStore) AppendNodes(ctx context.Context, caseID string, a casegraph.Append) error {
	now := s.now().UTC()
	casegraph.Prepare(caseID, a.Nodes, a.Edges, now)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("casegraph: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	if err := tx.QueryRow(ctx, `SELECT id FROM cases WHERE id = $1 FOR UPDATE`, caseID).Scan(&locked); err != nil {
		if isNoRows(err) {
			return casegraph.ErrCaseNotFound
		}
		return fmt.Errorf("casegraph: lock case: %w", err)
	}

	existing, err := listNodes(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if a.RequireIdle {
		for _, n := range existing {
			if n.Status == casegraph.StatusProcessing {
				return casegraph.ErrCaseBusy
			}
		}
	}

	// Endpoints stored under another case are reported as cross-case.
	for _, e := range a.Edges {
		var owner string
		err := tx.QueryRow(ctx,
			`SELECT case_id FROM case_nodes WHERE id = ANY($1) AND case_id <> $2 LIMIT 1`,
			[]string{e.Source, e.Target}, caseID,
		).Scan(&owner)
		if err == nil {
			return fmt.Errorf("%w: edge %s", casegraph.ErrCrossCaseEdge, e.ID)
		}
		if !isNoRows(err) {
			return fmt.Errorf("casegraph: check edge %s: %w", e.ID, err)
		}
	}

	edges, err := listEdges(ctx, tx, caseID)
	if err != nil {
		return err
	}
	if err := casegraph.ValidateGraph(caseID, append(existing, a.Nodes...), append(edges, a.Edges...)); err != nil {
		return err
	}

	if err := insertNodes(ctx, tx, a.Nodes); err != nil {
		return err
	}
	if err := insertEdges(ctx, tx, a.Edges); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE cases SET updated_at = $1 WHERE id = $2`, now, caseID); err != nil {
		return fmt.Errorf("casegraph: touch case: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("casegraph: commit: %w", err)
	}
	return nil
}

// GetNode fetches a single node by its ID.
// Returns nil, nil if not found.
func (s *PGStore) GetNode(ctx context.Context, nodeID string) (*casegraph.Node, error) {
	n, err := scanNode(s.db.QueryRow(ctx, `SELECT `+nodeColumns+` FROM case_nodes WHERE id = $1`, nodeID))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("casegraph: get node: %w", err)
	}
	return n, nil
}

// TransitionNode locks the owning case row, then the node row, applies t
// and writes the result. Locking the case first matches AppendNodes, so a
// RequireIdle transition cannot race an append or another transition.
// Re-applying the current status returns the node unchanged.
// Returns ErrNodeNotFound if the node doesn't exist.
func (s *PGStore) TransitionNode(ctx context.Context, nodeID string, t casegraph.Transition) (*casegraph.Node, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("casegraph: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var caseID string
	err = tx.QueryRow(ctx,
		`SELECT c.id FROM cases c JOIN case_nodes n ON n.case_id = c.id
		 WHERE n.id = $1 FOR UPDATE OF c`,
		nodeID,
	).Scan(&caseID)
	if err != nil {
		if isNoRows(err) {
			return nil, casegraph.ErrNodeNotFound
		}
		return nil, fmt.Errorf("casegraph: lock case of node: %w", err)
	}

	n, err := scanNode(tx.QueryRow(ctx, `SELECT `+nodeColumns+` FROM case_nodes WHERE id = $1 FOR UPDATE`, nodeID))
	if err != nil {
		if isNoRows(err) {
			return nil, casegraph.ErrNodeNotFound
		}
		return nil, fmt.Errorf("casegraph: lock node: %w", err)
	}

	changed, err := casegraph.ApplyTransition(n, t)
	if err != nil {
		return nil, err
	}
	if !changed {
		return n, nil
	}
	if t.RequireIdle {
		var busy bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM case_nodes WHERE case_id = $1 AND id <> $2 AND status = $3)`,
			caseID, n.ID, casegraph.StatusProcessing,
		).Scan(&busy); err != nil {
			return nil, fmt.Errorf("casegraph: check busy case: %w", err)
		}
		if busy {
			return nil, casegraph.ErrCaseBusy
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE case_nodes SET status = $1, title = $2, content = $3, metadata = $4 WHERE id = $5`,
		n.Status, n.Title, nullJSON(n.Content), n.Metadata, n.ID,
	); err != nil {
		return nil, fmt.Errorf("casegraph: update node: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE cases SET updated_at = $1 WHERE id = $2`, s.now().UTC(), n.CaseID); err != nil {
		return nil, fmt.Errorf("casegraph: touch case: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("casegraph: commit: %w", err)
	}
	return n, nil
}
