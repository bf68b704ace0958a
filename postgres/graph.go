package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/meikuraledutech/casegraph"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const caseColumns = `id, title, status, user_id, created_at, updated_at`

func scanCase(row pgx.Row) (*casegraph.Case, error) {
	var c casegraph.Case
	if err := row.Scan(&c.ID, &c.Title, &c.Status, &c.UserID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateGraph saves a new case with its initial nodes and edges in one
// transaction. Nodes and edges without IDs get generated UUIDs.
// Returns the graph with all IDs filled in.
func (s *PGStore) CreateGraph(ctx context.Context, g *casegraph.Graph) (*casegraph.Graph, error) {
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

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("casegraph: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO cases (id, title, status, user_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		g.Case.ID, g.Case.Title, g.Case.Status, g.Case.UserID, g.Case.CreatedAt, g.Case.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("casegraph: insert case: %w", err)
	}
	if err := insertNodes(ctx, tx, g.Nodes); err != nil {
		return nil, err
	}
	if err := insertEdges(ctx, tx, g.Edges); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("casegraph: commit: %w", err)
	}
	return g, nil
}

// GetGraph retrieves a case with all its nodes and edges.
// Returns nil, nil if the case doesn't exist.
func (s *PGStore) GetGraph(ctx context.Context, caseID string) (*casegraph.Graph, error) {
	c, err := s.GetCase(ctx, caseID)
	if err != nil || c == nil {
		return nil, err
	}
	g := &casegraph.Graph{Case: *c}
	if g.Nodes, err = listNodes(ctx, s.db, caseID); err != nil {
		return nil, err
	}
	if g.Edges, err = listEdges(ctx, s.db, caseID); err != nil {
		return nil, err
	}
	return g, nil
}

// GetCase fetches the case record alone.
// Returns nil, nil if not found.
func (s *PGStore) GetCase(ctx context.Context, caseID string) (*casegraph.Case, error) {
	c, err := scanCase(s.db.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, caseID))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("casegraph: get case: %w", err)
	}
	return c, nil
}

// ListCases returns matching cases, most recently updated first.
// Returns an empty slice (not nil) if none match.
func (s *PGStore) ListCases(ctx context.Context, f casegraph.CaseFilter) ([]casegraph.Case, error) {
	var limit any
	if f.Limit > 0 {
		limit = f.Limit
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+caseColumns+` FROM cases
		 WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY updated_at DESC, id
		 LIMIT $3 OFFSET $4`,
		f.UserID, string(f.Status), limit, f.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("casegraph: list cases: %w", err)
	}
	defer rows.Close()

	cases := []casegraph.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("casegraph: scan case: %w", err)
		}
		cases = append(cases, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("casegraph: rows cases: %w", err)
	}
	return cases, nil
}

// UpdateCase writes title and status and bumps updated_at.
// Returns ErrCaseNotFound if the case doesn't exist.
func (s *PGStore) UpdateCase(ctx context.Context, c *casegraph.Case) error {
	err := s.db.QueryRow(ctx,
		`UPDATE cases SET title = $1, status = $2, updated_at = $3 WHERE id = $4
		 RETURNING user_id, created_at, updated_at`,
		c.Title, c.Status, s.now().UTC(), c.ID,
	).Scan(&c.UserID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return casegraph.ErrCaseNotFound
		}
		return fmt.Errorf("casegraph: update case: %w", err)
	}
	return nil
}

// DeleteCase removes a case. Nodes, edges and feedback are cascade-deleted
// by the DB. No error if the case doesn't exist.
func (s *PGStore) DeleteCase(ctx context.Context, caseID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM cases WHERE id = $1`, caseID); err != nil {
		return fmt.Errorf("casegraph: delete case: %w", err)
	}
	return nil
}
