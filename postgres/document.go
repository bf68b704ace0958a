package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/meikuraledutech/casegraph"
)

// CreateDocument registers a document. If d.ID is empty, a UUID is
// auto-generated.
func (s *PGStore) CreateDocument(ctx context.Context, d *casegraph.Document) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := s.now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	_, err := s.db.Exec(ctx,
		`INSERT INTO documents (id, user_id, filename, source_ref, status, content, error, job_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.UserID, d.Filename, d.SourceRef, d.Status, nullJSON(d.Content), d.Error, d.JobID, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("casegraph: insert document: %w", err)
	}
	return nil
}

// GetDocument fetches a document by its ID.
// Returns nil, nil if not found.
func (s *PGStore) GetDocument(ctx context.Context, docID string) (*casegraph.Document, error) {
	var d casegraph.Document
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, filename, source_ref, status, content, error, job_id, created_at, updated_at
		 FROM documents WHERE id = $1`, docID,
	).Scan(&d.ID, &d.UserID, &d.Filename, &d.SourceRef, &d.Status, &d.Content, &d.Error, &d.JobID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("casegraph: get document: %w", err)
	}
	return &d, nil
}

// UpdateDocument writes status, content, error and job reference.
// Returns ErrDocumentNotFound if the document doesn't exist.
func (s *PGStore) UpdateDocument(ctx context.Context, d *casegraph.Document) error {
	err := s.db.QueryRow(ctx,
		`UPDATE documents SET status = $1, content = $2, error = $3, job_id = $4, updated_at = $5
		 WHERE id = $6 RETURNING updated_at`,
		d.Status, nullJSON(d.Content), d.Error, d.JobID, s.now().UTC(), d.ID,
	).Scan(&d.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return casegraph.ErrDocumentNotFound
		}
		return fmt.Errorf("casegraph: update document: %w", err)
	}
	return nil
}
