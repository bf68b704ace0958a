package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/meikuraledutech/casegraph"
)

const feedbackColumns = `id, case_id, user_id, outcome, rating, comment, corrected_solution,
	knowledge_contribution, additional_context, created_at, updated_at`

// CreateFeedback stores f. A second feedback from the same user on the same
// case returns ErrDuplicateFeedback.
func (s *PGStore) CreateFeedback(ctx context.Context, f *casegraph.Feedback) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := s.now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now

	_, err := s.db.Exec(ctx,
		`INSERT INTO case_feedback (`+feedbackColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		f.ID, f.CaseID, f.UserID, f.Outcome, f.Rating, f.Comment, f.CorrectedSolution,
		f.KnowledgeContribution, f.AdditionalContext, f.CreatedAt, f.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return casegraph.ErrDuplicateFeedback
		}
		if isForeignKeyViolation(err) {
			return casegraph.ErrCaseNotFound
		}
		return fmt.Errorf("casegraph: insert feedback: %w", err)
	}
	return nil
}

// GetFeedback returns the feedback a user left on a case.
// Returns nil, nil if not found.
func (s *PGStore) GetFeedback(ctx context.Context, caseID, userID string) (*casegraph.Feedback, error) {
	var f casegraph.Feedback
	err := s.db.QueryRow(ctx,
		`SELECT `+feedbackColumns+` FROM case_feedback WHERE case_id = $1 AND user_id = $2`,
		caseID, userID,
	).Scan(&f.ID, &f.CaseID, &f.UserID, &f.Outcome, &f.Rating, &f.Comment, &f.CorrectedSolution,
		&f.KnowledgeContribution, &f.AdditionalContext, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("casegraph: get feedback: %w", err)
	}
	return &f, nil
}

// UpdateFeedback overwrites the feedback a user left on a case.
// Returns ErrFeedbackNotFound if there is none.
func (s *PGStore) UpdateFeedback(ctx context.Context, f *casegraph.Feedback) error {
	err := s.db.QueryRow(ctx,
		`UPDATE case_feedback SET outcome = $1, rating = $2, comment = $3, corrected_solution = $4,
		     knowledge_contribution = $5, additional_context = $6, updated_at = $7
		 WHERE case_id = $8 AND user_id = $9
		 RETURNING id, created_at, updated_at`,
		f.Outcome, f.Rating, f.Comment, f.CorrectedSolution,
		f.KnowledgeContribution, f.AdditionalContext, s.now().UTC(),
		f.CaseID, f.UserID,
	).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return casegraph.ErrFeedbackNotFound
		}
		return fmt.Errorf("casegraph: update feedback: %w", err)
	}
	return nil
}
