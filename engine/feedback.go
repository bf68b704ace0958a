package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph"
)

// FeedbackInput is a user's verdict on a case.
type FeedbackInput struct {
	Outcome               casegraph.Outcome `json:"outcome" validate:"required,oneof=solved unsolved partially_solved"`
	Rating                *int              `json:"rating,omitempty" validate:"omitempty,min=1,max=5"`
	Comment               string            `json:"comment,omitempty"`
	CorrectedSolution     string            `json:"corrected_solution,omitempty"`
	KnowledgeContribution string            `json:"knowledge_contribution,omitempty"`
	AdditionalContext     string            `json:"additional_context,omitempty"`
}

func (in FeedbackInput) validate() error {
	if !in.Outcome.Valid() {
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidRequest, in.Outcome)
	}
	if in.Rating != nil && (*in.Rating < 1 || *in.Rating > 5) {
		return fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidRequest)
	}
	return nil
}

func (in FeedbackInput) apply(f *casegraph.Feedback) {
	f.Outcome = in.Outcome
	f.Rating = in.Rating
	f.Comment = in.Comment
	f.CorrectedSolution = in.CorrectedSolution
	f.KnowledgeContribution = in.KnowledgeContribution
	f.AdditionalContext = in.AdditionalContext
}

// SubmitFeedback records the user's first verdict on a case. A solved
// outcome marks the case solved.
func (e *Engine) SubmitFeedback(ctx context.Context, userID, caseID string, in FeedbackInput) (*casegraph.Feedback, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	c, err := e.ownedCase(ctx, userID, caseID)
	if err != nil {
		return nil, err
	}
	f := &casegraph.Feedback{CaseID: caseID, UserID: userID}
	in.apply(f)
	if err := e.store.CreateFeedback(ctx, f); err != nil {
		return nil, err
	}
	if in.Outcome == casegraph.OutcomeSolved {
		e.settleCase(ctx, c, casegraph.CaseSolved)
	}
	return f, nil
}

// UpdateFeedback replaces the user's verdict. Solved marks the case solved;
// unsolved reopens it.
func (e *Engine) UpdateFeedback(ctx context.Context, userID, caseID string, in FeedbackInput) (*casegraph.Feedback, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	c, err := e.ownedCase(ctx, userID, caseID)
	if err != nil {
		return nil, err
	}
	f, err := e.store.GetFeedback(ctx, caseID, userID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, casegraph.ErrFeedbackNotFound
	}
	in.apply(f)
	if err := e.store.UpdateFeedback(ctx, f); err != nil {
		return nil, err
	}
	switch in.Outcome {
	case casegraph.OutcomeSolved:
		e.settleCase(ctx, c, casegraph.CaseSolved)
	case casegraph.OutcomeUnsolved:
		e.settleCase(ctx, c, casegraph.CaseOpen)
	}
	return f, nil
}

// GetFeedback returns the feedback userID left on a case.
func (e *Engine) GetFeedback(ctx context.Context, userID, caseID string) (*casegraph.Feedback, error) {
	if _, err := e.ownedCase(ctx, userID, caseID); err != nil {
		return nil, err
	}
	f, err := e.store.GetFeedback(ctx, caseID, userID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, casegraph.ErrFeedbackNotFound
	}
	return f, nil
}

// settleCase moves a case as a side effect of feedback. The feedback is
// already stored, so a disallowed move (e.g. closed -> solved) is logged
// rather than returned.
func (e *Engine) settleCase(ctx context.Context, c *casegraph.Case, to casegraph.CaseStatus) {
	if c.Status == to {
		return
	}
	from := c.Status
	if err := e.moveCase(c, to); err != nil {
		e.logger.Warn("feedback did not move case", zap.String("case_id", c.ID), zap.Error(err))
		return
	}
	if err := e.store.UpdateCase(ctx, c); err != nil {
		e.logger.Error("update case after feedback", zap.String("case_id", c.ID), zap.Error(err))
		return
	}
	e.logger.Info("case status changed by feedback",
		zap.String("case_id", c.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}
