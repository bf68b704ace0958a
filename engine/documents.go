package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph"
	"github.com/meikuraledutech/casegraph/cache"
	"github.com/meikuraledutech/casegraph/queue"
	"github.com/meikuraledutech/casegraph/task"
)

// UploadRequest registers a file for parsing. SourceRef locates the bytes
// (object key, URL) for the document-intelligence service.
type UploadRequest struct {
	Filename  string `json:"filename" validate:"required"`
	SourceRef string `json:"source_ref" validate:"required"`
}

// UploadDocument stores a QUEUED document and enqueues its parse job.
func (e *Engine) UploadDocument(ctx context.Context, userID string, req UploadRequest) (*casegraph.Document, error) {
	if strings.TrimSpace(req.Filename) == "" || strings.TrimSpace(req.SourceRef) == "" {
		return nil, fmt.Errorf("%w: filename and source_ref are required", ErrInvalidRequest)
	}
	d := &casegraph.Document{
		UserID:    userID,
		Filename:  req.Filename,
		SourceRef: req.SourceRef,
		Status:    casegraph.StatusQueued,
	}
	if err := e.store.CreateDocument(ctx, d); err != nil {
		return nil, fmt.Errorf("engine: create document: %w", err)
	}
	e.submitParse(ctx, d)
	return d, nil
}

// ReparseDocument drops the cached parse of a finished document and runs
// the pipeline again.
func (e *Engine) ReparseDocument(ctx context.Context, userID, docID string) (*casegraph.Document, error) {
	d, err := e.GetDocument(ctx, userID, docID)
	if err != nil {
		return nil, err
	}
	if d.Status == casegraph.StatusProcessing {
		return nil, fmt.Errorf("%w: document %s is being parsed", casegraph.ErrInvalidTransition, docID)
	}
	if _, err := e.cache.Invalidate(ctx, documentKey(d)); err != nil {
		e.logger.Warn("drop cached parse", zap.String("document_id", d.ID), zap.Error(err))
	}
	d.Status = casegraph.StatusQueued
	d.Error = ""
	e.submitParse(ctx, d)
	return d, nil
}

// GetDocument returns a document owned by userID.
func (e *Engine) GetDocument(ctx context.Context, userID, docID string) (*casegraph.Document, error) {
	d, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if d == nil || (userID != "" && d.UserID != userID) {
		return nil, casegraph.ErrDocumentNotFound
	}
	return d, nil
}

func (e *Engine) submitParse(ctx context.Context, d *casegraph.Document) {
	d.JobID = e.enqueue(ctx, HandlerParseDocument, d.ID)
	if err := e.store.UpdateDocument(ctx, d); err != nil {
		e.logger.Error("record parse job", zap.String("document_id", d.ID), zap.Error(err))
	}
}

func documentKey(d *casegraph.Document) string {
	return cache.MustKey(cache.OpDocument, d.Filename, d.SourceRef)
}

// handleParseDocument moves one document through PROCESSING to COMPLETED.
// Args: document ID.
func (e *Engine) handleParseDocument(ctx context.Context, job *queue.Job) error {
	docID, err := job.StringArg(0)
	if err != nil {
		return task.Permanent(err)
	}
	log := e.logger.With(zap.String("document_id", docID), zap.String("job_id", job.ID))

	d, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if d == nil {
		log.Warn("document no longer exists, nothing to do")
		return nil
	}
	if d.Status == casegraph.StatusCompleted {
		log.Info("document already parsed, skipping")
		return nil
	}
	if e.parser == nil {
		return task.Permanent(fmt.Errorf("engine: no document parser configured"))
	}

	d.Status = casegraph.StatusProcessing
	d.JobID = job.ID
	if err := e.store.UpdateDocument(ctx, d); err != nil {
		return err
	}

	content, err := cache.Do(ctx, e.cache, documentKey(d), e.opts.TTL.Document, func(ctx context.Context) (json.RawMessage, error) {
		return e.parser.Parse(ctx, d.Filename, d.SourceRef)
	})
	if err != nil {
		return fmt.Errorf("engine: parse %s: %w", d.Filename, err)
	}

	d.Status = casegraph.StatusCompleted
	d.Content = content
	d.Error = ""
	if err := e.store.UpdateDocument(ctx, d); err != nil {
		return err
	}
	log.Info("document parsed", zap.Int("bytes", len(content)))
	return nil
}

// failDocument is the exhaustion hook for parse jobs.
func (e *Engine) failDocument(ctx context.Context, job *queue.Job, attempts int, cause error) {
	docID, err := job.StringArg(0)
	if err != nil {
		return
	}
	d, err := e.store.GetDocument(ctx, docID)
	if err != nil || d == nil {
		e.logger.Warn("could not load failed document", zap.String("document_id", docID), zap.Error(err))
		return
	}
	d.Status = casegraph.StatusFailed
	d.Error = cause.Error()
	if err := e.store.UpdateDocument(ctx, d); err != nil {
		e.logger.Error("mark document failed", zap.String("document_id", docID), zap.Error(err))
		return
	}
	e.logger.Error("document parse failed",
		zap.String("document_id", docID),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
}
