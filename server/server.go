// Package server exposes the engine over HTTP with fiber. Handlers decode,
// call one engine or queue method and encode the result; every error goes
// through a single status mapping.
package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/meikuraledutech/casegraph"
	"github.com/meikuraledutech/casegraph/cache"
	"github.com/meikuraledutech/casegraph/engine"
	"github.com/meikuraledutech/casegraph/internal/observability"
	"github.com/meikuraledutech/casegraph/queue"
)

// HeaderUserID carries the caller's identity. Authentication happens in
// front of this service.
const HeaderUserID = "X-User-ID"

type Deps struct {
	Engine  *engine.Engine
	Queue   *queue.Client
	Cache   *cache.Cache
	Logger  *zap.Logger
	Metrics *observability.Collector
}

type Options struct {
	BodyLimit    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// FailedRetention is the default age for POST /jobs/cleanup.
	FailedRetention time.Duration
}

type server struct {
	engine    *engine.Engine
	queue     *queue.Client
	cache     *cache.Cache
	logger    *zap.Logger
	metrics   *observability.Collector
	retention time.Duration
}

type structValidator struct{ v *validator.Validate }

func (s structValidator) Validate(out any) error { return s.v.Struct(out) }

// New builds the fiber app with every route registered.
func New(d Deps, opts Options) *fiber.App {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FailedRetention <= 0 {
		opts.FailedRetention = 24 * time.Hour
	}
	s := &server{
		engine:    d.Engine,
		queue:     d.Queue,
		cache:     d.Cache,
		logger:    logger,
		metrics:   d.Metrics,
		retention: opts.FailedRetention,
	}

	app := fiber.New(fiber.Config{
		AppName:         "casegraph",
		BodyLimit:       opts.BodyLimit,
		ReadTimeout:     opts.ReadTimeout,
		WriteTimeout:    opts.WriteTimeout,
		ErrorHandler:    s.errorHandler,
		StructValidator: structValidator{v: validator.New()},
	})
	app.Use(s.observe)

	app.Get("/health", s.health)
	if d.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))
	}

	// ── Cases ─────────────────────────────────────────────────────────
	cases := app.Group("/cases", requireUser)
	cases.Post("/", s.createCase)
	cases.Get("/", s.listCases)
	cases.Get("/:id", s.getCase)
	cases.Patch("/:id", s.updateCase)
	cases.Delete("/:id", s.deleteCase)
	cases.Get("/:id/status", s.caseStatus)
	cases.Post("/:id/interactions", s.interact)
	cases.Post("/:id/feedback", s.submitFeedback)
	cases.Put("/:id/feedback", s.updateFeedback)
	cases.Get("/:id/feedback", s.getFeedback)

	app.Get("/statistics", requireUser, s.statistics)

	// ── Documents ─────────────────────────────────────────────────────
	docs := app.Group("/documents", requireUser)
	docs.Post("/", s.uploadDocument)
	docs.Get("/:id", s.getDocument)
	docs.Post("/:id/reparse", s.reparseDocument)

	// ── Operator ──────────────────────────────────────────────────────
	app.Post("/nodes/:id/retry", s.retryNode)
	app.Get("/jobs/stats", s.jobStats)
	app.Post("/jobs/cleanup", s.cleanupJobs)
	app.Get("/jobs/:id", s.getJob)
	app.Delete("/jobs/:id", s.cancelJob)
	app.Post("/cache/invalidate", s.invalidateCache)
	app.Get("/cache/stats", s.cacheStats)

	return app
}

func userID(c fiber.Ctx) string { return c.Get(HeaderUserID) }

func requireUser(c fiber.Ctx) error {
	if userID(c) == "" {
		return fiber.NewError(fiber.StatusUnauthorized, HeaderUserID+" header is required")
	}
	return c.Next()
}

func (s *server) observe(c fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		status = statusFor(err)
	}
	s.metrics.RecordHTTP(c.Method(), c.Route().Path, strconv.Itoa(status), time.Since(start))
	return err
}

func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, casegraph.ErrCaseNotFound),
		errors.Is(err, casegraph.ErrNodeNotFound),
		errors.Is(err, casegraph.ErrFeedbackNotFound),
		errors.Is(err, casegraph.ErrDocumentNotFound),
		errors.Is(err, queue.ErrJobNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, casegraph.ErrCaseBusy),
		errors.Is(err, casegraph.ErrCaseNotOpen),
		errors.Is(err, casegraph.ErrDuplicateFeedback),
		errors.Is(err, casegraph.ErrInvalidTransition),
		errors.Is(err, casegraph.ErrInvalidCaseTransition):
		return fiber.StatusConflict
	case errors.Is(err, casegraph.ErrCycleDetected),
		errors.Is(err, casegraph.ErrCrossCaseEdge):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrInvalidRequest):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *server) errorHandler(c fiber.Ctx, err error) error {
	status := statusFor(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		msg = "internal error"
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

func bind(c fiber.Ctx, out any) error {
	if err := c.Bind().JSON(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body: "+err.Error())
	}
	return nil
}

func (s *server) health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()
	queueOK := true
	if s.queue != nil {
		_, err := s.queue.Stats(ctx)
		queueOK = err == nil
	}
	status := "ok"
	if !queueOK {
		status = "degraded"
	}
	return c.JSON(fiber.Map{
		"status": status,
		"queue":  queueOK,
		"cache":  s.cache.Healthy(ctx),
	})
}

func (s *server) createCase(c fiber.Ctx) error {
	var req engine.CreateCaseRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sub, err := s.engine.CreateCase(c.Context(), userID(c), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(sub)
}

func (s *server) listCases(c fiber.Ctx) error {
	out, err := s.engine.ListCases(c.Context(), casegraph.CaseFilter{
		UserID: userID(c),
		Status: casegraph.CaseStatus(c.Query("status")),
		Limit:  fiber.Query[int](c, "limit"),
		Offset: fiber.Query[int](c, "offset"),
	})
	if err != nil {
		return err
	}
	if out == nil {
		out = []casegraph.Case{}
	}
	return c.JSON(out)
}

func (s *server) getCase(c fiber.Ctx) error {
	g, err := s.engine.GetGraph(c.Context(), userID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(g)
}

func (s *server) updateCase(c fiber.Ctx) error {
	var u engine.CaseUpdate
	if err := bind(c, &u); err != nil {
		return err
	}
	out, err := s.engine.UpdateCase(c.Context(), userID(c), c.Params("id"), u)
	if err != nil {
		return err
	}
	return c.JSON(out)
}

func (s *server) deleteCase(c fiber.Ctx) error {
	if err := s.engine.DeleteCase(c.Context(), userID(c), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *server) caseStatus(c fiber.Ctx) error {
	v, err := s.engine.CaseStatus(c.Context(), userID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(v)
}

func (s *server) interact(c fiber.Ctx) error {
	var req engine.InteractRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	sub, err := s.engine.Interact(c.Context(), userID(c), c.Params("id"), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(sub)
}

func (s *server) submitFeedback(c fiber.Ctx) error {
	var in engine.FeedbackInput
	if err := bind(c, &in); err != nil {
		return err
	}
	f, err := s.engine.SubmitFeedback(c.Context(), userID(c), c.Params("id"), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(f)
}

func (s *server) updateFeedback(c fiber.Ctx) error {
	var in engine.FeedbackInput
	if err := bind(c, &in); err != nil {
		return err
	}
	f, err := s.engine.UpdateFeedback(c.Context(), userID(c), c.Params("id"), in)
	if err != nil {
		return err
	}
	return c.JSON(f)
}

func (s *server) getFeedback(c fiber.Ctx) error {
	f, err := s.engine.GetFeedback(c.Context(), userID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(f)
}

func (s *server) statistics(c fiber.Ctx) error {
	st, err := s.engine.Statistics(c.Context(), userID(c))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

func (s *server) uploadDocument(c fiber.Ctx) error {
	var req engine.UploadRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	d, err := s.engine.UploadDocument(c.Context(), userID(c), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(d)
}

func (s *server) getDocument(c fiber.Ctx) error {
	d, err := s.engine.GetDocument(c.Context(), userID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(d)
}

func (s *server) reparseDocument(c fiber.Ctx) error {
	d, err := s.engine.ReparseDocument(c.Context(), userID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(d)
}

// retryNode is an operator action; without a user header any case is
// reachable.
func (s *server) retryNode(c fiber.Ctx) error {
	sub, err := s.engine.Retrigger(c.Context(), userID(c), c.Params("id"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(sub)
}

func (s *server) getJob(c fiber.Ctx) error {
	job, err := s.queue.Status(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(job)
}

func (s *server) cancelJob(c fiber.Ctx) error {
	ok, err := s.queue.Cancel(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	if !ok {
		return fiber.NewError(fiber.StatusConflict, "job already started or finished")
	}
	return c.JSON(fiber.Map{"canceled": true})
}

func (s *server) jobStats(c fiber.Ctx) error {
	st, err := s.queue.Stats(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(st)
}

// cleanupJobs purges failed jobs older than ?older_than (a Go duration),
// defaulting to the configured retention.
func (s *server) cleanupJobs(c fiber.Ctx) error {
	maxAge := s.retention
	if v := c.Query("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return fiber.NewError(fiber.StatusBadRequest, "older_than must be a positive duration")
		}
		maxAge = d
	}
	n, err := s.queue.Cleanup(c.Context(), maxAge)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": n})
}

type invalidateRequest struct {
	Pattern string `json:"pattern" validate:"required"`
}

func (s *server) invalidateCache(c fiber.Ctx) error {
	var req invalidateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	n, err := s.cache.Invalidate(c.Context(), req.Pattern)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"deleted": n})
}

func (s *server) cacheStats(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"stats":   s.cache.Stats(),
		"healthy": s.cache.Healthy(c.Context()),
	})
}
