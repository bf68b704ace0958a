// Package queue is the durable work queue that decouples request handling
// from background computation. Producers enqueue job descriptors naming a
// registered handler; a pool of stateless workers claims and runs them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrJobNotFound    = errors.New("queue: job not found")
	ErrUnknownHandler = errors.New("queue: no handler registered")
)

// StaleError is recorded on jobs a lease sweep put back in the queue.
const StaleError = "worker lost while running job"

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusScheduled Status = "scheduled" // waiting for a retry delay to elapse
	StatusStarted   Status = "started"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Pending reports whether a job in status s has not started yet.
func (s Status) Pending() bool {
	return s == StatusQueued || s == StatusScheduled
}

// Job is a handler reference plus positional arguments. Arguments are IDs
// and small scalars; large payloads stay in durable storage and are looked
// up by the handler.
type Job struct {
	ID         string            `json:"id"`
	Handler    string            `json:"handler"`
	Args       []json.RawMessage `json:"args"`
	Status     Status            `json:"status"`
	Attempt    int               `json:"attempt"`
	Meta       map[string]any    `json:"meta"`
	Error      string            `json:"error,omitempty"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	RunAt      time.Time         `json:"run_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`

	// backend is set by the worker that claimed the job so handlers and
	// middleware can persist Meta while running.
	backend Backend
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a lexically time-ordered job ID.
func NewID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// NewJob builds a queued job for handler with JSON-encoded args.
func NewJob(handler string, now time.Time, args ...any) (*Job, error) {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("queue: encode arg %d for %s: %w", i, handler, err)
		}
		raw[i] = b
	}
	return &Job{
		ID:         NewID(now),
		Handler:    handler,
		Args:       raw,
		Status:     StatusQueued,
		Meta:       map[string]any{},
		EnqueuedAt: now,
		RunAt:      now,
	}, nil
}

// Arg decodes positional argument i into v.
func (j *Job) Arg(i int, v any) error {
	if i < 0 || i >= len(j.Args) {
		return fmt.Errorf("queue: job %s (%s) has %d args, wanted index %d", j.ID, j.Handler, len(j.Args), i)
	}
	if err := json.Unmarshal(j.Args[i], v); err != nil {
		return fmt.Errorf("queue: decode arg %d of job %s: %w", i, j.ID, err)
	}
	return nil
}

// StringArg decodes positional argument i as a string.
func (j *Job) StringArg(i int) (string, error) {
	var s string
	err := j.Arg(i, &s)
	return s, err
}

// SetMeta records a metadata key on the in-memory job.
func (j *Job) SetMeta(key string, value any) {
	if j.Meta == nil {
		j.Meta = map[string]any{}
	}
	j.Meta[key] = value
}

// SaveMeta persists Meta to the backend that claimed the job. It is a no-op
// for jobs not obtained from a worker.
func (j *Job) SaveMeta(ctx context.Context) error {
	if j.backend == nil {
		return nil
	}
	return j.backend.SaveMeta(ctx, j.ID, j.Meta)
}

// Bind attaches the backend a claimed job reports its metadata to.
func (j *Job) Bind(b Backend) { j.backend = b }

// Clone returns a deep-enough copy for handing out of a backend.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Args = append([]json.RawMessage(nil), j.Args...)
	cp.Meta = make(map[string]any, len(j.Meta))
	for k, v := range j.Meta {
		cp.Meta[k] = v
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.EndedAt != nil {
		t := *j.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

// RetryError asks the worker to redeliver the job after Delay.
type RetryError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.Delay, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// RetryAfter wraps err so the worker reschedules the job instead of failing it.
func RetryAfter(delay time.Duration, err error) error {
	return &RetryError{Delay: delay, Err: err}
}
