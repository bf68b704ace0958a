// Package task wraps queue handlers with progress monitoring and a bounded
// retry policy with backoff.
package task

import (
	"context"
	"errors"
	"time"

	"github.com/meikuraledutech/casegraph/queue"
)

// Job metadata keys written by the monitor and retry middleware.
const (
	MetaStatus       = "status"
	MetaStartedAt    = "started_at"
	MetaCompletedAt  = "completed_at"
	MetaFunctionName = "function_name"
	MetaError        = "error"
	MetaRetryCount   = "retry_count"
	MetaLastError    = "last_error"
)

// Values of MetaStatus.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRetrying  = "retrying"

	// StatusInterrupted marks a delivery cut short by worker shutdown. The
	// job is queued again.
	StatusInterrupted = "interrupted"
)

// Policy bounds how often a handler is retried and how long to wait
// between attempts.
type Policy struct {
	MaxRetries int
	Backoff    []time.Duration
}

// DefaultPolicy retries three times after 10s, 30s and 60s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		Backoff:    []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second},
	}
}

// Delay returns the wait before retry number retry (0-based), clamped to
// the last entry of the schedule.
func (p Policy) Delay(retry int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if retry < 0 {
		retry = 0
	}
	if retry >= len(p.Backoff) {
		retry = len(p.Backoff) - 1
	}
	return p.Backoff[retry]
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// ExhaustedFunc is called once a job has failed for the last time, before
// the error reaches the queue.
type ExhaustedFunc func(ctx context.Context, job *queue.Job, attempts int, err error)
