package queue

import (
	"context"
	"time"
)

// Backend is the durable FIFO behind the queue. Implementations must make
// Claim atomic: a job is handed to at most one worker per delivery.
type Backend interface {
	// Push stores a new job in StatusQueued.
	Push(ctx context.Context, job *Job) error
	// Claim takes the oldest job whose RunAt is not after now, marks it
	// started and increments Attempt. It returns nil, nil when none is ready.
	Claim(ctx context.Context, now time.Time) (*Job, error)
	// Complete marks a started job finished.
	Complete(ctx context.Context, id string, meta map[string]any) error
	// Retry schedules a started job for redelivery at runAt.
	Retry(ctx context.Context, id string, runAt time.Time, errMsg string, meta map[string]any) error
	// Fail marks a started job failed for good.
	Fail(ctx context.Context, id string, errMsg string, meta map[string]any) error
	// Release hands a started job back to the queue without charging the
	// attempt, for deliveries cut short by a worker shutting down.
	Release(ctx context.Context, id string, meta map[string]any) error
	// RequeueStale reschedules, for delivery at now, started jobs claimed
	// before startedBefore. These belong to workers that died mid-job.
	RequeueStale(ctx context.Context, startedBefore, now time.Time) (int, error)
	// Cancel cancels a job that has not started. It reports whether the
	// job was canceled.
	Cancel(ctx context.Context, id string) (bool, error)
	// Get returns a job by ID, or nil, nil.
	Get(ctx context.Context, id string) (*Job, error)
	// SaveMeta replaces a job's metadata.
	SaveMeta(ctx context.Context, id string, meta map[string]any) error
	// Stats counts jobs per status.
	Stats(ctx context.Context) (Stats, error)
	// PurgeFailed deletes failed jobs that ended before the cutoff.
	PurgeFailed(ctx context.Context, before time.Time) (int, error)
}

// Notifier is implemented by backends that can wake idle workers as soon
// as a job is pushed instead of waiting for the next poll.
type Notifier interface {
	Notify() <-chan struct{}
}

// Stats is a snapshot of queue occupancy.
type Stats struct {
	Queued    int `json:"queued"`
	Scheduled int `json:"scheduled"`
	Started   int `json:"started"`
	Finished  int `json:"finished"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
}

// Add increments the counter for status s by n.
func (st *Stats) Add(s Status, n int) {
	switch s {
	case StatusQueued:
		st.Queued += n
	case StatusScheduled:
		st.Scheduled += n
	case StatusStarted:
		st.Started += n
	case StatusFinished:
		st.Finished += n
	case StatusFailed:
		st.Failed += n
	case StatusCanceled:
		st.Canceled += n
	}
}
