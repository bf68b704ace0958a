package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meikuraledutech/casegraph/queue"
)

// Queue implements queue.Backend on the jobs table created by
// PGStore.CreateSchema. Claims use FOR UPDATE SKIP LOCKED, so any number of
// worker processes can share one table.
type Queue struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewQueue creates a Queue backed by the given pool.
func NewQueue(db *pgxpool.Pool) *Queue {
	return &Queue{db: db, now: time.Now}
}

const jobColumns = `id, handler, args, status, attempt, meta, error, enqueued_at, run_at, started_at, ended_at`

func scanJob(row pgx.Row) (*queue.Job, error) {
	var (
		j    queue.Job
		args []byte
	)
	if err := row.Scan(&j.ID, &j.Handler, &args, &j.Status, &j.Attempt, &j.Meta, &j.Error,
		&j.EnqueuedAt, &j.RunAt, &j.StartedAt, &j.EndedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(args, &j.Args); err != nil {
		return nil, fmt.Errorf("decode args of job %s: %w", j.ID, err)
	}
	if j.Meta == nil {
		j.Meta = map[string]any{}
	}
	return &j, nil
}

// Push inserts a queued job.
func (q *Queue) Push(ctx context.Context, job *queue.Job) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("queue: encode args: %w", err)
	}
	status := job.Status
	if status == "" {
		status = queue.StatusQueued
	}
	meta := job.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO jobs (id, handler, args, status, attempt, meta, enqueued_at, run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.Handler, string(args), status, job.Attempt, meta, job.EnqueuedAt, job.RunAt,
	)
	if err != nil {
		return fmt.Errorf("queue: insert job: %w", err)
	}
	return nil
}

// Claim takes the oldest ready job. Rows locked by another claimer are
// skipped rather than waited on.
func (q *Queue) Claim(ctx context.Context, now time.Time) (*queue.Job, error) {
	j, err := scanJob(q.db.QueryRow(ctx,
		`UPDATE jobs SET status = $1, attempt = attempt + 1, started_at = $2
		 WHERE id = (
		     SELECT id FROM jobs
		     WHERE status IN ($3, $4) AND run_at <= $2
		     ORDER BY run_at, id
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		queue.StatusStarted, now, queue.StatusQueued, queue.StatusScheduled,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return j, nil
}

// settle moves a job to status. A nil meta keeps the stored metadata.
func (q *Queue) settle(ctx context.Context, id string, status queue.Status, errMsg string, meta map[string]any, runAt *time.Time) error {
	var ended *time.Time
	if status != queue.StatusScheduled {
		now := q.now()
		ended = &now
	}
	ct, err := q.db.Exec(ctx,
		`UPDATE jobs SET status = $1, error = $2, meta = COALESCE($3::jsonb, meta),
		     run_at = COALESCE($4, run_at), ended_at = $5
		 WHERE id = $6`,
		status, errMsg, meta, runAt, ended, id,
	)
	if err != nil {
		return fmt.Errorf("queue: settle job %s: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}

func (q *Queue) Complete(ctx context.Context, id string, meta map[string]any) error {
	return q.settle(ctx, id, queue.StatusFinished, "", meta, nil)
}

func (q *Queue) Retry(ctx context.Context, id string, runAt time.Time, errMsg string, meta map[string]any) error {
	return q.settle(ctx, id, queue.StatusScheduled, errMsg, meta, &runAt)
}

func (q *Queue) Fail(ctx context.Context, id string, errMsg string, meta map[string]any) error {
	return q.settle(ctx, id, queue.StatusFailed, errMsg, meta, nil)
}

// Release puts a started job back in the queue and gives back its attempt.
// Jobs no longer started are left alone.
func (q *Queue) Release(ctx context.Context, id string, meta map[string]any) error {
	ct, err := q.db.Exec(ctx,
		`UPDATE jobs SET status = $1, attempt = GREATEST(attempt - 1, 0), started_at = NULL,
		     meta = COALESCE($2::jsonb, meta)
		 WHERE id = $3 AND status = $4`,
		queue.StatusQueued, meta, id, queue.StatusStarted,
	)
	if err != nil {
		return fmt.Errorf("queue: release job %s: %w", id, err)
	}
	if ct.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("queue: release job %s: %w", id, err)
	}
	if !exists {
		return queue.ErrJobNotFound
	}
	return nil
}

// RequeueStale reschedules jobs whose worker stopped reporting.
func (q *Queue) RequeueStale(ctx context.Context, startedBefore, now time.Time) (int, error) {
	ct, err := q.db.Exec(ctx,
		`UPDATE jobs SET status = $1, run_at = $2, error = $3
		 WHERE status = $4 AND started_at < $5`,
		queue.StatusScheduled, now, queue.StaleError, queue.StatusStarted, startedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: requeue stale jobs: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

// Cancel cancels a queued or scheduled job.
// Returns ErrJobNotFound if the job doesn't exist.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	var status queue.Status
	err := q.db.QueryRow(ctx,
		`WITH target AS (SELECT id, status FROM jobs WHERE id = $1 FOR UPDATE)
		 UPDATE jobs SET status = CASE WHEN target.status IN ($2, $3) THEN $4 ELSE jobs.status END,
		     ended_at = CASE WHEN target.status IN ($2, $3) THEN $5 ELSE jobs.ended_at END
		 FROM target WHERE jobs.id = target.id
		 RETURNING target.status`,
		id, queue.StatusQueued, queue.StatusScheduled, queue.StatusCanceled, q.now(),
	).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return false, queue.ErrJobNotFound
		}
		return false, fmt.Errorf("queue: cancel job %s: %w", id, err)
	}
	return status.Pending(), nil
}

// Get fetches a job by its ID.
// Returns nil, nil if not found.
func (q *Queue) Get(ctx context.Context, id string) (*queue.Job, error) {
	j, err := scanJob(q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: get job: %w", err)
	}
	return j, nil
}

func (q *Queue) SaveMeta(ctx context.Context, id string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	ct, err := q.db.Exec(ctx, `UPDATE jobs SET meta = $1 WHERE id = $2`, meta, id)
	if err != nil {
		return fmt.Errorf("queue: save meta of job %s: %w", id, err)
	}
	if ct.RowsAffected() == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	var st queue.Stats
	rows, err := q.db.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("queue: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status queue.Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("queue: scan stats: %w", err)
		}
		st.Add(status, n)
	}
	return st, rows.Err()
}

func (q *Queue) PurgeFailed(ctx context.Context, before time.Time) (int, error) {
	ct, err := q.db.Exec(ctx, `DELETE FROM jobs WHERE status = $1 AND ended_at < $2`, queue.StatusFailed, before)
	if err != nil {
		return 0, fmt.Errorf("queue: purge failed jobs: %w", err)
	}
	return int(ct.RowsAffected()), nil
}
