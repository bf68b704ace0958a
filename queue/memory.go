package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Backend for tests, the example program and
// single-binary deployments.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	notify chan struct{}
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]*Job),
		notify: make(chan struct{}, 1),
	}
}

func (m *Memory) Notify() <-chan struct{} { return m.notify }

func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) Push(_ context.Context, job *Job) error {
	m.mu.Lock()
	cp := job.Clone()
	cp.backend = nil
	if cp.Status == "" {
		cp.Status = StatusQueued
	}
	m.jobs[cp.ID] = cp
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Memory) Claim(_ context.Context, now time.Time) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []*Job
	for _, j := range m.jobs {
		if j.Status.Pending() && !j.RunAt.After(now) {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(a, b int) bool {
		if !ready[a].RunAt.Equal(ready[b].RunAt) {
			return ready[a].RunAt.Before(ready[b].RunAt)
		}
		return ready[a].ID < ready[b].ID
	})
	j := ready[0]
	j.Status = StatusStarted
	j.Attempt++
	started := now
	j.StartedAt = &started
	return j.Clone(), nil
}

func (m *Memory) finish(id string, status Status, errMsg string, meta map[string]any, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = status
	j.Error = errMsg
	if meta != nil {
		j.Meta = copyMeta(meta)
	}
	switch status {
	case StatusScheduled:
		j.RunAt = runAt
	default:
		ended := time.Now()
		j.EndedAt = &ended
	}
	return nil
}

func (m *Memory) Complete(_ context.Context, id string, meta map[string]any) error {
	return m.finish(id, StatusFinished, "", meta, time.Time{})
}

func (m *Memory) Retry(_ context.Context, id string, runAt time.Time, errMsg string, meta map[string]any) error {
	if err := m.finish(id, StatusScheduled, errMsg, meta, runAt); err != nil {
		return err
	}
	m.wake()
	return nil
}

func (m *Memory) Fail(_ context.Context, id string, errMsg string, meta map[string]any) error {
	return m.finish(id, StatusFailed, errMsg, meta, time.Time{})
}

func (m *Memory) Release(_ context.Context, id string, meta map[string]any) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	if j.Status == StatusStarted {
		j.Status = StatusQueued
		if j.Attempt > 0 {
			j.Attempt--
		}
		j.StartedAt = nil
		if meta != nil {
			j.Meta = copyMeta(meta)
		}
	}
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *Memory) RequeueStale(_ context.Context, startedBefore, now time.Time) (int, error) {
	m.mu.Lock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == StatusStarted && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			j.Status = StatusScheduled
			j.RunAt = now
			j.Error = StaleError
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.wake()
	}
	return n, nil
}

func (m *Memory) Cancel(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if !j.Status.Pending() {
		return false, nil
	}
	j.Status = StatusCanceled
	ended := time.Now()
	j.EndedAt = &ended
	return true, nil
}

func (m *Memory) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return j.Clone(), nil
}

func (m *Memory) SaveMeta(_ context.Context, id string, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Meta = copyMeta(meta)
	return nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st Stats
	for _, j := range m.jobs {
		st.Add(j.Status, 1)
	}
	return st, nil
}

func (m *Memory) PurgeFailed(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.Status == StatusFailed && j.EndedAt != nil && j.EndedAt.Before(before) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func copyMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
