// Package memory provides an in-memory queue implementation for tests and
// single-node development mode.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storeflow/storeflow-sync-server/internal/errs"
	"github.com/storeflow/storeflow-sync-server/internal/queue"
)

// Queue implements queue.Queue with mutex-guarded slices. Dequeue does not
// block; it reports an empty queue immediately and lets the worker loop pace
// itself.
type Queue struct {
	name string

	mu        sync.Mutex
	waiting   []string
	active    []string
	jobs      map[string]queue.Job
	cancelled map[string]bool
	paused    bool
	completed int64
	failed    int64
}

// NewFactory returns a queue.Factory producing in-memory queues.
func NewFactory() queue.Factory {
	return func(name string) queue.Queue {
		return New(name)
	}
}

// New creates an empty in-memory queue.
func New(name string) *Queue {
	return &Queue{
		name:      name,
		jobs:      make(map[string]queue.Job),
		cancelled: make(map[string]bool),
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Enqueue(_ context.Context, job *queue.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Queue = q.name
	job.EnqueuedAt = time.Now().UTC()
	job.ProgressAt = job.EnqueuedAt

	q.jobs[job.ID] = *job
	q.waiting = append(q.waiting, job.ID)
	return job.ID, nil
}

func (q *Queue) Dequeue(_ context.Context) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || len(q.waiting) == 0 {
		return nil, nil
	}

	id := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active = append(q.active, id)

	job := q.jobs[id]
	now := time.Now().UTC()
	job.StartedAt = &now
	job.ProgressAt = now
	q.jobs[id] = job

	copied := job
	return &copied, nil
}

func (q *Queue) Get(_ context.Context, jobID string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, errs.NewNotFound("no job %s on queue %s", jobID, q.name)
	}
	copied := job
	return &copied, nil
}

func (q *Queue) ListActive(_ context.Context) ([]queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]queue.Job, 0, len(q.active))
	for _, id := range q.active {
		if job, ok := q.jobs[id]; ok {
			out = append(out, job)
		}
	}
	return out, nil
}

func (q *Queue) UpdateProgress(_ context.Context, jobID string, percent int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return errs.NewNotFound("no job %s on queue %s", jobID, q.name)
	}
	job.Progress = percent
	job.ProgressAt = time.Now().UTC()
	q.jobs[jobID] = job
	return nil
}

func (q *Queue) Complete(_ context.Context, jobID string, failed bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.active = remove(q.active, jobID)
	q.waiting = remove(q.waiting, jobID)
	delete(q.jobs, jobID)
	delete(q.cancelled, jobID)
	if failed {
		q.failed++
	} else {
		q.completed++
	}
	return nil
}

func (q *Queue) Pause(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
	return nil
}

func (q *Queue) Resume(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	return nil
}

func (q *Queue) Paused(_ context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused, nil
}

func (q *Queue) Cancel(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[jobID]; !ok {
		return false, errs.NewNotFound("no job %s on queue %s", jobID, q.name)
	}

	before := len(q.waiting)
	q.waiting = remove(q.waiting, jobID)
	if len(q.waiting) < before {
		delete(q.jobs, jobID)
		return true, nil
	}

	q.cancelled[jobID] = true
	return false, nil
}

func (q *Queue) Cancelled(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[jobID], nil
}

func (q *Queue) Counts(_ context.Context) (queue.Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return queue.Counts{
		Waiting:   int64(len(q.waiting)),
		Active:    int64(len(q.active)),
		Completed: q.completed,
		Failed:    q.failed,
	}, nil
}

// SetProgressAt backdates a job's heartbeat. Test hook for the staleness
// sweep.
func (q *Queue) SetProgressAt(jobID string, at time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.jobs[jobID]; ok {
		job.ProgressAt = at
		q.jobs[jobID] = job
	}
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
