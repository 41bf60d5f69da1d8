// Package queue defines the durable per-entity work channels that carry sync
// jobs, with pause/resume, cooperative cancel, and progress reporting.
package queue

import (
	"context"
	"time"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
)

// Job is one queued or executing unit of sync work. Jobs are owned by the
// queue substrate; the rest of the engine references them by ID only.
type Job struct {
	ID          string      `json:"id"`
	Queue       string      `json:"queue"`
	Tenant      string      `json:"tenant"`
	EntityType  entity.Type `json:"entityType"`
	Full        bool        `json:"full"`
	Cursor      string      `json:"cursor,omitempty"`
	LogID       string      `json:"logId"`
	RetryCount  int         `json:"retryCount"`
	MaxAttempts int         `json:"maxAttempts"`
	Source      string      `json:"source"`
	Progress    int         `json:"progress"`
	EnqueuedAt  time.Time   `json:"enqueuedAt"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`

	// ProgressAt is the last progress heartbeat. The staleness sweep fails
	// jobs whose heartbeat is older than the staleness window.
	ProgressAt time.Time `json:"progressAt"`
}

// Counts summarizes a queue's job populations.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is one named, durable FIFO work channel. One instance exists per
// entity type plus the internal maintenance queue.
type Queue interface {
	// Name returns the queue's durable name.
	Name() string

	// Enqueue adds a job to the waiting list and returns its ID.
	Enqueue(ctx context.Context, job *Job) (string, error)

	// Dequeue moves the oldest waiting job to the active list and returns
	// it. Returns (nil, nil) when the queue is empty or paused. A paused
	// queue stops dispatching new jobs; jobs already active are unaffected.
	Dequeue(ctx context.Context) (*Job, error)

	// Get returns a waiting or active job by ID, or *errs.NotFoundError.
	Get(ctx context.Context, jobID string) (*Job, error)

	// ListActive returns the jobs currently executing.
	ListActive(ctx context.Context) ([]Job, error)

	// UpdateProgress records a worker progress report (0-100) and refreshes
	// the job's heartbeat. Monotonicity is a worker-side contract; the queue
	// does not enforce it.
	UpdateProgress(ctx context.Context, jobID string, percent int) error

	// Complete removes a finished job and bumps the completed or failed
	// counter.
	Complete(ctx context.Context, jobID string, failed bool) error

	// Pause stops dispatch of new jobs. Idempotent.
	Pause(ctx context.Context) error

	// Resume re-enables dispatch. Idempotent; there is no pause counter.
	Resume(ctx context.Context) error

	// Paused reports whether dispatch is currently suspended.
	Paused(ctx context.Context) (bool, error)

	// Cancel cancels a job. A waiting job is removed outright (removed =
	// true); an active job gets its cancellation flag set for the worker to
	// observe between pages (removed = false). Unknown IDs return
	// *errs.NotFoundError.
	Cancel(ctx context.Context, jobID string) (removed bool, err error)

	// Cancelled reports whether a job's cancellation flag is set.
	Cancelled(ctx context.Context, jobID string) (bool, error)

	// Counts returns the queue's population summary.
	Counts(ctx context.Context) (Counts, error)
}

// Factory builds a queue with the given durable name.
type Factory func(name string) Queue

// Manager owns the fixed set of queues: one per entity type plus the
// internal maintenance queue.
type Manager struct {
	byEntity    map[entity.Type]Queue
	maintenance Queue
}

// NewManager builds all queues through the factory.
func NewManager(f Factory) *Manager {
	byEntity := make(map[entity.Type]Queue, len(entity.All()))
	for _, et := range entity.All() {
		byEntity[et] = f(et.QueueName())
	}
	return &Manager{
		byEntity:    byEntity,
		maintenance: f(entity.MaintenanceQueueName),
	}
}

// ForEntity returns the queue for an entity type.
func (m *Manager) ForEntity(et entity.Type) Queue {
	return m.byEntity[et]
}

// Maintenance returns the internal scheduler/maintenance queue. It is not
// exposed through the control API.
func (m *Manager) Maintenance() Queue {
	return m.maintenance
}

// All returns the user-facing entity queues in stable order.
func (m *Manager) All() []Queue {
	out := make([]Queue, 0, len(m.byEntity))
	for _, et := range entity.All() {
		out = append(out, m.byEntity[et])
	}
	return out
}

// ActiveForTenant lists active jobs across all entity queues, filtered to
// one tenant.
func (m *Manager) ActiveForTenant(ctx context.Context, tenant string) ([]Job, error) {
	var out []Job
	for _, q := range m.All() {
		jobs, err := q.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		for _, j := range jobs {
			if j.Tenant == tenant {
				out = append(out, j)
			}
		}
	}
	return out, nil
}
