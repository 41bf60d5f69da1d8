// Package health derives rolling sync health from the log store and the
// queues. Nothing here is persisted; every read recomputes from the sources
// of truth, so there is no cached "is syncing" flag to drift.
package health

import (
	"context"
	"time"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
	"github.com/storeflow/storeflow-sync-server/internal/queue"
	"github.com/storeflow/storeflow-sync-server/internal/store"
)

const (
	// DefaultWindow is the rolling window for the failure rate
	DefaultWindow = 24 * time.Hour

	// DefaultLagThreshold marks an entity lagging when its last sync is
	// older than this
	DefaultLagThreshold = time.Hour

	// recentLogLimit bounds the log list in a snapshot
	recentLogLimit = 20
)

// Health classification bands consumed by observers. Offline detection is a
// separate collaborator signal and takes priority over these when present.
const (
	ClassHealthy   = "healthy"
	ClassDegraded  = "degraded"
	ClassUnhealthy = "unhealthy"
)

// Summary is the derived rolling health for one tenant.
type Summary struct {
	LastSuccessAt  *time.Time `json:"lastSuccessAt"`
	LastFailureAt  *time.Time `json:"lastFailureAt"`
	FailureRate24h float64    `json:"failureRate24h"`
	ActiveJobs     int        `json:"activeJobs"`
}

// NeverSynced reports whether this tenant has no terminal attempts and no
// running jobs. Callers must treat this distinctly from "healthy": a zero
// failure rate with no history means nothing has happened yet.
func (s *Summary) NeverSynced() bool {
	return s.ActiveJobs == 0 && s.LastSuccessAt == nil && s.LastFailureAt == nil
}

// Classify maps a failure rate onto the documented health bands.
func Classify(failureRate float64) string {
	switch {
	case failureRate < 0.05:
		return ClassHealthy
	case failureRate < 0.25:
		return ClassDegraded
	default:
		return ClassUnhealthy
	}
}

// Snapshot is the full pull-side status payload served to polling observers.
type Snapshot struct {
	ActiveJobs []queue.Job                  `json:"activeJobs"`
	State      []store.SyncState            `json:"syncState"`
	RecentLogs []store.SyncLog              `json:"recentLogs"`
	Summary    Summary                      `json:"healthSummary"`
	Counts     map[entity.Type]queue.Counts `json:"queueCounts,omitempty"`
}

// Aggregator computes health summaries on demand.
type Aggregator struct {
	logs   store.LogStore
	state  store.StateStore
	queues *queue.Manager

	window       time.Duration
	lagThreshold time.Duration
	now          func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLagThreshold overrides the default 1h lagging threshold.
func WithLagThreshold(d time.Duration) Option {
	return func(a *Aggregator) {
		a.lagThreshold = d
	}
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// New creates an Aggregator over the given stores and queues.
func New(logs store.LogStore, state store.StateStore, queues *queue.Manager, opts ...Option) *Aggregator {
	a := &Aggregator{
		logs:         logs,
		state:        state,
		queues:       queues,
		window:       DefaultWindow,
		lagThreshold: DefaultLagThreshold,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetSummary computes the rolling health summary for a tenant. The failure
// rate is FAILED / (SUCCESS + FAILED) over the trailing window, defined as 0
// when there are no terminal attempts. The last success/failure timestamps are
// all-time, not windowed: an idle tenant whose last success predates the
// window is still synced, not never-synced.
func (a *Aggregator) GetSummary(ctx context.Context, tenant string) (*Summary, error) {
	now := a.now()

	terminal, err := a.logs.ListTerminalSince(ctx, tenant, now.Add(-a.window))
	if err != nil {
		return nil, err
	}

	var failed int
	summary := &Summary{}
	for i := range terminal {
		if terminal[i].Status == store.StatusFailed {
			failed++
		}
	}
	if len(terminal) > 0 {
		summary.FailureRate24h = float64(failed) / float64(len(terminal))
	}

	summary.LastSuccessAt, err = a.logs.LastCompletedAt(ctx, tenant, store.StatusSuccess)
	if err != nil {
		return nil, err
	}
	summary.LastFailureAt, err = a.logs.LastCompletedAt(ctx, tenant, store.StatusFailed)
	if err != nil {
		return nil, err
	}

	active, err := a.queues.ActiveForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}
	summary.ActiveJobs = len(active)

	return summary, nil
}

// Lagging reports, per entity type, whether the last successful sync is
// missing or older than the lag threshold. Used by lightweight status
// widgets.
func (a *Aggregator) Lagging(ctx context.Context, tenant string) (map[entity.Type]bool, error) {
	states, err := a.state.List(ctx, tenant)
	if err != nil {
		return nil, err
	}

	byType := make(map[entity.Type]*store.SyncState, len(states))
	for i := range states {
		byType[states[i].EntityType] = &states[i]
	}

	cutoff := a.now().Add(-a.lagThreshold)
	out := make(map[entity.Type]bool, len(entity.All()))
	for _, et := range entity.All() {
		state, ok := byType[et]
		// never synced counts as lagging
		out[et] = !ok || state.LastSyncedAt == nil || state.LastSyncedAt.Before(cutoff)
	}
	return out, nil
}

// Snapshot assembles the full pull-side payload for a tenant.
func (a *Aggregator) Snapshot(ctx context.Context, tenant string) (*Snapshot, error) {
	summary, err := a.GetSummary(ctx, tenant)
	if err != nil {
		return nil, err
	}

	active, err := a.queues.ActiveForTenant(ctx, tenant)
	if err != nil {
		return nil, err
	}

	states, err := a.state.List(ctx, tenant)
	if err != nil {
		return nil, err
	}

	recent, err := a.logs.ListRecent(ctx, tenant, recentLogLimit)
	if err != nil {
		return nil, err
	}

	counts := make(map[entity.Type]queue.Counts, len(entity.All()))
	for _, et := range entity.All() {
		c, err := a.queues.ForEntity(et).Counts(ctx)
		if err != nil {
			return nil, err
		}
		counts[et] = c
	}

	return &Snapshot{
		ActiveJobs: active,
		State:      states,
		RecentLogs: recent,
		Summary:    *summary,
		Counts:     counts,
	}, nil
}
