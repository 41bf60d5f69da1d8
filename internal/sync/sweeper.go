package sync

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/storeflow/storeflow-sync-server/internal/errs"
	"github.com/storeflow/storeflow-sync-server/internal/events"
	"github.com/storeflow/storeflow-sync-server/internal/queue"
	"github.com/storeflow/storeflow-sync-server/internal/retry"
	"github.com/storeflow/storeflow-sync-server/internal/store"
	"github.com/storeflow/storeflow-sync-server/internal/telemetry"
)

const (
	// baseSweepInterval is the base cadence of the retry and staleness sweeps
	baseSweepInterval = time.Minute

	// sweepJitter is the maximum random offset applied to the sweep interval
	// so multiple instances do not scan the log store simultaneously
	sweepJitter = 10 * time.Second

	// DefaultStaleness is how long a job may go without a progress heartbeat
	// before the sweep reclaims it. Conservative on purpose: a genuinely slow
	// but healthy job must not be killed.
	DefaultStaleness = 10 * time.Minute
)

// Sweeper is the background maintenance loop owned by the controller side of
// the engine. Each cycle it enqueues follow-up attempts for FAILED logs whose
// retry is due, and reclaims active jobs whose progress heartbeat went stale
// (typically after a worker crash).
type Sweeper struct {
	controller *Controller
	logs       store.LogStore
	queues     *queue.Manager
	policy     *retry.Policy
	bus        events.Broadcaster
	metrics    *telemetry.Metrics
	logger     *zap.Logger

	staleness time.Duration
	now       func() time.Time
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithStaleness overrides the heartbeat staleness window.
func WithStaleness(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.staleness = d
	}
}

// WithSweeperMetrics sets the prometheus collectors.
func WithSweeperMetrics(m *telemetry.Metrics) SweeperOption {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithSweeperNowFunc overrides the clock, for tests.
func WithSweeperNowFunc(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		s.now = now
	}
}

// NewSweeper creates the maintenance sweep.
func NewSweeper(
	controller *Controller,
	logs store.LogStore,
	queues *queue.Manager,
	policy *retry.Policy,
	bus events.Broadcaster,
	logger *zap.Logger,
	opts ...SweeperOption,
) *Sweeper {
	s := &Sweeper{
		controller: controller,
		logs:       logs,
		queues:     queues,
		policy:     policy,
		bus:        bus,
		logger:     logger,
		staleness:  DefaultStaleness,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// sweepInterval returns the base interval with random jitter applied.
func sweepInterval() time.Duration {
	//nolint:gosec // G404: non-cryptographic randomness is fine for sweep jitter
	offset := time.Duration(rand.Int64N(int64(2*sweepJitter))) - sweepJitter
	return baseSweepInterval + offset
}

// Run sweeps on a jittered interval until the context is cancelled. Blocks.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := sweepInterval()
	s.logger.Info("maintenance sweep started",
		zap.Duration("base_interval", baseSweepInterval),
		zap.Duration("actual_interval", interval),
		zap.Duration("staleness", s.staleness))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			s.logger.Info("maintenance sweep stopped")
			return nil
		}
	}
}

// Sweep runs one maintenance cycle. Exposed for tests and for a final sweep
// during drain.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepStalled(ctx)
	s.sweepRetries(ctx)
	s.observeQueueDepths(ctx)
}

// sweepRetries enqueues a follow-up attempt for every FAILED log whose
// nextRetryAt has passed. The new attempt is a new log row continuing the
// chain; the old row only has its willRetry flag cleared so it is not picked
// up twice.
func (s *Sweeper) sweepRetries(ctx context.Context) {
	due, err := s.logs.DueRetries(ctx, s.now().UTC())
	if err != nil {
		s.logger.Error("listing due retries", zap.Error(err))
		return
	}

	for i := range due {
		prev := &due[i]
		logger := s.logger.With(
			zap.String("tenant", prev.TenantID),
			zap.String("entity_type", prev.EntityType.String()),
			zap.String("failed_log_id", prev.ID))

		_, err := s.controller.startAttempt(ctx, prev.TenantID, prev.EntityType,
			!prev.Full, store.SourceRetry, prev.RetryCount+1, prev.MaxAttempts)
		var conflict *errs.ConflictError
		if errors.As(err, &conflict) {
			// Something else started an attempt first. Leave willRetry set;
			// the row comes back next cycle if the slot frees up without a
			// terminal outcome superseding it.
			logger.Debug("retry deferred, attempt already active")
			continue
		}
		if err != nil {
			logger.Error("scheduling retry attempt", zap.Error(err))
			continue
		}

		if err := s.logs.MarkRetryScheduled(ctx, prev.ID); err != nil {
			logger.Error("marking retry scheduled", zap.Error(err))
		}
		s.metrics.ObserveRetryScheduled(prev.EntityType)
		logger.Info("retry attempt enqueued", zap.Int("retry_count", prev.RetryCount+1))
	}
}

// sweepStalled fails active jobs whose heartbeat is older than the staleness
// window. The failure is treated as transient, so the retry policy usually
// schedules a fresh attempt.
func (s *Sweeper) sweepStalled(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.staleness)

	for _, q := range s.queues.All() {
		active, err := q.ListActive(ctx)
		if err != nil {
			s.logger.Error("listing active jobs", zap.String("queue", q.Name()), zap.Error(err))
			continue
		}

		for i := range active {
			job := &active[i]
			if !job.ProgressAt.Before(cutoff) {
				continue
			}
			s.reclaimStalled(ctx, q, job)
		}
	}
}

func (s *Sweeper) reclaimStalled(ctx context.Context, q queue.Queue, job *queue.Job) {
	logger := s.logger.With(
		zap.String("tenant", job.Tenant),
		zap.String("entity_type", job.EntityType.String()),
		zap.String("job_id", job.ID),
		zap.Time("last_heartbeat", job.ProgressAt))

	now := s.now().UTC()
	cause := errs.NewStalled(job.ID)
	decision := s.policy.Decide(retry.Attempt{
		RetryCount:  job.RetryCount,
		MaxAttempts: job.MaxAttempts,
	}, cause)

	err := s.logs.Resolve(ctx, job.LogID, store.Resolution{
		Status:        store.StatusFailed,
		ErrorCode:     errs.CodeStalled,
		ErrorMessage:  cause.Error(),
		FriendlyError: cause.FriendlyMessage(),
		WillRetry:     decision.WillRetry,
		NextRetryAt:   decision.NextRetryAt,
		CompletedAt:   now,
	})
	if errors.Is(err, store.ErrAlreadyResolved) {
		// The worker finished between listing and resolving. Nothing to
		// reclaim.
		return
	}
	if err != nil {
		logger.Error("resolving stalled job", zap.Error(err))
		return
	}

	if err := q.Complete(ctx, job.ID, true); err != nil {
		logger.Error("removing stalled job", zap.Error(err))
	}
	s.metrics.ObserveSync(job.EntityType, telemetry.OutcomeStalled, now.Sub(job.EnqueuedAt), 0)
	logger.Warn("stalled job reclaimed", zap.Bool("will_retry", decision.WillRetry))

	if s.bus != nil {
		ev := events.Event{
			Tenant:     job.Tenant,
			EntityType: job.EntityType,
			Kind:       events.KindCompleted,
			Status:     string(store.StatusFailed),
			Error:      errs.CodeStalled,
			At:         now,
		}
		if err := s.bus.Publish(ctx, ev); err != nil {
			logger.Warn("publishing stall event", zap.Error(err))
		}
	}
}

func (s *Sweeper) observeQueueDepths(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	for _, q := range s.queues.All() {
		counts, err := q.Counts(ctx)
		if err != nil {
			continue
		}
		s.metrics.SetQueueDepths(q.Name(), counts.Waiting, counts.Active)
	}
}
