package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/storeflow/storeflow-sync-server/internal/errs"
	"github.com/storeflow/storeflow-sync-server/internal/events"
	"github.com/storeflow/storeflow-sync-server/internal/fetch"
	"github.com/storeflow/storeflow-sync-server/internal/queue"
	"github.com/storeflow/storeflow-sync-server/internal/retry"
	"github.com/storeflow/storeflow-sync-server/internal/store"
	"github.com/storeflow/storeflow-sync-server/internal/telemetry"
)

const (
	// defaultIdleDelay paces the dequeue loop when the queue substrate does
	// not block on an empty queue.
	defaultIdleDelay = time.Second

	// progressCeiling caps the page-by-page progress heuristic. Total item
	// counts are unknown up front, so progress grows per page and only the
	// final page reaches 100.
	progressCeiling = 90

	// progressStep is the per-page progress increment.
	progressStep = 10
)

// Worker executes jobs from one queue, one at a time. Running exactly one
// worker per entity queue preserves the single-writer guarantee on the
// entity's sync state without any extra locking.
type Worker struct {
	queue   queue.Queue
	logs    store.LogStore
	state   store.StateStore
	policy  *retry.Policy
	client  fetch.Client
	indexer fetch.Indexer
	bus     events.Broadcaster
	metrics *telemetry.Metrics
	logger  *zap.Logger

	idleDelay time.Duration
	now       func() time.Time
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithIdleDelay overrides the empty-queue pacing delay.
func WithIdleDelay(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.idleDelay = d
	}
}

// WithIndexer sets the search indexer. Indexing is fire-and-forget: failures
// are logged and never fail the sync job.
func WithIndexer(idx fetch.Indexer) WorkerOption {
	return func(w *Worker) {
		w.indexer = idx
	}
}

// WithWorkerMetrics sets the prometheus collectors.
func WithWorkerMetrics(m *telemetry.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithWorkerNowFunc overrides the clock, for tests.
func WithWorkerNowFunc(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		w.now = now
	}
}

// NewWorker creates a worker bound to one queue.
func NewWorker(
	q queue.Queue,
	logs store.LogStore,
	state store.StateStore,
	policy *retry.Policy,
	client fetch.Client,
	bus events.Broadcaster,
	logger *zap.Logger,
	opts ...WorkerOption,
) *Worker {
	w := &Worker{
		queue:     q,
		logs:      logs,
		state:     state,
		policy:    policy,
		client:    client,
		bus:       bus,
		logger:    logger.With(zap.String("queue", q.Name())),
		idleDelay: defaultIdleDelay,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run dequeues and executes jobs until the context is cancelled. Blocks.
// Job failures never escape this loop; they are classified, written to the
// log store, and scheduled for retry when transient.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			w.logger.Error("dequeue failed", zap.Error(err))
			w.sleep(ctx, w.idleDelay)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.idleDelay)
			continue
		}

		w.execute(ctx, job)
	}
}

// RunOnce drains and executes at most one waiting job. Test entry point.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, job)
	return true, nil
}

// execute runs one job to a terminal outcome: page loop against the fetch
// client with a cancellation check between pages, then exactly one log
// resolution. The sync state cursor advances only on success, so a cancelled
// or failed job leaves the state untouched.
func (w *Worker) execute(ctx context.Context, job *queue.Job) {
	start := w.now()
	logger := w.logger.With(
		zap.String("tenant", job.Tenant),
		zap.String("entity_type", job.EntityType.String()),
		zap.String("job_id", job.ID),
		zap.String("log_id", job.LogID))

	cursor := job.Cursor
	items := 0
	progress := 0

	for {
		cancelled, err := w.queue.Cancelled(ctx, job.ID)
		if err != nil {
			logger.Warn("cancellation check failed", zap.Error(err))
		}
		if cancelled {
			w.finishCancelled(ctx, job, items, logger)
			return
		}

		page, err := w.client.FetchPage(ctx, job.Tenant, job.EntityType, cursor, job.Full)
		if err != nil {
			w.finishFailed(ctx, job, items, err, start, logger)
			return
		}

		items += len(page.Items)
		w.index(ctx, job, page.Items, logger)

		if !page.HasMore {
			w.finishSuccess(ctx, job, items, page.NextCursor, start, logger)
			return
		}

		cursor = page.NextCursor
		if progress < progressCeiling {
			progress += progressStep
			if progress > progressCeiling {
				progress = progressCeiling
			}
		}
		w.reportProgress(ctx, job, progress, logger)
	}
}

// index forwards a page to the search indexer. Failures are warnings only;
// primary-store correctness takes priority over index freshness.
func (w *Worker) index(ctx context.Context, job *queue.Job, items []fetch.Item, logger *zap.Logger) {
	if w.indexer == nil || len(items) == 0 {
		return
	}
	if err := w.indexer.Index(ctx, job.Tenant, job.EntityType, items); err != nil {
		logger.Warn("search indexing failed", zap.Int("items", len(items)), zap.Error(err))
	}
}

func (w *Worker) reportProgress(ctx context.Context, job *queue.Job, percent int, logger *zap.Logger) {
	if err := w.queue.UpdateProgress(ctx, job.ID, percent); err != nil {
		logger.Warn("progress update failed", zap.Error(err))
	}
	w.publish(ctx, events.Event{
		Tenant:     job.Tenant,
		EntityType: job.EntityType,
		Kind:       events.KindProgress,
		Progress:   percent,
		At:         w.now().UTC(),
	}, logger)
}

func (w *Worker) finishSuccess(ctx context.Context, job *queue.Job, items int, nextCursor string, start time.Time, logger *zap.Logger) {
	completedAt := w.now().UTC()

	err := w.logs.Resolve(ctx, job.LogID, store.Resolution{
		Status:         store.StatusSuccess,
		ItemsProcessed: items,
		CompletedAt:    completedAt,
	})
	if err != nil {
		// Already-resolved means the staleness sweep reclaimed this job while
		// it was still making progress. The sweep's outcome stands.
		if errors.Is(err, store.ErrAlreadyResolved) {
			logger.Warn("log resolved before worker completion; dropping result")
			w.completeJob(ctx, job, true, logger)
			return
		}
		logger.Error("resolving successful sync", zap.Error(err))
		w.completeJob(ctx, job, true, logger)
		return
	}

	// Cursor and freshness commit only here, after the attempt is durably
	// SUCCESS. Single writer per (tenant, entity type), so no read-modify-
	// write race.
	upsertErr := w.state.Upsert(ctx, &store.SyncState{
		TenantID:     job.Tenant,
		EntityType:   job.EntityType,
		LastSyncedAt: &completedAt,
		Cursor:       nextCursor,
	})
	if upsertErr != nil {
		logger.Error("committing sync state", zap.Error(upsertErr))
	}

	w.completeJob(ctx, job, false, logger)
	w.metrics.ObserveSync(job.EntityType, telemetry.OutcomeSuccess, completedAt.Sub(start), items)
	logger.Info("sync completed", zap.Int("items", items), zap.Duration("duration", completedAt.Sub(start)))

	w.publish(ctx, events.Event{
		Tenant:     job.Tenant,
		EntityType: job.EntityType,
		Kind:       events.KindCompleted,
		Status:     string(store.StatusSuccess),
		At:         completedAt,
	}, logger)
}

func (w *Worker) finishFailed(ctx context.Context, job *queue.Job, items int, cause error, start time.Time, logger *zap.Logger) {
	completedAt := w.now().UTC()
	decision := w.policy.Decide(retry.Attempt{
		RetryCount:  job.RetryCount,
		MaxAttempts: job.MaxAttempts,
	}, cause)

	res := store.Resolution{
		Status:         store.StatusFailed,
		ItemsProcessed: items,
		ErrorCode:      errs.Code(cause, errs.CodeUpstream),
		ErrorMessage:   cause.Error(),
		WillRetry:      decision.WillRetry,
		NextRetryAt:    decision.NextRetryAt,
		CompletedAt:    completedAt,
	}
	var fe *errs.FetchError
	if errors.As(cause, &fe) {
		res.FriendlyError = fe.FriendlyMessage()
	} else {
		res.FriendlyError = "The sync failed unexpectedly. Support has the details."
	}

	if err := w.logs.Resolve(ctx, job.LogID, res); err != nil && !errors.Is(err, store.ErrAlreadyResolved) {
		logger.Error("resolving failed sync", zap.Error(err))
	}

	w.completeJob(ctx, job, true, logger)
	w.metrics.ObserveSync(job.EntityType, telemetry.OutcomeFailed, completedAt.Sub(start), items)
	logger.Warn("sync failed",
		zap.String("error_code", res.ErrorCode),
		zap.Bool("will_retry", decision.WillRetry),
		zap.Error(cause))

	w.publish(ctx, events.Event{
		Tenant:     job.Tenant,
		EntityType: job.EntityType,
		Kind:       events.KindCompleted,
		Status:     string(store.StatusFailed),
		Error:      res.ErrorCode,
		At:         completedAt,
	}, logger)
}

func (w *Worker) finishCancelled(ctx context.Context, job *queue.Job, items int, logger *zap.Logger) {
	completedAt := w.now().UTC()

	err := w.logs.Resolve(ctx, job.LogID, store.Resolution{
		Status:         store.StatusFailed,
		ItemsProcessed: items,
		ErrorCode:      errs.CodeCancelled,
		ErrorMessage:   "cancelled by operator",
		FriendlyError:  "This sync was cancelled.",
		CompletedAt:    completedAt,
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyResolved) {
		logger.Error("resolving cancelled sync", zap.Error(err))
	}

	w.completeJob(ctx, job, true, logger)
	w.metrics.ObserveSync(job.EntityType, telemetry.OutcomeCancelled, completedAt.Sub(job.EnqueuedAt), items)
	logger.Info("sync cancelled", zap.Int("items", items))

	w.publish(ctx, events.Event{
		Tenant:     job.Tenant,
		EntityType: job.EntityType,
		Kind:       events.KindCompleted,
		Status:     string(store.StatusFailed),
		Error:      errs.CodeCancelled,
		At:         completedAt,
	}, logger)
}

func (w *Worker) completeJob(ctx context.Context, job *queue.Job, failed bool, logger *zap.Logger) {
	if err := w.queue.Complete(ctx, job.ID, failed); err != nil {
		logger.Error("completing job", zap.Error(err))
	}
}

func (w *Worker) publish(ctx context.Context, ev events.Event, logger *zap.Logger) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(ctx, ev); err != nil {
		logger.Warn("publishing sync event", zap.Error(err))
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
