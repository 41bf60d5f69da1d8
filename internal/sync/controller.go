package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
	"github.com/storeflow/storeflow-sync-server/internal/errs"
	"github.com/storeflow/storeflow-sync-server/internal/events"
	"github.com/storeflow/storeflow-sync-server/internal/queue"
	"github.com/storeflow/storeflow-sync-server/internal/retry"
	"github.com/storeflow/storeflow-sync-server/internal/store"
)

// Queue control actions accepted by ControlQueue.
const (
	ActionPause  = "pause"
	ActionResume = "resume"
)

// Controller accepts sync requests, decides incremental vs full per entity,
// and exposes the pause/resume/cancel/retry control surface. It never executes
// jobs itself: RequestSync and Retry are fire-and-enqueue and return as soon
// as the attempt is recorded and queued.
type Controller struct {
	logs   store.LogStore
	state  store.StateStore
	queues *queue.Manager
	policy *retry.Policy
	bus    events.Broadcaster
	logger *zap.Logger

	now func() time.Time
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithControllerNowFunc overrides the clock, for tests.
func WithControllerNowFunc(now func() time.Time) ControllerOption {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController wires the controller over its stores, queues, and event bus.
func NewController(
	logs store.LogStore,
	state store.StateStore,
	queues *queue.Manager,
	policy *retry.Policy,
	bus events.Broadcaster,
	logger *zap.Logger,
	opts ...ControllerOption,
) *Controller {
	c := &Controller{
		logs:   logs,
		state:  state,
		queues: queues,
		policy: policy,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestSync starts one sync attempt per requested entity type and returns
// the created logs. The inventory feed always runs alone on its dedicated
// queue and always performs a full fetch, so mixing it with other entity
// types is a validation error. A duplicate request for an entity type that
// already has an active attempt fails with *errs.ConflictError; attempts
// already started for earlier entity types in the same request proceed.
func (c *Controller) RequestSync(
	ctx context.Context,
	tenant string,
	types []entity.Type,
	incremental bool,
	source store.TriggerSource,
) ([]store.SyncLog, error) {
	if tenant == "" {
		return nil, errs.NewValidation("tenant is required")
	}
	if len(types) == 0 {
		return nil, errs.NewValidation("at least one entity type is required")
	}

	seen := make(map[entity.Type]bool, len(types))
	requested := make([]entity.Type, 0, len(types))
	hasInventory := false
	for _, et := range types {
		if !et.Valid() {
			return nil, errs.NewValidation("unknown entity type: %q", et)
		}
		if seen[et] {
			continue
		}
		seen[et] = true
		requested = append(requested, et)
		if et.IsInventoryFeed() {
			hasInventory = true
		}
	}
	if hasInventory && len(requested) > 1 {
		return nil, errs.NewValidation(
			"the %s feed runs on its own queue and cannot be requested with other entity types",
			entity.BOMInventory)
	}

	created := make([]store.SyncLog, 0, len(requested))
	for _, et := range requested {
		log, err := c.startAttempt(ctx, tenant, et, incremental, source, 0, c.policy.MaxAttempts)
		if err != nil {
			return created, err
		}
		created = append(created, *log)
	}
	return created, nil
}

// ControlQueue pauses or resumes dispatch on one entity queue. Both actions
// are idempotent; jobs already executing are never interrupted by a pause.
func (c *Controller) ControlQueue(ctx context.Context, action string, et entity.Type) error {
	if !et.Valid() {
		return errs.NewValidation("unknown entity type: %q", et)
	}

	q := c.queues.ForEntity(et)
	switch action {
	case ActionPause:
		if err := q.Pause(ctx); err != nil {
			return fmt.Errorf("pause %s: %w", q.Name(), err)
		}
		c.logger.Info("queue paused", zap.String("queue", q.Name()))
	case ActionResume:
		if err := q.Resume(ctx); err != nil {
			return fmt.Errorf("resume %s: %w", q.Name(), err)
		}
		c.logger.Info("queue resumed", zap.String("queue", q.Name()))
	default:
		return errs.NewValidation("unknown queue action: %q", action)
	}
	return nil
}

// CancelJob requests cooperative cancellation of one job. A job still waiting
// is removed outright and its log resolved FAILED/cancelled here; a job
// already executing gets its cancellation flag set and the worker resolves
// the log when it observes the flag between pages.
func (c *Controller) CancelJob(ctx context.Context, tenant string, et entity.Type, jobID string) error {
	if !et.Valid() {
		return errs.NewValidation("unknown entity type: %q", et)
	}

	q := c.queues.ForEntity(et)
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Tenant != tenant {
		return errs.NewNotFound("no job %s for tenant %s", jobID, tenant)
	}

	removed, err := q.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	if !removed {
		// Active job: the worker owns the log and resolves it on its next
		// cancellation check.
		c.logger.Info("cancellation flagged",
			zap.String("tenant", tenant),
			zap.String("entity_type", et.String()),
			zap.String("job_id", jobID))
		return nil
	}

	now := c.now().UTC()
	err = c.logs.Resolve(ctx, job.LogID, store.Resolution{
		Status:        store.StatusFailed,
		ErrorCode:     errs.CodeCancelled,
		ErrorMessage:  "cancelled before the job started",
		FriendlyError: "This sync was cancelled.",
		CompletedAt:   now,
	})
	if err != nil && !errors.Is(err, store.ErrAlreadyResolved) {
		return fmt.Errorf("resolve cancelled log %s: %w", job.LogID, err)
	}

	c.publish(ctx, events.Event{
		Tenant:     tenant,
		EntityType: et,
		Kind:       events.KindCompleted,
		Status:     string(store.StatusFailed),
		Error:      errs.CodeCancelled,
		At:         now,
	})
	return nil
}

// Retry starts a follow-up attempt for a failed sync. When logID is empty the
// latest FAILED log for the entity type is used. The new attempt continues
// the chain: retryCount increments, triggerSource is "retry". An entity that
// already has an active attempt fails with *errs.InvalidStateError.
func (c *Controller) Retry(ctx context.Context, tenant string, et entity.Type, logID string) (*store.SyncLog, error) {
	if !et.Valid() {
		return nil, errs.NewValidation("unknown entity type: %q", et)
	}

	var prev *store.SyncLog
	var err error
	if logID == "" {
		prev, err = c.logs.LatestFailed(ctx, tenant, et)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.NewNotFound("no failed sync log for %s/%s", tenant, et)
		}
	} else {
		prev, err = c.logs.GetLog(ctx, tenant, logID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.NewNotFound("no sync log %s for tenant %s", logID, tenant)
		}
	}
	if err != nil {
		return nil, err
	}
	if prev.EntityType != et || prev.Status != store.StatusFailed {
		return nil, errs.NewNotFound("log %s is not a failed %s sync", prev.ID, et)
	}

	// A retry repeats the failed attempt's scope: a failed full sync is
	// retried as a full sync, not downgraded to incremental.
	log, err := c.startAttempt(ctx, tenant, et, !prev.Full, store.SourceRetry, prev.RetryCount+1, prev.MaxAttempts)
	var conflict *errs.ConflictError
	if errors.As(err, &conflict) {
		return nil, errs.NewInvalidState("a %s sync is already in progress for %s", et, tenant)
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}

// DeleteFailedLogs removes every FAILED log for a tenant and returns the
// count. Maintenance operation; IN_PROGRESS and SUCCESS logs are untouched.
func (c *Controller) DeleteFailedLogs(ctx context.Context, tenant string) (int64, error) {
	return c.logs.DeleteFailed(ctx, tenant)
}

// ActiveJobs lists the tenant's executing jobs across all entity queues.
func (c *Controller) ActiveJobs(ctx context.Context, tenant string) ([]queue.Job, error) {
	return c.queues.ActiveForTenant(ctx, tenant)
}

// startAttempt records and enqueues one attempt. The IN_PROGRESS log is
// created before the job is enqueued so an attempt that fails to even start
// still has an observable record, and so the conditional insert rejects
// duplicates before any queue work happens.
func (c *Controller) startAttempt(
	ctx context.Context,
	tenant string,
	et entity.Type,
	incremental bool,
	source store.TriggerSource,
	retryCount, maxAttempts int,
) (*store.SyncLog, error) {
	full := !incremental || et.IsInventoryFeed()
	cursor := ""
	if !full {
		state, err := c.state.Get(ctx, tenant, et)
		switch {
		case errors.Is(err, store.ErrNotFound):
			full = true
		case err != nil:
			return nil, fmt.Errorf("read sync state for %s/%s: %w", tenant, et, err)
		case state.LastSyncedAt == nil:
			full = true
		default:
			cursor = state.Cursor
		}
	}

	now := c.now().UTC()
	log := &store.SyncLog{
		ID:            uuid.NewString(),
		TenantID:      tenant,
		EntityType:    et,
		TriggerSource: source,
		Full:          full,
		RetryCount:    retryCount,
		MaxAttempts:   maxAttempts,
		JobID:         uuid.NewString(),
		StartedAt:     now,
	}
	if err := c.logs.CreateInProgress(ctx, log); err != nil {
		return nil, err
	}

	job := &queue.Job{
		ID:          log.JobID,
		Tenant:      tenant,
		EntityType:  et,
		Full:        full,
		Cursor:      cursor,
		LogID:       log.ID,
		RetryCount:  retryCount,
		MaxAttempts: maxAttempts,
		Source:      string(source),
	}
	if _, err := c.queues.ForEntity(et).Enqueue(ctx, job); err != nil {
		// The attempt never reached the queue. Resolve the log so the
		// failure is observable rather than leaving a phantom IN_PROGRESS row.
		resolveErr := c.logs.Resolve(ctx, log.ID, store.Resolution{
			Status:        store.StatusFailed,
			ErrorCode:     "enqueue-failed",
			ErrorMessage:  err.Error(),
			FriendlyError: "The sync could not be queued. Try again shortly.",
			CompletedAt:   c.now().UTC(),
		})
		if resolveErr != nil && !errors.Is(resolveErr, store.ErrAlreadyResolved) {
			c.logger.Error("resolving log after enqueue failure",
				zap.String("log_id", log.ID), zap.Error(resolveErr))
		}
		return nil, fmt.Errorf("enqueue %s sync for %s: %w", et, tenant, err)
	}

	c.logger.Info("sync attempt started",
		zap.String("tenant", tenant),
		zap.String("entity_type", et.String()),
		zap.String("source", string(source)),
		zap.Bool("full", full),
		zap.Int("retry_count", retryCount))

	c.publish(ctx, events.Event{
		Tenant:     tenant,
		EntityType: et,
		Kind:       events.KindStarted,
		Status:     string(store.StatusInProgress),
		At:         now,
	})
	return log, nil
}

// publish emits a lifecycle event. Events are invalidation hints; a publish
// failure is logged and never fails the operation that produced it.
func (c *Controller) publish(ctx context.Context, ev events.Event) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.logger.Warn("publishing sync event", zap.Error(err))
	}
}
