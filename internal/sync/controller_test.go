package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
	"github.com/storeflow/storeflow-sync-server/internal/errs"
	"github.com/storeflow/storeflow-sync-server/internal/events"
	"github.com/storeflow/storeflow-sync-server/internal/queue"
	queuemem "github.com/storeflow/storeflow-sync-server/internal/queue/memory"
	"github.com/storeflow/storeflow-sync-server/internal/retry"
	"github.com/storeflow/storeflow-sync-server/internal/store"
	storemem "github.com/storeflow/storeflow-sync-server/internal/store/memory"
)

type testEngine struct {
	store      *storemem.Store
	queues     *queue.Manager
	policy     *retry.Policy
	bus        *events.LocalBus
	controller *Controller
}

func newTestEngine(t *testing.T, opts ...ControllerOption) *testEngine {
	t.Helper()

	s := storemem.New()
	queues := queue.NewManager(queuemem.NewFactory())
	policy := retry.New()
	bus := events.NewLocalBus()
	controller := NewController(s, s, queues, policy, bus, zap.NewNop(), opts...)

	return &testEngine{
		store:      s,
		queues:     queues,
		policy:     policy,
		bus:        bus,
		controller: controller,
	}
}

func TestRequestSyncValidation(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		tenant string
		types  []entity.Type
	}{
		{name: "empty entity types", tenant: "acme", types: nil},
		{name: "unknown entity type", tenant: "acme", types: []entity.Type{"invoices"}},
		{name: "missing tenant", tenant: "", types: []entity.Type{entity.Orders}},
		{
			name:   "inventory feed mixed with entities",
			tenant: "acme",
			types:  []entity.Type{entity.Orders, entity.BOMInventory},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.controller.RequestSync(ctx, tt.tenant, tt.types, false, store.SourceManual)
			var validation *errs.ValidationError
			require.ErrorAs(t, err, &validation)
		})
	}
}

func TestRequestSyncCreatesLogBeforeJob(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	created, err := e.controller.RequestSync(ctx, "acme",
		[]entity.Type{entity.Orders, entity.Products}, false, store.SourceManual)
	require.NoError(t, err)
	require.Len(t, created, 2)

	for _, log := range created {
		assert.Equal(t, store.StatusInProgress, log.Status)
		assert.Equal(t, store.SourceManual, log.TriggerSource)
		assert.Zero(t, log.RetryCount)
		assert.NotEmpty(t, log.JobID)
	}

	for _, et := range []entity.Type{entity.Orders, entity.Products} {
		counts, err := e.queues.ForEntity(et).Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts.Waiting, "one waiting job on %s", et)
	}
}

func TestRequestSyncRejectsConcurrentDuplicates(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.controller.RequestSync(ctx, "acme",
				[]entity.Type{entity.Orders}, false, store.SourceManual)
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	succeeded, conflicted := 0, 0
	for err := range errCh {
		if err == nil {
			succeeded++
			continue
		}
		var conflict *errs.ConflictError
		require.ErrorAs(t, err, &conflict)
		conflicted++
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, conflicted)

	counts, err := e.queues.ForEntity(entity.Orders).Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting, "exactly one job queued")
}

func TestRequestSyncIncrementalUsesCursor(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	synced := time.Now().Add(-time.Hour)
	require.NoError(t, e.store.Upsert(ctx, &store.SyncState{
		TenantID:     "acme",
		EntityType:   entity.Orders,
		LastSyncedAt: &synced,
		Cursor:       "cursor-42",
	}))

	_, err := e.controller.RequestSync(ctx, "acme",
		[]entity.Type{entity.Orders}, true, store.SourceManual)
	require.NoError(t, err)

	job, err := e.queues.ForEntity(entity.Orders).Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.False(t, job.Full)
	assert.Equal(t, "cursor-42", job.Cursor)
}

func TestRequestSyncFallsBackToFullWithoutState(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	// incremental requested, but the entity has never synced
	_, err := e.controller.RequestSync(ctx, "acme",
		[]entity.Type{entity.Products}, true, store.SourceManual)
	require.NoError(t, err)

	job, err := e.queues.ForEntity(entity.Products).Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, job.Full)
	assert.Empty(t, job.Cursor)
}

func TestRequestSyncInventoryFeedAlwaysFull(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	synced := time.Now()
	require.NoError(t, e.store.Upsert(ctx, &store.SyncState{
		TenantID:     "acme",
		EntityType:   entity.BOMInventory,
		LastSyncedAt: &synced,
		Cursor:       "should-be-ignored",
	}))

	_, err := e.controller.RequestSync(ctx, "acme",
		[]entity.Type{entity.BOMInventory}, true, store.SourceScheduled)
	require.NoError(t, err)

	job, err := e.queues.ForEntity(entity.BOMInventory).Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, job.Full)
	assert.Empty(t, job.Cursor)
}

func TestControlQueuePauseIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()
	q := e.queues.ForEntity(entity.Products)

	require.NoError(t, e.controller.ControlQueue(ctx, ActionPause, entity.Products))
	require.NoError(t, e.controller.ControlQueue(ctx, ActionPause, entity.Products))

	paused, err := q.Paused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	// one resume fully un-pauses, no stacked counters
	require.NoError(t, e.controller.ControlQueue(ctx, ActionResume, entity.Products))
	paused, err = q.Paused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestControlQueueRejectsUnknownAction(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	err := e.controller.ControlQueue(context.Background(), "drain", entity.Orders)
	var validation *errs.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestCancelWaitingJobResolvesLog(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	created, err := e.controller.RequestSync(ctx, "acme",
		[]entity.Type{entity.Orders}, false, store.SourceManual)
	require.NoError(t, err)
	log := created[0]

	require.NoError(t, e.controller.CancelJob(ctx, "acme", entity.Orders, log.JobID))

	resolved, err := e.store.GetLog(ctx, "acme", log.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, resolved.Status)
	assert.Equal(t, errs.CodeCancelled, resolved.ErrorCode)
	assert.False(t, resolved.WillRetry)
	assert.NotNil(t, resolved.CompletedAt)

	// the job never reaches a worker
	job, err := e.queues.ForEntity(entity.Orders).Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCancelActiveJobFlagsWorker(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	created, err := e.controller.RequestSync(ctx, "acme",
		[]entity.Type{entity.Orders}, false, store.SourceManual)
	require.NoError(t, err)
	log := created[0]

	q := e.queues.ForEntity(entity.Orders)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, e.controller.CancelJob(ctx, "acme", entity.Orders, job.ID))

	// active job: flag set, log stays IN_PROGRESS until the worker observes it
	cancelled, err := q.Cancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	current, err := e.store.GetLog(ctx, "acme", log.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInProgress, current.Status)
}

func TestCancelJobUnknownOrForeign(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	created, err := e.controller.RequestSync(ctx, "acme",
		[]entity.Type{entity.Orders}, false, store.SourceManual)
	require.NoError(t, err)

	var notFound *errs.NotFoundError
	err = e.controller.CancelJob(ctx, "acme", entity.Orders, "no-such-job")
	require.ErrorAs(t, err, &notFound)

	// a job id from another tenant must not be cancellable
	err = e.controller.CancelJob(ctx, "globex", entity.Orders, created[0].JobID)
	require.ErrorAs(t, err, &notFound)
}

func TestRetryUsesLatestFailedLog(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	failed := &store.SyncLog{
		TenantID:      "acme",
		EntityType:    entity.Orders,
		TriggerSource: store.SourceManual,
		MaxAttempts:   3,
		StartedAt:     time.Now().Add(-time.Hour),
	}
	require.NoError(t, e.store.CreateInProgress(ctx, failed))
	require.NoError(t, e.store.Resolve(ctx, failed.ID, store.Resolution{
		Status:       store.StatusFailed,
		ErrorCode:    errs.CodeNetwork,
		ErrorMessage: "connection reset",
		CompletedAt:  time.Now().Add(-30 * time.Minute),
	}))

	created, err := e.controller.Retry(ctx, "acme", entity.Orders, "")
	require.NoError(t, err)
	assert.Equal(t, 1, created.RetryCount)
	assert.Equal(t, store.SourceRetry, created.TriggerSource)
	assert.Equal(t, store.StatusInProgress, created.Status)
}

func TestRetryRepeatsFullScope(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	// cursor state exists, so an incremental attempt would be possible
	synced := time.Now().Add(-time.Hour)
	require.NoError(t, e.store.Upsert(ctx, &store.SyncState{
		TenantID:     "acme",
		EntityType:   entity.Orders,
		LastSyncedAt: &synced,
		Cursor:       "cursor-7",
	}))

	created, err := e.controller.RequestSync(ctx, "acme",
		[]entity.Type{entity.Orders}, false, store.SourceManual)
	require.NoError(t, err)
	require.True(t, created[0].Full)

	q := e.queues.ForEntity(entity.Orders)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, e.store.Resolve(ctx, created[0].ID, store.Resolution{
		Status:      store.StatusFailed,
		ErrorCode:   errs.CodeNetwork,
		CompletedAt: time.Now(),
	}))
	require.NoError(t, q.Complete(ctx, job.ID, true))

	// the retry repeats the failed attempt's full scope instead of
	// degrading to incremental
	retried, err := e.controller.Retry(ctx, "acme", entity.Orders, "")
	require.NoError(t, err)
	assert.True(t, retried.Full)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.True(t, job.Full)
	assert.Empty(t, job.Cursor)
}

func TestRetryWithoutFailedLog(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	_, err := e.controller.Retry(context.Background(), "acme", entity.Orders, "")
	var notFound *errs.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRetryWhileAttemptActive(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	failed := &store.SyncLog{
		TenantID:    "acme",
		EntityType:  entity.Orders,
		MaxAttempts: 3,
		StartedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, e.store.CreateInProgress(ctx, failed))
	require.NoError(t, e.store.Resolve(ctx, failed.ID, store.Resolution{
		Status:      store.StatusFailed,
		CompletedAt: time.Now(),
	}))

	// occupy the slot
	_, err := e.controller.RequestSync(ctx, "acme",
		[]entity.Type{entity.Orders}, false, store.SourceManual)
	require.NoError(t, err)

	_, err = e.controller.Retry(ctx, "acme", entity.Orders, "")
	var invalid *errs.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestRetryRejectsNonFailedLog(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	created, err := e.controller.RequestSync(ctx, "acme",
		[]entity.Type{entity.Orders}, false, store.SourceManual)
	require.NoError(t, err)

	// the referenced log is IN_PROGRESS, not FAILED
	_, err = e.controller.Retry(ctx, "acme", entity.Orders, created[0].ID)
	var notFound *errs.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDeleteFailedLogs(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	for _, et := range []entity.Type{entity.Orders, entity.Products} {
		log := &store.SyncLog{TenantID: "acme", EntityType: et, StartedAt: time.Now()}
		require.NoError(t, e.store.CreateInProgress(ctx, log))
		require.NoError(t, e.store.Resolve(ctx, log.ID, store.Resolution{
			Status:      store.StatusFailed,
			CompletedAt: time.Now(),
		}))
	}

	deleted, err := e.controller.DeleteFailedLogs(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	logs, err := e.store.ListRecent(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestRequestSyncPublishesStartedEvent(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	ch, cancel := e.bus.Subscribe(ctx)
	defer cancel()

	_, err := e.controller.RequestSync(ctx, "acme",
		[]entity.Type{entity.Orders}, false, store.SourceManual)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, events.KindStarted, ev.Kind)
		assert.Equal(t, "acme", ev.Tenant)
		assert.Equal(t, entity.Orders, ev.EntityType)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for started event")
	}
}
