package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
	"github.com/storeflow/storeflow-sync-server/internal/errs"
	"github.com/storeflow/storeflow-sync-server/internal/store"
)

func TestStateStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_, err := s.Get(ctx, "acme", entity.Orders)
	assert.ErrorIs(t, err, store.ErrNotFound)

	now := time.Now().UTC()
	require.NoError(t, s.Upsert(ctx, &store.SyncState{
		TenantID:     "acme",
		EntityType:   entity.Orders,
		LastSyncedAt: &now,
		Cursor:       "cur-1",
	}))

	got, err := s.Get(ctx, "acme", entity.Orders)
	require.NoError(t, err)
	assert.Equal(t, "cur-1", got.Cursor)
	require.NotNil(t, got.LastSyncedAt)

	// one row per (tenant, entity): upsert replaces
	require.NoError(t, s.Upsert(ctx, &store.SyncState{
		TenantID:   "acme",
		EntityType: entity.Orders,
		Cursor:     "cur-2",
	}))
	states, err := s.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "cur-2", states[0].Cursor)

	// tenant isolation
	states, err = s.List(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, states)

	require.NoError(t, s.DeleteTenant(ctx, "acme"))
	_, err = s.Get(ctx, "acme", entity.Orders)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateInProgressConflict(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	first := &store.SyncLog{TenantID: "acme", EntityType: entity.Products, TriggerSource: store.SourceManual, MaxAttempts: 3}
	require.NoError(t, s.CreateInProgress(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, store.StatusInProgress, first.Status)

	var conflict *errs.ConflictError
	err := s.CreateInProgress(ctx, &store.SyncLog{TenantID: "acme", EntityType: entity.Products, TriggerSource: store.SourceManual})
	require.ErrorAs(t, err, &conflict)

	// same entity, different tenant is fine
	require.NoError(t, s.CreateInProgress(ctx, &store.SyncLog{TenantID: "globex", EntityType: entity.Products, TriggerSource: store.SourceManual}))

	// same tenant, different entity is fine
	require.NoError(t, s.CreateInProgress(ctx, &store.SyncLog{TenantID: "acme", EntityType: entity.Orders, TriggerSource: store.SourceManual}))
}

func TestCreateInProgressConcurrent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errsCh := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errsCh <- s.CreateInProgress(ctx, &store.SyncLog{
				TenantID:      "acme",
				EntityType:    entity.Reviews,
				TriggerSource: store.SourceManual,
			})
		}()
	}
	wg.Wait()
	close(errsCh)

	var ok, conflicts int
	for err := range errsCh {
		if err == nil {
			ok++
			continue
		}
		var conflict *errs.ConflictError
		require.ErrorAs(t, err, &conflict)
		conflicts++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, conflicts)
}

func TestResolveExactlyOnce(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	log := &store.SyncLog{TenantID: "acme", EntityType: entity.Orders, TriggerSource: store.SourceManual}
	require.NoError(t, s.CreateInProgress(ctx, log))

	res := store.Resolution{
		Status:         store.StatusSuccess,
		ItemsProcessed: 150,
		CompletedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.Resolve(ctx, log.ID, res))

	got, err := s.GetLog(ctx, "acme", log.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, got.Status)
	assert.Equal(t, 150, got.ItemsProcessed)
	require.NotNil(t, got.CompletedAt)

	// second resolution is rejected, row unchanged
	err = s.Resolve(ctx, log.ID, store.Resolution{Status: store.StatusFailed, CompletedAt: time.Now()})
	assert.ErrorIs(t, err, store.ErrAlreadyResolved)
	got, err = s.GetLog(ctx, "acme", log.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, got.Status)

	assert.ErrorIs(t, s.Resolve(ctx, "no-such-id", res), store.ErrNotFound)
}

func TestLatestFailedAndDueRetries(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	mkFailed := func(startedAt time.Time, retryCount int, willRetry bool, nextRetryAt *time.Time) string {
		log := &store.SyncLog{
			TenantID:      "acme",
			EntityType:    entity.Customers,
			TriggerSource: store.SourceManual,
			RetryCount:    retryCount,
			MaxAttempts:   3,
			StartedAt:     startedAt,
		}
		require.NoError(t, s.CreateInProgress(ctx, log))
		require.NoError(t, s.Resolve(ctx, log.ID, store.Resolution{
			Status:      store.StatusFailed,
			ErrorCode:   errs.CodeNetwork,
			WillRetry:   willRetry,
			NextRetryAt: nextRetryAt,
			CompletedAt: startedAt.Add(time.Minute),
		}))
		return log.ID
	}

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	oldID := mkFailed(now.Add(-2*time.Hour), 0, true, &past)
	newID := mkFailed(now.Add(-time.Hour), 1, true, &future)

	latest, err := s.LatestFailed(ctx, "acme", entity.Customers)
	require.NoError(t, err)
	assert.Equal(t, newID, latest.ID)

	due, err := s.DueRetries(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, oldID, due[0].ID)

	// consuming the retry removes it from the due set
	require.NoError(t, s.MarkRetryScheduled(ctx, oldID))
	due, err = s.DueRetries(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = s.LatestFailed(ctx, "acme", entity.Orders)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListTerminalSinceAndDeleteFailed(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	add := func(et entity.Type, status store.Status, completedAt time.Time) {
		log := &store.SyncLog{TenantID: "acme", EntityType: et, TriggerSource: store.SourceScheduled, StartedAt: completedAt.Add(-time.Minute)}
		require.NoError(t, s.CreateInProgress(ctx, log))
		require.NoError(t, s.Resolve(ctx, log.ID, store.Resolution{Status: status, CompletedAt: completedAt}))
	}

	add(entity.Orders, store.StatusSuccess, now.Add(-time.Hour))
	add(entity.Products, store.StatusFailed, now.Add(-2*time.Hour))
	add(entity.Reviews, store.StatusSuccess, now.Add(-30*time.Hour)) // outside window

	logs, err := s.ListTerminalSince(ctx, "acme", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	deleted, err := s.DeleteFailed(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	recent, err := s.ListRecent(ctx, "acme", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestListRecentOrderAndLimit(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, et := range []entity.Type{entity.Orders, entity.Products, entity.Customers} {
		log := &store.SyncLog{TenantID: "acme", EntityType: et, TriggerSource: store.SourceManual, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.CreateInProgress(ctx, log))
		require.NoError(t, s.Resolve(ctx, log.ID, store.Resolution{Status: store.StatusSuccess, CompletedAt: time.Now().UTC()}))
	}

	logs, err := s.ListRecent(ctx, "acme", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, entity.Customers, logs[0].EntityType)
	assert.Equal(t, entity.Products, logs[1].EntityType)
}
