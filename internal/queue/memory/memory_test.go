package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
	"github.com/storeflow/storeflow-sync-server/internal/errs"
	"github.com/storeflow/storeflow-sync-server/internal/queue"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	t.Parallel()

	q := New(entity.Orders.QueueName())
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, &queue.Job{Tenant: "acme", EntityType: entity.Orders})
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, &queue.Job{Tenant: "acme", EntityType: entity.Orders})
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Waiting)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id1, job.ID)
	require.NotNil(t, job.StartedAt)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id2, job.ID)

	// empty
	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	active, err := q.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestPauseIsIdempotent(t *testing.T) {
	t.Parallel()

	q := New(entity.Products.QueueName())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &queue.Job{Tenant: "acme", EntityType: entity.Products})
	require.NoError(t, err)

	// pausing twice is a no-op success, not a stacked counter
	require.NoError(t, q.Pause(ctx))
	require.NoError(t, q.Pause(ctx))

	paused, err := q.Paused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "paused queue must not dispatch")

	// a single resume fully un-pauses
	require.NoError(t, q.Resume(ctx))
	paused, err = q.Paused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestCancelWaitingRemoves(t *testing.T) {
	t.Parallel()

	q := New(entity.Reviews.QueueName())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &queue.Job{Tenant: "acme", EntityType: entity.Reviews})
	require.NoError(t, err)

	removed, err := q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, removed)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCancelActiveSetsFlag(t *testing.T) {
	t.Parallel()

	q := New(entity.Customers.QueueName())
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &queue.Job{Tenant: "acme", EntityType: entity.Customers})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	removed, err := q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, removed, "active job is flagged, not removed")

	cancelled, err := q.Cancelled(ctx, id)
	require.NoError(t, err)
	assert.True(t, cancelled)

	// job stays active until the worker acknowledges at a safe point
	active, err := q.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()

	q := New(entity.Orders.QueueName())

	var notFound *errs.NotFoundError
	_, err := q.Cancel(context.Background(), "missing")
	require.ErrorAs(t, err, &notFound)
}

func TestCompleteCounts(t *testing.T) {
	t.Parallel()

	q := New(entity.Orders.QueueName())
	ctx := context.Background()

	okID, err := q.Enqueue(ctx, &queue.Job{Tenant: "acme", EntityType: entity.Orders})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, okID, false))

	failID, err := q.Enqueue(ctx, &queue.Job{Tenant: "acme", EntityType: entity.Orders})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, failID, true))

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Counts{Waiting: 0, Active: 0, Completed: 1, Failed: 1}, counts)
}

func TestManagerQueues(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(NewFactory())

	assert.Equal(t, "sync:orders", m.ForEntity(entity.Orders).Name())
	assert.Equal(t, "sync:bom-inventory", m.ForEntity(entity.BOMInventory).Name())
	assert.Equal(t, entity.MaintenanceQueueName, m.Maintenance().Name())
	assert.Len(t, m.All(), 5)
}

func TestActiveForTenant(t *testing.T) {
	t.Parallel()

	m := queue.NewManager(NewFactory())
	ctx := context.Background()

	for _, tenant := range []string{"acme", "globex"} {
		_, err := m.ForEntity(entity.Orders).Enqueue(ctx, &queue.Job{Tenant: tenant, EntityType: entity.Orders})
		require.NoError(t, err)
		_, err = m.ForEntity(entity.Orders).Dequeue(ctx)
		require.NoError(t, err)
	}

	jobs, err := m.ActiveForTenant(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "acme", jobs[0].Tenant)
}
