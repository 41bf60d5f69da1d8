// Package store defines the durable sync state and sync log records and the
// interfaces the engine uses to persist them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
)

// ErrNotFound is returned when a requested state or log row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyResolved is returned when resolving a log that already reached a
// terminal status. A resolved attempt is immutable.
var ErrAlreadyResolved = errors.New("sync log already resolved")

// StateStore persists per-tenant, per-entity cursor/freshness records.
type StateStore interface {
	// Get returns the state row for (tenant, entityType), or ErrNotFound.
	Get(ctx context.Context, tenant string, et entity.Type) (*SyncState, error)

	// Upsert creates or replaces the state row for (tenant, entityType).
	Upsert(ctx context.Context, state *SyncState) error

	// List returns all state rows for a tenant.
	List(ctx context.Context, tenant string) ([]SyncState, error)

	// DeleteTenant removes every state row for a tenant (tenant teardown).
	DeleteTenant(ctx context.Context, tenant string) error
}

// LogStore persists the append-only record of sync attempts.
type LogStore interface {
	// CreateInProgress inserts a new IN_PROGRESS attempt. It is the
	// conditional insert enforcing at-most-one-active-job: when an
	// IN_PROGRESS row already exists for (tenant, entityType) it fails with
	// *errs.ConflictError and inserts nothing.
	CreateInProgress(ctx context.Context, log *SyncLog) error

	// Resolve transitions an IN_PROGRESS log to a terminal status exactly
	// once. Resolving an already-terminal log returns ErrAlreadyResolved.
	Resolve(ctx context.Context, id string, res Resolution) error

	// GetLog returns one log row scoped to a tenant, or ErrNotFound.
	GetLog(ctx context.Context, tenant, id string) (*SyncLog, error)

	// HasInProgress reports whether (tenant, entityType) has an active attempt.
	HasInProgress(ctx context.Context, tenant string, et entity.Type) (bool, error)

	// LatestFailed returns the most recent FAILED log for (tenant,
	// entityType), or ErrNotFound.
	LatestFailed(ctx context.Context, tenant string, et entity.Type) (*SyncLog, error)

	// ListRecent returns up to limit logs for a tenant, newest first.
	ListRecent(ctx context.Context, tenant string, limit int) ([]SyncLog, error)

	// ListTerminalSince returns terminal logs for a tenant whose CompletedAt
	// is within [since, now]. Used for the rolling health window.
	ListTerminalSince(ctx context.Context, tenant string, since time.Time) ([]SyncLog, error)

	// LastCompletedAt returns the newest CompletedAt among the tenant's logs
	// with the given terminal status, regardless of age, or nil when no such
	// log exists.
	LastCompletedAt(ctx context.Context, tenant string, status Status) (*time.Time, error)

	// DueRetries returns FAILED logs across all tenants with WillRetry set
	// and NextRetryAt at or before now.
	DueRetries(ctx context.Context, now time.Time) ([]SyncLog, error)

	// MarkRetryScheduled clears WillRetry on a FAILED log once the sweep has
	// enqueued its follow-up attempt, so the row is not picked up twice. The
	// attempt's outcome fields stay untouched.
	MarkRetryScheduled(ctx context.Context, id string) error

	// DeleteFailed removes all FAILED logs for a tenant (maintenance) and
	// returns the number deleted.
	DeleteFailed(ctx context.Context, tenant string) (int64, error)
}
