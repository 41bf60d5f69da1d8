// Package memory provides in-memory implementations of the store interfaces
// for tests and single-node development mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
	"github.com/storeflow/storeflow-sync-server/internal/errs"
	"github.com/storeflow/storeflow-sync-server/internal/store"
)

type stateKey struct {
	tenant string
	et     entity.Type
}

// Store implements store.StateStore and store.LogStore with mutex-guarded
// maps. Semantics match the postgres implementation, including the
// conditional insert in CreateInProgress.
type Store struct {
	mu     sync.Mutex
	states map[stateKey]store.SyncState
	logs   map[string]store.SyncLog
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		states: make(map[stateKey]store.SyncState),
		logs:   make(map[string]store.SyncLog),
	}
}

// --- StateStore ---

func (s *Store) Get(_ context.Context, tenant string, et entity.Type) (*store.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[stateKey{tenant, et}]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := state
	return &copied, nil
}

func (s *Store) Upsert(_ context.Context, state *store.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state.UpdatedAt = time.Now().UTC()
	s.states[stateKey{state.TenantID, state.EntityType}] = *state
	return nil
}

func (s *Store) List(_ context.Context, tenant string) ([]store.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.SyncState
	for k, v := range s.states {
		if k.tenant == tenant {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityType < out[j].EntityType })
	return out, nil
}

func (s *Store) DeleteTenant(_ context.Context, tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.states {
		if k.tenant == tenant {
			delete(s.states, k)
		}
	}
	return nil
}

// --- LogStore ---

func (s *Store) CreateInProgress(_ context.Context, log *store.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.logs {
		if existing.TenantID == log.TenantID &&
			existing.EntityType == log.EntityType &&
			existing.Status == store.StatusInProgress {
			return errs.NewConflict("sync already in progress for %s/%s", log.TenantID, log.EntityType)
		}
	}

	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	log.Status = store.StatusInProgress
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now().UTC()
	}
	s.logs[log.ID] = *log
	return nil
}

func (s *Store) Resolve(_ context.Context, id string, res store.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[id]
	if !ok {
		return store.ErrNotFound
	}
	if log.Status != store.StatusInProgress {
		return store.ErrAlreadyResolved
	}

	log.Status = res.Status
	log.ItemsProcessed = res.ItemsProcessed
	log.ErrorCode = res.ErrorCode
	log.ErrorMessage = res.ErrorMessage
	log.FriendlyError = res.FriendlyError
	log.WillRetry = res.WillRetry
	log.NextRetryAt = res.NextRetryAt
	completedAt := res.CompletedAt
	log.CompletedAt = &completedAt
	s.logs[id] = log
	return nil
}

func (s *Store) GetLog(_ context.Context, tenant, id string) (*store.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[id]
	if !ok || log.TenantID != tenant {
		return nil, store.ErrNotFound
	}
	copied := log
	return &copied, nil
}

func (s *Store) HasInProgress(_ context.Context, tenant string, et entity.Type) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, log := range s.logs {
		if log.TenantID == tenant && log.EntityType == et && log.Status == store.StatusInProgress {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) LatestFailed(_ context.Context, tenant string, et entity.Type) (*store.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *store.SyncLog
	for _, log := range s.logs {
		if log.TenantID != tenant || log.EntityType != et || log.Status != store.StatusFailed {
			continue
		}
		if latest == nil || log.StartedAt.After(latest.StartedAt) {
			copied := log
			latest = &copied
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest, nil
}

func (s *Store) ListRecent(_ context.Context, tenant string, limit int) ([]store.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.SyncLog
	for _, log := range s.logs {
		if log.TenantID == tenant {
			out = append(out, log)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListTerminalSince(_ context.Context, tenant string, since time.Time) ([]store.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.SyncLog
	for _, log := range s.logs {
		if log.TenantID != tenant || !log.Status.Terminal() {
			continue
		}
		if log.CompletedAt != nil && !log.CompletedAt.Before(since) {
			out = append(out, log)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.After(*out[j].CompletedAt)
	})
	return out, nil
}

func (s *Store) LastCompletedAt(_ context.Context, tenant string, status store.Status) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *time.Time
	for _, log := range s.logs {
		if log.TenantID != tenant || log.Status != status || log.CompletedAt == nil {
			continue
		}
		if latest == nil || log.CompletedAt.After(*latest) {
			copied := *log.CompletedAt
			latest = &copied
		}
	}
	return latest, nil
}

func (s *Store) DueRetries(_ context.Context, now time.Time) ([]store.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.SyncLog
	for _, log := range s.logs {
		if log.Status == store.StatusFailed && log.WillRetry &&
			log.NextRetryAt != nil && !log.NextRetryAt.After(now) {
			out = append(out, log)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	return out, nil
}

func (s *Store) MarkRetryScheduled(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[id]
	if !ok || log.Status != store.StatusFailed {
		return store.ErrNotFound
	}
	log.WillRetry = false
	s.logs[id] = log
	return nil
}

func (s *Store) DeleteFailed(_ context.Context, tenant string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, log := range s.logs {
		if log.TenantID == tenant && log.Status == store.StatusFailed {
			delete(s.logs, id)
			deleted++
		}
	}
	return deleted, nil
}
