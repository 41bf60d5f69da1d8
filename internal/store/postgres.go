package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
	"github.com/storeflow/storeflow-sync-server/internal/errs"
)

// Postgres implements StateStore and LogStore on a relational database
// through gorm. The at-most-one-active-job invariant rides on the partial
// unique index declared on SyncLog, so concurrent duplicate inserts lose at
// the database, not in application code.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres wraps an open gorm connection. The connection must be opened
// with TranslateError so unique violations surface as gorm.ErrDuplicatedKey.
func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

// AutoMigrate creates or updates the sync tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&SyncState{}, &SyncLog{})
}

// --- StateStore ---

func (p *Postgres) Get(ctx context.Context, tenant string, et entity.Type) (*SyncState, error) {
	var state SyncState
	err := p.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ?", tenant, et).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (p *Postgres) Upsert(ctx context.Context, state *SyncState) error {
	state.UpdatedAt = time.Now().UTC()
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SyncState
		err := tx.Where("tenant_id = ? AND entity_type = ?", state.TenantID, state.EntityType).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(state).Error
		}
		if err != nil {
			return err
		}
		state.ID = existing.ID
		return tx.Save(state).Error
	})
}

func (p *Postgres) List(ctx context.Context, tenant string) ([]SyncState, error) {
	var states []SyncState
	err := p.db.WithContext(ctx).
		Where("tenant_id = ?", tenant).
		Order("entity_type").
		Find(&states).Error
	return states, err
}

func (p *Postgres) DeleteTenant(ctx context.Context, tenant string) error {
	return p.db.WithContext(ctx).
		Where("tenant_id = ?", tenant).
		Delete(&SyncState{}).Error
}

// --- LogStore ---

func (p *Postgres) CreateInProgress(ctx context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	log.Status = StatusInProgress
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now().UTC()
	}

	err := p.db.WithContext(ctx).Create(log).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errs.NewConflict("sync already in progress for %s/%s", log.TenantID, log.EntityType)
	}
	return err
}

func (p *Postgres) Resolve(ctx context.Context, id string, res Resolution) error {
	result := p.db.WithContext(ctx).
		Model(&SyncLog{}).
		Where("id = ? AND status = ?", id, StatusInProgress).
		Updates(map[string]any{
			"status":          res.Status,
			"items_processed": res.ItemsProcessed,
			"error_code":      res.ErrorCode,
			"error_message":   res.ErrorMessage,
			"friendly_error":  res.FriendlyError,
			"will_retry":      res.WillRetry,
			"next_retry_at":   res.NextRetryAt,
			"completed_at":    res.CompletedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := p.db.WithContext(ctx).Model(&SyncLog{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrAlreadyResolved
	}
	return nil
}

func (p *Postgres) GetLog(ctx context.Context, tenant, id string) (*SyncLog, error) {
	var log SyncLog
	err := p.db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenant).
		First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (p *Postgres) HasInProgress(ctx context.Context, tenant string, et entity.Type) (bool, error) {
	var count int64
	err := p.db.WithContext(ctx).
		Model(&SyncLog{}).
		Where("tenant_id = ? AND entity_type = ? AND status = ?", tenant, et, StatusInProgress).
		Count(&count).Error
	return count > 0, err
}

func (p *Postgres) LatestFailed(ctx context.Context, tenant string, et entity.Type) (*SyncLog, error) {
	var log SyncLog
	err := p.db.WithContext(ctx).
		Where("tenant_id = ? AND entity_type = ? AND status = ?", tenant, et, StatusFailed).
		Order("started_at DESC").
		First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

func (p *Postgres) ListRecent(ctx context.Context, tenant string, limit int) ([]SyncLog, error) {
	var logs []SyncLog
	err := p.db.WithContext(ctx).
		Where("tenant_id = ?", tenant).
		Order("started_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

func (p *Postgres) ListTerminalSince(ctx context.Context, tenant string, since time.Time) ([]SyncLog, error) {
	var logs []SyncLog
	err := p.db.WithContext(ctx).
		Where("tenant_id = ? AND status IN ? AND completed_at >= ?",
			tenant, []Status{StatusSuccess, StatusFailed}, since).
		Order("completed_at DESC").
		Find(&logs).Error
	return logs, err
}

func (p *Postgres) LastCompletedAt(ctx context.Context, tenant string, status Status) (*time.Time, error) {
	var log SyncLog
	err := p.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenant, status).
		Order("completed_at DESC").
		First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return log.CompletedAt, nil
}

func (p *Postgres) DueRetries(ctx context.Context, now time.Time) ([]SyncLog, error) {
	var logs []SyncLog
	err := p.db.WithContext(ctx).
		Where("status = ? AND will_retry = ? AND next_retry_at <= ?", StatusFailed, true, now).
		Order("next_retry_at").
		Find(&logs).Error
	return logs, err
}

func (p *Postgres) MarkRetryScheduled(ctx context.Context, id string) error {
	result := p.db.WithContext(ctx).
		Model(&SyncLog{}).
		Where("id = ? AND status = ?", id, StatusFailed).
		Update("will_retry", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteFailed(ctx context.Context, tenant string) (int64, error) {
	result := p.db.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenant, StatusFailed).
		Delete(&SyncLog{})
	return result.RowsAffected, result.Error
}
