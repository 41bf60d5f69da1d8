package store

import (
	"time"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
)

// Status is the lifecycle state of one sync attempt.
type Status string

const (
	// StatusInProgress means the attempt is queued or executing
	StatusInProgress Status = "IN_PROGRESS"

	// StatusSuccess means the attempt completed successfully
	StatusSuccess Status = "SUCCESS"

	// StatusFailed means the attempt failed
	StatusFailed Status = "FAILED"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// TriggerSource records what started a sync attempt.
type TriggerSource string

const (
	// SourceManual is an operator-initiated sync
	SourceManual TriggerSource = "manual"

	// SourceScheduled is a cron-initiated sync
	SourceScheduled TriggerSource = "scheduled"

	// SourceRetry is an attempt re-enqueued after a transient failure
	SourceRetry TriggerSource = "retry"
)

// SyncState is the durable freshness/cursor record, one row per
// (tenant, entity type). A nil LastSyncedAt means the entity has never been
// synced. Mutated only by the single active job for that entity on successful
// completion.
type SyncState struct {
	ID           uint        `gorm:"primaryKey" json:"-"`
	TenantID     string      `gorm:"column:tenant_id;not null;uniqueIndex:idx_sync_states_tenant_entity" json:"tenantId"`
	EntityType   entity.Type `gorm:"column:entity_type;not null;uniqueIndex:idx_sync_states_tenant_entity" json:"entityType"`
	LastSyncedAt *time.Time  `gorm:"column:last_synced_at" json:"lastSyncedAt"`
	Cursor       string      `gorm:"column:cursor" json:"cursor"`
	UpdatedAt    time.Time   `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName specifies the table name for GORM
func (SyncState) TableName() string {
	return "sync_states"
}

// SyncLog is the append-only record of one sync attempt. A row is created
// IN_PROGRESS when the attempt starts and resolved to SUCCESS or FAILED
// exactly once. Retries are new rows, never mutations of a resolved row.
//
// The partial unique index on (tenant_id, entity_type) for IN_PROGRESS rows
// is the conditional insert that enforces at-most-one-active-job.
type SyncLog struct {
	ID             string        `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID       string        `gorm:"column:tenant_id;not null;index:idx_sync_logs_tenant_entity;index:idx_sync_logs_one_active,unique,where:status = 'IN_PROGRESS'" json:"tenantId"`
	EntityType     entity.Type   `gorm:"column:entity_type;not null;index:idx_sync_logs_tenant_entity;index:idx_sync_logs_one_active,unique,where:status = 'IN_PROGRESS'" json:"entityType"`
	Status         Status        `gorm:"column:status;not null" json:"status"`
	ItemsProcessed int           `gorm:"column:items_processed;not null;default:0" json:"itemsProcessed"`
	ErrorCode      string        `gorm:"column:error_code" json:"errorCode,omitempty"`
	ErrorMessage   string        `gorm:"column:error_message;type:text" json:"errorMessage,omitempty"`
	FriendlyError  string        `gorm:"column:friendly_error;type:text" json:"friendlyError,omitempty"`
	TriggerSource  TriggerSource `gorm:"column:trigger_source;not null" json:"triggerSource"`
	Full           bool          `gorm:"column:full_sync;not null;default:false" json:"full"`
	RetryCount     int           `gorm:"column:retry_count;not null;default:0" json:"retryCount"`
	MaxAttempts    int           `gorm:"column:max_attempts;not null;default:3" json:"maxAttempts"`
	NextRetryAt    *time.Time    `gorm:"column:next_retry_at" json:"nextRetryAt,omitempty"`
	WillRetry      bool          `gorm:"column:will_retry;not null;default:false" json:"willRetry"`
	JobID          string        `gorm:"column:job_id;index" json:"jobId,omitempty"`
	StartedAt      time.Time     `gorm:"column:started_at;not null;index" json:"startedAt"`
	CompletedAt    *time.Time    `gorm:"column:completed_at" json:"completedAt,omitempty"`
}

// TableName specifies the table name for GORM
func (SyncLog) TableName() string {
	return "sync_logs"
}

// Resolution carries the terminal outcome applied to an IN_PROGRESS log.
type Resolution struct {
	Status         Status
	ItemsProcessed int
	ErrorCode      string
	ErrorMessage   string
	FriendlyError  string
	WillRetry      bool
	NextRetryAt    *time.Time
	CompletedAt    time.Time
}
