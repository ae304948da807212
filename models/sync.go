package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// SyncRun is one execution of the reconciliation pipeline across entity
// types. StatsJSON carries the per-entity outcome map; a run is never
// reported success while any entity failed.
type SyncRun struct {
	ID            uint       `gorm:"primary_key" json:"id"`
	Status        string     `gorm:"size:20;not null;index" json:"status"`
	TriggeredBy   string     `gorm:"size:20" json:"triggered_by"`
	EntitiesJSON  []byte     `gorm:"type:json" json:"entities"`
	StatsJSON     []byte     `gorm:"type:json" json:"stats"`
	RecordsLoaded int        `json:"records_loaded"`
	ErrorCount    int        `json:"error_count"`
	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncError is a recorded warning or error scoped to one run. Row-level
// rejections and unmapped-column reports land here so no degraded result
// is ever silent.
type SyncError struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	SyncRunId   uint      `gorm:"index;not null" json:"sync_run_id"`
	EntityType  string    `gorm:"size:50;index" json:"entity_type"`
	SourceTag   string    `gorm:"size:20" json:"source_tag"`
	NaturalKey  string    `gorm:"size:128" json:"natural_key"`
	ErrorCode   string    `gorm:"size:64;not null" json:"error_code"`
	Message     string    `gorm:"type:text" json:"message"`
	PayloadJSON []byte    `gorm:"type:json" json:"payload"`
	Fatal       bool      `gorm:"default:false" json:"fatal"`
	Retryable   bool      `gorm:"default:false" json:"retryable"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SyncState holds the incremental-fetch cutoff per entity type. A row is
// created on the first successful fetch and only ever moves forward after
// a clean cycle; a crashed cycle leaves it untouched.
type SyncState struct {
	ID         uint       `gorm:"primary_key" json:"id"`
	EntityType string     `gorm:"uniqueIndex;size:50;not null" json:"entity_type"`
	LastCutoff *time.Time `json:"last_cutoff"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func MigrateSyncModels(db *gorm.DB) error {
	return db.AutoMigrate(&SyncRun{}, &SyncError{}, &SyncState{})
}

func GetSyncRunById(ctx context.Context, db *gorm.DB, id uint) (*SyncRun, error) {
	var run SyncRun
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func ListSyncRuns(ctx context.Context, db *gorm.DB, limit int) ([]SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []SyncRun
	if err := db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func ListSyncErrors(ctx context.Context, db *gorm.DB, runId uint) ([]SyncError, error) {
	var errs []SyncError
	if err := db.WithContext(ctx).Where("sync_run_id = ?", runId).Order("id ASC").Find(&errs).Error; err != nil {
		return nil, err
	}
	return errs, nil
}
