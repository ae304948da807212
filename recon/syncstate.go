package recon

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/models"
	"gorm.io/gorm"
)

// GetCutoff returns the boundary of the last successful incremental fetch
// for an entity, or nil when no fetch has ever completed (next fetch is a
// full pull).
func GetCutoff(ctx context.Context, db *gorm.DB, entityType string) (*time.Time, error) {
	var state models.SyncState
	err := db.WithContext(ctx).Where("entity_type = ?", entityType).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state.LastCutoff, nil
}

// CommitCutoff records the new incremental boundary. Callers invoke this
// only after a fetch cycle completed without fatal error; a crashed cycle
// leaves the prior cutoff in place so no window is ever skipped.
func CommitCutoff(ctx context.Context, db *gorm.DB, entityType string, cutoff time.Time) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var state models.SyncState
		err := tx.Where("entity_type = ?", entityType).Take(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.SyncState{
				EntityType: entityType,
				LastCutoff: &cutoff,
			}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&state).Update("last_cutoff", cutoff).Error
	})
}

// CutoffIsStale reports whether a committed cutoff is old enough that a
// full (non-incremental) fetch should be recommended. Not an error, a
// signal; nil cutoffs already imply a full pull.
func CutoffIsStale(cutoff *time.Time, now time.Time, fullResyncAfterDays int) bool {
	if cutoff == nil {
		return false
	}
	return now.Sub(*cutoff) > time.Duration(fullResyncAfterDays)*24*time.Hour
}
