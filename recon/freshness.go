package recon

import (
	"time"
)

type FreshnessStatus string

const (
	FreshnessEmpty   FreshnessStatus = "empty"
	FreshnessFresh   FreshnessStatus = "fresh"
	FreshnessStale   FreshnessStatus = "stale"
	FreshnessUnknown FreshnessStatus = "unknown"
)

// FreshnessRecord describes how current one table's data is, measured on
// business dates, never system timestamps when a business date exists.
// Computed on demand; never persisted.
type FreshnessRecord struct {
	TableName  string          `json:"table_name"`
	RowCount   int64           `json:"row_count"`
	DateColumn string          `json:"date_column,omitempty"`
	OldestDate *time.Time      `json:"oldest_date,omitempty"`
	NewestDate *time.Time      `json:"newest_date,omitempty"`
	AgeDays    *int            `json:"age_days,omitempty"`
	Status     FreshnessStatus `json:"status"`
}

// ClassifyFreshness fills in age and status. A newest date exactly at the
// threshold boundary is still fresh; one day older is stale. A table with
// rows but no resolvable date column stays unknown, with the count kept.
func ClassifyFreshness(rec FreshnessRecord, now time.Time, thresholdDays int) FreshnessRecord {
	if rec.RowCount == 0 {
		rec.Status = FreshnessEmpty
		return rec
	}
	if rec.DateColumn == "" || rec.NewestDate == nil {
		rec.Status = FreshnessUnknown
		return rec
	}

	age := int(now.Sub(*rec.NewestDate).Hours() / 24)
	if age < 0 {
		age = 0
	}
	rec.AgeDays = &age

	if age <= thresholdDays {
		rec.Status = FreshnessFresh
	} else {
		rec.Status = FreshnessStale
	}
	return rec
}
