package recon

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// pipelineStore is the persistence surface the engine drives. dbStore is
// the gorm/MySQL implementation; tests substitute in-memory fakes.
type pipelineStore interface {
	EnsureSourceTables(ctx context.Context, sch EntitySchema) error
	EnsureReconciledView(ctx context.Context, sch EntitySchema) error
	FetchSourceTables(ctx context.Context, sch EntitySchema) (TableData, TableData, error)
	Upsert(ctx context.Context, sch EntitySchema, source Source, rows []Row) (LoadResult, error)
	GetCutoff(ctx context.Context, entityType string) (*time.Time, error)
	CommitCutoff(ctx context.Context, entityType string, cutoff time.Time) error
	TableColumns(ctx context.Context, table string) ([]string, error)
	TableAggregates(ctx context.Context, table string, dateColumn string) (int64, *time.Time, *time.Time, error)
	SaveSyncError(ctx context.Context, rec *models.SyncError) error
}

type dbStore struct {
	db *gorm.DB
}

func (s dbStore) EnsureSourceTables(ctx context.Context, sch EntitySchema) error {
	return EnsureSourceTables(ctx, s.db, sch)
}

func (s dbStore) EnsureReconciledView(ctx context.Context, sch EntitySchema) error {
	return EnsureReconciledView(ctx, s.db, sch)
}

// FetchSourceTables reads both source tables inside one transaction so the
// reconcile pass sees a consistent pair of snapshots.
func (s dbStore) FetchSourceTables(ctx context.Context, sch EntitySchema) (TableData, TableData, error) {
	var bulk, api TableData
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var terr error
		if bulk, terr = FetchTable(ctx, tx, sch, SourceBulk); terr != nil {
			return terr
		}
		api, terr = FetchTable(ctx, tx, sch, SourceAPI)
		return terr
	})
	return bulk, api, err
}

func (s dbStore) Upsert(ctx context.Context, sch EntitySchema, source Source, rows []Row) (LoadResult, error) {
	return Upsert(ctx, s.db, sch, source, rows)
}

func (s dbStore) GetCutoff(ctx context.Context, entityType string) (*time.Time, error) {
	return GetCutoff(ctx, s.db, entityType)
}

func (s dbStore) CommitCutoff(ctx context.Context, entityType string, cutoff time.Time) error {
	return CommitCutoff(ctx, s.db, entityType, cutoff)
}

func (s dbStore) TableColumns(ctx context.Context, table string) ([]string, error) {
	return TableColumns(ctx, s.db, table)
}

func (s dbStore) TableAggregates(ctx context.Context, table string, dateColumn string) (int64, *time.Time, *time.Time, error) {
	return TableAggregates(ctx, s.db, table, dateColumn)
}

func (s dbStore) SaveSyncError(ctx context.Context, rec *models.SyncError) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func columnType(kind FieldKind) string {
	switch kind {
	case KindDecimal:
		return "DECIMAL(20,4)"
	case KindDate:
		return "DATE"
	case KindDateTime:
		return "DATETIME"
	default:
		return "VARCHAR(255)"
	}
}

// EnsureSourceTables creates the per-source canonical tables for one
// entity from the schema registry. The natural key gets a unique index so
// the loader's upsert is duplicate-safe.
func EnsureSourceTables(ctx context.Context, db *gorm.DB, sch EntitySchema) error {
	for _, source := range []Source{SourceBulk, SourceAPI} {
		table := SourceTableName(sch.Entity, source)
		if err := db.WithContext(ctx).Exec(sourceTableSQL(sch, source)).Error; err != nil {
			return fmt.Errorf("ensure table %s: %w", table, err)
		}
	}
	return nil
}

func sourceTableSQL(sch EntitySchema, source Source) string {
	table := SourceTableName(sch.Entity, source)

	var cols []string
	cols = append(cols, "`id` BIGINT UNSIGNED NOT NULL AUTO_INCREMENT")
	for _, f := range sch.Fields {
		null := "NULL"
		if f.Name == sch.NaturalKey {
			null = "NOT NULL"
		}
		cols = append(cols, fmt.Sprintf("`%s` %s %s", f.Name, columnType(f.Kind), null))
	}
	cols = append(cols,
		fmt.Sprintf("`%s` VARCHAR(20) NOT NULL", SourceTagColumn),
		"`created_at` DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP",
		"`updated_at` DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP",
		"PRIMARY KEY (`id`)",
		fmt.Sprintf("UNIQUE KEY `uniq_%s_natural_key` (`%s`)", table, sch.NaturalKey),
	)

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (\n  %s\n)", table, strings.Join(cols, ",\n  "))
}

// EnsureReconciledView maintains the SQL view that exposes the merged row
// set for external queries: per-field COALESCE with the incremental side
// first, the same rule the in-process reconcile applies. MySQL has no FULL
// OUTER JOIN, so the view is a LEFT JOIN plus an anti-join UNION.
func EnsureReconciledView(ctx context.Context, db *gorm.DB, sch EntitySchema) error {
	view := ReconciledViewName(sch.Entity)
	if err := db.WithContext(ctx).Exec(reconciledViewSQL(sch)).Error; err != nil {
		return fmt.Errorf("ensure view %s: %w", view, err)
	}
	return nil
}

func reconciledViewSQL(sch EntitySchema) string {
	view := ReconciledViewName(sch.Entity)
	bulk := SourceTableName(sch.Entity, SourceBulk)
	api := SourceTableName(sch.Entity, SourceAPI)
	key := sch.NaturalKey

	var merged, apiOnly []string
	for _, f := range sch.Fields {
		if f.Name == key {
			merged = append(merged, fmt.Sprintf("COALESCE(a.`%s`, b.`%s`) AS `%s`", key, key, key))
			apiOnly = append(apiOnly, fmt.Sprintf("a.`%s` AS `%s`", key, key))
			continue
		}
		merged = append(merged, fmt.Sprintf("COALESCE(a.`%s`, b.`%s`) AS `%s`", f.Name, f.Name, f.Name))
		apiOnly = append(apiOnly, fmt.Sprintf("a.`%s` AS `%s`", f.Name, f.Name))
	}
	merged = append(merged,
		fmt.Sprintf("CASE WHEN a.`%s` IS NOT NULL THEN '%s' ELSE '%s' END AS `%s`", key, DataSourceAPIPrecedence, DataSourceBulkOnly, ColDataSource),
		fmt.Sprintf("CASE WHEN a.`%s` IS NOT NULL THEN %d ELSE %d END AS `%s`", key, PriorityAPI, PriorityBulk, ColSourcePriority),
	)
	apiOnly = append(apiOnly,
		fmt.Sprintf("'%s' AS `%s`", DataSourceAPIPrecedence, ColDataSource),
		fmt.Sprintf("%d AS `%s`", PriorityAPI, ColSourcePriority),
	)

	return fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS
SELECT %s
FROM %s b
LEFT JOIN %s a ON a.%s = b.%s
UNION ALL
SELECT %s
FROM %s a
LEFT JOIN %s b ON b.%s = a.%s
WHERE b.%s IS NULL`,
		"`"+view+"`",
		strings.Join(merged, ", "),
		"`"+bulk+"`", "`"+api+"`", "`"+key+"`", "`"+key+"`",
		strings.Join(apiOnly, ", "),
		"`"+api+"`", "`"+bulk+"`", "`"+key+"`", "`"+key+"`",
		"`"+key+"`",
	)
}

// TableColumns lists a table's columns from information_schema, used to
// detect a missing natural-key column before reconciliation.
func TableColumns(ctx context.Context, db *gorm.DB, table string) ([]string, error) {
	var cols []string
	err := db.WithContext(ctx).Raw(
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = DATABASE() AND table_name = ?
		 ORDER BY ordinal_position`, table,
	).Scan(&cols).Error
	if err != nil {
		return nil, err
	}
	return cols, nil
}

// FetchTable reads a consistent snapshot of one source table in canonical
// columns, ordered by natural key.
func FetchTable(ctx context.Context, db *gorm.DB, sch EntitySchema, source Source) (TableData, error) {
	table := SourceTableName(sch.Entity, source)

	columns, err := TableColumns(ctx, db, table)
	if err != nil {
		return TableData{}, fmt.Errorf("columns of %s: %w", table, err)
	}

	cols := sch.FieldNames()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "`" + c + "`"
	}

	query := fmt.Sprintf("SELECT %s FROM `%s` ORDER BY `%s`",
		strings.Join(quoted, ", "), table, sch.NaturalKey)

	sqlRows, err := db.WithContext(ctx).Raw(query).Rows()
	if err != nil {
		return TableData{}, fmt.Errorf("fetch %s: %w", table, err)
	}
	defer sqlRows.Close()

	data := TableData{Name: table, Columns: columns}
	for sqlRows.Next() {
		holders := make([]any, len(cols))
		for i, c := range cols {
			kind, _ := sch.FieldKind(c)
			switch kind {
			case KindDate, KindDateTime:
				holders[i] = &sql.NullTime{}
			default:
				holders[i] = &sql.NullString{}
			}
		}
		if err := sqlRows.Scan(holders...); err != nil {
			return TableData{}, fmt.Errorf("scan %s: %w", table, err)
		}

		row := Row{}
		for i, c := range cols {
			kind, _ := sch.FieldKind(c)
			switch h := holders[i].(type) {
			case *sql.NullTime:
				if h.Valid {
					row[c] = h.Time
				} else {
					row[c] = nil
				}
			case *sql.NullString:
				if !h.Valid {
					row[c] = nil
				} else if kind == KindDecimal {
					d, derr := decimal.NewFromString(h.String)
					if derr != nil {
						row[c] = nil
					} else {
						row[c] = d
					}
				} else {
					row[c] = h.String
				}
			}
		}
		data.Rows = append(data.Rows, row)
	}
	return data, sqlRows.Err()
}

// TableAggregates returns the row count and, when dateColumn is set, the
// oldest/newest values of that column (nulls excluded by MIN/MAX).
// Read-only; safe to call concurrently with ingestion.
func TableAggregates(ctx context.Context, db *gorm.DB, table string, dateColumn string) (int64, *time.Time, *time.Time, error) {
	if dateColumn == "" {
		var count int64
		err := db.WithContext(ctx).Raw(fmt.Sprintf("SELECT COUNT(*) FROM `%s`", table)).Scan(&count).Error
		return count, nil, nil, err
	}

	var agg struct {
		Cnt    int64
		Oldest sql.NullTime
		Newest sql.NullTime
	}
	query := fmt.Sprintf("SELECT COUNT(*) AS cnt, MIN(`%s`) AS oldest, MAX(`%s`) AS newest FROM `%s`",
		dateColumn, dateColumn, table)
	if err := db.WithContext(ctx).Raw(query).Scan(&agg).Error; err != nil {
		return 0, nil, nil, err
	}

	var oldest, newest *time.Time
	if agg.Oldest.Valid {
		t := agg.Oldest.Time
		oldest = &t
	}
	if agg.Newest.Valid {
		t := agg.Newest.Time
		newest = &t
	}
	return agg.Cnt, oldest, newest, nil
}
