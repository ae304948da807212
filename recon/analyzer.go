package recon

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
)

const freshnessCacheKey = "recon:freshness-report"
const freshnessCacheTTL = 5 * time.Minute

// AnalyzeTable computes the freshness record for one table (source table
// or reconciled view). When no date column resolves, status degrades to
// unknown and the row count is still reported.
func (e *Engine) AnalyzeTable(ctx context.Context, sch EntitySchema, table string) (FreshnessRecord, error) {
	rec := FreshnessRecord{TableName: table}

	columns, err := e.store.TableColumns(ctx, table)
	if err != nil {
		return rec, err
	}

	dateColumn, resolveErr := ResolveDateColumn(sch, columns, e.cfg.DateFallbackOrder)
	if resolveErr != nil && !errors.Is(resolveErr, ErrNoDateColumn) {
		return rec, resolveErr
	}
	rec.DateColumn = dateColumn

	count, oldest, newest, err := e.store.TableAggregates(ctx, table, dateColumn)
	if err != nil {
		return rec, err
	}
	rec.RowCount = count
	rec.OldestDate = oldest
	rec.NewestDate = newest

	return ClassifyFreshness(rec, e.now(), e.cfg.FreshnessThresholdDays), nil
}

// FreshnessReport analyzes every source table and reconciled view. The
// result is cached briefly in redis; analysis itself is read-only and safe
// to run concurrently with ingestion.
func (e *Engine) FreshnessReport(ctx context.Context, entities []string) ([]FreshnessRecord, error) {
	var cached []FreshnessRecord
	if ok, _ := config.GetRedisObject(freshnessCacheKey, &cached); ok {
		return cached, nil
	}

	var report []FreshnessRecord
	for _, entityType := range entities {
		sch, err := GetSchema(entityType)
		if err != nil {
			return nil, err
		}
		for _, table := range []string{
			SourceTableName(entityType, SourceBulk),
			SourceTableName(entityType, SourceAPI),
			ReconciledViewName(entityType),
		} {
			rec, err := e.AnalyzeTable(ctx, sch, table)
			if err != nil {
				config.LogWarn(e.logger, "recon", "FreshnessReport", table, nil, err.Error())
				rec = FreshnessRecord{TableName: table, Status: FreshnessUnknown}
			}
			report = append(report, rec)
		}
	}

	_ = config.SetRedisObject(freshnessCacheKey, report, freshnessCacheTTL)
	return report, nil
}

// ReconcileEntity recomputes the merged row set for one entity from the
// current source tables. A pure function of table state: unchanged tables
// yield an identical sequence.
func (e *Engine) ReconcileEntity(ctx context.Context, entityType string) ([]Row, ReconcileStats, error) {
	sch, err := GetSchema(entityType)
	if err != nil {
		return nil, ReconcileStats{}, err
	}

	bulk, api, err := e.store.FetchSourceTables(ctx, sch)
	if err != nil {
		return nil, ReconcileStats{}, err
	}
	return Reconcile(sch, bulk, api)
}
