package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// BulkSource supplies the full bulk-export row set for one entity type,
// in native column names.
type BulkSource interface {
	FetchBulk(ctx context.Context, entityType string) ([]NativeRow, error)
}

// FeedSource supplies incrementally fetched rows for one entity type.
// A nil since means full pull. The returned cutoff is the boundary to
// commit after the cycle completes cleanly.
type FeedSource interface {
	FetchIncremental(ctx context.Context, entityType string, since *time.Time) ([]NativeRow, time.Time, error)
}

// Engine runs the reconciliation pipeline: ingest -> map -> load ->
// reconcile -> analyze, per entity type. Entity types never share mutable
// state, so they run concurrently under a bounded pool; within one entity
// the stages are strictly sequential.
type Engine struct {
	db     *gorm.DB
	store  pipelineStore
	cfg    config.ReconConfig
	logger *logrus.Logger
	bulk   BulkSource
	feed   FeedSource
	locker *redislock.Client

	// now is swappable for tests.
	now func() time.Time
}

func NewEngine(db *gorm.DB, cfg config.ReconConfig, logger *logrus.Logger, bulk BulkSource, feed FeedSource, locker *redislock.Client) *Engine {
	return &Engine{
		db:     db,
		store:  dbStore{db: db},
		cfg:    cfg,
		logger: logger,
		bulk:   bulk,
		feed:   feed,
		locker: locker,
		now:    time.Now,
	}
}

// EntityOutcome itemizes one entity's pipeline result inside a run. A run
// is reported partial, never success, while any entity carries a failure.
type EntityOutcome struct {
	EntityType            string           `json:"entity_type"`
	Status                string           `json:"status"`
	BulkFetched           int              `json:"bulk_fetched"`
	APIFetched            int              `json:"api_fetched"`
	RowsLoaded            int              `json:"rows_loaded"`
	RowsRejected          int              `json:"rows_rejected"`
	UnmappedColumns       []string         `json:"unmapped_columns,omitempty"`
	Reconcile             *ReconcileStats  `json:"reconcile,omitempty"`
	Freshness             *FreshnessRecord `json:"freshness,omitempty"`
	CutoffCommitted       *time.Time       `json:"cutoff_committed,omitempty"`
	FullResyncRecommended bool             `json:"full_resync_recommended"`
	Error                 string           `json:"error,omitempty"`
}

const runLockKey = "recon:sync-run"

// ProcessSyncRun executes one queued run. Safe under at-least-once
// delivery: a run already in a terminal state is a no-op.
func (e *Engine) ProcessSyncRun(ctx context.Context, runId uint) error {
	var run models.SyncRun
	if err := e.db.WithContext(ctx).Where("id = ?", runId).Take(&run).Error; err != nil {
		return err
	}
	if run.Status == models.SyncRunStatusSuccess || run.Status == models.SyncRunStatusFailed || run.Status == models.SyncRunStatusPartial {
		return nil
	}

	if e.locker != nil {
		lock, err := e.locker.Obtain(ctx, runLockKey, 10*time.Minute, &redislock.Options{
			RetryStrategy: redislock.LinearBackoff(2 * time.Second),
		})
		if err != nil {
			return fmt.Errorf("obtain run lock: %w", err)
		}
		defer lock.Release(context.Background())
	}

	startedAt := e.now()
	if err := e.db.WithContext(ctx).Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	entities := decodeEntities(run.EntitiesJSON)

	outcomes := e.runEntities(ctx, run.ID, entities)
	status, totalLoaded, failed := rollupOutcomes(outcomes)

	finishedAt := e.now()
	statsJSON, _ := json.Marshal(outcomes)
	if err := e.db.WithContext(ctx).Model(&run).Updates(map[string]interface{}{
		"status":         status,
		"finished_at":    finishedAt,
		"duration_ms":    finishedAt.Sub(startedAt).Milliseconds(),
		"records_loaded": totalLoaded,
		"error_count":    failed,
		"stats_json":     statsJSON,
	}).Error; err != nil {
		return err
	}

	// Reconciled views changed; drop any cached freshness report.
	_ = config.DeleteRedisKey(freshnessCacheKey)

	return nil
}

// rollupOutcomes folds per-entity results into the run status. A single
// failed entity downgrades the run to partial; only a run where every
// entity failed reports failed.
func rollupOutcomes(outcomes []EntityOutcome) (status string, loaded, failed int) {
	for _, o := range outcomes {
		loaded += o.RowsLoaded
		if o.Status != "success" {
			failed++
		}
	}
	status = models.SyncRunStatusSuccess
	if failed == len(outcomes) && len(outcomes) > 0 {
		status = models.SyncRunStatusFailed
	} else if failed > 0 {
		status = models.SyncRunStatusPartial
	}
	return status, loaded, failed
}

// runEntities fans entity pipelines across a bounded worker pool. One
// entity's failure or timeout never aborts its siblings.
func (e *Engine) runEntities(ctx context.Context, runId uint, entities []string) []EntityOutcome {
	sem := make(chan struct{}, e.cfg.WorkerPoolSize)
	results := make([]EntityOutcome, len(entities))
	done := make(chan int, len(entities))

	for i, entityType := range entities {
		go func(i int, entityType string) {
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = e.runEntity(ctx, runId, entityType)
			done <- i
		}(i, entityType)
	}
	for range entities {
		<-done
	}
	return results
}

func (e *Engine) runEntity(ctx context.Context, runId uint, entityType string) EntityOutcome {
	ctx = utils.SetSyncRunIdInContext(ctx, runId)
	ctx = utils.SetEntityTypeInContext(ctx, entityType)

	outcome := EntityOutcome{EntityType: entityType, Status: "failed"}

	sch, err := GetSchema(entityType)
	if err != nil {
		e.recordError(ctx, runId, entityType, "", "", models.SyncErrorReconcileFailed, err.Error(), nil, true, false)
		outcome.Error = err.Error()
		return outcome
	}

	if err := e.store.EnsureSourceTables(ctx, sch); err != nil {
		e.recordError(ctx, runId, entityType, "", "", models.SyncErrorLoadFailed, err.Error(), nil, true, true)
		outcome.Error = err.Error()
		return outcome
	}

	// Ingest + load, bulk side.
	bulkClean := e.loadSide(ctx, runId, sch, SourceBulk, &outcome)

	// Ingest + load, incremental side. Cutoff commits only when this side
	// completes without fatal error.
	cutoff, err := e.store.GetCutoff(ctx, entityType)
	if err != nil {
		e.recordError(ctx, runId, entityType, string(SourceAPI), "", models.SyncErrorFetchFailed, err.Error(), nil, true, true)
		outcome.Error = err.Error()
		return outcome
	}
	outcome.FullResyncRecommended = CutoffIsStale(cutoff, e.now(), e.cfg.FullResyncAfterDays)

	apiClean, newCutoff := e.loadIncremental(ctx, runId, sch, cutoff, &outcome)

	if !bulkClean && !apiClean {
		// Nothing landed; reconciling would just republish the old state.
		return outcome
	}

	// Load stage is the barrier: both upserts above finished before either
	// source table is read here.
	if err := e.reconcileEntity(ctx, runId, sch, &outcome); err != nil {
		outcome.Error = err.Error()
		return outcome
	}

	rec, err := e.AnalyzeTable(ctx, sch, ReconciledViewName(entityType))
	if err != nil {
		e.recordError(ctx, runId, entityType, "", "", models.SyncErrorNoDateColumn, err.Error(), nil, false, false)
	} else {
		outcome.Freshness = &rec
	}

	if apiClean {
		if err := e.store.CommitCutoff(ctx, entityType, newCutoff); err != nil {
			e.recordError(ctx, runId, entityType, string(SourceAPI), "", models.SyncErrorLoadFailed, err.Error(), nil, false, true)
		} else {
			outcome.CutoffCommitted = &newCutoff
		}
	}

	if outcome.Error != "" {
		// One side failed but the other landed and reconciled.
		outcome.Status = "partial"
	} else {
		outcome.Status = "success"
	}
	return outcome
}

// loadSide runs fetch -> map -> upsert for the bulk export. Returns false
// when the stage failed fatally for this entity.
func (e *Engine) loadSide(ctx context.Context, runId uint, sch EntitySchema, source Source, outcome *EntityOutcome) bool {
	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	native, err := e.bulk.FetchBulk(stageCtx, sch.Entity)
	if err != nil {
		code := models.SyncErrorFetchFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = models.SyncErrorStageTimeout
		}
		e.recordError(ctx, runId, sch.Entity, string(source), "", code, err.Error(), nil, true, true)
		outcome.Error = err.Error()
		return false
	}
	outcome.BulkFetched = len(native)

	return e.mapAndLoad(stageCtx, runId, sch, source, native, outcome)
}

func (e *Engine) loadIncremental(ctx context.Context, runId uint, sch EntitySchema, since *time.Time, outcome *EntityOutcome) (bool, time.Time) {
	stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
	defer cancel()

	native, newCutoff, err := e.feed.FetchIncremental(stageCtx, sch.Entity, since)
	if err != nil {
		code := models.SyncErrorFetchFailed
		if errors.Is(err, context.DeadlineExceeded) {
			code = models.SyncErrorStageTimeout
		}
		e.recordError(ctx, runId, sch.Entity, string(SourceAPI), "", code, err.Error(), nil, true, true)
		outcome.Error = err.Error()
		return false, time.Time{}
	}
	outcome.APIFetched = len(native)

	if !e.mapAndLoad(stageCtx, runId, sch, SourceAPI, native, outcome) {
		return false, time.Time{}
	}
	return true, newCutoff
}

func (e *Engine) mapAndLoad(ctx context.Context, runId uint, sch EntitySchema, source Source, native []NativeRow, outcome *EntityOutcome) bool {
	rows, report, warnings, err := MapRows(sch, source, native)
	if err != nil {
		e.recordError(ctx, runId, sch.Entity, string(source), "", models.SyncErrorLoadFailed, err.Error(), nil, true, false)
		outcome.Error = err.Error()
		return false
	}

	if len(report.Columns) > 0 {
		payload, _ := json.Marshal(report)
		e.recordError(ctx, runId, sch.Entity, string(source), "", models.SyncErrorUnmappedColumn,
			fmt.Sprintf("%d native column(s) have no canonical mapping", len(report.Columns)), payload, false, false)
		outcome.UnmappedColumns = append(outcome.UnmappedColumns, report.ColumnNames()...)
	}
	for _, w := range warnings {
		payload, _ := json.Marshal(w)
		e.recordError(ctx, runId, sch.Entity, string(source), "", models.SyncErrorInvalidValue, w.Message, payload, false, false)
	}

	result, err := e.store.Upsert(ctx, sch, source, rows)
	if err != nil {
		e.recordError(ctx, runId, sch.Entity, string(source), "", models.SyncErrorLoadFailed, err.Error(), nil, true, true)
		outcome.Error = err.Error()
		return false
	}

	outcome.RowsLoaded += result.Loaded
	outcome.RowsRejected += len(result.Rejected)
	for _, rej := range result.Rejected {
		e.recordError(ctx, runId, sch.Entity, string(source), "", models.SyncErrorMissingNaturalKey, rej.Message, nil, false, false)
	}
	return true
}

func (e *Engine) reconcileEntity(ctx context.Context, runId uint, sch EntitySchema, outcome *EntityOutcome) error {
	var stats ReconcileStats
	bulk, api, err := e.store.FetchSourceTables(ctx, sch)
	if err == nil {
		_, stats, err = Reconcile(sch, bulk, api)
	}
	if err != nil {
		code := models.SyncErrorReconcileFailed
		if errors.Is(err, ErrMissingNaturalKeyColumn) {
			code = models.SyncErrorMissingNaturalKeyColumn
		}
		e.recordError(ctx, runId, sch.Entity, "", "", code, err.Error(), nil, true, false)
		return err
	}

	if stats.ExcludedNoKey > 0 {
		e.recordError(ctx, runId, sch.Entity, "", "", models.SyncErrorMissingNaturalKey,
			fmt.Sprintf("%d row(s) excluded from reconciled view: no natural key in either source", stats.ExcludedNoKey),
			nil, false, false)
	}
	outcome.Reconcile = &stats

	if err := e.store.EnsureReconciledView(ctx, sch); err != nil {
		e.recordError(ctx, runId, sch.Entity, "", "", models.SyncErrorReconcileFailed, err.Error(), nil, true, true)
		return err
	}
	return nil
}

func (e *Engine) recordError(ctx context.Context, runId uint, entityType, sourceTag, naturalKey, code, message string, payload []byte, fatal, retryable bool) {
	rec := models.SyncError{
		SyncRunId:   runId,
		EntityType:  entityType,
		SourceTag:   sourceTag,
		NaturalKey:  naturalKey,
		ErrorCode:   code,
		Message:     message,
		PayloadJSON: payload,
		Fatal:       fatal,
		Retryable:   retryable,
	}
	if err := e.store.SaveSyncError(ctx, &rec); err != nil {
		config.LogError(e.logger, "recon", "recordError", "persist sync error", rec, err)
	}

	fields := map[string]any{"code": code}
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = cid
	}
	if rid, ok := utils.GetSyncRunIdFromContext(ctx); ok {
		fields["sync_run_id"] = rid
	}
	if et, ok := utils.GetEntityTypeFromContext(ctx); ok {
		fields["entity_type"] = et
	}
	if fatal {
		config.LogError(e.logger, "recon", "runEntity", entityType, fields, errors.New(message))
	} else {
		config.LogWarn(e.logger, "recon", "runEntity", entityType, fields, message)
	}
}

func decodeEntities(raw []byte) []string {
	if len(raw) == 0 {
		return models.AllEntityTypes()
	}
	var entities []string
	if err := json.Unmarshal(raw, &entities); err != nil || len(entities) == 0 {
		return models.AllEntityTypes()
	}
	var valid []string
	for _, e := range entities {
		if models.IsValidEntityType(e) {
			valid = append(valid, e)
		}
	}
	if len(valid) == 0 {
		return models.AllEntityTypes()
	}
	return valid
}
