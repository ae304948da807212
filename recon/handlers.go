package recon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// TriggerSyncHandler queues a run and publishes it for async processing.
// When Pub/Sub is unreachable (local dev), the run executes inline.
func TriggerSyncHandler(engine *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		for _, e := range req.Entities {
			if !models.IsValidEntityType(e) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entity type: " + e})
				return
			}
		}

		triggeredBy := strings.TrimSpace(req.TriggeredBy)
		if triggeredBy == "" {
			triggeredBy = models.SyncTriggeredManual
		}

		var entitiesJSON []byte
		if len(req.Entities) > 0 {
			entitiesJSON, _ = json.Marshal(req.Entities)
		}

		ctx := c.Request.Context()
		db := config.GetDB().WithContext(ctx)

		run := models.SyncRun{
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  triggeredBy,
			EntitiesJSON: entitiesJSON,
		}
		if err := db.Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := PublishSyncRun(ctx, run.ID); err != nil {
			config.LogWarn(config.GetLogger(), "recon", "TriggerSyncHandler", "publish failed; running inline", map[string]uint{"run_id": run.ID}, err.Error())
			bg := context.Background()
			if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
				bg = utils.SetCorrelationIdInContext(bg, cid)
			}
			go func() {
				_ = engine.ProcessSyncRun(bg, run.ID)
			}()
		}

		c.JSON(http.StatusAccepted, TriggerSyncResponse{RunId: run.ID, Status: run.Status})
	}
}

// RetryRunHandler queues a fresh run over the same entity set as a
// finished failed or partial run.
func RetryRunHandler(engine *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := c.Request.Context()
		db := config.GetDB()

		parent, err := models.GetSyncRunById(ctx, db, uint(id))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if parent.Status != models.SyncRunStatusFailed && parent.Status != models.SyncRunStatusPartial {
			c.JSON(http.StatusConflict, gin.H{"error": "only failed or partial runs can be retried"})
			return
		}

		parentId := parent.ID
		run := models.SyncRun{
			Status:       models.SyncRunStatusQueued,
			TriggeredBy:  models.SyncTriggeredRetry,
			EntitiesJSON: parent.EntitiesJSON,
			ParentRunId:  &parentId,
		}
		if err := db.WithContext(ctx).Create(&run).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := PublishSyncRun(ctx, run.ID); err != nil {
			config.LogWarn(config.GetLogger(), "recon", "RetryRunHandler", "publish failed; running inline", map[string]uint{"run_id": run.ID}, err.Error())
			bg := context.Background()
			if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
				bg = utils.SetCorrelationIdInContext(bg, cid)
			}
			go func() {
				_ = engine.ProcessSyncRun(bg, run.ID)
			}()
		}

		c.JSON(http.StatusAccepted, TriggerSyncResponse{RunId: run.ID, Status: run.Status})
	}
}

func ListRunsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		runs, err := models.ListSyncRuns(c.Request.Context(), config.GetDB(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, toRunResponse(run))
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func RunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := c.Request.Context()
		run, err := models.GetSyncRunById(ctx, config.GetDB(), uint(id))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		detail := SyncRunDetailResponse{SyncRunResponse: toRunResponse(*run)}
		if len(run.StatsJSON) > 0 {
			_ = json.Unmarshal(run.StatsJSON, &detail.Outcomes)
		}

		errs, err := models.ListSyncErrors(ctx, config.GetDB(), run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		detail.Errors = make([]SyncErrorResponse, 0, len(errs))
		for _, e := range errs {
			detail.Errors = append(detail.Errors, SyncErrorResponse{
				ID:         e.ID,
				EntityType: e.EntityType,
				SourceTag:  e.SourceTag,
				NaturalKey: e.NaturalKey,
				ErrorCode:  e.ErrorCode,
				Message:    e.Message,
				Fatal:      e.Fatal,
				Retryable:  e.Retryable,
			})
		}
		c.JSON(http.StatusOK, detail)
	}
}

func SyncStateHandler(engine *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		db := config.GetDB()

		items := make([]SyncStateResponse, 0, len(models.AllEntityTypes()))
		for _, entityType := range models.AllEntityTypes() {
			cutoff, err := GetCutoff(ctx, db, entityType)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			items = append(items, SyncStateResponse{
				EntityType:            entityType,
				LastCutoff:            formatTime(cutoff),
				FullResyncRecommended: CutoffIsStale(cutoff, engine.now(), engine.cfg.FullResyncAfterDays),
			})
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

func FreshnessHandler(engine *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := engine.FreshnessReport(c.Request.Context(), models.AllEntityTypes())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": report})
	}
}

func ReconciledRowsHandler(engine *Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		entityType := c.Param("entity")
		if !models.IsValidEntityType(entityType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entity type: " + entityType})
			return
		}

		rows, stats, err := engine.ReconcileEntity(c.Request.Context(), entityType)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ReconciledRowsResponse{
			EntityType: entityType,
			Stats:      stats,
			Rows:       rows,
		})
	}
}

func toRunResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Status:        run.Status,
		TriggeredBy:   run.TriggeredBy,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsLoaded: run.RecordsLoaded,
		ErrorCount:    run.ErrorCount,
		ParentRunId:   run.ParentRunId,
	}
}
