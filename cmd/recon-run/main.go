// recon-run executes one full reconciliation run from the command line,
// without the HTTP service or Pub/Sub. Intended for cron and manual
// backfills.
//
// Usage:
//
//	recon-run [entity ...]
//
// With no arguments every entity type runs.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/recon"
	"bitbucket.org/mmdatafocus/recon_backend/sources"
)

func main() {
	logger := config.GetLogger()

	reconCfg, err := config.LoadReconConfig()
	if err != nil {
		log.Fatalf("load recon config: %v", err)
	}

	entities := os.Args[1:]
	for _, e := range entities {
		if !models.IsValidEntityType(e) {
			log.Fatalf("unknown entity type %q", e)
		}
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedis()
	db := config.GetDB()

	if err := models.MigrateSyncModels(db); err != nil {
		log.Fatalf("migrate sync models: %v", err)
	}

	bulk := sources.NewBulkFileSource(reconCfg)
	feed, err := sources.NewAPIFeedSource(reconCfg)
	if err != nil {
		log.Fatalf("init feed source: %v", err)
	}
	engine := recon.NewEngine(db, reconCfg, logger, bulk, feed, config.GetRedisLock())

	var entitiesJSON []byte
	if len(entities) > 0 {
		entitiesJSON, _ = json.Marshal(entities)
	}
	run := models.SyncRun{
		Status:       models.SyncRunStatusQueued,
		TriggeredBy:  models.SyncTriggeredSystem,
		EntitiesJSON: entitiesJSON,
	}
	if err := db.Create(&run).Error; err != nil {
		log.Fatalf("create run: %v", err)
	}

	if err := engine.ProcessSyncRun(context.Background(), run.ID); err != nil {
		log.Fatalf("run %d: %v", run.ID, err)
	}

	final, err := models.GetSyncRunById(context.Background(), db, run.ID)
	if err != nil {
		log.Fatalf("load run %d: %v", run.ID, err)
	}
	log.Printf("run %d finished: status=%s loaded=%d errors=%d duration_ms=%d",
		final.ID, final.Status, final.RecordsLoaded, final.ErrorCount, final.DurationMs)
	if final.Status == models.SyncRunStatusFailed {
		os.Exit(1)
	}
}
