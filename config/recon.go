package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ReconConfig carries every tunable the reconciliation engine reads.
// It is built once at startup and threaded through entry points; engine
// code never reaches back into the environment.
type ReconConfig struct {
	// FreshnessThresholdDays classifies a table as stale once the age of
	// its newest business date exceeds this many days.
	FreshnessThresholdDays int `validate:"gte=1"`

	// DateFallbackOrder lists the system/audit timestamp columns that may
	// stand in when no business-date column exists, in preference order.
	DateFallbackOrder []string `validate:"min=1"`

	// WorkerPoolSize bounds how many entity-type pipelines run at once.
	WorkerPoolSize int `validate:"gte=1"`

	// StageTimeout bounds one entity's fetch or load stage. A timeout
	// fails that entity only; siblings keep running.
	StageTimeout time.Duration `validate:"gt=0"`

	// FullResyncAfterDays: a committed cutoff older than this raises the
	// full_resync_recommended signal on run status.
	FullResyncAfterDays int `validate:"gte=1"`

	// BulkExportDir is where the ingestor adapters drop bulk export files
	// (<entity>s.csv or <entity>s.xlsx).
	BulkExportDir string

	// Incremental feed client settings.
	FeedBaseURL         string
	FeedAPIKey          string
	FeedAPIKeyHeader    string
	FeedPageLimit       int `validate:"gte=1,lte=1000"`
	FeedRateLimitPerMin int `validate:"gte=1"`
}

var reconValidate = validator.New()

// LoadReconConfig reads the engine configuration from the environment,
// applies defaults, and validates it.
func LoadReconConfig() (ReconConfig, error) {
	godotenv.Load()

	cfg := ReconConfig{
		FreshnessThresholdDays: IntFromEnv("RECON_FRESHNESS_THRESHOLD_DAYS", 1),
		DateFallbackOrder:      splitAndTrim(envDefault("RECON_DATE_FALLBACK_ORDER", "created_time,last_modified_time,updated_time")),
		WorkerPoolSize:         IntFromEnv("RECON_WORKER_POOL_SIZE", 3),
		StageTimeout:           time.Duration(IntFromEnv("RECON_STAGE_TIMEOUT_SECONDS", 300)) * time.Second,
		FullResyncAfterDays:    IntFromEnv("RECON_FULL_RESYNC_AFTER_DAYS", 30),
		BulkExportDir:          envDefault("RECON_BULK_EXPORT_DIR", "./exports"),
		FeedBaseURL:            envDefault("RECON_FEED_BASE_URL", ""),
		FeedAPIKey:             os.Getenv("RECON_FEED_API_KEY"),
		FeedAPIKeyHeader:       envDefault("RECON_FEED_API_KEY_HEADER", "X-API-Key"),
		FeedPageLimit:          IntFromEnv("RECON_FEED_PAGE_LIMIT", 200),
		FeedRateLimitPerMin:    IntFromEnv("RECON_FEED_RATE_LIMIT_PER_MIN", 60),
	}

	if err := reconValidate.Struct(cfg); err != nil {
		return ReconConfig{}, fmt.Errorf("invalid recon config: %w", err)
	}
	return cfg, nil
}

func envDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
