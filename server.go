package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/middlewares"
	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/recon"
	"bitbucket.org/mmdatafocus/recon_backend/sources"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("recon-backend")

func main() {
	port := os.Getenv("RECON_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	reconCfg, err := config.LoadReconConfig()
	if err != nil {
		log.Fatalf("load recon config: %v", err)
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// engine is built after the DB connects; handler goroutines read it
	// through the pointer, so publication must be atomic.
	var engine atomic.Pointer[recon.Engine]

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil || engine.Load() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	bulk := sources.NewBulkFileSource(reconCfg)
	feed, err := sources.NewAPIFeedSource(reconCfg)
	if err != nil {
		log.Fatalf("init feed source: %v", err)
	}

	// Pub/Sub push delivery authenticates at the infra layer, not with our
	// JWT, so the push route sits outside the api group.
	r.POST("/pubsub/push", func(c *gin.Context) {
		recon.PubSubPushHandler(engine.Load())(c)
	})

	api := r.Group("/api", middlewares.AuthMiddleware())
	{
		api.POST("/sync/runs", func(c *gin.Context) { recon.TriggerSyncHandler(engine.Load())(c) })
		api.GET("/sync/runs", recon.ListRunsHandler())
		api.GET("/sync/runs/:id", recon.RunDetailHandler())
		api.POST("/sync/runs/:id/retry", func(c *gin.Context) { recon.RetryRunHandler(engine.Load())(c) })
		api.GET("/sync/state", func(c *gin.Context) { recon.SyncStateHandler(engine.Load())(c) })
		api.GET("/freshness", func(c *gin.Context) { recon.FreshnessHandler(engine.Load())(c) })
		api.GET("/reconciled/:entity", func(c *gin.Context) { recon.ReconciledRowsHandler(engine.Load())(c) })
	}

	srv := &http.Server{Addr: ":" + port, Handler: r}
	go func() {
		log.Printf("recon backend listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// Connect after the server is listening (Cloud Run wants a fast bind).
	config.ConnectDatabaseWithRetry()
	config.ConnectRedis()

	db := config.GetDB()
	if err := models.MigrateSyncModels(db); err != nil {
		log.Fatalf("migrate sync models: %v", err)
	}
	ctx, span := tracer.Start(sigCtx, "ensure-canonical-tables")
	for _, entityType := range models.AllEntityTypes() {
		sch, err := recon.GetSchema(entityType)
		if err != nil {
			log.Fatalf("schema registry: %v", err)
		}
		if err := recon.EnsureSourceTables(ctx, db, sch); err != nil {
			log.Fatalf("ensure tables: %v", err)
		}
	}
	span.End()

	engine.Store(recon.NewEngine(db, reconCfg, logger, bulk, feed, config.GetRedisLock()))

	<-sigCtx.Done()
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
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
