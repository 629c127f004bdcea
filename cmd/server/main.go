package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lotscout/api/internal/adjudicate"
	"github.com/lotscout/api/internal/config"
	"github.com/lotscout/api/internal/database"
	"github.com/lotscout/api/internal/detect"
	"github.com/lotscout/api/internal/enrich"
	"github.com/lotscout/api/internal/handlers"
	"github.com/lotscout/api/internal/logger"
	"github.com/lotscout/api/internal/middleware"
	"github.com/lotscout/api/internal/observability/metrics"
	"github.com/lotscout/api/internal/pipeline"
	"github.com/lotscout/api/internal/progress"
	"github.com/lotscout/api/internal/repository"
	"github.com/lotscout/api/internal/services"
)

const (
	shutdownTimeout = 30 * time.Second
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	log := logger.New(cfg.Server.Env)
	log.Info("Starting LotScout API", map[string]interface{}{
		"version":     handlers.APIVersion,
		"environment": cfg.Server.Env,
		"port":        cfg.Server.Port,
	})

	// Create database connection pool
	ctx := context.Background()
	db, err := database.NewPostgresPool(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", err, map[string]interface{}{
			"host": cfg.Database.Host,
			"port": cfg.Database.Port,
			"name": cfg.Database.Name,
		})
	}
	defer db.Close()

	log.Info("Database connection established", map[string]interface{}{
		"host":     cfg.Database.Host,
		"port":     cfg.Database.Port,
		"database": cfg.Database.Name,
		"pool_min": cfg.Database.PoolMin,
		"pool_max": cfg.Database.PoolMax,
	})

	// External gateways
	detector := detect.NewHTTPDetector(cfg.Detector.BaseURL, cfg.Detector.Timeout)
	adjudicator := adjudicate.NewGateway(cfg.Adjudicator)

	var enricher enrich.Provider
	if cfg.Enrichment.BaseURL != "" {
		enricher = enrich.NewHTTPProvider(cfg.Enrichment.BaseURL, cfg.Enrichment.APIKey, cfg.Enrichment.Timeout)
		log.Info("Parcel enrichment enabled", map[string]interface{}{
			"base_url":  cfg.Enrichment.BaseURL,
			"fetch_cap": cfg.Enrichment.FetchCap,
		})
	} else {
		log.Info("Parcel enrichment disabled, running on local data only", nil)
	}

	// Pipeline wiring
	m := metrics.New()
	registry := progress.NewRegistry(cfg.Pipeline.ProgressGracePeriod)
	defer registry.Stop()

	parcelRepo := repository.NewParcelRepository(db)
	orchestrator := pipeline.New(pipeline.Deps{
		Repo:        parcelRepo,
		Detector:    detector,
		Adjudicator: adjudicator,
		Enricher:    enricher,
		Registry:    registry,
		Metrics:     m,
		Logger:      log,
	}, cfg)
	searchService := services.NewSearchService(orchestrator, registry, log)

	// Setup Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Add middleware in order: RequestID -> Logger -> Recovery -> CORS
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS(cfg.CORS.Origins))

	// Register health check and metrics routes
	healthHandler := handlers.NewHealthHandler(db, cfg.Server.Env)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/ready", healthHandler.Ready)
	router.GET("/api/v1/info", healthHandler.Info)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	// Register API v1 routes
	searchHandler := handlers.NewSearchHandler(searchService)
	v1 := router.Group("/api/v1")
	{
		searches := v1.Group("/searches")
		{
			searches.POST("", searchHandler.Create)
			searches.GET("/:id/progress", searchHandler.Progress)
			searches.GET("/:id/stream", searchHandler.Stream)
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server listening", map[string]interface{}{
			"port": cfg.Server.Port,
			"addr": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", err, nil)
		}
	}()

	// Wait for interrupt signal (SIGINT or SIGTERM)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Graceful shutdown
	log.Info("Shutting down server...", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", err, map[string]interface{}{
			"timeout": shutdownTimeout.String(),
		})
	}

	log.Info("Server exited", nil)
}
