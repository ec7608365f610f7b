package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vault-ingest/internal/archive"
	"vault-ingest/internal/catalog"
	"vault-ingest/internal/config"
	"vault-ingest/internal/controller"
	"vault-ingest/internal/logging"
	"vault-ingest/internal/metrics"
	"vault-ingest/internal/middleware"
	"vault-ingest/internal/pipeline"
	"vault-ingest/internal/storage"
	"vault-ingest/internal/upload"
	"vault-ingest/internal/vault"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	// Set Gin mode
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Object store
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to initialize object store", zap.String("backend", cfg.Storage.Backend), zap.Error(err))
	}

	checks := map[string]controller.HealthCheck{
		"storage": func(ctx context.Context) error {
			_, err := store.Exists(ctx, storage.JoinKey(cfg.Storage.RootPrefix, ".healthcheck"))
			return err
		},
	}

	// Catalog
	var cataloger pipeline.Cataloger
	if cfg.Catalog.Enabled {
		region := cfg.Catalog.Region
		if region == "" {
			region = cfg.Storage.Region
		}
		executor, err := catalog.NewAthenaExecutor(ctx, catalog.AthenaConfig{
			Region:         region,
			Database:       cfg.Catalog.Database,
			Workgroup:      cfg.Catalog.Workgroup,
			OutputLocation: cfg.Catalog.OutputLocation,
			AccessKey:      cfg.Storage.AccessKey,
			SecretKey:      cfg.Storage.SecretKey,
		})
		if err != nil {
			logger.Fatal("Failed to initialize catalog executor", zap.Error(err))
		}

		manager := catalog.NewManager(executor, executor, catalog.Options{
			Database:    cfg.Catalog.Database,
			TablePrefix: cfg.Catalog.TablePrefix,
			Projection: catalog.Projection{
				Enabled: cfg.Catalog.PartitionProjection,
				Range:   cfg.Catalog.ProjectionRange,
			},
			PollInterval: cfg.Catalog.PollInterval,
			QueryTimeout: cfg.Catalog.QueryTimeout,
		}, logger.Named("catalog"), m)

		// Tables can be rebuilt from storage later, so a missing database is not fatal here.
		if err := manager.EnsureDatabase(ctx); err != nil {
			logger.Error("Failed to ensure catalog database", zap.String("database", cfg.Catalog.Database), zap.Error(err))
		}

		cataloger = manager
		checks["catalog"] = func(ctx context.Context) error {
			_, err := executor.GetTable(ctx, cfg.Catalog.TablePrefix+"healthcheck")
			if errors.Is(err, catalog.ErrTableNotFound) {
				return nil
			}
			return err
		}
	} else {
		logger.Warn("Catalog maintenance disabled")
	}

	// Pipeline
	vaultClient := vault.NewClient(cfg.Vault, cfg.Fetch, logger.Named("vault"), m)
	uploader := upload.NewCoordinator(store, upload.Options{
		RootPrefix:   cfg.Storage.RootPrefix,
		MergeEnabled: cfg.Pipeline.MergeEnabled,
	}, logger.Named("upload"), m)
	ingest := pipeline.New(
		vaultClient,
		archive.NewExtractor(logger.Named("archive"), m),
		uploader,
		store,
		cataloger,
		pipeline.Options{
			WorkDir:        cfg.Pipeline.WorkDir,
			CatalogTimeout: cfg.Pipeline.CatalogTimeout,
		},
		logger.Named("pipeline"),
	)

	// Initialize controllers
	vaultController := controller.NewVaultController(vaultClient, ingest, logger.Named("api"))
	healthController := controller.NewHealthController(version, checks)

	// Create Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.PrometheusMiddleware(m))

	router.GET("/health", healthController.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	api := router.Group("/api/vault")
	if cfg.Server.EnableRateLimit {
		rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RPM:             cfg.Server.RateLimitPerMinute,
			Burst:           cfg.Server.RateLimitBurst,
			CleanupInterval: 5 * time.Minute,
		})
		go rateLimiter.Run(ctx)
		api.Use(rateLimiter.RateLimit())
	}
	vaultController.RegisterRoutes(api)

	srv := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Starting server", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
