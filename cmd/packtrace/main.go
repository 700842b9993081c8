package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/packtrace/packtrace/internal/app"
	"github.com/packtrace/packtrace/internal/observability"
	"github.com/packtrace/packtrace/internal/platform/cache"
	"github.com/packtrace/packtrace/internal/platform/db"
	"github.com/packtrace/packtrace/internal/reconcile"
	"github.com/packtrace/packtrace/internal/scan"
	"github.com/packtrace/packtrace/internal/shared"
	"github.com/packtrace/packtrace/internal/tiers"
	"github.com/packtrace/packtrace/internal/transfers"
	"github.com/packtrace/packtrace/internal/units"
	"github.com/packtrace/packtrace/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	metrics := observability.NewMetrics()

	tierRepo := tiers.NewRepository(dbpool)
	tierCache := tiers.NewCache(redisClient, cfg.TierCacheTTL)
	catalog := tiers.NewCatalog(tierRepo, tierCache, logger)

	unitRepo := units.NewRepository(dbpool)
	registry := units.NewRegistry(unitRepo, logger)

	failureStore := scan.NewFailureStore(dbpool)
	processor := scan.NewProcessor(registry, catalog, auditLogger, idempotencyStore, failureStore, metrics, scan.Config{
		AuditTolerance:        cfg.AuditTolerance,
		ApplyAuditCorrections: cfg.ApplyAuditCorrections,
	}, logger)
	scanHandler := scan.NewHandler(logger, processor, registry, catalog, failureStore, cfg.QRDomain)

	transferRepo := transfers.NewRepository(dbpool)
	transferService := transfers.NewService(transferRepo, registry, catalog, auditLogger, logger)
	transferHandler := transfers.NewHandler(logger, transferService)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	reconcileRepo := reconcile.NewRepository(dbpool)
	reconcileService := reconcile.NewService(reconcileRepo, registry, auditLogger, cfg.AuditTolerance, logger)
	reconcileHandler := reconcile.NewHandler(logger, reconcileService, jobsClient)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		ScanHandler:      scanHandler,
		TransferHandler:  transferHandler,
		ReconcileHandler: reconcileHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
