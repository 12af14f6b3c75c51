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

	"github.com/atelier-erp/atelier-erp/internal/app"
	"github.com/atelier-erp/atelier-erp/internal/audit"
	"github.com/atelier-erp/atelier-erp/internal/deposits"
	"github.com/atelier-erp/atelier-erp/internal/documents"
	"github.com/atelier-erp/atelier-erp/internal/observability"
	"github.com/atelier-erp/atelier-erp/internal/platform/cache"
	"github.com/atelier-erp/atelier-erp/internal/platform/db"
	"github.com/atelier-erp/atelier-erp/internal/sequence"
	"github.com/atelier-erp/atelier-erp/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, deposit summaries uncached", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	auditLogger := audit.NewLogger(audit.NewRepository(pool), logger, metrics)
	if threshold, err := cfg.CriticalThreshold(); err == nil {
		auditLogger.SetCriticalThreshold(threshold)
	}
	auditService := audit.NewService(audit.NewRepository(pool))
	auditHandler := audit.NewHandler(logger, auditService)

	sequenceService := sequence.NewService(sequence.NewRepository(pool), logger, metrics)
	sequenceHandler := sequence.NewHandler(logger, sequenceService)

	depositsService := deposits.NewService(deposits.NewRepository(pool), auditLogger, redisClient, logger, metrics)
	depositsHandler := deposits.NewHandler(logger, depositsService)

	documentsService := documents.NewService(documents.NewRepository(pool), auditLogger, logger, metrics)
	documentsHandler := documents.NewHandler(logger, documentsService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		DocumentsHandler: documentsHandler,
		DepositsHandler:  depositsHandler,
		SequenceHandler:  sequenceHandler,
		AuditHandler:     auditHandler,
		JobsHandler:      jobsHandler,
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
