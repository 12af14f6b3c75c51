package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/atelier-erp/atelier-erp/internal/app"
	"github.com/atelier-erp/atelier-erp/internal/audit"
	jobmetrics "github.com/atelier-erp/atelier-erp/internal/jobs"
	"github.com/atelier-erp/atelier-erp/internal/observability"
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
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	auditLogger := audit.NewLogger(audit.NewRepository(pool), logger, metrics)
	if threshold, err := cfg.CriticalThreshold(); err == nil {
		auditLogger.SetCriticalThreshold(threshold)
	}
	sequenceService := sequence.NewService(sequence.NewRepository(pool), logger, metrics)

	scanJob := jobs.NewSequenceScanJob(sequenceService, auditLogger, logger, jobMetrics)
	anomalyJob := jobs.NewAnomalyScanJob(pool, logger, jobMetrics)

	scanTask, err := jobs.NewSequenceHealthScanTask(jobs.SequenceHealthScanPayload{RecordAudit: true})
	if err != nil {
		logger.Error("build sequence scan task", slog.Any("error", err))
		os.Exit(1)
	}
	anomalyTask, err := jobs.NewAuditAnomalyScanTask(jobs.AuditAnomalyScanPayload{WindowHours: 24, UnlockThreshold: 3})
	if err != nil {
		logger.Error("build anomaly task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSequenceHealthScan, Handler: scanJob.Handle},
			{Type: jobs.TaskAuditAnomalyScan, Handler: anomalyJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 * * * *", Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 1 * * *", Task: anomalyTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
