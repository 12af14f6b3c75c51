package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/atelier-erp/atelier-erp/internal/jobs"
)

// AnomalyScanJob inspects the audit trail for suspicious activity: repeated
// unlocks of issued documents by one user, and critical financial actions
// recorded outside working hours.
type AnomalyScanJob struct {
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewAnomalyScanJob initialises the anomaly scan handler.
func NewAnomalyScanJob(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *AnomalyScanJob {
	return &AnomalyScanJob{
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the anomaly scan logic.
func (j *AnomalyScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("anomaly scan: handler not configured")
	}
	var payload AuditAnomalyScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.WindowHours <= 0 {
		payload.WindowHours = 24
	}
	if payload.UnlockThreshold <= 0 {
		payload.UnlockThreshold = 3
	}

	start := j.now()
	tracker := j.Metrics.Track(TaskAuditAnomalyScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.Int("window_hours", payload.WindowHours),
		slog.Int("unlock_threshold", payload.UnlockThreshold),
	)
	logger.Info("starting audit anomaly scan")

	anomalies, err := j.scan(ctx, payload, start)
	if err != nil {
		resultErr = err
		logger.Error("scan failed", slog.Any("error", err))
		return resultErr
	}

	for _, a := range anomalies {
		logger.Warn("audit anomaly detected",
			slog.String("kind", a.Kind),
			slog.String("user_id", a.UserID),
			slog.String("category", a.Category),
			slog.Int("count", a.Count),
		)
		j.Metrics.AddAnomalies(a.Severity, a.Category, 1)
	}

	logger.Info("completed audit anomaly scan",
		slog.Int("anomalies", len(anomalies)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *AnomalyScanJob) scan(ctx context.Context, payload AuditAnomalyScanPayload, now time.Time) ([]auditAnomaly, error) {
	if j.Pool == nil {
		return nil, errors.New("anomaly scan: pool not configured")
	}
	from := now.Add(-time.Duration(payload.WindowHours) * time.Hour)
	anomalies := make([]auditAnomaly, 0)

	rows, err := j.Pool.Query(ctx, `
		SELECT user_id, COUNT(*)
		FROM audit_logs
		WHERE action = 'unlock' AND created_at >= $1
		GROUP BY user_id
		HAVING COUNT(*) >= $2`, from, payload.UnlockThreshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID string
		var count int
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, auditAnomaly{
			Kind:     "unlock_burst",
			UserID:   userID,
			Category: "document",
			Severity: "warning",
			Count:    count,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	offHours, err := j.Pool.Query(ctx, `
		SELECT user_id, COUNT(*)
		FROM audit_logs
		WHERE severity = 'critical'
		  AND category = 'financial'
		  AND created_at >= $1
		  AND (EXTRACT(HOUR FROM created_at) < 7 OR EXTRACT(HOUR FROM created_at) >= 20)
		GROUP BY user_id`, from)
	if err != nil {
		return nil, err
	}
	defer offHours.Close()
	for offHours.Next() {
		var userID string
		var count int
		if err := offHours.Scan(&userID, &count); err != nil {
			return nil, err
		}
		anomalies = append(anomalies, auditAnomaly{
			Kind:     "off_hours_critical",
			UserID:   userID,
			Category: "financial",
			Severity: "critical",
			Count:    count,
		})
	}
	if err := offHours.Err(); err != nil {
		return nil, err
	}

	return anomalies, nil
}

func (j *AnomalyScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAuditAnomalyScan))
	}
	return slog.Default().With(slog.String("job", TaskAuditAnomalyScan))
}

func (j *AnomalyScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

type auditAnomaly struct {
	Kind     string
	UserID   string
	Category string
	Severity string
	Count    int
}
