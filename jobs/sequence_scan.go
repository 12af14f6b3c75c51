package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/atelier-erp/atelier-erp/internal/audit"
	jobmetrics "github.com/atelier-erp/atelier-erp/internal/jobs"
	"github.com/atelier-erp/atelier-erp/internal/sequence"
)

// SequenceScanJob verifies every numbering counter and reports gaps or
// regressions. Issues never fail the run: the scan is diagnostic.
type SequenceScanJob struct {
	Sequences *sequence.Service
	Audit     *audit.Logger
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewSequenceScanJob initialises the sequence health scan handler.
func NewSequenceScanJob(sequences *sequence.Service, auditLogger *audit.Logger, logger *slog.Logger, metrics *jobmetrics.Metrics) *SequenceScanJob {
	return &SequenceScanJob{Sequences: sequences, Audit: auditLogger, Logger: logger, Metrics: metrics}
}

// Handle executes the sequence health scan.
func (j *SequenceScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Sequences == nil {
		return errors.New("sequence scan: handler not configured")
	}
	var payload SequenceHealthScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskSequenceHealthScan)
	report, err := j.Sequences.Health(ctx)
	if err != nil {
		j.logger().Error("sequence health scan failed", slog.Any("error", err))
		return tracker.End(err)
	}

	if report.Healthy {
		j.logger().Info("sequence health scan clean",
			slog.Int("counters", len(report.Counters)))
		return tracker.End(nil)
	}

	j.Metrics.AddSequenceGaps(len(report.Issues))
	for _, issue := range report.Issues {
		j.logger().Warn("sequence issue detected", slog.String("issue", issue))
		if payload.RecordAudit && j.Audit != nil {
			j.Audit.SequenceGap(ctx, issue)
		}
	}
	return tracker.End(nil)
}

func (j *SequenceScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
