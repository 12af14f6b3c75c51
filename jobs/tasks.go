package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSequenceHealthScan checks every numbering counter for anomalies.
	TaskSequenceHealthScan = "sequence:health_scan"
	// TaskAuditAnomalyScan inspects the audit trail for suspicious activity.
	TaskAuditAnomalyScan = "audit:anomaly_scan"
)

// SequenceHealthScanPayload configures a numbering health scan run.
type SequenceHealthScanPayload struct {
	// RecordAudit controls whether detected issues are written to the
	// audit trail in addition to logs and metrics.
	RecordAudit bool `json:"record_audit"`
}

// NewSequenceHealthScanTask constructs an Asynq task.
func NewSequenceHealthScanTask(payload SequenceHealthScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSequenceHealthScan, data), nil
}

// AuditAnomalyScanPayload configures an audit anomaly scan run.
type AuditAnomalyScanPayload struct {
	// WindowHours bounds how far back the scan looks. Defaults to 24.
	WindowHours int `json:"window_hours"`
	// UnlockThreshold is the number of unlock actions by a single user
	// within the window that triggers an anomaly. Defaults to 3.
	UnlockThreshold int `json:"unlock_threshold"`
}

// NewAuditAnomalyScanTask constructs an Asynq task.
func NewAuditAnomalyScanTask(payload AuditAnomalyScanPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditAnomalyScan, data), nil
}
