package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs      *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	anomalies *prometheus.CounterVec
	gaps      prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddAnomalies increments the anomaly counter for the supplied severity and
// audit category.
func (m *Metrics) AddAnomalies(severity, category string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if category == "" {
		category = "unknown"
	}
	m.anomalies.WithLabelValues(severity, category).Add(float64(count))
}

// AddSequenceGaps increments the detected sequence gap counter.
func (m *Metrics) AddSequenceGaps(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.gaps.Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atelier_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	anomalies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_audit_anomalies_total",
		Help: "Detected audit trail anomalies grouped by severity and category.",
	}, []string{"severity", "category"})
	gaps := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atelier_sequence_gaps_total",
		Help: "Sequence counter issues detected by the periodic health scan.",
	})
	registerer.MustRegister(runs, failures, duration, anomalies, gaps)
	return &Metrics{runs: runs, failures: failures, duration: duration, anomalies: anomalies, gaps: gaps}
}
