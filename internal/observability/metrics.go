package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	NumbersAllocated    *prometheus.CounterVec
	AllocationConflicts prometheus.Counter
	AuditWriteFailures  prometheus.Counter
	PaymentsRecorded    prometheus.Counter
	DepositsApplied     prometheus.Counter
}

// NewMetrics initialises the registry and the base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atelier_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	allocated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "atelier_document_numbers_allocated_total",
		Help: "Document numbers allocated per document type.",
	}, []string{"type"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atelier_sequence_allocation_conflicts_total",
		Help: "Sequence allocation attempts retried after a transaction conflict.",
	})
	auditFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atelier_audit_write_failures_total",
		Help: "Audit log writes that failed and were swallowed.",
	})
	payments := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atelier_payments_recorded_total",
		Help: "Payments recorded against documents.",
	})
	deposits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "atelier_deposit_applications_total",
		Help: "Deposit applications persisted on final invoices.",
	})
	registry.MustRegister(requests, duration, allocated, conflicts, auditFailures, payments, deposits)
	return &Metrics{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:       requests,
		requestDuration:     duration,
		NumbersAllocated:    allocated,
		AllocationConflicts: conflicts,
		AuditWriteFailures:  auditFailures,
		PaymentsRecorded:    payments,
		DepositsApplied:     deposits,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for registering custom metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
