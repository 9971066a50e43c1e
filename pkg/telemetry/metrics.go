package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for URIO.
type Metrics struct {
	config MetricsConfig

	// Ingestion session metrics
	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec

	// Entry metrics
	entriesRecorded *prometheus.CounterVec

	// Admission metrics
	resourcesAdmitted  *prometheus.CounterVec
	transformsAdmitted *prometheus.CounterVec
	admissionDuration  *prometheus.HistogramVec
	admittedBytes      *prometheus.CounterVec

	// Lineage metrics
	edgesLinked *prometheus.CounterVec

	// Source adapter metrics
	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec

	// Orchestration metrics
	execsFinished        *prometheus.CounterVec
	execDuration         *prometheus.HistogramVec
	issuesRecorded       *prometheus.CounterVec
	transitionsRecorded  *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeSessions prometheus.Gauge
	activeExecs    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Ingestion session metrics
		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_sessions_started_total",
				Help:      "Total number of ingestion sessions started",
			},
			[]string{"device"},
		),
		sessionsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_sessions_finished_total",
				Help:      "Total number of ingestion sessions finished",
			},
			[]string{"status"},
		),
		sessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_session_duration_seconds",
				Help:      "Duration of ingestion sessions in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Entry metrics
		entriesRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_entries_recorded_total",
				Help:      "Total number of ingestion entries recorded",
			},
			[]string{"status"},
		),

		// Admission metrics
		resourcesAdmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_admitted_total",
				Help:      "Total number of resource admissions",
			},
			[]string{"outcome"},
		),
		transformsAdmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transforms_admitted_total",
				Help:      "Total number of transform admissions",
			},
			[]string{"outcome", "nature"},
		),
		admissionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admission_duration_seconds",
				Help:      "Duration of resource admission in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		admittedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admitted_bytes_total",
				Help:      "Total bytes admitted into the resource store",
			},
			[]string{"outcome"},
		),

		// Lineage metrics
		edgesLinked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lineage_edges_linked_total",
				Help:      "Total number of lineage edge link attempts",
			},
			[]string{"graph", "outcome"},
		),

		// Source adapter metrics
		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of source adapter calls",
			},
			[]string{"adapter", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Duration of source adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"adapter", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total number of source adapter errors",
			},
			[]string{"adapter", "operation"},
		),

		// Orchestration metrics
		execsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orch_execs_finished_total",
				Help:      "Total number of orchestration exec calls finished",
			},
			[]string{"status"},
		),
		execDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "orch_exec_duration_seconds",
				Help:      "Duration of orchestration exec calls in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		issuesRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orch_issues_recorded_total",
				Help:      "Total number of orchestration issues recorded",
			},
			[]string{"severity"},
		),
		transitionsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orch_transitions_recorded_total",
				Help:      "Total number of state transitions recorded",
			},
			[]string{"result"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_ingest_sessions",
				Help:      "Current number of open ingestion sessions",
			},
		),
		activeExecs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_orch_execs",
				Help:      "Current number of in-flight exec calls",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsFinished,
		m.sessionDuration,
		m.entriesRecorded,
		m.resourcesAdmitted,
		m.transformsAdmitted,
		m.admissionDuration,
		m.admittedBytes,
		m.edgesLinked,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.execsFinished,
		m.execDuration,
		m.issuesRecorded,
		m.transitionsRecorded,
		m.errorsByClass,
		m.errorsByCode,
		m.activeSessions,
		m.activeExecs,
	)

	return m, nil
}

// Session Metrics

// RecordSessionStarted increments the counter for started ingestion sessions.
func (m *Metrics) RecordSessionStarted(device string) {
	if m.sessionsStarted == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(device).Inc()
	m.activeSessions.Inc()
}

// RecordSessionFinished records a finished session with its status and duration.
func (m *Metrics) RecordSessionFinished(status string, duration time.Duration) {
	if m.sessionsFinished == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(status).Inc()
	m.sessionDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeSessions.Dec()
}

// Entry Metrics

// RecordEntry records an ingestion entry reaching a terminal status.
func (m *Metrics) RecordEntry(status string) {
	if m.entriesRecorded == nil {
		return
	}
	m.entriesRecorded.WithLabelValues(status).Inc()
}

// Admission Metrics

// RecordAdmission records a resource admission. Outcome is "new" or "duplicate".
func (m *Metrics) RecordAdmission(outcome string, sizeBytes int64, duration time.Duration) {
	if m.resourcesAdmitted == nil {
		return
	}
	m.resourcesAdmitted.WithLabelValues(outcome).Inc()
	m.admissionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.admittedBytes.WithLabelValues(outcome).Add(float64(sizeBytes))
}

// RecordTransformAdmission records a derived artifact admission.
func (m *Metrics) RecordTransformAdmission(outcome, nature string) {
	if m.transformsAdmitted == nil {
		return
	}
	m.transformsAdmitted.WithLabelValues(outcome, nature).Inc()
}

// Lineage Metrics

// RecordEdgeLinked records a lineage link attempt. Outcome is "inserted" or "noop".
func (m *Metrics) RecordEdgeLinked(graph, outcome string) {
	if m.edgesLinked == nil {
		return
	}
	m.edgesLinked.WithLabelValues(graph, outcome).Inc()
}

// Adapter Metrics

// RecordAdapterCall records a source adapter call with its duration.
func (m *Metrics) RecordAdapterCall(adapter, operation string, duration time.Duration) {
	if m.adapterCalls == nil {
		return
	}
	m.adapterCalls.WithLabelValues(adapter, operation).Inc()
	m.adapterDuration.WithLabelValues(adapter, operation).Observe(duration.Seconds())
}

// RecordAdapterError records a source adapter error.
func (m *Metrics) RecordAdapterError(adapter, operation string) {
	if m.adapterErrors == nil {
		return
	}
	m.adapterErrors.WithLabelValues(adapter, operation).Inc()
}

// Orchestration Metrics

// RecordExecStarted increments the in-flight exec gauge.
func (m *Metrics) RecordExecStarted() {
	if m.activeExecs == nil {
		return
	}
	m.activeExecs.Inc()
}

// RecordExecFinished records a finished exec call with its status and duration.
func (m *Metrics) RecordExecFinished(status string, duration time.Duration) {
	if m.execsFinished == nil {
		return
	}
	m.execsFinished.WithLabelValues(status).Inc()
	m.execDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeExecs.Dec()
}

// RecordIssue records an orchestration issue by severity.
func (m *Metrics) RecordIssue(severity string) {
	if m.issuesRecorded == nil {
		return
	}
	m.issuesRecorded.WithLabelValues(severity).Inc()
}

// RecordTransition records a state transition by result.
func (m *Metrics) RecordTransition(result string) {
	if m.transitionsRecorded == nil {
		return
	}
	m.transitionsRecorded.WithLabelValues(result).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
