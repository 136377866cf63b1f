package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for sync runs.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	actionRetries   *prometheus.CounterVec

	adapterCalls    *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	adapterErrors   *prometheus.CounterVec

	changesDetected    *prometheus.CounterVec
	collectionFailures *prometheus.CounterVec
	errorsByClass      *prometheus.CounterVec

	lastRunTimestamp prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of sync runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of sync runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of sync runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		actionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_executed_total",
				Help:      "Total number of plan actions executed",
			},
			[]string{"type", "kind", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of plan actions in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "kind"},
		),
		actionRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "action_retries_total",
				Help:      "Total number of action retries after transient failures",
			},
			[]string{"kind"},
		),

		adapterCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_calls_total",
				Help:      "Total number of resource adapter calls",
			},
			[]string{"kind", "operation"},
		),
		adapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "adapter_call_duration_seconds",
				Help:      "Duration of resource adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "operation"},
		),
		adapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_errors_total",
				Help:      "Total number of resource adapter errors",
			},
			[]string{"kind", "operation"},
		),

		changesDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_detected_total",
				Help:      "Total number of change records produced by the differ",
			},
			[]string{"kind", "change"},
		),
		collectionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collection_failures_total",
				Help:      "Total number of resource kinds whose state could not be collected",
			},
			[]string{"kind"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class and code",
			},
			[]string{"class", "code"},
		),

		lastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last completed run",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.actionsExecuted,
		m.actionDuration,
		m.actionRetries,
		m.adapterCalls,
		m.adapterDuration,
		m.adapterErrors,
		m.changesDetected,
		m.collectionFailures,
		m.errorsByClass,
		m.lastRunTimestamp,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.lastRunTimestamp.SetToCurrentTime()
}

// RecordActionExecution records the outcome of one plan action.
func (m *Metrics) RecordActionExecution(actionType, kind, status string, duration time.Duration) {
	if m == nil || m.actionsExecuted == nil {
		return
	}
	m.actionsExecuted.WithLabelValues(actionType, kind, status).Inc()
	m.actionDuration.WithLabelValues(actionType, kind).Observe(duration.Seconds())
}

// RecordActionRetry records a retry of an action for a resource kind.
func (m *Metrics) RecordActionRetry(kind string) {
	if m == nil || m.actionRetries == nil {
		return
	}
	m.actionRetries.WithLabelValues(kind).Inc()
}

// RecordAdapterCall records an adapter call with its duration.
func (m *Metrics) RecordAdapterCall(kind, operation string, duration time.Duration) {
	if m == nil || m.adapterCalls == nil {
		return
	}
	m.adapterCalls.WithLabelValues(kind, operation).Inc()
	m.adapterDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

// RecordAdapterError records an adapter error.
func (m *Metrics) RecordAdapterError(kind, operation string) {
	if m == nil || m.adapterErrors == nil {
		return
	}
	m.adapterErrors.WithLabelValues(kind, operation).Inc()
}

// RecordChange records a change record emitted by the differ.
func (m *Metrics) RecordChange(kind, change string) {
	if m == nil || m.changesDetected == nil {
		return
	}
	m.changesDetected.WithLabelValues(kind, change).Inc()
}

// RecordCollectionFailure records a resource kind that could not be enumerated.
func (m *Metrics) RecordCollectionFailure(kind string) {
	if m == nil || m.collectionFailures == nil {
		return
	}
	m.collectionFailures.WithLabelValues(kind).Inc()
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// Gatherer exposes the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil || m.registry == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the registry in text exposition format, for pickup by
// a node_exporter textfile collector. It is a no-op without a configured path.
func (m *Metrics) WriteTextfile() error {
	if m == nil || m.registry == nil || m.config.TextfilePath == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(m.config.TextfilePath, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Used by watch
// mode, where the process stays up between runs.
func (m *Metrics) StartMetricsServer(logger *Logger) (*http.Server, error) {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()

	return server, nil
}
