package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the process-wide container of loader-engine metrics.
//
// The six counters/gauges below use the exact names required of the
// scheduler: loader_executions_total, loader_execution_duration_seconds,
// loader_records_loaded_total, loader_records_ingested_total,
// loader_running_count, loader_enabled_count. They are registered without a
// namespace/subsystem prefix so the names stay fixed regardless of
// deployment-specific configuration.
type Metrics struct {
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	RecordsLoadedTotal *prometheus.CounterVec
	RecordsIngested    *prometheus.CounterVec
	RunningCount       prometheus.Gauge
	EnabledCount       prometheus.Gauge
	RecoveryTotal      *prometheus.CounterVec

	// ServiceInfo and runtime gauges are namespaced so they don't collide
	// across co-located processes sharing a registry.
	ServiceInfo *prometheus.GaugeVec
}

var defaultMetrics *Metrics

// InitMetrics registers the loader-engine metric set. namespace/subsystem
// only apply to the ambient ServiceInfo gauge; the loader_* metrics are
// registered under their fixed names.
func InitMetrics(namespace, subsystem string) *Metrics {
	m := &Metrics{
		ExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loader_executions_total",
				Help: "Total number of loader executions by terminal status",
			},
			[]string{"loader_code", "status"},
		),

		ExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loader_execution_duration_seconds",
				Help:    "Duration of loader executions",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"loader_code"},
		),

		RecordsLoadedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loader_records_loaded_total",
				Help: "Total number of rows extracted from source databases",
			},
			[]string{"loader_code"},
		),

		RecordsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loader_records_ingested_total",
				Help: "Total number of records written into the signal store",
			},
			[]string{"loader_code"},
		),

		RunningCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "loader_running_count",
				Help: "Current number of loaders in the RUNNING state",
			},
		),

		EnabledCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "loader_enabled_count",
				Help: "Current number of loaders with enabled=true",
			},
		),

		RecoveryTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loader_recovery_total",
				Help: "Total number of automatic recovery actions taken by the sweeper",
			},
			[]string{"loader_code", "action"},
		),

		ServiceInfo: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_info",
				Help:      "Service build and environment information",
			},
			[]string{"version", "environment"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the process-wide metrics, initializing them with loader-engine
// defaults if InitMetrics has not yet been called.
func Get() *Metrics {
	if defaultMetrics == nil {
		return InitMetrics("loader_engine", "")
	}
	return defaultMetrics
}

// RecordExecution records the terminal outcome and duration of one loader execution.
func (m *Metrics) RecordExecution(loaderCode, status string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(loaderCode, status).Inc()
	m.ExecutionDuration.WithLabelValues(loaderCode).Observe(duration.Seconds())
}

// RecordRows records the rows extracted from a source and the rows ingested into the sink.
func (m *Metrics) RecordRows(loaderCode string, loaded, ingested int64) {
	m.RecordsLoadedTotal.WithLabelValues(loaderCode).Add(float64(loaded))
	m.RecordsIngested.WithLabelValues(loaderCode).Add(float64(ingested))
}

// SetRunningCount sets the current number of RUNNING loaders.
func (m *Metrics) SetRunningCount(n int) {
	m.RunningCount.Set(float64(n))
}

// SetEnabledCount sets the current number of enabled loaders.
func (m *Metrics) SetEnabledCount(n int) {
	m.EnabledCount.Set(float64(n))
}

// RecordRecovery records one automatic recovery action (e.g.
// "stale_lock_reaped" or "failed_grace_expired") taken by the sweeper.
func (m *Metrics) RecordRecovery(loaderCode, action string) {
	m.RecoveryTotal.WithLabelValues(loaderCode, action).Inc()
}

// SetServiceInfo sets the build/environment info gauge.
func (m *Metrics) SetServiceInfo(version, environment string) {
	m.ServiceInfo.WithLabelValues(version, environment).Set(1)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts the metrics/health HTTP listener. The only other
// inbound network surface is the opt-in admin listener in internal/admin.
func StartMetricsServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}
