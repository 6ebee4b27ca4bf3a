package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for stackpilot.
type Metrics struct {
	registry                  *prometheus.Registry
	operationsTotal           *prometheus.CounterVec
	operationDurationSeconds  *prometheus.HistogramVec
	probesTotal               *prometheus.CounterVec
	probeDurationSeconds      prometheus.Histogram
	servicesByPhase           *prometheus.GaugeVec
	automaticRestartsTotal    *prometheus.CounterVec
	reloadsTotal              *prometheus.CounterVec
	lastSuccessfulReloadGauge prometheus.Gauge
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackpilot_lifecycle_operations_total",
			Help: "Lifecycle operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		operationDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackpilot_lifecycle_operation_duration_seconds",
			Help:    "Duration of lifecycle operations in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"operation"}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackpilot_health_probes_total",
			Help: "Health probes by service and result.",
		}, []string{"service", "result"}),
		probeDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stackpilot_health_probe_duration_seconds",
			Help:    "Latency of health probes in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		servicesByPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stackpilot_services",
			Help: "Services by current phase.",
		}, []string{"phase"}),
		automaticRestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackpilot_automatic_restarts_total",
			Help: "Restarts triggered by restart policies, by service.",
		}, []string{"service"}),
		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackpilot_config_reloads_total",
			Help: "Configuration reloads by result.",
		}, []string{"result"}),
		lastSuccessfulReloadGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackpilot_last_successful_reload_timestamp",
			Help: "Unix timestamp of the last successful configuration reload.",
		}),
	}

	registry.MustRegister(
		m.operationsTotal,
		m.operationDurationSeconds,
		m.probesTotal,
		m.probeDurationSeconds,
		m.servicesByPhase,
		m.automaticRestartsTotal,
		m.reloadsTotal,
		m.lastSuccessfulReloadGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOperation records a finished lifecycle operation.
func (m *Metrics) ObserveOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
	m.operationDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveProbe records one health probe.
func (m *Metrics) ObserveProbe(service string, success bool, latency time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.probesTotal.WithLabelValues(service, result).Inc()
	m.probeDurationSeconds.Observe(latency.Seconds())
}

// SetServicesByPhase replaces the phase gauge with counts.
func (m *Metrics) SetServicesByPhase(counts map[string]int) {
	if m == nil {
		return
	}
	m.servicesByPhase.Reset()
	for phase, count := range counts {
		m.servicesByPhase.WithLabelValues(phase).Set(float64(count))
	}
}

// IncAutomaticRestarts counts a policy-driven restart of service.
func (m *Metrics) IncAutomaticRestarts(service string) {
	if m == nil {
		return
	}
	m.automaticRestartsTotal.WithLabelValues(service).Inc()
}

// ObserveReload records a configuration reload attempt.
func (m *Metrics) ObserveReload(success bool, at time.Time) {
	if m == nil {
		return
	}
	if !success {
		m.reloadsTotal.WithLabelValues("failure").Inc()
		return
	}
	m.reloadsTotal.WithLabelValues("success").Inc()
	m.lastSuccessfulReloadGauge.Set(float64(at.Unix()))
}
