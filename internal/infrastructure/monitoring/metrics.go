package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Apply result labels.
const (
	ApplyAdopted    = "adopted"
	ApplyIdle       = "idle"
	ApplySuperseded = "superseded"
	ApplyLoadError  = "load_error"
	ApplyNoHooks    = "no_hooks"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Script lifecycle metrics
	AppliesTotal   *prometheus.CounterVec
	HookErrors     *prometheus.CounterVec
	UpdatesTotal   prometheus.Counter
	CleanupsTotal  prometheus.Counter
	CleanupErrors  prometheus.Counter
	Generation     prometheus.Gauge
	ScriptDuration prometheus.Histogram

	// Event bus metrics
	BusEvents *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
}

// NewMetrics creates a new metrics collector registered on reg.
// A nil registerer uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scripthost_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scripthost_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		AppliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scripthost_applies_total",
				Help: "Total number of apply cycles by result",
			},
			[]string{"result"},
		),
		HookErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scripthost_hook_errors_total",
				Help: "Total number of caught hook failures by hook name",
			},
			[]string{"hook"},
		),
		UpdatesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scripthost_updates_total",
				Help: "Total number of debounced update invocations",
			},
		),
		CleanupsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scripthost_cleanups_total",
				Help: "Total number of drained cleanup callbacks",
			},
		),
		CleanupErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "scripthost_cleanup_errors_total",
				Help: "Total number of cleanup callbacks that panicked",
			},
		),
		Generation: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scripthost_generation",
				Help: "Current lifecycle generation token",
			},
		),
		ScriptDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scripthost_script_execution_seconds",
				Help:    "Executable unit run duration in seconds",
				Buckets: []float64{.0001, .001, .01, .1, .5, 1, 2.5, 5},
			},
		),
		BusEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scripthost_bus_events_total",
				Help: "Total number of bus events by direction",
			},
			[]string{"direction"},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "scripthost_ws_connections",
				Help: "Number of connected WebSocket clients",
			},
		),
	}
}

// ObserveApply records an apply cycle result. Nil-safe.
func (m *Metrics) ObserveApply(result string) {
	if m == nil {
		return
	}
	m.AppliesTotal.WithLabelValues(result).Inc()
}

// ObserveHookError records a caught hook failure. Nil-safe.
func (m *Metrics) ObserveHookError(hook string) {
	if m == nil {
		return
	}
	m.HookErrors.WithLabelValues(hook).Inc()
}

// ObserveUpdate records one debounced update invocation. Nil-safe.
func (m *Metrics) ObserveUpdate() {
	if m == nil {
		return
	}
	m.UpdatesTotal.Inc()
}

// ObserveCleanup records drained cleanup callbacks. Nil-safe.
func (m *Metrics) ObserveCleanup(errored bool) {
	if m == nil {
		return
	}
	m.CleanupsTotal.Inc()
	if errored {
		m.CleanupErrors.Inc()
	}
}

// SetGeneration records the current generation token. Nil-safe.
func (m *Metrics) SetGeneration(gen uint64) {
	if m == nil {
		return
	}
	m.Generation.Set(float64(gen))
}

// ObserveScriptDuration records one executable unit run. Nil-safe.
func (m *Metrics) ObserveScriptDuration(seconds float64) {
	if m == nil {
		return
	}
	m.ScriptDuration.Observe(seconds)
}

// ObserveBusEvent records one bus event. Nil-safe.
func (m *Metrics) ObserveBusEvent(direction string) {
	if m == nil {
		return
	}
	m.BusEvents.WithLabelValues(direction).Inc()
}
