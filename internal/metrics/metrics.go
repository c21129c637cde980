// Package metrics holds the Prometheus collectors for the plugin runtime.
//
// Collectors live on their own registry rather than the global default, so
// several runtimes (and tests) can coexist in one process. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mercury"

// Metrics is the set of runtime collectors.
type Metrics struct {
	registry *prometheus.Registry

	loads          *prometheus.CounterVec
	active         prometheus.Gauge
	permChecks     *prometheus.CounterVec
	execSeconds    *prometheus.HistogramVec
	timeouts       *prometheus.CounterVec
	hookDispatches *prometheus.CounterVec
}

// New creates and registers every collector, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_loads_total",
			Help:      "Plugin load attempts by result.",
		}, []string{"result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugins_active",
			Help:      "Number of active plugin instances.",
		}),
		permChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_checks_total",
			Help:      "Runtime permission checks by type and result.",
		}, []string{"type", "result"}),
		execSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_execution_seconds",
			Help:      "Time spent executing plugin code.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"plugin"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_timeouts_total",
			Help:      "Sandbox calls aborted for exceeding the CPU limit.",
		}, []string{"plugin"}),
		hookDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_dispatches_total",
			Help:      "Hook handler invocations by event and result.",
		}, []string{"event", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.loads, m.active, m.permChecks, m.execSeconds, m.timeouts, m.hookDispatches,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// PluginLoaded records a load attempt.
func (m *Metrics) PluginLoaded(ok bool) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(result(ok)).Inc()
}

// SetActive sets the active instance gauge.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.active.Set(float64(n))
}

// PermissionChecked records a runtime permission check.
func (m *Metrics) PermissionChecked(permType string, allowed bool) {
	if m == nil {
		return
	}
	label := "denied"
	if allowed {
		label = "allowed"
	}
	m.permChecks.WithLabelValues(permType, label).Inc()
}

// Executed records the duration of one sandbox call.
func (m *Metrics) Executed(pluginID string, d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.execSeconds.WithLabelValues(pluginID).Observe(d.Seconds())
	if timedOut {
		m.timeouts.WithLabelValues(pluginID).Inc()
	}
}

// HookDispatched records one hook handler invocation.
func (m *Metrics) HookDispatched(event string, ok bool) {
	if m == nil {
		return
	}
	m.hookDispatches.WithLabelValues(event, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
