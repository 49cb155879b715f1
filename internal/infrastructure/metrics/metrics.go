// Package metrics exposes device-sync counters and gauges to Prometheus.
//
// Metrics implements the small Observer interfaces declared by the
// router, the enforcer, the authorization cache, the reconciler and the
// command dispatcher. All methods are safe on a nil *Metrics, so callers
// can run without metrics by passing nil.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devicesync"

// Metrics owns a private registry and the service's collectors.
type Metrics struct {
	registry *prometheus.Registry

	messages         *prometheus.CounterVec
	enforcement      *prometheus.CounterVec
	authzLookups     *prometheus.CounterVec
	reconcileFailure *prometheus.CounterVec
	commands         *prometheus.CounterVec
	mqttConnected    prometheus.Gauge
	cacheEntries     prometheus.Gauge
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Bus messages routed, by classified kind.",
		}, []string{"kind"}),
		enforcement: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcement_total",
			Help:      "Power-on decisions, by outcome.",
		}, []string{"outcome"}),
		authzLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authz_lookups_total",
			Help:      "Authorization cache lookups, by result.",
		}, []string{"result"}),
		reconcileFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_failures_total",
			Help:      "Failed store writes during reconciliation, by operation.",
		}, []string{"op"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Queued meter commands processed, by final status.",
		}, []string{"status"}),
		mqttConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "1 when the broker session is open.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "authz_cache_entries",
			Help:      "Decisions held by the authorization cache.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages,
		m.enforcement,
		m.authzLookups,
		m.reconcileFailure,
		m.commands,
		m.mqttConnected,
		m.cacheEntries,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveMessage counts a routed message.
func (m *Metrics) ObserveMessage(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

// ObserveEnforcement counts an enforcement outcome.
func (m *Metrics) ObserveEnforcement(outcome string) {
	if m == nil {
		return
	}
	m.enforcement.WithLabelValues(outcome).Inc()
}

// ObserveAuthzLookup counts an authorization cache lookup.
func (m *Metrics) ObserveAuthzLookup(result string) {
	if m == nil {
		return
	}
	m.authzLookups.WithLabelValues(result).Inc()
}

// ObserveReconcileFailure counts a failed reconcile step.
func (m *Metrics) ObserveReconcileFailure(op string) {
	if m == nil {
		return
	}
	m.reconcileFailure.WithLabelValues(op).Inc()
}

// ObserveCommand counts a processed command.
func (m *Metrics) ObserveCommand(status string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(status).Inc()
}

// SetMQTTConnected records the broker session state.
func (m *Metrics) SetMQTTConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.mqttConnected.Set(1)
		return
	}
	m.mqttConnected.Set(0)
}

// SetCacheEntries records the authorization cache size.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}
