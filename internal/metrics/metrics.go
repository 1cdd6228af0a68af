// Package metrics exports Prometheus collectors for the call-control server,
// the management client and the parameter cache.
//
// Every method is safe to call on a nil *Metrics, so components can take
// an optional collector without guarding each call.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicebridge"

var amiStates = []string{"disconnected", "connecting", "authenticating", "connected"}

type Metrics struct {
	registry *prometheus.Registry

	agiSessionsTotal  prometheus.Counter
	agiSessionsActive prometheus.Gauge
	agiCommands       *prometheus.CounterVec
	amiActions        *prometheus.CounterVec
	amiReconnects     prometheus.Counter
	amiState          *prometheus.GaugeVec
	cacheLookups      *prometheus.CounterVec
	callEvents        *prometheus.CounterVec
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		agiSessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agi", Name: "sessions_total",
			Help: "Call-control sessions accepted.",
		}),
		agiSessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "agi", Name: "sessions_active",
			Help: "Call-control sessions currently open.",
		}),
		agiCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agi", Name: "commands_total",
			Help: "Call-control commands handled, by verb.",
		}, []string{"verb"}),
		amiActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ami", Name: "actions_total",
			Help: "Management actions executed, by action and outcome.",
		}, []string{"action", "outcome"}),
		amiReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ami", Name: "reconnects_total",
			Help: "Reconnect cycles started by the keepalive.",
		}),
		amiState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ami", Name: "connection_state",
			Help: "1 for the current management connection state.",
		}, []string{"state"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Parameter cache lookups, by result.",
		}, []string{"result"}),
		callEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "calls", Name: "status_changes_total",
			Help: "Call status transitions applied to the registry.",
		}, []string{"status"}),
	}
}

// Registry returns the underlying registry, mainly for tests.
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
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) AGISessionStarted() {
	if m == nil {
		return
	}
	m.agiSessionsTotal.Inc()
	m.agiSessionsActive.Inc()
}

func (m *Metrics) AGISessionEnded() {
	if m == nil {
		return
	}
	m.agiSessionsActive.Dec()
}

func (m *Metrics) AGICommand(verb string) {
	if m == nil {
		return
	}
	m.agiCommands.WithLabelValues(verb).Inc()
}

func (m *Metrics) AMIAction(action, outcome string) {
	if m == nil {
		return
	}
	m.amiActions.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) AMIReconnect() {
	if m == nil {
		return
	}
	m.amiReconnects.Inc()
}

// AMIState marks state as current and zeroes the others.
func (m *Metrics) AMIState(state string) {
	if m == nil {
		return
	}
	for _, s := range amiStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.amiState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) CallStatus(status string) {
	if m == nil {
		return
	}
	m.callEvents.WithLabelValues(status).Inc()
}
