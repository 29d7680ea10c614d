// Package metrics exposes the inbox Prometheus collectors.
//
// All methods are safe on a nil *Metrics, so components can run without
// instrumentation in tests.
package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inboxd"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	broadcastDelivered prometheus.Counter
	broadcastDropped   prometheus.Counter
	subscribers        prometheus.Gauge
	ingested           *prometheus.CounterVec
	sends              *prometheus.CounterVec
	sessions           prometheus.Gauge
	channelTransitions *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		broadcastDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "delivered_total",
			Help: "Events enqueued to websocket subscribers.",
		}),
		broadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "dropped_total",
			Help: "Events dropped because a subscriber queue was full.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "subscribers",
			Help: "Connected websocket subscribers.",
		}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "ingested_total",
			Help: "Inbound messages persisted, by platform.",
		}, []string{"platform"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "sends_total",
			Help: "Outbound sends, by final status.",
		}, []string{"status"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "channels", Name: "live_sessions",
			Help: "Adapter sessions currently held.",
		}),
		channelTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channels", Name: "transitions_total",
			Help: "Channel status transitions, by target status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "goroutines",
			Help: "Number of active goroutines.",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
		m.broadcastDelivered,
		m.broadcastDropped,
		m.subscribers,
		m.ingested,
		m.sends,
		m.sessions,
		m.channelTransitions,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
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

func (m *Metrics) BroadcastDelivered(n int) {
	if m != nil && n > 0 {
		m.broadcastDelivered.Add(float64(n))
	}
}

func (m *Metrics) BroadcastDropped() {
	if m != nil {
		m.broadcastDropped.Inc()
	}
}

func (m *Metrics) SetSubscribers(n int) {
	if m != nil {
		m.subscribers.Set(float64(n))
	}
}

func (m *Metrics) Ingested(platform string) {
	if m != nil {
		m.ingested.WithLabelValues(platform).Inc()
	}
}

func (m *Metrics) Sent(status string) {
	if m != nil {
		m.sends.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) SetSessions(n int) {
	if m != nil {
		m.sessions.Set(float64(n))
	}
}

func (m *Metrics) ChannelTransition(status string) {
	if m != nil {
		m.channelTransitions.WithLabelValues(status).Inc()
	}
}
