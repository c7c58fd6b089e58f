// Package metrics defines the gateway's Prometheus instruments on a
// dedicated registry, exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the gateway instruments and the registry they are
// registered on.
type Metrics struct {
	Registry *prometheus.Registry

	ProxyRequests  prometheus.Counter
	ProxyLatency   prometheus.Histogram
	ActiveSessions prometheus.Gauge
}

// New returns a Metrics with all instruments registered on a fresh
// registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		ProxyRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total proxy requests handled",
		}),
		ProxyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "proxy_latency_seconds",
			Help: "Latency of proxied requests",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "active_sessions",
			Help: "Current active WebSocket tunnel sessions",
		}),
	}

	registry.MustRegister(m.ProxyRequests, m.ProxyLatency, m.ActiveSessions)
	return m
}
