// Package wmetrics exposes the connection scheduler and auth subsystem
// as Prometheus counters/gauges, per SPEC_FULL.md §2.
package wmetrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric this engine exports, so a Host can
// register them once against a prometheus.Registerer of its choosing
// (the default registry, or a private one for tests).
type Registry struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	RequestsTotal      *prometheus.CounterVec
	AuthFailuresTotal  *prometheus.CounterVec
	SessionsActive     prometheus.Gauge
	RequestDuration    *prometheus.HistogramVec
}

// New builds a Registry with unregistered collectors; call Register to
// attach them to a prometheus.Registerer.
func New() *Registry {
	return &Registry{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "web_connections_active",
			Help: "Number of currently open connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "web_connections_total",
			Help: "Total connections accepted since start.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "web_requests_total",
			Help: "Total requests handled, by response status.",
		}, []string{"status"}),
		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "web_auth_failures_total",
			Help: "Total authentication failures, by protocol.",
		}, []string{"protocol"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "web_sessions_active",
			Help: "Number of live sessions in the session store.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "web_request_duration_seconds",
			Help:    "Request handling latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
	}
}

// Register attaches every collector in r to reg.
func (r *Registry) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		r.ConnectionsActive,
		r.ConnectionsTotal,
		r.RequestsTotal,
		r.AuthFailuresTotal,
		r.SessionsActive,
		r.RequestDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
