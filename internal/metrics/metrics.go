// Package metrics exposes process-wide Prometheus collectors for the
// health registry, active health checker and tunnel fabric (spec.md
// §2 "ambient stack carried regardless of Non-goals" — the control
// endpoint that scrapes these is itself out of scope). Grounded on
// etalazz-vsa's prom_counters.go: package-level collectors registered
// once in init, with no per-request label cardinality explosion.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BackendUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgefabric_backend_up",
		Help: "1 if a backend is currently healthy, 0 if falldown.",
	}, []string{"addr"})

	HealthChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edgefabric_health_checks_total",
		Help: "Total active health probes run, by backend and outcome.",
	}, []string{"addr", "outcome"})

	ActiveStreams = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "edgefabric_tunnel_active_streams",
		Help: "Number of currently open virtual streams, by tunnel role.",
	}, []string{"role"})

	TunnelReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgefabric_tunnel_reconnects_total",
		Help: "Total reconnect attempts made by the tunnel client.",
	})

	RateLimitRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edgefabric_rate_limit_rejections_total",
		Help: "Total connections rejected by the per-IP rate limiter.",
	})
)

func init() {
	prometheus.MustRegister(
		BackendUp,
		HealthChecksTotal,
		ActiveStreams,
		TunnelReconnectsTotal,
		RateLimitRejectionsTotal,
	)
}

// RecordHealth updates BackendUp and HealthChecksTotal for one probe
// outcome.
func RecordHealth(addr string, up bool) {
	outcome := "fail"
	gauge := 0.0
	if up {
		outcome = "ok"
		gauge = 1.0
	}
	BackendUp.WithLabelValues(addr).Set(gauge)
	HealthChecksTotal.WithLabelValues(addr, outcome).Inc()
}
