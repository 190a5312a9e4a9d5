package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors for gsmstackd's
// process-wide gauges. Per-instance NS-VC/BVC counters are registered
// separately by internal/ratectr, via prometheus.MustRegister against the
// same default registry used here, so a single /metrics endpoint serves
// both.
type PrometheusMetrics struct {
	uptime           prometheus.GaugeFunc
	activeNsvcs      prometheus.Gauge
	activeBVCs       prometheus.Gauge
	rxMalformedTotal prometheus.Counter
	rxUnknownNSVC    prometheus.Counter
}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem, registering
// gsmstackd's process-wide gauges against the default registry.
func InitPrometheus(namespace string) {
	pm := &PrometheusMetrics{
		activeNsvcs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_nsvcs",
			Help:      "Number of currently active NS-VC FSM instances",
		}),
		activeBVCs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_bvcs",
			Help:      "Number of currently registered BVC contexts",
		}),
		rxMalformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rx_malformed_total",
			Help:      "Total PDUs dropped for decode failure across all transports",
		}),
		rxUnknownNSVC: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rx_unknown_nsvc_total",
			Help:      "Total PDUs received for an NSVCI with no known Nsvc",
		}),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since gsmstackd started",
		},
		func() float64 { return time.Since(StartTime()).Seconds() },
	)

	prometheus.MustRegister(
		pm.uptime,
		pm.activeNsvcs,
		pm.activeBVCs,
		pm.rxMalformedTotal,
		pm.rxUnknownNSVC,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	promMetrics = pm
}

// SyncPrometheusGauges copies the atomic snapshot in Global() into the
// registered Prometheus gauges. Called periodically by the daemon run loop
// since gauges have no atomic-backed equivalent of GaugeFunc for counters
// that are updated from multiple call sites.
func SyncPrometheusGauges() {
	if promMetrics == nil {
		return
	}
	snap := Global()
	promMetrics.activeNsvcs.Set(float64(snap.ActiveNsvcs.Load()))
	promMetrics.activeBVCs.Set(float64(snap.ActiveBVCs.Load()))
}

// RecordPrometheusMalformedPDU increments the malformed-PDU counter.
func RecordPrometheusMalformedPDU() {
	if promMetrics == nil {
		return
	}
	promMetrics.rxMalformedTotal.Inc()
}

// RecordPrometheusUnknownNSVC increments the unknown-NSVCI counter.
func RecordPrometheusUnknownNSVC() {
	if promMetrics == nil {
		return
	}
	promMetrics.rxUnknownNSVC.Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping,
// serving the default registry that both this package and internal/ratectr
// register their collectors against.
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}
