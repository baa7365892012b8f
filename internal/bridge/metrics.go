package bridge

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for call outcome.
const (
	statusOK    = "ok"
	statusError = "error"
)

var (
	bridgeCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_bridge_calls_total",
			Help: "Total number of bridge calls, by operation and outcome.",
		},
		[]string{"op", "status"},
	)

	bridgeCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferry_bridge_call_duration_seconds",
			Help:    "Bridge call duration from dispatch to delivery, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	bridgeInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_bridge_in_flight_tasks",
			Help: "Number of tasks currently executing on worker goroutines.",
		},
	)

	bridgeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_bridge_workers",
			Help: "Number of live worker goroutines.",
		},
	)
)

func init() {
	prometheus.MustRegister(bridgeCallsTotal)
	prometheus.MustRegister(bridgeCallDuration)
	prometheus.MustRegister(bridgeInFlight)
	prometheus.MustRegister(bridgeWorkers)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, op := range []string{opDo, opDoWithEngine} {
		bridgeCallsTotal.WithLabelValues(op, statusOK)
		bridgeCallsTotal.WithLabelValues(op, statusError)
	}
}
