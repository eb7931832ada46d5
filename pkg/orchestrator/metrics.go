package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	activeRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aegismesh",
		Subsystem: "orchestrator",
		Name:      "active_requests",
		Help:      "Number of requests currently being processed.",
	})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegismesh",
		Subsystem: "orchestrator",
		Name:      "requests_total",
		Help:      "Total number of requests processed, by outcome.",
	}, []string{"outcome"})
)

// Collectors returns the metrics this package publishes, for a caller to
// register against its own prometheus.Registerer.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{activeRequests, requestsTotal}
}
