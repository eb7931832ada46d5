package lifecycle

import "github.com/prometheus/client_golang/prometheus"

var (
	healthCheckTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "aegismesh", Subsystem: "lifecycle", Name: "health_check_ticks_total",
		Help: "Number of health-check loop ticks executed.",
	})
	serviceRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegismesh", Subsystem: "lifecycle", Name: "service_restarts_total",
		Help: "Number of restarts evaluated as allowed, by service.",
	}, []string{"service"})
	resourceWarnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aegismesh", Subsystem: "lifecycle", Name: "resource_limit_events_total",
		Help: "Number of resource-enforcement events at warning or critical level.",
	}, []string{"service", "resource", "level"})
)

// Collectors returns the package's Prometheus collectors for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{healthCheckTicks, serviceRestarts, resourceWarnings}
}
