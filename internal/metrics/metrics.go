package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_agents_running",
		Help: "Number of user agents currently in the running state.",
	})
	AgentsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_agents_total",
		Help: "Total number of registered users.",
	})
	PortsFree = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_ports_free",
		Help: "Number of ports still available in the port pool.",
	})
	LifecycleTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_lifecycle_transitions_total",
		Help: "Total number of lifecycle transitions by event type.",
	}, []string{"type"})
	// BackendOperationDuration is registered and exported, but no code path
	// observes into it, so it carries no samples.
	BackendOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dispatcher_backend_operation_duration_seconds",
		Help:    "Duration of backend Start/Stop/Initialize operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	ManagerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_manager_requests_total",
		Help: "Total number of Manager API requests by route and status.",
	}, []string{"route", "status"})
	ProxyForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatcher_proxy_forwarded_total",
		Help: "Total number of requests the proxy forwarded to an agent, by outcome.",
	}, []string{"outcome"})
	RegistryRateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dispatcher_registry_rate_limit_remaining",
		Help: "Last observed remaining rate-limit headroom per registry host.",
	}, []string{"registry"})
	MemoryUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatcher_memory_usage_bytes",
		Help: "Aggregate resident memory usage across all running agents.",
	})
)
