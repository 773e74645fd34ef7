package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	// Initialise Vec label combinations so they appear in Gather output.
	LifecycleTransitionsTotal.WithLabelValues("agent_started")
	ManagerRequestsTotal.WithLabelValues("/agents", "200")
	ProxyForwardedTotal.WithLabelValues("ok")
	RegistryRateLimitRemaining.WithLabelValues("ghcr.io")
	BackendOperationDuration.WithLabelValues("start")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"dispatcher_agents_running":                 false,
		"dispatcher_agents_total":                   false,
		"dispatcher_ports_free":                     false,
		"dispatcher_lifecycle_transitions_total":    false,
		"dispatcher_backend_operation_duration_seconds": false,
		"dispatcher_manager_requests_total":         false,
		"dispatcher_proxy_forwarded_total":          false,
		"dispatcher_registry_rate_limit_remaining":  false,
		"dispatcher_memory_usage_bytes":             false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestCounterIncrements(t *testing.T) {
	LifecycleTransitionsTotal.WithLabelValues("agent_started").Inc()
	LifecycleTransitionsTotal.WithLabelValues("agent_stopped").Inc()
	ManagerRequestsTotal.WithLabelValues("/agents", "200").Inc()
	// No panic = success; actual values verified via Gather if needed.
}

func TestGaugeSets(t *testing.T) {
	AgentsRunning.Set(3)
	AgentsTotal.Set(10)
	PortsFree.Set(490)
	MemoryUsageBytes.Set(1024 * 1024)
	// No panic = success.
}
