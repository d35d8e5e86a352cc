package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	// exposedTools is the number of keys in the tool cache
	exposedTools prometheus.Gauge
	// conflictedTools is the number of base names currently qualified
	conflictedTools prometheus.Gauge
	// connectedServers is the number of registered clients
	connectedServers prometheus.Gauge
	// connectionFailures counts failed connect attempts by server
	connectionFailures *prometheus.CounterVec
	// toolCalls counts ExecuteTool outcomes by server
	toolCalls *prometheus.CounterVec
	// notifications counts handled push notifications by kind
	notifications *prometheus.CounterVec
}

// newMetrics registers the registry collectors on reg. A nil reg yields
// working but unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		exposedTools: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_registry_exposed_tools",
			Help: "Number of tool names currently exposed by the registry",
		}),
		conflictedTools: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_registry_conflicted_tools",
			Help: "Number of tool base names offered by more than one server",
		}),
		connectedServers: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_registry_connected_servers",
			Help: "Number of servers with a registered client",
		}),
		connectionFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_registry_connection_failures_total",
			Help: "Total failed connection attempts by server",
		}, []string{"server"}),
		toolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_registry_tool_calls_total",
			Help: "Total tool executions by server and outcome",
		}, []string{"server", "outcome"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_registry_notifications_total",
			Help: "Total server notifications handled by kind",
		}, []string{"kind"}),
	}
}
