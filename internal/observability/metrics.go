package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the execution-core instruments:
//   - tool execution counts and latencies
//   - RPC call counts and latencies against plugin daemons
//   - daemon lifecycle transitions and restarts
//   - event bus dispatch outcomes
type Metrics struct {
	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error).
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool.
	ToolDuration *prometheus.HistogramVec

	// RPCCalls counts JSON-RPC calls to plugin daemons.
	// Labels: method, status (success|error).
	RPCCalls *prometheus.CounterVec

	// RPCDuration measures RPC call latency in seconds.
	// Labels: method.
	RPCDuration *prometheus.HistogramVec

	// DaemonRestarts counts restart attempts per plugin daemon.
	// Labels: plugin.
	DaemonRestarts *prometheus.CounterVec

	// DaemonsRunning gauges currently running plugin daemons.
	DaemonsRunning prometheus.Gauge

	// EventDispatches counts event bus fan-out attempts.
	// Labels: event, status (delivered|skipped|error).
	EventDispatches *prometheus.CounterVec
}

// NewMetrics registers the instruments with the given registerer. Pass a
// fresh prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codeally_tool_executions_total",
			Help: "Tool invocations by tool name and status.",
		}, []string{"tool", "status"}),

		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codeally_tool_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		RPCCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codeally_rpc_calls_total",
			Help: "JSON-RPC calls to plugin daemons by method and status.",
		}, []string{"method", "status"}),

		RPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codeally_rpc_duration_seconds",
			Help:    "JSON-RPC call latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"method"}),

		DaemonRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codeally_daemon_restarts_total",
			Help: "Restart attempts per plugin daemon.",
		}, []string{"plugin"}),

		DaemonsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "codeally_daemons_running",
			Help: "Plugin daemons currently in the Running state.",
		}),

		EventDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codeally_event_dispatches_total",
			Help: "Event bus fan-out attempts by event kind and outcome.",
		}, []string{"event", "status"}),
	}
}
