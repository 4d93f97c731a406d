package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the tool server.
//
// Tracked signals:
//   - Tool call volume and failure rates per operation
//   - Tool call latency
//   - Index builds and their duration
//   - Budget rejections
//   - Active session count
type Metrics struct {
	// ToolCallCounter counts tool invocations.
	// Labels: operation (canonical tool name), status (success|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: operation
	ToolCallDuration *prometheus.HistogramVec

	// ToolErrorCounter counts client-visible failures by error kind.
	// Labels: operation, kind
	ToolErrorCounter *prometheus.CounterVec

	// IndexBuildCounter counts BM25 index builds.
	// Labels: trigger (query|reload)
	IndexBuildCounter *prometheus.CounterVec

	// IndexBuildDuration measures index build time in seconds.
	IndexBuildDuration prometheus.Histogram

	// BudgetRejections counts calls refused because the session budget
	// was exhausted.
	BudgetRejections prometheus.Counter

	// ActiveSessions gauges sessions currently in the active state.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers all metrics with reg. Call once at
// startup; double registration panics by prometheus convention.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_tool_calls_total",
				Help: "Total tool invocations by operation and status",
			},
			[]string{"operation", "status"},
		),
		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rlm_tool_call_duration_seconds",
				Help:    "Tool call latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"operation"},
		),
		ToolErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_tool_errors_total",
				Help: "Client-visible tool failures by operation and error kind",
			},
			[]string{"operation", "kind"},
		),
		IndexBuildCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rlm_index_builds_total",
				Help: "BM25 index builds by trigger",
			},
			[]string{"trigger"},
		),
		IndexBuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rlm_index_build_duration_seconds",
				Help:    "BM25 index build time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			},
		),
		BudgetRejections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rlm_budget_rejections_total",
				Help: "Tool calls refused because the session budget was spent",
			},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rlm_active_sessions",
				Help: "Sessions currently active",
			},
		),
	}
}
