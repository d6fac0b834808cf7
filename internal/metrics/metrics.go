// Package metrics holds the prometheus collectors shared by the dispatch engine,
// the provider guard, the cache and the expiry monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "certfleet"

var (
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool and outcome code.",
	}, []string{"tool", "code"})

	ToolLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "tool_duration_seconds",
		Help:      "Tool handler latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})

	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Calls to CA providers by operation and outcome.",
	}, []string{"provider", "operation", "outcome"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "CA provider call latency.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"provider", "operation"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open).",
	}, []string{"provider"})

	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations by kind and result (hit, miss, ok, error).",
	}, []string{"operation", "result"})

	MonitorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "runs_total",
		Help:      "Expiry monitor runs by outcome.",
	}, []string{"outcome"})

	MonitorLastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last completed expiry scan.",
	})

	CADaysUntilExpiry = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "ca_days_until_expiry",
		Help:      "Days until the CA certificate of a mount expires.",
	}, []string{"provider", "mount"})

	MonitorAlerts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "alerts",
		Help:      "Alerts raised by the last expiry scan, by severity.",
	}, []string{"severity"})
)
