// Package metrics instruments the node event engine with Prometheus
// collectors, grounded on the reference corpus's convention of a package of
// prometheus.NewCounterVec/NewGaugeVec globals registered in bulk
// (cuemby-warren's pkg/metrics/metrics.go). This repository binds them to a
// per-Collector prometheus.Registry rather than the package-global default
// registry, since more than one node.Node can exist in a single process
// (e.g. in tests) and the default registry panics on a second MustRegister
// of the same metric name.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's metrics, per SPEC_FULL §6.2: RPC calls
// enqueued/completed/failed by method, active TCPROS sessions by role, and
// messages published/received by topic, each updated as the engine handles
// that call, session or message. EngineLoopDuration is registered, but no
// code path observes it.
type Collector struct {
	registry *prometheus.Registry

	ApiCallsEnqueued  *prometheus.CounterVec
	ApiCallsCompleted *prometheus.CounterVec
	ApiCallsFailed    *prometheus.CounterVec

	TcprosSessions *prometheus.GaugeVec

	MessagesPublished *prometheus.CounterVec
	MessagesReceived  *prometheus.CounterVec

	EngineLoopDuration prometheus.Histogram
}

// NewCollector builds a Collector with a fresh, private registry and
// registers every metric on it.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ApiCallsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crosnode_api_calls_enqueued_total",
			Help: "Total outbound XML-RPC calls enqueued by method.",
		}, []string{"method"}),
		ApiCallsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crosnode_api_calls_completed_total",
			Help: "Total outbound XML-RPC calls that completed successfully by method.",
		}, []string{"method"}),
		ApiCallsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crosnode_api_calls_failed_total",
			Help: "Total failed outbound XML-RPC call attempts, retried ones included, by method and error kind.",
		}, []string{"method", "kind"}),
		TcprosSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crosnode_tcpros_sessions",
			Help: "Active TCPROS sessions by role.",
		}, []string{"role"}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crosnode_messages_published_total",
			Help: "Total topic messages published by topic.",
		}, []string{"topic"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crosnode_messages_received_total",
			Help: "Total topic messages received by topic.",
		}, []string{"topic"}),
		EngineLoopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crosnode_engine_loop_duration_seconds",
			Help:    "Wall-clock duration of one Engine.RunOnce iteration.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	c.registry.MustRegister(
		c.ApiCallsEnqueued,
		c.ApiCallsCompleted,
		c.ApiCallsFailed,
		c.TcprosSessions,
		c.MessagesPublished,
		c.MessagesReceived,
		c.EngineLoopDuration,
	)
	return c
}

// Handler exposes the collector's registry over the standard Prometheus
// text exposition format, for a host program to mount wherever it likes.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
