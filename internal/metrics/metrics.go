// ============================================================================
// Dispatch Fabric Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose system metrics for Prometheus monitoring
//
// Monitoring Philosophy:
//   Based on RED (Rate, Errors, Duration) and USE (Utilization, Saturation,
//   Errors). The Controller registers and populates this collector; the
//   Worker serves /metrics too but does not register a Collector.
//
// Metric Categories:
//
//   1. Request Counters - Cumulative, monotonically increasing:
//      - requests_routed_total: Total chat-completion requests routed to a worker
//      - requests_failed_total: Total routed requests that ended in failure
//      - heartbeat_failures_total: Total heartbeat calls that got a non-200
//      - probe_failures_total: Total failed health-monitor probes
//      - circuit_breaker_trips_total: Total closed/half_open -> open transitions
//
//   2. Performance Metrics (Histogram) - Distribution stats:
//      - proxy_latency_seconds: End-to-end latency of a proxied request
//        * Buckets: 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10
//
//   3. Status Metrics (Gauge) - Instantaneous values:
//      - workers_registered: Current number of registered workers
//      - workers_healthy: Current number of workers with status healthy
//
// Use Cases:
//
//   Alerting:
//   - proxy_latency_seconds p99 > 5s  -> backend degradation
//   - requests_failed_total rate increase -> routing/backend error rate alert
//   - workers_healthy / workers_registered ratio drop -> fleet health alert
//   - circuit_breaker_trips_total spike -> a worker or backend is flapping
//
//   Capacity Planning:
//   - requests_routed_total / time -> throughput trends
//   - workers_registered peaks -> required fleet size
//
// Prometheus Query Examples:
//
//   # 95th percentile proxy latency
//   histogram_quantile(0.95, proxy_latency_seconds_bucket)
//
//   # Request failure rate
//   rate(requests_failed_total[5m]) / rate(requests_routed_total[5m])
//
// HTTP Endpoint:
//   Exposed via /metrics endpoint, scraped by Prometheus
//   Format: OpenMetrics / Prometheus text format
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one process. Only the
// Controller creates one; the Worker process does not.
type Collector struct {
	requestsRouted  prometheus.Counter
	requestsFailed  prometheus.Counter
	heartbeatFailed prometheus.Counter
	probeFailed     prometheus.Counter
	breakerTrips    prometheus.Counter

	proxyLatency prometheus.Histogram

	workersRegistered prometheus.Gauge
	workersHealthy    prometheus.Gauge
}

// NewCollector creates a new metrics collector and registers it with the
// default Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		requestsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requests_routed_total",
			Help: "Total number of chat-completion requests routed to a worker",
		}),
		requestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "requests_failed_total",
			Help: "Total number of routed requests that ended in failure",
		}),
		heartbeatFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heartbeat_failures_total",
			Help: "Total number of heartbeat calls that did not get a 200",
		}),
		probeFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "probe_failures_total",
			Help: "Total number of failed health-monitor probes",
		}),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Total number of circuit breaker transitions into the open state",
		}),
		proxyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "proxy_latency_seconds",
			Help:    "End-to-end latency of a proxied chat-completion request",
			Buckets: prometheus.DefBuckets,
		}),
		workersRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workers_registered",
			Help: "Current number of registered workers",
		}),
		workersHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workers_healthy",
			Help: "Current number of workers with status healthy",
		}),
	}

	prometheus.MustRegister(
		c.requestsRouted,
		c.requestsFailed,
		c.heartbeatFailed,
		c.probeFailed,
		c.breakerTrips,
		c.proxyLatency,
		c.workersRegistered,
		c.workersHealthy,
	)

	return c
}

// RecordRouted records that a request was routed to a worker, with its
// end-to-end latency.
func (c *Collector) RecordRouted(latencySeconds float64) {
	c.requestsRouted.Inc()
	c.proxyLatency.Observe(latencySeconds)
}

// RecordRequestFailed records a routed request that ended in failure.
func (c *Collector) RecordRequestFailed() {
	c.requestsFailed.Inc()
}

// RecordHeartbeatFailure records a heartbeat call that didn't get a 200.
func (c *Collector) RecordHeartbeatFailure() {
	c.heartbeatFailed.Inc()
}

// RecordProbeFailure records a failed health-monitor probe.
func (c *Collector) RecordProbeFailure() {
	c.probeFailed.Inc()
}

// RecordBreakerTrip records a circuit breaker opening.
func (c *Collector) RecordBreakerTrip() {
	c.breakerTrips.Inc()
}

// SetFleetStats updates the registered/healthy worker gauges.
func (c *Collector) SetFleetStats(registered, healthy int) {
	c.workersRegistered.Set(float64(registered))
	c.workersHealthy.Set(float64(healthy))
}

// Handler returns the promhttp handler for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
