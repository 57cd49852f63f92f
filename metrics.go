package ultrafast

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle and
// reliability layers. It is safe for concurrent use, and a nil collector is a
// no-op so instrumentation points never need guarding.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	rateLimitDelays     *prometheus.CounterVec
	rateLimitRejections *prometheus.CounterVec

	poolIdleConnections   prometheus.Gauge
	poolLeasedConnections prometheus.Gauge

	protocolNegotiations *prometheus.CounterVec

	streamReconnects *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrafast_requests_total",
				Help: "Total number of HTTP requests made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ultrafast_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ultrafast_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrafast_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		rateLimitDelays: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrafast_rate_limit_delays_total",
				Help: "Total number of requests delayed by the rate limiter",
			},
			[]string{"host"},
		),
		rateLimitRejections: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrafast_rate_limit_rejections_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
			[]string{"host"},
		),
		poolIdleConnections: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "ultrafast_pool_idle_connections",
				Help: "Current number of idle pooled connections",
			},
		),
		poolLeasedConnections: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "ultrafast_pool_leased_connections",
				Help: "Current number of leased pooled connections",
			},
		),
		protocolNegotiations: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrafast_protocol_negotiations_total",
				Help: "Total number of protocol negotiations by outcome version",
			},
			[]string{"host", "version", "cached"},
		),
		streamReconnects: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrafast_stream_reconnects_total",
				Help: "Total number of stream reconnect attempts",
			},
			[]string{"kind"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ultrafast_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "method", "endpoint"},
		),
	}

	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}

	attemptStr := strconv.Itoa(attempt)
	mc.retriesTotal.WithLabelValues(method, endpoint, attemptStr).Inc()
}

// RecordRateLimitDelay increments the delayed-admission counter.
func (mc *MetricsCollector) RecordRateLimitDelay(host string) {
	if mc == nil {
		return
	}

	mc.rateLimitDelays.WithLabelValues(host).Inc()
}

// RecordRateLimitRejection increments the rejected-admission counter.
func (mc *MetricsCollector) RecordRateLimitRejection(host string) {
	if mc == nil {
		return
	}

	mc.rateLimitRejections.WithLabelValues(host).Inc()
}

// RecordPoolStats sets the pool occupancy gauges.
func (mc *MetricsCollector) RecordPoolStats(stats PoolStats) {
	if mc == nil {
		return
	}

	mc.poolIdleConnections.Set(float64(stats.IdleConnections))
	mc.poolLeasedConnections.Set(float64(stats.LeasedConnections))
}

// RecordNegotiation counts a protocol negotiation outcome.
func (mc *MetricsCollector) RecordNegotiation(host, version string, cached bool) {
	if mc == nil {
		return
	}

	mc.protocolNegotiations.WithLabelValues(host, version, strconv.FormatBool(cached)).Inc()
}

// RecordStreamReconnect counts a reconnect attempt for a stream kind
// ("websocket" or "sse").
func (mc *MetricsCollector) RecordStreamReconnect(kind string) {
	if mc == nil {
		return
	}

	mc.streamReconnects.WithLabelValues(kind).Inc()
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// GetRegistry exposes the underlying prometheus registry when the collector
// was built on one.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}
