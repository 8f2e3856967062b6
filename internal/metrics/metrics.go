package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/proxy-loadgen/internal/types"
)

type Collector struct {
	// Request dispatch metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram

	// Proxy pool metrics
	healthyProxies  prometheus.Gauge
	degradedProxies prometheus.Gauge
	bannedProxies   prometheus.Gauge
	poolExhaustions prometheus.Counter

	// API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	c := &Collector{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of dispatched requests by outcome kind",
			},
			[]string{"kind"},
		),
		requestDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		healthyProxies: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "healthy_proxies",
				Help:      "Current number of healthy proxies",
			},
		),
		degradedProxies: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "degraded_proxies",
				Help:      "Current number of degraded proxies",
			},
		),
		bannedProxies: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "banned_proxies",
				Help:      "Current number of banned proxies",
			},
		),
		poolExhaustions: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_exhaustions_total",
				Help:      "Number of times a worker found every proxy banned",
			},
		),
		apiRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

// RecordRequest counts one dispatched request outcome.
func (c *Collector) RecordRequest(kind types.ErrorKind, seconds float64) {
	c.requestsTotal.WithLabelValues(string(kind)).Inc()
	c.requestDuration.Observe(seconds)
}

// RecordPoolExhaustion counts a worker hitting an all-banned pool.
func (c *Collector) RecordPoolExhaustion() {
	c.poolExhaustions.Inc()
}

// SetPoolState updates the per-state proxy gauges.
func (c *Collector) SetPoolState(healthy, degraded, banned int) {
	c.healthyProxies.Set(float64(healthy))
	c.degradedProxies.Set(float64(degraded))
	c.bannedProxies.Set(float64(banned))
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
