// Package metrics exposes Prometheus collectors for the request pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache lookup results.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass"
)

// Rate-limit reasons.
const (
	ReasonCooldown    = "cooldown"
	ReasonBlockSignal = "block_signal"
)

// Fetch outcomes.
const (
	FetchOK      = "ok"
	FetchError   = "error"
	FetchBlocked = "blocked"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	cacheLookups  *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
}

// New registers the collectors on a fresh registry. cooling reports the limiter state.
func New(cooling func() bool) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upflix_cache_lookups_total",
			Help: "Cache lookups by result (hit, miss, bypass).",
		}, []string{"result"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upflix_rate_limited_total",
			Help: "Requests answered with 429 by reason.",
		}, []string{"reason"}),
		fetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "upflix_upstream_fetches_total",
			Help: "Upstream fetches by outcome (ok, error, blocked).",
		}, []string{"outcome"}),
		fetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "upflix_upstream_fetch_duration_seconds",
			Help:    "Duration of upstream fetches including link resolution.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if cooling != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "upflix_limiter_cooling",
			Help: "1 while the upstream cooldown is active.",
		}, func() float64 {
			if cooling() {
				return 1
			}
			return 0
		})
	}
	return m
}

// CacheLookup counts a cache lookup result.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RateLimited counts a rate-limited response.
func (m *Metrics) RateLimited(reason string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(reason).Inc()
}

// Fetch records an upstream fetch outcome and its duration.
func (m *Metrics) Fetch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchDuration.Observe(d.Seconds())
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
