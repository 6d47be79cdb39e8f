package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// ResolveTotal counts resolve requests by result (cache_hit, resolved, pending, invalid).
	ResolveTotal *prometheus.CounterVec
	// LookupTotal counts ERP invoice lookups by outcome.
	LookupTotal *prometheus.CounterVec
	// LookupLatency records ERP lookup latency in milliseconds.
	LookupLatency *prometheus.HistogramVec
	// CacheWritesTotal counts cache puts; "kept" means a live record already existed.
	CacheWritesTotal *prometheus.CounterVec
	// WebhookTotal counts inbound webhook outcomes.
	WebhookTotal *prometheus.CounterVec
	// DeferredTotal counts deferred lookup scheduling and execution outcomes.
	DeferredTotal *prometheus.CounterVec
	// SustainedMissTotal counts sustained-miss warnings.
	SustainedMissTotal prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		ResolveTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolve_total",
			Help:      "Count of payment link resolutions by result.",
		}, []string{"result"})
		LookupTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookup_total",
			Help:      "Count of ERP invoice lookups by outcome.",
		}, []string{"outcome"})
		LookupLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lookup_duration_ms",
			Help:      "ERP invoice lookup latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
		}, []string{"outcome"})
		CacheWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Count of resolution cache writes by result.",
		}, []string{"result"})
		WebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_total",
			Help:      "Count of inbound webhooks by result.",
		}, []string{"result"})
		DeferredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_total",
			Help:      "Count of deferred lookups by result.",
		}, []string{"result"})
		SustainedMissTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sustained_miss_total",
			Help:      "Number of sustained-miss warnings emitted for unresolved orders.",
		})

		ResolveTotal = register(reg, ResolveTotal)
		LookupTotal = register(reg, LookupTotal)
		LookupLatency = register(reg, LookupLatency)
		CacheWritesTotal = register(reg, CacheWritesTotal)
		WebhookTotal = register(reg, WebhookTotal)
		DeferredTotal = register(reg, DeferredTotal)
		SustainedMissTotal = register(reg, SustainedMissTotal)
	})
}

// IncCounter increments a labelled counter when domain metrics are registered.
// Callers in packages that run without metrics (tests, tools) stay nil-safe.
func IncCounter(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

// ObserveMillis records a latency sample when the histogram is registered.
func ObserveMillis(vec *prometheus.HistogramVec, ms float64, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Observe(ms)
}

// SustainedMissInc bumps SustainedMissTotal when registered.
func SustainedMissInc() {
	if SustainedMissTotal == nil {
		return
	}
	SustainedMissTotal.Inc()
}
