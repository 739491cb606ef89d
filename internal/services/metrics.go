package services

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "safeviewer"

// Metrics holds the Prometheus collectors for the viewer pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	cacheInserted     prometheus.Counter
	cacheEvicted      prometheus.Counter
	cacheResident     prometheus.Gauge
	renderOutcomes    *prometheus.CounterVec
	renderLatency     prometheus.Histogram
	gateOutcomes      *prometheus.CounterVec
	preflightDuration *prometheus.HistogramVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns metrics registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors with reg, reusing any that are
// already registered. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		cacheInserted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "page_cache",
			Name:      "inserted_total",
			Help:      "Rendered pages stored in the page cache.",
		})),
		cacheEvicted: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "page_cache",
			Name:      "evicted_total",
			Help:      "Rendered pages released by LRU eviction.",
		})),
		cacheResident: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "page_cache",
			Name:      "resident_pages",
			Help:      "Rendered pages currently held by the page cache.",
		})),
		renderOutcomes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "render",
			Name:      "tasks_total",
			Help:      "Render tasks by terminal state.",
		}, []string{"state"})),
		renderLatency: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "render",
			Name:      "latency_seconds",
			Help:      "Worker-side latency of completed page renders.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		})),
		gateOutcomes: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gate",
			Name:      "checks_total",
			Help:      "Safety gate checks by final state.",
		}, []string{"state"})),
		preflightDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "preflight",
			Name:      "duration_seconds",
			Help:      "Time spent analyzing a document.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) cacheInsert() {
	if m == nil {
		return
	}
	m.cacheInserted.Inc()
}

func (m *Metrics) cacheEvict() {
	if m == nil {
		return
	}
	m.cacheEvicted.Inc()
}

func (m *Metrics) cacheSize(n int) {
	if m == nil {
		return
	}
	m.cacheResident.Set(float64(n))
}

func (m *Metrics) renderDone(state string, latency time.Duration) {
	if m == nil {
		return
	}
	m.renderOutcomes.WithLabelValues(state).Inc()
	if latency > 0 {
		m.renderLatency.Observe(latency.Seconds())
	}
}

func (m *Metrics) gateDone(state string) {
	if m == nil {
		return
	}
	m.gateOutcomes.WithLabelValues(state).Inc()
}

func (m *Metrics) preflightDone(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.preflightDuration.WithLabelValues(status).Observe(d.Seconds())
}
