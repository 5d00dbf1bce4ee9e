// Package metrics exposes Prometheus instrumentation for scraping and
// configuration repair. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "intelliscrape"

// Scrape and recomputation outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeHealed  = "healed"
)

// Metrics holds all collectors.
type Metrics struct {
	ScrapesTotal          *prometheus.CounterVec
	RecomputationsTotal   *prometheus.CounterVec
	RecomputationDuration *prometheus.HistogramVec
	CacheLookupsTotal     *prometheus.CounterVec
	ExamplesDiscarded     *prometheus.CounterVec
	DatasetWritesTotal    *prometheus.CounterVec
	JobsTotal             *prometheus.CounterVec
	QueueDepth            prometheus.Gauge
}

// New creates and registers every collector on reg, or on the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ScrapesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "scrapes_total",
			Help:      "Scrape requests handled, by type and outcome",
		}, []string{"type", "outcome"}),
		RecomputationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "recomputations_total",
			Help:      "Configuration recomputations, by type and outcome",
		}, []string{"type", "outcome"}),
		RecomputationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "recomputation_duration_seconds",
			Help:      "Time spent recomputing a configuration",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"type"}),
		CacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "configuration_cache_lookups_total",
			Help:      "Recomputed configuration cache lookups, by result",
		}, []string{"result"}),
		ExamplesDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "examples_discarded_total",
			Help:      "Examples dropped because their page could not be fetched",
		}, []string{"type"}),
		DatasetWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dataset_writes_total",
			Help:      "Example records written, by type and operation",
		}, []string{"type", "op"}),
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "jobs_total",
			Help:      "Queue jobs processed, by event and status",
		}, []string{"event", "status"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in the queue",
		}),
	}
}

// Scrape counts a handled scrape request.
func (m *Metrics) Scrape(typ, outcome string) {
	if m == nil {
		return
	}
	m.ScrapesTotal.WithLabelValues(typ, outcome).Inc()
}

// Recomputation records a finished recomputation.
func (m *Metrics) Recomputation(typ, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.RecomputationsTotal.WithLabelValues(typ, outcome).Inc()
	m.RecomputationDuration.WithLabelValues(typ).Observe(took.Seconds())
}

// CacheLookup counts a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// ExampleDiscarded counts an example removed during recomputation.
func (m *Metrics) ExampleDiscarded(typ string) {
	if m == nil {
		return
	}
	m.ExamplesDiscarded.WithLabelValues(typ).Inc()
}

// DatasetWrite counts an example record write.
func (m *Metrics) DatasetWrite(typ string, created bool) {
	if m == nil {
		return
	}
	op := "updated"
	if created {
		op = "created"
	}
	m.DatasetWritesTotal.WithLabelValues(typ, op).Inc()
}

// Job counts a processed queue job.
func (m *Metrics) Job(event string, err error) {
	if m == nil {
		return
	}
	status := OutcomeSuccess
	if err != nil {
		status = OutcomeFailed
	}
	m.JobsTotal.WithLabelValues(event, status).Inc()
}

// SetQueueDepth records the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
