// Package prometheus provides a Prometheus-based stats collector.
package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"kvcache/internal/stats"
)

var help = map[string]string{
	stats.MetricPuts:             "Successful PUT operations.",
	stats.MetricGets:             "GET operations.",
	stats.MetricHits:             "GET operations that found the key.",
	stats.MetricMisses:           "GET operations for absent keys.",
	stats.MetricValidationErrors: "PUT operations rejected for key or value size.",
	stats.MetricEntries:          "Entries currently stored.",
	stats.MetricEstimatedBytes:   "Summed key and value bytes currently stored.",
	stats.MetricUsagePermille:    "Last sampled memory usage ratio, in thousandths.",
	stats.MetricUsedBytes:        "Last sampled memory usage in bytes.",
	stats.MetricSampleFallbacks:  "Memory samples that fell back to the size estimate.",
	stats.MetricEvictionCycles:   "Eviction cycles run.",
	stats.MetricEvictionSkipped:  "Eviction cycles skipped.",
	stats.MetricEvicted:          "Entries removed by the eviction engine.",
	stats.MetricClockSelected:    "Eviction candidates chosen by the CLOCK sweep.",
	stats.MetricLRUSelected:      "Eviction candidates chosen by the sampled LRU fallback.",
	stats.MetricEvictionTier:     "Tier of the last eviction cycle (0 safe, 1 pressure, 2 emergency).",
	stats.MetricTargetCapacity:   "Target entry count computed by the last eviction cycle.",
	stats.MetricCycleSeconds:     "Eviction cycle duration in seconds.",
}

// Collector implements stats.Collector using Prometheus metrics.
type Collector struct {
	registry prometheus.Registerer

	mu         sync.RWMutex
	counters   map[string]prometheus.Counter
	gauges     map[string]prometheus.Gauge
	histograms map[string]prometheus.Histogram
}

// Compile-time check that Collector implements stats.Collector.
var _ stats.Collector = (*Collector)(nil)

// New creates a new Prometheus collector.
// If registry is nil, prometheus.DefaultRegisterer is used.
func New(registry prometheus.Registerer) *Collector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &Collector{
		registry:   registry,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// IncCounter increments a counter metric.
func (c *Collector) IncCounter(name string, delta int64) {
	if delta < 0 {
		return
	}
	c.getOrCreateCounter(name).Add(float64(delta))
}

// SetGauge sets a gauge metric.
func (c *Collector) SetGauge(name string, value int64) {
	c.getOrCreateGauge(name).Set(float64(value))
}

// ObserveHistogram records a value in a histogram.
func (c *Collector) ObserveHistogram(name string, value float64) {
	c.getOrCreateHistogram(name).Observe(value)
}

func helpFor(name string) string {
	if h, ok := help[name]; ok {
		return h
	}
	return name
}

// register registers m, returning the already-registered collector when the
// name is taken.
func (c *Collector) register(m prometheus.Collector) prometheus.Collector {
	if err := c.registry.Register(m); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return m
}

func (c *Collector) getOrCreateCounter(name string) prometheus.Counter {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if counter, ok = c.counters[name]; ok {
		return counter
	}

	counter = prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: helpFor(name)})
	if existing, ok := c.register(counter).(prometheus.Counter); ok {
		counter = existing
	}
	c.counters[name] = counter
	return counter
}

func (c *Collector) getOrCreateGauge(name string) prometheus.Gauge {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		return gauge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if gauge, ok = c.gauges[name]; ok {
		return gauge
	}

	gauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: helpFor(name)})
	if existing, ok := c.register(gauge).(prometheus.Gauge); ok {
		gauge = existing
	}
	c.gauges[name] = gauge
	return gauge
}

func (c *Collector) getOrCreateHistogram(name string) prometheus.Histogram {
	c.mu.RLock()
	histogram, ok := c.histograms[name]
	c.mu.RUnlock()
	if ok {
		return histogram
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if histogram, ok = c.histograms[name]; ok {
		return histogram
	}

	// Eviction cycles are expected to take well under a second
	histogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    name,
		Help:    helpFor(name),
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
	})
	if existing, ok := c.register(histogram).(prometheus.Histogram); ok {
		histogram = existing
	}
	c.histograms[name] = histogram
	return histogram
}
