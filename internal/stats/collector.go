// Package stats provides a unified interface for collecting metrics.
package stats

// Metric names used throughout the service.
const (
	// Request path.
	MetricPuts             = "kvcache_puts_total"
	MetricGets             = "kvcache_gets_total"
	MetricHits             = "kvcache_hits_total"
	MetricMisses           = "kvcache_misses_total"
	MetricValidationErrors = "kvcache_validation_errors_total"

	// Store size.
	MetricEntries        = "kvcache_entries"
	MetricEstimatedBytes = "kvcache_estimated_bytes"

	// Memory monitor.
	MetricUsagePermille   = "kvcache_memory_usage_permille"
	MetricUsedBytes       = "kvcache_memory_used_bytes"
	MetricSampleFallbacks = "kvcache_memory_sample_fallbacks_total"

	// Eviction engine.
	MetricEvictionCycles  = "kvcache_eviction_cycles_total"
	MetricEvictionSkipped = "kvcache_eviction_cycles_skipped_total"
	MetricEvicted         = "kvcache_evicted_entries_total"
	MetricClockSelected   = "kvcache_eviction_clock_selected_total"
	MetricLRUSelected     = "kvcache_eviction_lru_selected_total"
	MetricEvictionTier    = "kvcache_eviction_tier"
	MetricTargetCapacity  = "kvcache_eviction_target_capacity"
	MetricCycleSeconds    = "kvcache_eviction_cycle_seconds"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncCounter increments a counter metric by delta.
	IncCounter(name string, delta int64)

	// SetGauge sets a gauge metric to value.
	SetGauge(name string, value int64)

	// ObserveHistogram records a value in a histogram metric.
	ObserveHistogram(name string, value float64)
}
