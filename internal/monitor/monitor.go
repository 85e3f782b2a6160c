// Package monitor samples memory usage for the eviction engine. When host or
// process telemetry cannot be read it falls back to an estimate derived from
// the store's size, so a reading is always available.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"kvcache/internal/logging"
	"kvcache/internal/stats"
)

// Defaults applied by New for zero config values.
const (
	DefaultCeiling       = 2 << 30 // 2GiB host
	DefaultEntryOverhead = 112     // map bucket share, entry struct, slot pointer
)

// MemoryStats is one memory reading. It is recomputed every sample.
type MemoryStats struct {
	UsedBytes  uint64    `json:"used_bytes"`
	TotalBytes uint64    `json:"total_bytes"`
	UsageRatio float64   `json:"usage_ratio"`
	Source     Source    `json:"source"`
	Fallback   bool      `json:"fallback"`
	SampledAt  time.Time `json:"sampled_at"`
}

// NewMemoryStats computes the ratio for used/total. A zero total yields a NaN
// ratio, which the eviction engine treats as unusable.
func NewMemoryStats(used, total uint64, source Source) MemoryStats {
	ratio := math.NaN()
	if total > 0 {
		ratio = float64(used) / float64(total)
	}
	return MemoryStats{UsedBytes: used, TotalBytes: total, UsageRatio: ratio, Source: source, SampledAt: time.Now()}
}

// Config controls sampling.
type Config struct {
	Source        Source
	Ceiling       uint64  // Bytes the usage is compared against
	EntryOverhead uint64  // Per-entry bytes added by the estimate
	Smoothing     float64 // EWMA weight of the newest reading; 1 disables smoothing
	ProcRoot      string  // procfs mount point, "" for /proc
}

// Monitor produces MemoryStats from its primary sampler, or from the size
// estimate when the primary fails.
type Monitor struct {
	primary   Sampler
	fallback  *EstimateSampler
	alpha     float64
	collector stats.Collector

	mu       sync.Mutex
	smoothed float64
	primed   bool
	failing  bool

	fallbacks atomic.Uint64
	last      atomic.Pointer[MemoryStats]
}

// New builds a monitor over size. A primary source that cannot be opened is
// logged and replaced by the estimate; only invalid configuration is an error.
func New(cfg Config, size SizeSource, collector stats.Collector) (*Monitor, error) {
	if size == nil {
		return nil, fmt.Errorf("monitor needs a size source")
	}
	if cfg.Smoothing < 0 || cfg.Smoothing > 1 {
		return nil, fmt.Errorf("smoothing must be in [0, 1], got %v", cfg.Smoothing)
	}
	if cfg.Smoothing == 0 {
		cfg.Smoothing = 1
	}
	if cfg.EntryOverhead == 0 {
		cfg.EntryOverhead = DefaultEntryOverhead
	}
	if cfg.Source == "" {
		cfg.Source = SourceProcess
	}
	if collector == nil {
		collector = stats.NewNoop()
	}

	// The estimate has nothing else to compare against
	estimateCeiling := cfg.Ceiling
	if estimateCeiling == 0 {
		estimateCeiling = DefaultCeiling
	}

	m := &Monitor{
		fallback:  NewEstimateSampler(size, cfg.EntryOverhead, estimateCeiling),
		alpha:     cfg.Smoothing,
		collector: collector,
	}

	var err error
	switch cfg.Source {
	case SourceProcess:
		m.primary, err = NewProcessSampler(cfg.ProcRoot, cfg.Ceiling)
	case SourceHost:
		m.primary, err = NewHostSampler(cfg.ProcRoot, cfg.Ceiling)
	case SourceEstimate:
	default:
		return nil, fmt.Errorf("unknown memory source %q", cfg.Source)
	}
	if err != nil {
		logging.Warn(context.Background(), logging.ComponentMonitor, logging.ActionFallback, "Memory telemetry unavailable, using size estimate", map[string]interface{}{
			"source": string(cfg.Source),
			"error":  err.Error(),
		})
		m.primary = nil
	}

	return m, nil
}

// NewWithSampler builds a monitor around an explicit primary sampler. A nil
// primary samples the estimate only.
func NewWithSampler(primary Sampler, fallback *EstimateSampler, smoothing float64, collector stats.Collector) *Monitor {
	if smoothing <= 0 || smoothing > 1 {
		smoothing = 1
	}
	if collector == nil {
		collector = stats.NewNoop()
	}
	return &Monitor{primary: primary, fallback: fallback, alpha: smoothing, collector: collector}
}

// Sample reads memory usage. It never fails: a primary failure is logged once
// per failure streak and answered with the estimate.
func (m *Monitor) Sample() MemoryStats {
	used, total, source, fellBack := m.read()

	m.mu.Lock()
	smoothedUsed := m.smooth(float64(used))
	m.mu.Unlock()

	st := NewMemoryStats(uint64(smoothedUsed), total, source)
	st.Fallback = fellBack
	m.last.Store(&st)

	if fellBack {
		m.fallbacks.Add(1)
		m.collector.IncCounter(stats.MetricSampleFallbacks, 1)
	}
	m.collector.SetGauge(stats.MetricUsedBytes, int64(st.UsedBytes))
	if !math.IsNaN(st.UsageRatio) {
		m.collector.SetGauge(stats.MetricUsagePermille, int64(st.UsageRatio*1000))
	}
	return st
}

func (m *Monitor) read() (used, total uint64, source Source, fellBack bool) {
	if m.primary != nil {
		u, t, err := m.primary.Sample()
		if err == nil {
			m.setFailing(false, nil)
			return u, t, m.primary.Source(), false
		}
		m.setFailing(true, err)
		fellBack = true
	}
	u, t, _ := m.fallback.Sample()
	return u, t, SourceEstimate, fellBack
}

func (m *Monitor) setFailing(failing bool, err error) {
	m.mu.Lock()
	changed := m.failing != failing
	m.failing = failing
	m.mu.Unlock()
	if !changed {
		return
	}

	if failing {
		logging.Warn(context.Background(), logging.ComponentMonitor, logging.ActionFallback, "Memory sample failed, falling back to size estimate", map[string]interface{}{
			"source": string(m.primary.Source()),
			"error":  err.Error(),
		})
		return
	}
	logging.Info(context.Background(), logging.ComponentMonitor, logging.ActionSample, "Memory telemetry recovered", map[string]interface{}{
		"source": string(m.primary.Source()),
	})
}

// smooth applies a peak-holding EWMA: increases are taken immediately,
// decreases decay by alpha. Caller holds mu.
func (m *Monitor) smooth(raw float64) float64 {
	if !m.primed || m.alpha >= 1 {
		m.smoothed = raw
		m.primed = true
		return raw
	}
	m.smoothed = math.Max(raw, m.alpha*raw+(1-m.alpha)*m.smoothed)
	return m.smoothed
}

// Last returns the most recent reading, if any.
func (m *Monitor) Last() (MemoryStats, bool) {
	if st := m.last.Load(); st != nil {
		return *st, true
	}
	return MemoryStats{}, false
}

// Fallbacks returns how many samples used the estimate because the primary failed.
func (m *Monitor) Fallbacks() uint64 {
	return m.fallbacks.Load()
}
