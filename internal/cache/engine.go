// Package cache decides which entries leave the store under memory pressure.
//
// Each cycle classifies the sampled usage ratio into a tier, derives how many
// entries must go, and selects them with a CLOCK sweep over the store's ring
// order. Under high pressure, when reference bits are too uniformly set to
// discriminate, it tops up the selection from a sample ranked by access marker.
// The selection is applied with a single version-checked batch eviction.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"kvcache/internal/logging"
	"kvcache/internal/monitor"
	"kvcache/internal/stats"
	"kvcache/internal/storage"
)

// ErrCycleSkipped reports a cycle that made no decision. The next cycle
// recomputes everything from scratch, so callers only log it.
var ErrCycleSkipped = errors.New("eviction cycle skipped")

// Config holds the eviction policy knobs.
type Config struct {
	PressureThreshold    float64 // Below this ratio nothing is evicted
	EmergencyThreshold   float64 // At or above this ratio the emergency quota applies
	EmergencyTarget      float64 // Ratio an emergency cycle drives usage below
	LRUThreshold         float64 // Pressure ratio from which the LRU fallback may run
	MinCapacityFraction  float64 // Share of entries kept at EmergencyThreshold in the Pressure ramp
	EmergencyMinFraction float64 // Smallest share of entries an emergency cycle removes
	SampleSize           int     // Entries ranked by the LRU fallback
	SweepFactor          int     // Quota multiple the CLOCK hand visits and the LRU fallback samples
	Seed                 uint64  // Seed for LRU sampling
}

// DefaultConfig returns the 0.70 / 0.95 policy.
func DefaultConfig() Config {
	return Config{
		PressureThreshold:    0.70,
		EmergencyThreshold:   0.95,
		EmergencyTarget:      0.90,
		LRUThreshold:         0.85,
		MinCapacityFraction:  0.20,
		EmergencyMinFraction: 0.05,
		SampleSize:           1024,
		SweepFactor:          4,
	}
}

// Validate checks threshold ordering and ranges.
func (cfg Config) Validate() error {
	if cfg.PressureThreshold <= 0 || cfg.EmergencyThreshold > 1 || cfg.PressureThreshold >= cfg.EmergencyThreshold {
		return fmt.Errorf("thresholds must satisfy 0 < pressure (%v) < emergency (%v) <= 1", cfg.PressureThreshold, cfg.EmergencyThreshold)
	}
	if cfg.EmergencyTarget <= 0 || cfg.EmergencyTarget >= cfg.EmergencyThreshold {
		return fmt.Errorf("emergency target %v must be in (0, %v)", cfg.EmergencyTarget, cfg.EmergencyThreshold)
	}
	if cfg.LRUThreshold < cfg.PressureThreshold || cfg.LRUThreshold > cfg.EmergencyThreshold {
		return fmt.Errorf("lru threshold %v must be in [%v, %v]", cfg.LRUThreshold, cfg.PressureThreshold, cfg.EmergencyThreshold)
	}
	if cfg.MinCapacityFraction < 0 || cfg.MinCapacityFraction > 1 {
		return fmt.Errorf("min capacity fraction %v must be in [0, 1]", cfg.MinCapacityFraction)
	}
	if cfg.EmergencyMinFraction < 0 || cfg.EmergencyMinFraction > 1 {
		return fmt.Errorf("emergency min fraction %v must be in [0, 1]", cfg.EmergencyMinFraction)
	}
	if cfg.SampleSize <= 0 {
		return fmt.Errorf("sample size must be positive, got %d", cfg.SampleSize)
	}
	if cfg.SweepFactor <= 0 {
		return fmt.Errorf("sweep factor must be positive, got %d", cfg.SweepFactor)
	}
	return nil
}

// Cursor is the CLOCK hand: a shard and a slot within it.
type Cursor struct {
	Shard int `json:"shard"`
	Pos   int `json:"pos"`
}

// EvictionState is everything the engine carries between cycles. Losing it is
// harmless; a fresh engine recomputes from the store and the next sample.
type EvictionState struct {
	Cursor         Cursor `json:"cursor"`
	TargetCapacity int    `json:"target_capacity"`
	Cycle          uint64 `json:"cycle"`
	LastTier       Tier   `json:"last_tier"`
	LastEvicted    int    `json:"last_evicted"`
}

// CycleReport describes one completed cycle.
type CycleReport struct {
	Cycle         uint64        `json:"cycle"`
	Tier          Tier          `json:"tier"`
	UsageRatio    float64       `json:"usage_ratio"`
	Entries       int           `json:"entries"`
	Target        int           `json:"target"`
	Quota         int           `json:"quota"`
	ClockSelected int           `json:"clock_selected"`
	LRUSelected   int           `json:"lru_selected"`
	Evicted       int           `json:"evicted"`
	Duration      time.Duration `json:"duration"`
}

// scanChunk bounds how many slots are visited under one shard read lock.
const scanChunk = 256

// Option configures an Engine.
type Option func(*Engine)

// WithCollector sets the metrics collector.
func WithCollector(c stats.Collector) Option {
	return func(e *Engine) {
		if c != nil {
			e.collector = c
		}
	}
}

// WithInitialState starts the engine from a fixed state.
func WithInitialState(s EvictionState) Option {
	return func(e *Engine) { e.state = s }
}

// Engine runs eviction cycles against a Store. Cycles are serialized by the
// engine's own lock, which the request path never touches.
type Engine struct {
	cfg       Config
	store     Store
	collector stats.Collector
	rng       *rand.Rand

	mu sync.Mutex // held for a whole cycle

	stateMu sync.RWMutex
	state   EvictionState
}

// NewEngine validates cfg and builds an engine over store.
func NewEngine(cfg Config, store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("engine needs a store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid eviction config: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		collector: stats.NewNoop(),
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the engine's policy.
func (e *Engine) Config() Config {
	return e.cfg
}

// State returns a copy of the state after the last completed cycle.
func (e *Engine) State() EvictionState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// RunCycle makes one eviction decision for st and applies it. It returns
// ErrCycleSkipped when st is unusable or another cycle is in progress, and the
// context error if ctx ends before the batch is applied.
func (e *Engine) RunCycle(ctx context.Context, st monitor.MemoryStats) (CycleReport, error) {
	if !e.mu.TryLock() {
		return CycleReport{}, e.skip(ctx, "another cycle is running")
	}
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return CycleReport{}, err
	}
	ratio := st.UsageRatio
	if st.TotalBytes == 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio < 0 {
		return CycleReport{}, e.skip(ctx, "memory stats unusable")
	}

	start := time.Now()
	state := e.State()
	state.Cycle++

	entries := e.store.Len()
	report := CycleReport{
		Cycle:      state.Cycle,
		Tier:       e.cfg.Classify(ratio),
		UsageRatio: ratio,
		Entries:    entries,
		Target:     entries,
	}

	switch report.Tier {
	case TierPressure:
		report.Target = e.cfg.PressureTarget(entries, ratio)
		report.Quota = max(entries-report.Target, 0)
	case TierEmergency:
		report.Quota = e.cfg.EmergencyQuota(entries, ratio)
		report.Target = entries - report.Quota
	}

	if report.Quota > 0 {
		candidates, cursor, clockN, err := e.selectVictims(ctx, state.Cursor, report.Quota, e.lruAllowed(report.Tier, ratio))
		if err != nil {
			return CycleReport{}, err
		}
		state.Cursor = cursor
		report.ClockSelected = clockN
		report.LRUSelected = len(candidates) - clockN
		report.Evicted = e.store.EvictBatch(candidates)
	}

	report.Duration = time.Since(start)
	state.TargetCapacity = report.Target
	state.LastTier = report.Tier
	state.LastEvicted = report.Evicted

	e.stateMu.Lock()
	e.state = state
	e.stateMu.Unlock()

	e.record(ctx, report)
	return report, nil
}

func (e *Engine) lruAllowed(tier Tier, ratio float64) bool {
	return tier == TierEmergency || (tier == TierPressure && ratio >= e.cfg.LRUThreshold)
}

// selectVictims collects exactly quota candidates when the store can supply
// them: CLOCK first, then the LRU sample when allowed.
func (e *Engine) selectVictims(ctx context.Context, cur Cursor, quota int, useLRU bool) ([]storage.Candidate, Cursor, int, error) {
	// Without the fallback the hand may lap twice: the first lap clears every
	// bit, the second is then guaranteed to find victims.
	budget := 2*e.store.Len() + quota
	if useLRU {
		budget = e.cfg.SweepFactor * quota
	}

	selected := make(map[string]struct{}, quota)
	victims, cur, err := e.sweep(ctx, cur, quota, budget, selected)
	if err != nil {
		return nil, cur, 0, err
	}
	clockN := len(victims)

	if clockN < quota && useLRU {
		victims = append(victims, e.oldest(quota-clockN, selected)...)
	}
	return victims, cur, clockN, nil
}

func (e *Engine) skip(ctx context.Context, reason string) error {
	e.collector.IncCounter(stats.MetricEvictionSkipped, 1)
	logging.Warn(ctx, logging.ComponentEviction, logging.ActionSkip, "Eviction cycle skipped", map[string]interface{}{
		"reason": reason,
	})
	return fmt.Errorf("%w: %s", ErrCycleSkipped, reason)
}

func (e *Engine) record(ctx context.Context, r CycleReport) {
	e.collector.IncCounter(stats.MetricEvictionCycles, 1)
	e.collector.IncCounter(stats.MetricEvicted, int64(r.Evicted))
	e.collector.IncCounter(stats.MetricClockSelected, int64(r.ClockSelected))
	e.collector.IncCounter(stats.MetricLRUSelected, int64(r.LRUSelected))
	e.collector.SetGauge(stats.MetricEvictionTier, int64(r.Tier))
	e.collector.SetGauge(stats.MetricTargetCapacity, int64(r.Target))
	e.collector.ObserveHistogram(stats.MetricCycleSeconds, r.Duration.Seconds())

	fields := map[string]interface{}{
		"cycle":          r.Cycle,
		"tier":           r.Tier.String(),
		"usage_ratio":    r.UsageRatio,
		"entries":        r.Entries,
		"target":         r.Target,
		"quota":          r.Quota,
		"clock_selected": r.ClockSelected,
		"lru_selected":   r.LRUSelected,
		"evicted":        r.Evicted,
	}
	if r.Quota == 0 {
		logging.Debug(ctx, logging.ComponentEviction, logging.ActionEvict, "Eviction cycle completed", fields)
		return
	}
	logging.WithDuration(ctx, logging.INFO, logging.ComponentEviction, logging.ActionEvict, "Eviction cycle removed entries", r.Duration, fields)
}
