package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"kvcache/internal/logging"
)

// Pressure levels tracked by the pool. Transitions are edge-triggered.
const (
	levelNormal int32 = iota
	levelPressure
	levelEmergency
)

// MemoryPool accounts the estimated bytes held by a store against a ceiling.
// It never refuses a reservation: writers are not blocked by memory pressure,
// eviction is the relief mechanism. Crossing a threshold upward fires the
// matching handler asynchronously, once per crossing.
type MemoryPool struct {
	name         string
	maxSize      int64 // Ceiling the estimate is compared against (0 = unbounded)
	currentUsage int64 // Estimated bytes in use (atomic)
	level        int32 // Last observed pressure level (atomic)

	mutex              sync.RWMutex // Protects thresholds and handlers
	pressureThreshold  float64      // 0.70 - gradual eviction begins
	emergencyThreshold float64      // 0.95 - emergency eviction

	totalReservations int64
	totalReleases     int64
	lastTransition    atomic.Int64 // unix nanos of the last level change

	onPressure  func(float64)
	onEmergency func(float64)
}

// NewMemoryPool creates a pool with the default 0.70 / 0.95 thresholds.
func NewMemoryPool(name string, maxSize int64) *MemoryPool {
	pool := &MemoryPool{
		name:               name,
		maxSize:            maxSize,
		pressureThreshold:  0.70,
		emergencyThreshold: 0.95,
	}
	pool.onPressure = pool.defaultPressureHandler
	pool.onEmergency = pool.defaultEmergencyHandler
	return pool
}

// Reserve records size more bytes in use and returns the new usage.
func (mp *MemoryPool) Reserve(size int64) int64 {
	if size <= 0 {
		return atomic.LoadInt64(&mp.currentUsage)
	}
	newUsage := atomic.AddInt64(&mp.currentUsage, size)
	atomic.AddInt64(&mp.totalReservations, 1)
	mp.checkMemoryPressure(newUsage)
	return newUsage
}

// Release records size fewer bytes in use and returns the new usage.
func (mp *MemoryPool) Release(size int64) int64 {
	if size <= 0 {
		return atomic.LoadInt64(&mp.currentUsage)
	}
	newUsage := atomic.AddInt64(&mp.currentUsage, -size)
	atomic.AddInt64(&mp.totalReleases, 1)
	mp.checkMemoryPressure(newUsage)
	return newUsage
}

// Adjust applies a signed delta, as produced by an in-place value replacement.
func (mp *MemoryPool) Adjust(delta int64) int64 {
	if delta < 0 {
		return mp.Release(-delta)
	}
	return mp.Reserve(delta)
}

// CurrentUsage returns the estimated bytes in use - O(1)
func (mp *MemoryPool) CurrentUsage() int64 {
	return atomic.LoadInt64(&mp.currentUsage)
}

// MaxSize returns the ceiling - O(1)
func (mp *MemoryPool) MaxSize() int64 {
	return atomic.LoadInt64(&mp.maxSize)
}

// AvailableSpace returns the headroom below the ceiling, never negative.
func (mp *MemoryPool) AvailableSpace() int64 {
	avail := mp.MaxSize() - mp.CurrentUsage()
	if avail < 0 {
		return 0
	}
	return avail
}

// MemoryPressure returns usage/ceiling, 0 when the pool is unbounded.
func (mp *MemoryPool) MemoryPressure() float64 {
	maxSize := mp.MaxSize()
	if maxSize <= 0 {
		return 0
	}
	return float64(mp.CurrentUsage()) / float64(maxSize)
}

func (mp *MemoryPool) checkMemoryPressure(usage int64) {
	maxSize := mp.MaxSize()
	if maxSize <= 0 {
		return
	}
	pressure := float64(usage) / float64(maxSize)

	mp.mutex.RLock()
	next := levelNormal
	if pressure >= mp.emergencyThreshold {
		next = levelEmergency
	} else if pressure >= mp.pressureThreshold {
		next = levelPressure
	}
	onPressure, onEmergency := mp.onPressure, mp.onEmergency
	mp.mutex.RUnlock()

	prev := atomic.LoadInt32(&mp.level)
	if prev == next || !atomic.CompareAndSwapInt32(&mp.level, prev, next) {
		return
	}
	mp.lastTransition.Store(time.Now().UnixNano())
	if next <= prev {
		return
	}

	// Async so the writer that crossed the threshold never waits on eviction
	switch next {
	case levelEmergency:
		if onEmergency != nil {
			go onEmergency(pressure)
		}
	case levelPressure:
		if onPressure != nil {
			go onPressure(pressure)
		}
	}
}

// SetPressureThresholds changes the levels at which handlers fire.
func (mp *MemoryPool) SetPressureThresholds(pressure, emergency float64) error {
	if pressure <= 0 || pressure > 1 || emergency <= 0 || emergency > 1 {
		return fmt.Errorf("thresholds must be between 0.0 and 1.0")
	}
	if pressure >= emergency {
		return fmt.Errorf("thresholds must be ordered: pressure < emergency")
	}

	mp.mutex.Lock()
	defer mp.mutex.Unlock()
	mp.pressureThreshold = pressure
	mp.emergencyThreshold = emergency
	return nil
}

// SetPressureHandlers replaces the callbacks; nil disables a level.
func (mp *MemoryPool) SetPressureHandlers(onPressure, onEmergency func(float64)) {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()
	mp.onPressure = onPressure
	mp.onEmergency = onEmergency
}

// Resize changes the ceiling. Unlike an allocator, shrinking below the current
// usage is allowed; it simply raises the reported pressure.
func (mp *MemoryPool) Resize(newMaxSize int64) error {
	if newMaxSize < 0 {
		return fmt.Errorf("invalid pool size: %d", newMaxSize)
	}
	atomic.StoreInt64(&mp.maxSize, newMaxSize)
	mp.checkMemoryPressure(mp.CurrentUsage())
	return nil
}

// GetStats returns a snapshot of the pool counters.
func (mp *MemoryPool) GetStats() map[string]interface{} {
	mp.mutex.RLock()
	pressureThreshold, emergencyThreshold := mp.pressureThreshold, mp.emergencyThreshold
	mp.mutex.RUnlock()

	stats := map[string]interface{}{
		"name":                mp.name,
		"max_size":            mp.MaxSize(),
		"current_usage":       mp.CurrentUsage(),
		"available_space":     mp.AvailableSpace(),
		"memory_pressure":     mp.MemoryPressure(),
		"total_reservations":  atomic.LoadInt64(&mp.totalReservations),
		"total_releases":      atomic.LoadInt64(&mp.totalReleases),
		"pressure_threshold":  pressureThreshold,
		"emergency_threshold": emergencyThreshold,
	}
	if ts := mp.lastTransition.Load(); ts != 0 {
		stats["last_transition"] = time.Unix(0, ts)
	}
	return stats
}

// Name returns the name of this memory pool
func (mp *MemoryPool) Name() string {
	return mp.name
}

func (mp *MemoryPool) defaultPressureHandler(pressure float64) {
	logging.Warn(nil, logging.ComponentStorage, logging.ActionPressure, "Estimated store memory entered pressure range", map[string]interface{}{
		"pool":     mp.name,
		"pressure": pressure,
	})
}

func (mp *MemoryPool) defaultEmergencyHandler(pressure float64) {
	logging.Warn(nil, logging.ComponentStorage, logging.ActionEmergency, "Estimated store memory entered emergency range", map[string]interface{}{
		"pool":     mp.name,
		"pressure": pressure,
	})
}
