package cache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvcache/internal/monitor"
	"kvcache/internal/storage"
)

func newTestStore(t *testing.T, n int) *storage.Store {
	t.Helper()
	s, err := storage.NewStore(storage.StoreConfig{Name: "test", Shards: 16})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, s.Put(fmt.Sprintf("key-%04d", i), "value"))
	}
	return s
}

func newTestEngine(t *testing.T, store Store) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultConfig(), store)
	require.NoError(t, err)
	return e
}

func usage(ratio float64) monitor.MemoryStats {
	return monitor.MemoryStats{UsedBytes: uint64(ratio * 1000), TotalBytes: 1000, UsageRatio: ratio, Source: monitor.SourceEstimate}
}

// clearBits drops every reference bit, as if a full sweep had just passed.
func clearBits(s *storage.Store) {
	for i := 0; i < s.ShardCount(); i++ {
		s.ScanShard(i, 0, math.MaxInt, func(sl storage.Slot) bool {
			sl.SecondChance()
			return true
		})
	}
}

func TestEngine_SafeTierEvictsNothing(t *testing.T) {
	store := newTestStore(t, 500)
	e := newTestEngine(t, store)

	for _, ratio := range []float64{0, 0.1, 0.5, 0.69} {
		report, err := e.RunCycle(context.Background(), usage(ratio))
		require.NoError(t, err)
		assert.Equal(t, TierSafe, report.Tier)
		assert.Zero(t, report.Quota)
		assert.Zero(t, report.Evicted)
	}

	for i := 0; i < 500; i++ {
		_, err := store.Get(fmt.Sprintf("key-%04d", i))
		assert.NoError(t, err)
	}
}

func TestEngine_PressureEvictsDownToTarget(t *testing.T) {
	store := newTestStore(t, 1000)
	e := newTestEngine(t, store)

	report, err := e.RunCycle(context.Background(), usage(0.80))
	require.NoError(t, err)

	assert.Equal(t, TierPressure, report.Tier)
	assert.Equal(t, 680, report.Target)
	assert.Equal(t, 320, report.Quota)
	assert.Equal(t, 320, report.Evicted)
	assert.Equal(t, 320, report.ClockSelected)
	assert.Zero(t, report.LRUSelected, "below the LRU threshold only CLOCK selects")
	assert.Equal(t, 680, store.Len())

	state := e.State()
	assert.Equal(t, uint64(1), state.Cycle)
	assert.Equal(t, 680, state.TargetCapacity)
	assert.Equal(t, TierPressure, state.LastTier)
}

func TestEngine_PressureMonotoneInRatio(t *testing.T) {
	const n = 1000
	prev := -1
	for ratio := 0.70; ratio < 0.95; ratio += 0.01 {
		store := newTestStore(t, n)
		e := newTestEngine(t, store)

		report, err := e.RunCycle(context.Background(), usage(ratio))
		require.NoError(t, err)

		assert.Equal(t, n-DefaultConfig().PressureTarget(n, ratio), report.Evicted, "ratio %.2f", ratio)
		assert.GreaterOrEqual(t, report.Evicted, prev, "ratio %.2f evicted less than a lower ratio", ratio)
		assert.LessOrEqual(t, store.Len(), n)
		prev = report.Evicted
	}
}

func TestEngine_EmergencyFallsBelowTarget(t *testing.T) {
	cfg := DefaultConfig()
	for _, ratio := range []float64{0.95, 0.96, 0.99, 1.0, 1.5} {
		t.Run(fmt.Sprintf("ratio_%.2f", ratio), func(t *testing.T) {
			const n = 1000
			store := newTestStore(t, n)
			e := newTestEngine(t, store)

			report, err := e.RunCycle(context.Background(), usage(ratio))
			require.NoError(t, err)
			assert.Equal(t, TierEmergency, report.Tier)
			assert.Equal(t, cfg.EmergencyQuota(n, ratio), report.Evicted)
			assert.GreaterOrEqual(t, report.Evicted, int(math.Ceil(n*cfg.EmergencyMinFraction)))

			// Usage proportional to entry count ends strictly below the target
			after := ratio * float64(store.Len()) / n
			assert.Less(t, after, cfg.EmergencyTarget)
		})
	}
}

func TestEngine_EmergencyEvictsOldestWhenBitsSaturated(t *testing.T) {
	store := newTestStore(t, 1000)
	// Re-read the first half so the second half holds the oldest markers
	for i := 0; i < 500; i++ {
		_, err := store.Get(fmt.Sprintf("key-%04d", i))
		require.NoError(t, err)
	}
	e := newTestEngine(t, store)

	report, err := e.RunCycle(context.Background(), usage(0.96))
	require.NoError(t, err)

	require.Equal(t, 63, report.Quota)
	assert.Equal(t, 63, report.Evicted)
	assert.Zero(t, report.ClockSelected, "every bit was set, CLOCK only clears")
	assert.Equal(t, 63, report.LRUSelected)

	for i := 500; i < 563; i++ {
		_, err := store.Get(fmt.Sprintf("key-%04d", i))
		assert.ErrorIs(t, err, storage.ErrNotFound, "key-%04d should be evicted", i)
	}
	for i := 0; i < 500; i++ {
		_, err := store.Get(fmt.Sprintf("key-%04d", i))
		assert.NoError(t, err, "recently read key-%04d should survive", i)
	}
}

func TestEngine_LRUFallbackRanksLargeStore(t *testing.T) {
	const n = 20000
	store, err := storage.NewStore(storage.StoreConfig{Name: "test", Shards: 16})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, store.Put(fmt.Sprintf("key-%05d", i), "value"))
	}
	// Re-read the first half so the second half holds the oldest markers
	for i := 0; i < n/2; i++ {
		_, err := store.Get(fmt.Sprintf("key-%05d", i))
		require.NoError(t, err)
	}
	e := newTestEngine(t, store)
	require.Less(t, e.Config().SampleSize, n/10)

	report, err := e.RunCycle(context.Background(), usage(0.96))
	require.NoError(t, err)

	require.Equal(t, e.Config().EmergencyQuota(n, 0.96), report.Quota)
	require.Greater(t, report.Quota, e.Config().SampleSize)
	assert.Zero(t, report.ClockSelected)
	assert.Equal(t, report.Quota, report.LRUSelected)
	assert.Equal(t, report.Quota, report.Evicted)

	readEvicted := 0
	for i := 0; i < n/2; i++ {
		if _, err := store.Get(fmt.Sprintf("key-%05d", i)); err != nil {
			readEvicted++
		}
	}
	assert.Zero(t, readEvicted, "recently read entries should outlive older ones")
}

func TestEngine_ClockSparesReferencedEntries(t *testing.T) {
	store := newTestStore(t, 200)
	clearBits(store)
	// Reference every fourth key again
	for i := 1; i < 200; i += 4 {
		_, err := store.Get(fmt.Sprintf("key-%04d", i))
		require.NoError(t, err)
	}
	e := newTestEngine(t, store)

	report, err := e.RunCycle(context.Background(), usage(0.96))
	require.NoError(t, err)
	assert.Equal(t, report.Quota, report.ClockSelected)
	assert.Zero(t, report.LRUSelected)

	for i := 1; i < 200; i += 4 {
		_, err := store.Get(fmt.Sprintf("key-%04d", i))
		assert.NoError(t, err, "referenced key-%04d was evicted", i)
	}
}

func TestEngine_ClockFairnessForHotEntry(t *testing.T) {
	store := newTestStore(t, 400)
	require.NoError(t, store.Put("hot", "value"))
	clearBits(store)
	e := newTestEngine(t, store)

	cycles := 0
	for store.Len() > 20 {
		_, err := store.Get("hot")
		require.NoError(t, err)

		report, err := e.RunCycle(context.Background(), usage(0.80))
		require.NoError(t, err)
		require.Positive(t, report.Evicted)
		cycles++

		_, err = store.Get("hot")
		require.NoError(t, err, "hot entry evicted in cycle %d", cycles)
	}
	assert.Greater(t, cycles, 3)
}

func TestEngine_CursorPersistsAcrossCycles(t *testing.T) {
	store := newTestStore(t, 1000)
	clearBits(store)
	e := newTestEngine(t, store)

	_, err := e.RunCycle(context.Background(), usage(0.72))
	require.NoError(t, err)
	first := e.State().Cursor

	_, err = e.RunCycle(context.Background(), usage(0.72))
	require.NoError(t, err)
	second := e.State().Cursor

	assert.NotEqual(t, Cursor{}, first)
	assert.NotEqual(t, first, second)
}

func TestEngine_InitialStateOutOfRange(t *testing.T) {
	store := newTestStore(t, 100)
	e, err := NewEngine(DefaultConfig(), store, WithInitialState(EvictionState{
		Cursor: Cursor{Shard: 999, Pos: 5},
		Cycle:  41,
	}))
	require.NoError(t, err)

	report, err := e.RunCycle(context.Background(), usage(0.96))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), report.Cycle)
	assert.Equal(t, report.Quota, report.Evicted)
}

func TestEngine_EmptyStore(t *testing.T) {
	store := newTestStore(t, 0)
	e := newTestEngine(t, store)

	report, err := e.RunCycle(context.Background(), usage(0.99))
	require.NoError(t, err)
	assert.Equal(t, TierEmergency, report.Tier)
	assert.Zero(t, report.Quota)
	assert.Zero(t, report.Evicted)
}

func TestEngine_SkipsUnusableStats(t *testing.T) {
	store := newTestStore(t, 100)
	e := newTestEngine(t, store)

	cases := map[string]monitor.MemoryStats{
		"zero total": monitor.NewMemoryStats(10, 0, monitor.SourceEstimate),
		"nan ratio":  {UsedBytes: 1, TotalBytes: 1, UsageRatio: math.NaN()},
		"negative":   {UsedBytes: 1, TotalBytes: 1, UsageRatio: -0.5},
	}
	for name, st := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.RunCycle(context.Background(), st)
			assert.ErrorIs(t, err, ErrCycleSkipped)
		})
	}
	assert.Equal(t, 100, store.Len())
	assert.Zero(t, e.State().Cycle)
}

func TestEngine_CanceledContext(t *testing.T) {
	store := newTestStore(t, 100)
	e := newTestEngine(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.RunCycle(ctx, usage(0.99))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 100, store.Len())
}

// racingStore rewrites every key between selection and eviction.
type racingStore struct {
	*storage.Store
	keys []string
}

func (r *racingStore) EvictBatch(c []storage.Candidate) int {
	for _, k := range r.keys {
		_ = r.Store.Put(k, "fresh")
	}
	return r.Store.EvictBatch(c)
}

func TestEngine_PutAfterSelectionWins(t *testing.T) {
	store := newTestStore(t, 200)
	keys := make([]string, 200)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%04d", i)
	}
	e := newTestEngine(t, &racingStore{Store: store, keys: keys})

	report, err := e.RunCycle(context.Background(), usage(0.99))
	require.NoError(t, err)
	assert.Positive(t, report.Quota)
	assert.Zero(t, report.Evicted)

	for _, k := range keys {
		v, err := store.Get(k)
		require.NoError(t, err)
		assert.Equal(t, "fresh", v)
	}
}

// blockingStore parks EvictBatch until released.
type blockingStore struct {
	*storage.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) EvictBatch(c []storage.Candidate) int {
	close(b.entered)
	<-b.release
	return b.Store.EvictBatch(c)
}

func TestEngine_ConcurrentCycleIsSkipped(t *testing.T) {
	bs := &blockingStore{
		Store:   newTestStore(t, 100),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := newTestEngine(t, bs)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := e.RunCycle(context.Background(), usage(0.99))
		assert.NoError(t, err)
	}()

	select {
	case <-bs.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never reached eviction")
	}

	_, err := e.RunCycle(context.Background(), usage(0.99))
	assert.ErrorIs(t, err, ErrCycleSkipped)

	close(bs.release)
	wg.Wait()
	assert.Equal(t, uint64(1), e.State().Cycle)
}

func TestEngine_RequestsProceedDuringCycle(t *testing.T) {
	bs := &blockingStore{
		Store:   newTestStore(t, 100),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	e := newTestEngine(t, bs)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.RunCycle(context.Background(), usage(0.99))
	}()
	<-bs.entered

	// The cycle holds no store lock while it waits
	require.NoError(t, bs.Put("during", "cycle"))
	v, err := bs.Get("during")
	require.NoError(t, err)
	assert.Equal(t, "cycle", v)

	close(bs.release)
	<-done
}

func TestNewEngine_InvalidConfig(t *testing.T) {
	store := newTestStore(t, 0)

	mutate := map[string]func(*Config){
		"pressure above emergency": func(c *Config) { c.PressureThreshold = 0.96 },
		"target above emergency":   func(c *Config) { c.EmergencyTarget = 0.97 },
		"lru below pressure":       func(c *Config) { c.LRUThreshold = 0.5 },
		"zero sample":              func(c *Config) { c.SampleSize = 0 },
		"zero sweep factor":        func(c *Config) { c.SweepFactor = 0 },
		"floor above one":          func(c *Config) { c.MinCapacityFraction = 1.5 },
	}
	for name, fn := range mutate {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			fn(&cfg)
			_, err := NewEngine(cfg, store)
			assert.Error(t, err)
		})
	}

	_, err := NewEngine(DefaultConfig(), nil)
	assert.Error(t, err)
}
