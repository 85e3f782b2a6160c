package storage

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is used when StoreConfig.Shards is zero.
const DefaultShards = 64

// StoreConfig holds configuration for Store
type StoreConfig struct {
	Name          string
	Shards        int    // Power of two; 0 means DefaultShards
	MaxMemory     uint64 // Ceiling for the pool (0 = unbounded)
	EntryOverhead int64  // Bytes the pool charges per entry on top of key and value
}

// StoreStats holds statistics for the Store
type StoreStats struct {
	Name             string    `json:"name"`
	Shards           int       `json:"shards"`
	Entries          int64     `json:"entries"`
	EstimatedBytes   int64     `json:"estimated_bytes"`
	AccountedBytes   int64     `json:"accounted_bytes"`
	MaxMemory        int64     `json:"max_memory"`
	MemoryPressure   float64   `json:"memory_pressure"`
	Puts             uint64    `json:"puts"`
	Hits             uint64    `json:"hits"`
	Misses           uint64    `json:"misses"`
	Evictions        uint64    `json:"evictions"`
	Deletes          uint64    `json:"deletes"`
	ValidationErrors uint64    `json:"validation_errors"`
	CreatedAt        time.Time `json:"created_at"`
}

// HitRate calculates the cache hit rate
func (s StoreStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0.0
	}
	return float64(s.Hits) / float64(total) * 100.0
}

// Store is a sharded in-memory key-value store. Operations on different keys
// only contend when the keys hash to the same shard, and then only for the
// duration of a map operation. There is no store-wide lock.
type Store struct {
	config  StoreConfig
	shards  []*shard
	mask    uint64
	memPool *MemoryPool

	// clock issues access markers and versions; one counter keeps them comparable
	clock atomic.Uint64
	count atomic.Int64
	bytes atomic.Int64 // key and value bytes only

	puts             atomic.Uint64
	hits             atomic.Uint64
	misses           atomic.Uint64
	evictions        atomic.Uint64
	deletes          atomic.Uint64
	validationErrors atomic.Uint64
	createdAt        time.Time
}

// NewStore creates a Store with its MemoryPool.
func NewStore(config StoreConfig) (*Store, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("store name cannot be empty")
	}
	if config.Shards == 0 {
		config.Shards = DefaultShards
	}
	if config.Shards < 0 || bits.OnesCount(uint(config.Shards)) != 1 {
		return nil, fmt.Errorf("shard count must be a positive power of two, got %d", config.Shards)
	}
	if config.EntryOverhead < 0 {
		return nil, fmt.Errorf("entry overhead cannot be negative, got %d", config.EntryOverhead)
	}

	s := &Store{
		config:    config,
		shards:    make([]*shard, config.Shards),
		mask:      uint64(config.Shards - 1),
		memPool:   NewMemoryPool(config.Name, int64(config.MaxMemory)),
		createdAt: time.Now(),
	}
	for i := range s.shards {
		s.shards[i] = newShard()
	}
	return s, nil
}

func (s *Store) shardIndex(key string) int {
	return int(xxhash.Sum64String(key) & s.mask)
}

// Put inserts or replaces key. It always succeeds for valid input; memory
// pressure is relieved by eviction, never by rejecting writes.
func (s *Store) Put(key, value string) error {
	if err := validate(key, value); err != nil {
		s.validationErrors.Add(1)
		return err
	}

	marker := s.clock.Add(1)
	sh := s.shards[s.shardIndex(key)]

	sh.mu.Lock()
	if e, exists := sh.items[key]; exists {
		delta := int64(len(value) - len(e.value))
		e.value = value
		e.version = marker
		e.touch(marker)
		sh.mu.Unlock()
		s.bytes.Add(delta)
		s.memPool.Adjust(delta)
	} else {
		e := &entry{key: key, value: value, version: marker}
		e.marker.Store(marker)
		e.referenced.Store(true)
		sh.insertLocked(e)
		sh.mu.Unlock()
		s.count.Add(1)
		s.bytes.Add(e.size())
		s.memPool.Reserve(e.size() + s.config.EntryOverhead)
	}

	s.puts.Add(1)
	return nil
}

// Get returns a copy of the value for key, marking the entry as recently used.
func (s *Store) Get(key string) (string, error) {
	sh := s.shards[s.shardIndex(key)]

	sh.mu.RLock()
	e, exists := sh.items[key]
	if !exists {
		sh.mu.RUnlock()
		s.misses.Add(1)
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	value := e.value
	e.touch(s.clock.Add(1))
	sh.mu.RUnlock()

	s.hits.Add(1)
	return value, nil
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	sh := s.shards[s.shardIndex(key)]

	sh.mu.Lock()
	e, exists := sh.items[key]
	if exists {
		sh.removeLocked(e)
	}
	sh.mu.Unlock()

	if !exists {
		return false
	}
	s.count.Add(-1)
	s.bytes.Add(-e.size())
	s.memPool.Release(e.size() + s.config.EntryOverhead)
	s.deletes.Add(1)
	return true
}

// EvictBatch removes the given candidates if they are still present with the
// selected version. Absent keys are skipped, so repeating a batch removes
// nothing. Each shard is locked once per batch.
func (s *Store) EvictBatch(candidates []Candidate) int {
	if len(candidates) == 0 {
		return 0
	}

	byShard := make(map[int][]Candidate)
	for _, c := range candidates {
		idx := s.shardIndex(c.Key)
		byShard[idx] = append(byShard[idx], c)
	}

	removed := 0
	var freed int64
	for idx, group := range byShard {
		sh := s.shards[idx]
		sh.mu.Lock()
		for _, c := range group {
			e, exists := sh.items[c.Key]
			if !exists {
				continue
			}
			// A Put after selection wins over the stale decision
			if c.Version != 0 && e.version != c.Version {
				continue
			}
			sh.removeLocked(e)
			freed += e.size()
			removed++
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		s.count.Add(-int64(removed))
		s.bytes.Add(-freed)
		s.memPool.Release(freed + int64(removed)*s.config.EntryOverhead)
		s.evictions.Add(uint64(removed))
	}
	return removed
}

// EvictKeys removes keys unconditionally; see EvictBatch.
func (s *Store) EvictKeys(keys []string) int {
	candidates := make([]Candidate, len(keys))
	for i, k := range keys {
		candidates[i] = Candidate{Key: k}
	}
	return s.EvictBatch(candidates)
}

// Len returns the number of entries - O(1), lock-free
func (s *Store) Len() int {
	return int(s.count.Load())
}

// EstimatedBytes returns the summed key and value bytes - O(1), lock-free
func (s *Store) EstimatedBytes() int64 {
	return s.bytes.Load()
}

// ShardCount returns the number of shards.
func (s *Store) ShardCount() int {
	return len(s.shards)
}

// ShardLen returns the number of ring slots in shard idx.
func (s *Store) ShardLen(idx int) int {
	sh := s.shards[idx]
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.slots)
}

// ScanShard visits up to limit slots of shard idx starting at pos, holding only
// that shard's read lock. It stops early when visit returns false and returns
// the position after the last visited slot plus the number visited.
func (s *Store) ScanShard(idx, pos, limit int, visit func(Slot) bool) (next, visited int) {
	sh := s.shards[idx]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	for pos < len(sh.slots) && visited < limit {
		e := sh.slots[pos]
		pos++
		visited++
		if !visit(Slot{e: e}) {
			break
		}
	}
	return pos, visited
}

// Sample returns min(n, Len) distinct candidates drawn uniformly from the
// store. When n covers the whole store every entry is returned in shard order.
// Large samples shuffle a full scan; small ones pick random ring positions,
// taking one shard read lock per pick.
func (s *Store) Sample(n int, rng *rand.Rand) []Candidate {
	if n <= 0 {
		return nil
	}
	if 2*n >= s.Len() {
		all := s.collectAll()
		if n >= len(all) {
			return all
		}
		for i := 0; i < n; i++ {
			j := i + rng.IntN(len(all)-i)
			all[i], all[j] = all[j], all[i]
		}
		return all[:n]
	}

	// Cumulative slot counts map a position in [0, total) to a shard
	ends := make([]int, len(s.shards))
	total := 0
	for i, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.slots)
		sh.mu.RUnlock()
		ends[i] = total
	}
	if total == 0 {
		return nil
	}

	out := make([]Candidate, 0, n)
	seen := make(map[string]struct{}, n)
	for attempts := 0; len(out) < n && attempts < 4*n; attempts++ {
		r := rng.IntN(total)
		idx := sort.SearchInts(ends, r+1)
		pos := r
		if idx > 0 {
			pos -= ends[idx-1]
		}

		sh := s.shards[idx]
		sh.mu.RLock()
		if pos < len(sh.slots) {
			e := sh.slots[pos]
			if _, dup := seen[e.key]; !dup {
				seen[e.key] = struct{}{}
				out = append(out, Slot{e: e}.Candidate())
			}
		}
		sh.mu.RUnlock()
	}

	// Shards shrank under us or the draws kept colliding
	if len(out) < n {
		for _, c := range s.collectAll() {
			if len(out) == n {
				break
			}
			if _, dup := seen[c.Key]; !dup {
				seen[c.Key] = struct{}{}
				out = append(out, c)
			}
		}
	}
	return out
}

func (s *Store) collectAll() []Candidate {
	out := make([]Candidate, 0, s.Len())
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.slots {
			out = append(out, Slot{e: e}.Candidate())
		}
		sh.mu.RUnlock()
	}
	return out
}

// Clear removes every entry, one shard at a time.
func (s *Store) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		var freed int64
		n := len(sh.slots)
		for _, e := range sh.slots {
			freed += e.size()
		}
		sh.items = make(map[string]*entry)
		sh.slots = nil
		sh.mu.Unlock()

		s.count.Add(-int64(n))
		s.bytes.Add(-freed)
		s.memPool.Release(freed + int64(n)*s.config.EntryOverhead)
	}
}

// MemoryPool exposes the accountant so callers can attach pressure handlers.
// It holds len*EntryOverhead plus key and value bytes, the same quantity the
// size estimate reports.
func (s *Store) MemoryPool() *MemoryPool {
	return s.memPool
}

// Name returns the configured store name.
func (s *Store) Name() string {
	return s.config.Name
}

// Stats returns cache statistics
func (s *Store) Stats() StoreStats {
	return StoreStats{
		Name:             s.config.Name,
		Shards:           len(s.shards),
		Entries:          s.count.Load(),
		EstimatedBytes:   s.bytes.Load(),
		AccountedBytes:   s.memPool.CurrentUsage(),
		MaxMemory:        s.memPool.MaxSize(),
		MemoryPressure:   s.memPool.MemoryPressure(),
		Puts:             s.puts.Load(),
		Hits:             s.hits.Load(),
		Misses:           s.misses.Load(),
		Evictions:        s.evictions.Load(),
		Deletes:          s.deletes.Load(),
		ValidationErrors: s.validationErrors.Load(),
		CreatedAt:        s.createdAt,
	}
}
