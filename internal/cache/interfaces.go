package cache

import (
	"math/rand/v2"

	"kvcache/internal/monitor"
	"kvcache/internal/storage"
)

// Store is the view of the concurrent store the engine works through. The
// engine keeps no copy of entries; every read goes through these calls, each
// of which holds at most one shard lock.
type Store interface {
	// Size - O(1), lock-free
	Len() int
	EstimatedBytes() int64

	// Iteration in CLOCK ring order, one shard at a time
	ShardCount() int
	ScanShard(idx, pos, limit int, visit func(storage.Slot) bool) (next, visited int)

	// Random subset for the LRU fallback
	Sample(n int, rng *rand.Rand) []storage.Candidate

	// Version-checked removal, applied once per cycle
	EvictBatch(candidates []storage.Candidate) int
}

// MemorySampler supplies the reading a scheduled cycle runs against.
type MemorySampler interface {
	Sample() monitor.MemoryStats
}

// Compile-time checks against the concrete implementations.
var (
	_ Store         = (*storage.Store)(nil)
	_ MemorySampler = (*monitor.Monitor)(nil)
)
