package cache

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"kvcache/internal/storage"
)

// sweep advances the CLOCK hand from cur until quota entries with a clear
// reference bit are found or budget slots have been visited. Entries found
// with the bit set get it cleared and are passed over.
func (e *Engine) sweep(ctx context.Context, cur Cursor, quota, budget int, selected map[string]struct{}) ([]storage.Candidate, Cursor, error) {
	shards := e.store.ShardCount()
	if shards == 0 {
		return nil, cur, nil
	}
	if cur.Shard < 0 || cur.Shard >= shards || cur.Pos < 0 {
		cur = Cursor{}
	}

	victims := make([]storage.Candidate, 0, quota)
	scanned, idle := 0, 0
	for len(victims) < quota && scanned < budget && idle < shards {
		if err := ctx.Err(); err != nil {
			return nil, cur, err
		}

		limit := min(scanChunk, budget-scanned)
		next, visited := e.store.ScanShard(cur.Shard, cur.Pos, limit, func(s storage.Slot) bool {
			if s.SecondChance() {
				return true
			}
			c := s.Candidate()
			if _, dup := selected[c.Key]; !dup {
				selected[c.Key] = struct{}{}
				victims = append(victims, c)
			}
			return len(victims) < quota
		})
		scanned += visited

		if visited == 0 {
			idle++
		} else {
			idle = 0
		}

		switch {
		case len(victims) >= quota, visited == limit:
			cur.Pos = next
		default:
			// Shard exhausted; move the hand to the next one
			cur = Cursor{Shard: (cur.Shard + 1) % shards}
		}
	}
	return victims, cur, nil
}

// oldest ranks a sample of the store by access marker (key order breaks ties)
// and returns the n oldest not already selected. The sample holds SweepFactor
// candidates per entry wanted, so the ranking has something to reject.
func (e *Engine) oldest(n int, selected map[string]struct{}) []storage.Candidate {
	size := max(e.cfg.SampleSize, e.cfg.SweepFactor*(n+len(selected)))
	sample := e.store.Sample(min(size, e.store.Len()), e.rng)

	pool := sample[:0]
	for _, c := range sample {
		if _, dup := selected[c.Key]; !dup {
			pool = append(pool, c)
		}
	}
	sortByRecency(pool)

	if len(pool) > n {
		pool = pool[:n]
	}
	for _, c := range pool {
		selected[c.Key] = struct{}{}
	}
	return pool
}

// sortByRecency orders candidates oldest first: lowest access marker, then key.
func sortByRecency(cs []storage.Candidate) {
	slices.SortFunc(cs, func(a, b storage.Candidate) int {
		if c := cmp.Compare(a.Marker, b.Marker); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}
