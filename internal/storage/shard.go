package storage

import (
	"sync"
	"sync/atomic"
)

// entry is the unit of storage. key is immutable; value, version and slot are
// guarded by the owning shard's lock. marker and referenced are atomics so
// readers can touch them while holding only the read lock.
type entry struct {
	key     string
	value   string
	version uint64
	slot    int

	marker     atomic.Uint64
	referenced atomic.Bool
}

// touch sets the reference bit and raises the access marker. The marker never
// moves backwards even when concurrent readers finish out of order.
func (e *entry) touch(marker uint64) {
	e.referenced.Store(true)
	for {
		old := e.marker.Load()
		if marker <= old || e.marker.CompareAndSwap(old, marker) {
			return
		}
	}
}

func (e *entry) size() int64 {
	return int64(len(e.key) + len(e.value))
}

// shard is an independently locked partition of the key space. slots is the
// CLOCK ring order for the shard; removal moves the last slot into the hole.
type shard struct {
	mu    sync.RWMutex
	items map[string]*entry
	slots []*entry
}

func newShard() *shard {
	return &shard{items: make(map[string]*entry)}
}

// insertLocked appends e to the ring. Caller holds mu for writing.
func (sh *shard) insertLocked(e *entry) {
	e.slot = len(sh.slots)
	sh.slots = append(sh.slots, e)
	sh.items[e.key] = e
}

// removeLocked drops e from the map and the ring. Caller holds mu for writing.
func (sh *shard) removeLocked(e *entry) {
	last := len(sh.slots) - 1
	moved := sh.slots[last]
	sh.slots[e.slot] = moved
	moved.slot = e.slot
	sh.slots[last] = nil
	sh.slots = sh.slots[:last]
	delete(sh.items, e.key)
}

// Candidate identifies an entry selected for eviction. Version pins the
// selection to one incarnation of the key: a Put after selection changes the
// version and the eviction no longer applies. Version 0 removes unconditionally.
type Candidate struct {
	Key     string
	Version uint64
	Marker  uint64
}

// Slot is a view of one ring position handed to ScanShard visitors. It is only
// valid for the duration of the visit.
type Slot struct {
	e *entry
}

// Key returns the entry's key.
func (s Slot) Key() string { return s.e.key }

// Referenced reports the CLOCK bit without changing it.
func (s Slot) Referenced() bool { return s.e.referenced.Load() }

// SecondChance clears the CLOCK bit and reports whether it was set.
func (s Slot) SecondChance() bool {
	return s.e.referenced.CompareAndSwap(true, false)
}

// Candidate snapshots the entry for eviction.
func (s Slot) Candidate() Candidate {
	return Candidate{Key: s.e.key, Version: s.e.version, Marker: s.e.marker.Load()}
}
