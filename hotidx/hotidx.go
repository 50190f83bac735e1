// ============================================================================
// LOCK-FREE HOT-ADDRESS CACHE
// ============================================================================
//
// Bounded exact-address → artifact map sitting in front of the interval
// tree. The hot cache is a probabilistic filter, not a source of truth:
// every miss falls through to the authoritative interval map, so lost
// entries cost a slow-path lookup, never a wrong answer.
//
// Architecture overview:
//   - Open-addressed slot array, power-of-2 sized with 2x headroom
//   - One atomic pointer per slot; the entry carries its own full key,
//     so a hit is always exact (no fingerprint false positives)
//   - Bounded linear probing; a probe window exhausted on insert
//     displaces the home slot instead of growing
//   - CAS-elected bulk eviction once the size bound is reached
//
// Eviction policy:
//   When size ≥ cap, the thread that wins a single CAS (dropping size by
//   cap/2) clears cap/2 arbitrary occupied slots from a rotating start
//   position. Deliberately not LRU. Under intense contention concurrent
//   removals can undershoot cap/2 residual entries; that loss is an
//   accepted property of the filter.
//
// Concurrency model:
//   - TryGet is wait-free: one atomic load per probed slot
//   - InsertIfAbsent / Remove are lock-free CAS loops over ≤ probeWindow
//     slots
//   - No locks anywhere; safe from every fabric thread

package hotidx

import (
	"sync/atomic"

	"github.com/kirakira-dev/Kirujinx-Public/constants"
	"github.com/kirakira-dev/Kirujinx-Public/ring"
	"github.com/kirakira-dev/Kirujinx-Public/types"
	"github.com/kirakira-dev/Kirujinx-Public/utils"
)

// probeWindow bounds linear probing on every path. Entries displaced past
// an emptied slot may become unreachable; the interval map backstops them.
const probeWindow = 8

// entry binds a full 64-bit key to its artifact so hits are always exact.
type entry struct {
	addr uint64
	art  *types.Artifact
}

// Cache is the bounded lock-free hot-address index.
type Cache struct {
	slots []atomic.Pointer[entry]
	mask  uint64
	cap   int64

	// Rotating eviction cursor; each elected sweep starts where the last
	// one stopped so pressure spreads across the table.
	evictCursor atomic.Uint64

	size    atomic.Int64
	lookups atomic.Uint64
	hits    atomic.Uint64
}

// New creates a hot cache bounded to capacity entries (default
// constants.HotCacheCap when capacity ≤ 0). The slot array carries 2x
// headroom so the probabilistic filter stays useful near the bound.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = constants.HotCacheCap
	}
	n := utils.NextPow2(capacity * 2)
	return &Cache{
		slots: make([]atomic.Pointer[entry], n),
		mask:  n - 1,
		cap:   int64(capacity),
	}
}

// ============================================================================
// READ PATH
// ============================================================================

// TryGet returns the artifact cached for addr, if present. Wait-free.
//
//go:nosplit
//go:inline
func (c *Cache) TryGet(addr uint64) (*types.Artifact, bool) {
	c.lookups.Add(1)
	h := utils.Mix64(addr)
	for i := uint64(0); i < probeWindow; i++ {
		e := c.slots[(h+i)&c.mask].Load()
		if e == nil {
			break
		}
		if e.addr == addr {
			c.hits.Add(1)
			return e.art, true
		}
	}
	return nil, false
}

// ============================================================================
// WRITE PATH
// ============================================================================

// InsertIfAbsent publishes addr → art unless the address is already
// cached. Returns true when this call made the entry visible.
//
// Writer discipline: callers insert only values consistent with the
// interval map at insertion time (transcache holds its write lock, or the
// read-side promotion republishes the value it just read).
func (c *Cache) InsertIfAbsent(addr uint64, art *types.Artifact) bool {
	c.maybeEvict()

	e := &entry{addr: addr, art: art}
	h := utils.Mix64(addr)
	for i := uint64(0); i < probeWindow; i++ {
		s := &c.slots[(h+i)&c.mask]
		for {
			cur := s.Load()
			if cur == nil {
				if s.CompareAndSwap(nil, e) {
					c.size.Add(1)
					return true
				}
				ring.Relax() // lost the race, reinspect the slot
				continue
			}
			if cur.addr == addr {
				return false
			}
			break // occupied by another address, probe onward
		}
	}

	// Probe window exhausted: displace the home slot. Size is unchanged —
	// one resident entry traded for another.
	c.slots[h&c.mask].Store(e)
	return true
}

// Remove drops addr from the cache if present. Returns true on removal.
func (c *Cache) Remove(addr uint64) bool {
	h := utils.Mix64(addr)
	for i := uint64(0); i < probeWindow; i++ {
		s := &c.slots[(h+i)&c.mask]
		cur := s.Load()
		if cur == nil {
			return false
		}
		if cur.addr == addr {
			if s.CompareAndSwap(cur, nil) {
				c.size.Add(-1)
				return true
			}
			return false // concurrent writer took the slot; entry is gone either way
		}
	}
	return false
}

// Clear drops every entry.
func (c *Cache) Clear() {
	for i := range c.slots {
		c.slots[i].Store(nil)
	}
	c.size.Store(0)
}

// ============================================================================
// EVICTION
// ============================================================================

// maybeEvict elects at most one caller to release cap/2 entries once the
// size bound is reached. Election is a single CAS on the size counter;
// losers proceed immediately with their insert.
func (c *Cache) maybeEvict() {
	for {
		sz := c.size.Load()
		if sz < c.cap {
			return
		}
		drop := c.cap / constants.HotEvictFraction
		if !c.size.CompareAndSwap(sz, sz-drop) {
			ring.Relax() // someone else moved the counter; reevaluate
			continue
		}

		// Elected: clear `drop` occupied slots from the rotating cursor.
		start := c.evictCursor.Load()
		cleared := int64(0)
		i := uint64(0)
		for cleared < drop && i <= c.mask {
			s := &c.slots[(start+i)&c.mask]
			i++
			if e := s.Load(); e != nil && s.CompareAndSwap(e, nil) {
				cleared++
			}
		}
		c.evictCursor.Store(start + i)

		// A short sweep released fewer entries than the election charged
		// for; return the difference so the counter tracks residency.
		if cleared < drop {
			c.size.Add(drop - cleared)
		}
		return
	}
}

// ============================================================================
// STATS
// ============================================================================

// Stats is a value snapshot of the cache counters.
type Stats struct {
	Lookups uint64
	Hits    uint64
	Size    int64
}

// Stats returns the current counter snapshot.
func (c *Cache) Stats() Stats {
	return Stats{
		Lookups: c.lookups.Load(),
		Hits:    c.hits.Load(),
		Size:    c.size.Load(),
	}
}

// Size returns the tracked entry count. Transiently inexact around
// eviction sweeps, never exceeding cap by more than cap/2.
func (c *Cache) Size() int64 {
	return c.size.Load()
}
