// ============================================================================
// TRANSLATION CACHE - PUBLIC ADDRESS → ARTIFACT STORE
// ============================================================================
//
// Composition of the authoritative interval tree behind a reader/writer
// lock with the lock-free hot cache in front of it. This is the surface
// the executor hits on every guest dispatch, so the layering is strict:
//
//   TryGet fast path:  hot cache probe, zero locks, zero allocation
//   TryGet slow path:  RLock → interval stab → opportunistic hot promote
//   All mutation:      Lock → interval tree + hot cache updated together
//
// Ordering guarantee: a successful TryAdd(addr, …) happens-before any
// subsequent TryGet(addr) returning that artifact, enforced by the write
// lock release / read lock acquire pair. The hot cache is only ever fed
// values read or written under the lock, so a hot hit is always a value
// the interval map held at insertion time.
//
// Hot promotion on the read side uses the hot cache's own lock-free
// machinery and never upgrades the rwlock.

package transcache

import (
	"sync"

	"github.com/kirakira-dev/Kirujinx-Public/hotidx"
	"github.com/kirakira-dev/Kirujinx-Public/intervalmap"
	"github.com/kirakira-dev/Kirujinx-Public/types"
)

// Cache is the process-wide address → artifact store.
type Cache struct {
	mu  sync.RWMutex
	ivl *intervalmap.Tree
	hot *hotidx.Cache
}

// New creates a translation cache whose hot tier is bounded to hotCap
// entries (≤ 0 selects the default).
func New(hotCap int) *Cache {
	return &Cache{
		ivl: intervalmap.New(),
		hot: hotidx.New(hotCap),
	}
}

// ============================================================================
// READ PATH
// ============================================================================

// TryGet returns the artifact covering addr. The hot cache answers
// without blocking; on a miss the interval map is stabbed under the read
// lock and a hit is opportunistically promoted into the hot tier.
func (c *Cache) TryGet(addr uint64) (*types.Artifact, bool) {
	if art, ok := c.hot.TryGet(addr); ok {
		return art, true
	}

	c.mu.RLock()
	art, ok := c.ivl.TryGet(addr)
	c.mu.RUnlock()

	if ok {
		c.hot.InsertIfAbsent(addr, art)
	}
	return art, ok
}

// ContainsKey reports whether any stored range covers addr.
func (c *Cache) ContainsKey(addr uint64) bool {
	if _, ok := c.hot.TryGet(addr); ok {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ivl.ContainsKey(addr)
}

// Count returns the number of stored ranges.
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ivl.Count()
}

// AsList returns every stored artifact in range order.
func (c *Cache) AsList() []*types.Artifact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ivl.AsList()
}

// GetOverlaps fills buf with the starts of ranges intersecting
// [start, start+size) and returns the count written.
func (c *Cache) GetOverlaps(start, size uint64, buf []uint64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ivl.GetOverlaps(start, start+size, buf)
}

// ============================================================================
// WRITE PATH
// ============================================================================

// TryAdd stores art under [addr, addr+size) if no equal range exists.
// Returns true when this call inserted. The hot entry is published while
// the write lock is still held so no reader can observe the two tiers
// disagreeing.
func (c *Cache) TryAdd(addr, size uint64, art *types.Artifact) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.ivl.Count()
	got := c.ivl.GetOrAdd(addr, addr+size, art)
	if got != art || c.ivl.Count() == before {
		return false
	}
	c.hot.InsertIfAbsent(addr, art)
	return true
}

// AddOrUpdate stores art under [addr, addr+size), routing overlaps with
// existing ranges through resolver (see intervalmap.Tree.AddOrUpdate).
// The hot entry is refreshed only if the address is already hot.
func (c *Cache) AddOrUpdate(addr, size uint64, art *types.Artifact, resolver intervalmap.ConflictResolver) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	created := c.ivl.AddOrUpdate(addr, addr+size, art, resolver)
	if _, hot := c.hot.TryGet(addr); hot {
		c.hot.Remove(addr)
		if v, ok := c.ivl.TryGet(addr); ok {
			c.hot.InsertIfAbsent(addr, v)
		}
	}
	return created
}

// GetOrAdd stores art under [addr, addr+size) unless an equal range
// already exists and returns the authoritative value, promoting it into
// the hot tier.
func (c *Cache) GetOrAdd(addr, size uint64, art *types.Artifact) *types.Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()

	got := c.ivl.GetOrAdd(addr, addr+size, art)
	if got != nil {
		c.hot.InsertIfAbsent(addr, got)
	}
	return got
}

// Remove drops every range starting at addr from both tiers.
// Returns true when at least one range was removed.
func (c *Cache) Remove(addr uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hot.Remove(addr)
	return c.ivl.Remove(addr) > 0
}

// Clear empties both tiers.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hot.Clear()
	c.ivl.Clear()
}

// ============================================================================
// STATS
// ============================================================================

// HotStats exposes the fast-path hit accounting.
func (c *Cache) HotStats() hotidx.Stats {
	return c.hot.Stats()
}
