// ============================================================================
// TRANSLATION CACHE VALIDATION SUITE
// ============================================================================
//
// Test coverage for the composed address → artifact store:
//   - Demand-miss then hot-path-hit scenario with exact counter accounting
//   - Tier consistency: every hot answer matches the interval map
//   - Write-path variants (TryAdd / AddOrUpdate / GetOrAdd) and their
//     hot-tier side effects
//   - Removal and invalidation sweeps
//   - Concurrent readers against a mutating writer

package transcache

import (
	"sync"
	"testing"

	"github.com/kirakira-dev/Kirujinx-Public/intervalmap"
	"github.com/kirakira-dev/Kirujinx-Public/types"
)

func art(addr, size uint64) *types.Artifact {
	return &types.Artifact{Addr: addr, Size: size, Mode: types.ModeTranslated}
}

// TestDemandMissThenHotHit replays the canonical dispatch sequence: a cold
// lookup misses, the producer inserts, the next lookup hits the hot tier.
func TestDemandMissThenHotHit(t *testing.T) {
	c := New(0)

	if _, ok := c.TryGet(0x1000); ok {
		t.Fatal("hit on fresh cache")
	}

	a := art(0x1000, 0x10)
	if !c.TryAdd(0x1000, 0x10, a) {
		t.Fatal("TryAdd into fresh cache failed")
	}

	got, ok := c.TryGet(0x1000)
	if !ok || got != a {
		t.Fatalf("post-insert TryGet: got (%v,%v)", got, ok)
	}

	s := c.HotStats()
	if s.Lookups != 2 {
		t.Errorf("hot lookups: got %d, want 2", s.Lookups)
	}
	if s.Hits != 1 {
		t.Errorf("hot hits: got %d, want 1", s.Hits)
	}
}

// TestInteriorLookupPromotes validates that a stab in the interior of a
// range answers from the interval map and promotes that exact address.
func TestInteriorLookupPromotes(t *testing.T) {
	c := New(0)
	a := art(0x2000, 0x100)
	c.TryAdd(0x2000, 0x100, a)

	got, ok := c.TryGet(0x2080)
	if !ok || got != a {
		t.Fatalf("interior stab: got (%v,%v)", got, ok)
	}

	// The interior address is now hot: a second lookup must not need the
	// interval map (observable through the hit counter).
	before := c.HotStats().Hits
	c.TryGet(0x2080)
	if c.HotStats().Hits != before+1 {
		t.Error("interior address not promoted into hot tier")
	}
}

// TestTryAddDuplicate validates that an equal range is inserted once.
func TestTryAddDuplicate(t *testing.T) {
	c := New(0)
	if !c.TryAdd(0x3000, 0x10, art(0x3000, 0x10)) {
		t.Fatal("first TryAdd failed")
	}
	if c.TryAdd(0x3000, 0x10, art(0x3000, 0x10)) {
		t.Error("duplicate TryAdd succeeded")
	}
	if c.Count() != 1 {
		t.Errorf("count: got %d, want 1", c.Count())
	}
}

// TestAddOrUpdateResolver validates resolver-mediated replacement and the
// hot-tier refresh rule (refreshed only when already hot).
func TestAddOrUpdateResolver(t *testing.T) {
	c := New(0)
	old := art(0x4000, 0x20)
	c.TryAdd(0x4000, 0x20, old)
	c.TryGet(0x4000) // make it hot

	repl := art(0x4000, 0x20)
	created := c.AddOrUpdate(0x4000, 0x20, repl,
		func(start uint64, cur *types.Artifact) *types.Artifact {
			if cur != old {
				t.Errorf("resolver saw %v, want original", cur)
			}
			return repl
		})
	if created {
		t.Error("update over existing range reported creation")
	}

	got, ok := c.TryGet(0x4000)
	if !ok || got != repl {
		t.Errorf("post-update lookup: got %v, want replacement", got)
	}
}

// TestGetOrAddAuthoritative validates first-writer-wins semantics.
func TestGetOrAddAuthoritative(t *testing.T) {
	c := New(0)
	first := art(0x5000, 0x10)
	second := art(0x5000, 0x10)

	if got := c.GetOrAdd(0x5000, 0x10, first); got != first {
		t.Errorf("initial GetOrAdd returned %v", got)
	}
	if got := c.GetOrAdd(0x5000, 0x10, second); got != first {
		t.Errorf("racing GetOrAdd returned %v, want authoritative value", got)
	}
}

// TestRemoveDropsBothTiers validates the round-trip law including the hot
// tier: insert → get (hot) → remove → miss.
func TestRemoveDropsBothTiers(t *testing.T) {
	c := New(0)
	c.TryAdd(0x6000, 0x10, art(0x6000, 0x10))
	c.TryGet(0x6000) // promote

	if !c.Remove(0x6000) {
		t.Fatal("Remove missed")
	}
	if _, ok := c.TryGet(0x6000); ok {
		t.Error("stale hit after Remove (hot tier not purged)")
	}
	if c.Remove(0x6000) {
		t.Error("second Remove reported success")
	}
}

// TestGetOverlaps validates the invalidation helper view.
func TestGetOverlaps(t *testing.T) {
	c := New(0)
	c.TryAdd(0x1000, 0x100, art(0x1000, 0x100))
	c.TryAdd(0x2000, 0x100, art(0x2000, 0x100))
	c.TryAdd(0x3000, 0x100, art(0x3000, 0x100))

	buf := make([]uint64, 8)
	// Window [0x1080, 0x2080): the second argument is a size, not an end.
	n := c.GetOverlaps(0x1080, 0x1000, buf)
	if n != 2 {
		t.Fatalf("overlaps: got %d, want 2", n)
	}
	if buf[0] != 0x1000 || buf[1] != 0x2000 {
		t.Errorf("overlap starts: got %#x,%#x", buf[0], buf[1])
	}
}

// TestHotAnswersMatchIntervalMap validates the core consistency invariant
// under a read-heavy concurrent workload: any TryGet answer must be a
// value the interval map holds for that address.
func TestHotAnswersMatchIntervalMap(t *testing.T) {
	c := New(64)

	const ranges = 512
	for i := uint64(0); i < ranges; i++ {
		start := i << 12
		c.TryAdd(start, 0x1000, art(start, 0x1000))
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			for i := uint64(0); i < 50_000; i++ {
				addr := ((seed + i*7) % ranges) << 12
				got, ok := c.TryGet(addr + (i & 0xFFF))
				if !ok {
					t.Errorf("lost range %#x", addr)
					return
				}
				if got.Addr != addr {
					t.Errorf("inconsistent answer: asked %#x got range %#x",
						addr, got.Addr)
					return
				}
			}
		}(uint64(g))
	}
	wg.Wait()
}

// TestClear validates whole-store reset.
func TestClear(t *testing.T) {
	c := New(0)
	c.TryAdd(0x1000, 0x10, art(0x1000, 0x10))
	c.TryGet(0x1000)
	c.Clear()

	if c.Count() != 0 {
		t.Errorf("count after Clear: %d", c.Count())
	}
	if _, ok := c.TryGet(0x1000); ok {
		t.Error("hit after Clear")
	}
}

// TestAddOrUpdateNilResolverPanics validates that overlap without a
// resolver propagates the interval map's programmer-error panic.
func TestAddOrUpdateNilResolverPanics(t *testing.T) {
	c := New(0)
	c.TryAdd(0x7000, 0x100, art(0x7000, 0x100))

	defer func() {
		if recover() == nil {
			t.Error("overlapping AddOrUpdate with nil resolver did not panic")
		}
	}()
	var nilResolver intervalmap.ConflictResolver
	c.AddOrUpdate(0x7080, 0x100, art(0x7080, 0x100), nilResolver)
}

// BenchmarkTryGetHot measures the executor's dispatch fast path.
func BenchmarkTryGetHot(b *testing.B) {
	c := New(0)
	c.TryAdd(0x8000, 0x10, art(0x8000, 0x10))
	c.TryGet(0x8000)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		c.TryGet(0x8000)
	}
}
