// ============================================================================
// INTERVAL TREE CORRECTNESS VALIDATION SUITE
// ============================================================================
//
// Test coverage for the augmented AVL interval index:
//   - Insert / stab / remove round trips
//   - Stabbing tie-break order (smallest start, then smallest end)
//   - Overlap enumeration and conflict resolver invocation counts
//   - Empty-interval rejection (fixed boundary choice: rejected)
//   - maxEnd augmentation and AVL balance invariants after random mutation

package intervalmap

import (
	"math/rand"
	"testing"

	"github.com/kirakira-dev/Kirujinx-Public/types"
)

// art builds a minimal artifact for a range.
func art(addr, size uint64) *types.Artifact {
	return &types.Artifact{Addr: addr, Size: size, Mode: types.ModeTranslated}
}

// checkInvariants walks the tree validating AVL balance, (start, end)
// ordering, and the maxEnd augmentation at every node.
func checkInvariants(t *testing.T, tr *Tree) {
	t.Helper()

	var prevStart, prevEnd uint64
	first := true

	var walk func(n *node) (int32, uint64)
	walk = func(n *node) (int32, uint64) {
		if n == nil {
			return 0, 0
		}
		lh, lm := walk(n.left)

		if !first {
			if n.start < prevStart || (n.start == prevStart && n.end <= prevEnd) {
				t.Errorf("order violation: (%#x,%#x) after (%#x,%#x)",
					n.start, n.end, prevStart, prevEnd)
			}
		}
		first = false
		prevStart, prevEnd = n.start, n.end

		rh, rm := walk(n.right)

		if lh-rh > 1 || rh-lh > 1 {
			t.Errorf("AVL balance violation at (%#x,%#x): lh=%d rh=%d",
				n.start, n.end, lh, rh)
		}

		m := n.end
		if lm > m {
			m = lm
		}
		if rm > m {
			m = rm
		}
		if n.maxEnd != m {
			t.Errorf("maxEnd violation at (%#x,%#x): got %#x, want %#x",
				n.start, n.end, n.maxEnd, m)
		}

		h := lh
		if rh > h {
			h = rh
		}
		return h + 1, m
	}
	walk(tr.root)
}

// TestInsertStabRemoveRoundTrip validates the fundamental round-trip law:
// insert → stab hit → remove → stab miss.
func TestInsertStabRemoveRoundTrip(t *testing.T) {
	tr := New()
	a := art(0x1000, 0x10)

	if !tr.AddOrUpdate(0x1000, 0x1010, a, nil) {
		t.Fatal("insert into empty tree did not create a node")
	}

	got, ok := tr.TryGet(0x1008)
	if !ok || got != a {
		t.Errorf("stab inside range: got (%v,%v), want (%v,true)", got, ok, a)
	}

	if removed := tr.Remove(0x1000); removed != 1 {
		t.Errorf("Remove returned %d, want 1", removed)
	}
	if _, ok := tr.TryGet(0x1008); ok {
		t.Error("stab hit after remove")
	}
	if tr.Count() != 0 {
		t.Errorf("count after remove: got %d, want 0", tr.Count())
	}
}

// TestStabBoundaries validates half-open semantics: start inclusive, end
// exclusive.
func TestStabBoundaries(t *testing.T) {
	tr := New()
	tr.AddOrUpdate(0x100, 0x200, art(0x100, 0x100), nil)

	if _, ok := tr.TryGet(0x100); !ok {
		t.Error("start address not contained (must be inclusive)")
	}
	if _, ok := tr.TryGet(0x1FF); !ok {
		t.Error("last interior address not contained")
	}
	if _, ok := tr.TryGet(0x200); ok {
		t.Error("end address contained (must be exclusive)")
	}
	if _, ok := tr.TryGet(0xFF); ok {
		t.Error("address below start contained")
	}
}

// TestStabTieBreak validates the documented tie-break: among containing
// intervals, smallest start wins, then smallest end.
func TestStabTieBreak(t *testing.T) {
	tr := New()
	wide := art(0x100, 0x300)
	inner := art(0x180, 0x80)
	late := art(0x190, 0x100)

	tr.GetOrAdd(0x100, 0x400, wide)
	tr.GetOrAdd(0x180, 0x200, inner)
	tr.GetOrAdd(0x190, 0x290, late)

	// All three contain 0x1A0; smallest start is 0x100.
	got, ok := tr.TryGet(0x1A0)
	if !ok || got != wide {
		t.Errorf("tie-break by start: got %v, want wide interval", got)
	}

	// Equal starts: smallest end wins.
	tr2 := New()
	short := art(0x100, 0x10)
	long := art(0x100, 0x100)
	tr2.GetOrAdd(0x100, 0x200, long)
	tr2.GetOrAdd(0x100, 0x110, short)
	got, ok = tr2.TryGet(0x105)
	if !ok || got != short {
		t.Errorf("tie-break by end: got %v, want short interval", got)
	}
}

// TestEmptyIntervalRejected fixes the boundary choice: start == end is
// rejected, never stored.
func TestEmptyIntervalRejected(t *testing.T) {
	tr := New()

	if tr.AddOrUpdate(0x100, 0x100, art(0x100, 0), nil) {
		t.Error("AddOrUpdate accepted an empty interval")
	}
	if v := tr.GetOrAdd(0x100, 0x100, art(0x100, 0)); v != nil {
		t.Error("GetOrAdd accepted an empty interval")
	}
	if tr.Count() != 0 {
		t.Errorf("empty interval stored: count %d", tr.Count())
	}
}

// TestAddOrUpdateConflictResolver validates that the resolver runs exactly
// once per overlapping interval and that its result replaces the
// overlapped value without creating a node.
func TestAddOrUpdateConflictResolver(t *testing.T) {
	tr := New()
	a := art(0x100, 0x100)
	b := art(0x250, 0x100)
	tr.AddOrUpdate(0x100, 0x200, a, nil)
	tr.AddOrUpdate(0x250, 0x350, b, nil)

	merged := art(0x100, 0x300)
	calls := 0
	created := tr.AddOrUpdate(0x180, 0x300, art(0x180, 0x180),
		func(start uint64, old *types.Artifact) *types.Artifact {
			calls++
			if old != a && old != b {
				t.Errorf("resolver got unexpected old value %v", old)
			}
			return merged
		})

	if created {
		t.Error("conflicting AddOrUpdate reported node creation")
	}
	if calls != 2 {
		t.Errorf("resolver called %d times, want exactly 2 (one per overlap)", calls)
	}
	if tr.Count() != 2 {
		t.Errorf("conflicting insert changed count: got %d, want 2", tr.Count())
	}

	got, _ := tr.TryGet(0x180)
	if got != merged {
		t.Errorf("overlapped interval kept stale value %v", got)
	}
}

// TestAddOrUpdateNilResolverPanics validates that an overlapping insert
// without a resolver is treated as a programmer error.
func TestAddOrUpdateNilResolverPanics(t *testing.T) {
	tr := New()
	tr.AddOrUpdate(0x100, 0x200, art(0x100, 0x100), nil)

	defer func() {
		if recover() == nil {
			t.Error("overlapping AddOrUpdate with nil resolver did not panic")
		}
	}()
	tr.AddOrUpdate(0x180, 0x280, art(0x180, 0x100), nil)
}

// TestGetOrAddReturnsAuthoritative validates that an equal-key GetOrAdd
// keeps and returns the first value.
func TestGetOrAddReturnsAuthoritative(t *testing.T) {
	tr := New()
	first := art(0x100, 0x100)
	second := art(0x100, 0x100)

	if got := tr.GetOrAdd(0x100, 0x200, first); got != first {
		t.Errorf("initial GetOrAdd returned %v, want inserted value", got)
	}
	if got := tr.GetOrAdd(0x100, 0x200, second); got != first {
		t.Errorf("equal-key GetOrAdd returned %v, want authoritative first value", got)
	}
	if tr.Count() != 1 {
		t.Errorf("equal-key GetOrAdd changed count: %d", tr.Count())
	}
}

// TestGetOverlaps validates overlap enumeration order and bounds.
func TestGetOverlaps(t *testing.T) {
	tr := New()
	tr.GetOrAdd(0x100, 0x200, art(0x100, 0x100))
	tr.GetOrAdd(0x180, 0x280, art(0x180, 0x100))
	tr.GetOrAdd(0x300, 0x400, art(0x300, 0x100))
	tr.GetOrAdd(0x500, 0x600, art(0x500, 0x100))

	buf := make([]uint64, 8)
	n := tr.GetOverlaps(0x150, 0x350, buf)
	if n != 3 {
		t.Fatalf("overlap count: got %d, want 3", n)
	}
	want := []uint64{0x100, 0x180, 0x300}
	for i, w := range want {
		if buf[i] != w {
			t.Errorf("overlap[%d]: got %#x, want %#x", i, buf[i], w)
		}
	}

	// Buffer shorter than the result set: fills to capacity.
	small := make([]uint64, 2)
	if n := tr.GetOverlaps(0x150, 0x350, small); n != 2 {
		t.Errorf("bounded overlap fill: got %d, want 2", n)
	}

	// Disjoint probe window.
	if n := tr.GetOverlaps(0x700, 0x800, buf); n != 0 {
		t.Errorf("disjoint window returned %d overlaps", n)
	}
}

// TestRemoveAllWithStart validates that Remove deletes every interval
// sharing the start point and only those.
func TestRemoveAllWithStart(t *testing.T) {
	tr := New()
	tr.GetOrAdd(0x100, 0x200, art(0x100, 0x100))
	tr.GetOrAdd(0x100, 0x300, art(0x100, 0x200))
	tr.GetOrAdd(0x100, 0x180, art(0x100, 0x80))
	tr.GetOrAdd(0x400, 0x500, art(0x400, 0x100))

	if removed := tr.Remove(0x100); removed != 3 {
		t.Errorf("Remove(0x100): got %d, want 3", removed)
	}
	if tr.Count() != 1 {
		t.Errorf("count after remove: got %d, want 1", tr.Count())
	}
	if !tr.ContainsKey(0x450) {
		t.Error("unrelated interval lost during remove")
	}
	checkInvariants(t, tr)
}

// TestAsListOrder validates in-order value enumeration.
func TestAsListOrder(t *testing.T) {
	tr := New()
	addrs := []uint64{0x500, 0x100, 0x300, 0x200, 0x400}
	for _, a := range addrs {
		tr.GetOrAdd(a, a+0x10, art(a, 0x10))
	}

	list := tr.AsList()
	if len(list) != 5 {
		t.Fatalf("AsList length: got %d, want 5", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Addr >= list[i].Addr {
			t.Errorf("AsList out of order at %d: %#x >= %#x",
				i, list[i-1].Addr, list[i].Addr)
		}
	}
}

// TestRandomizedInvariants hammers the tree with random inserts and
// removals, validating structural invariants after every batch.
func TestRandomizedInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(0x5EED))
	tr := New()
	live := make(map[uint64]bool)

	for round := 0; round < 50; round++ {
		for i := 0; i < 40; i++ {
			// Page-aligned disjoint ranges keep AddOrUpdate conflict-free.
			page := uint64(rng.Intn(1 << 12))
			start := page << 12
			if live[start] {
				continue
			}
			tr.AddOrUpdate(start, start+0x1000, art(start, 0x1000), nil)
			live[start] = true
		}
		for i := 0; i < 15; i++ {
			for start := range live {
				tr.Remove(start)
				delete(live, start)
				break
			}
		}
		checkInvariants(t, tr)
		if tr.Count() != len(live) {
			t.Fatalf("round %d: count %d, want %d", round, tr.Count(), len(live))
		}
	}

	// Every live range must still stab correctly.
	for start := range live {
		if v, ok := tr.TryGet(start + 0x800); !ok || v.Addr != start {
			t.Errorf("live range %#x lost: ok=%v", start, ok)
		}
	}
}

// BenchmarkStab measures stabbing query cost on a populated tree.
func BenchmarkStab(b *testing.B) {
	tr := New()
	for i := uint64(0); i < 4096; i++ {
		start := i << 12
		tr.GetOrAdd(start, start+0x1000, art(start, 0x1000))
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tr.TryGet(uint64(i%4096)<<12 + 0x10)
	}
}
