// ============================================================================
// AUGMENTED INTERVAL TREE - ADDRESS RANGE INDEX
// ============================================================================
//
// Ordered associative structure keyed by half-open [start, end) intervals
// of guest addresses, valued by translated artifacts. Backbone of the
// translation cache: every authoritative artifact lookup is a stabbing
// query against this tree.
//
// Architecture overview:
//   - Self-balancing AVL tree ordered by (start, end)
//   - Each node carries maxEnd, the maximum interval end in its subtree,
//     enabling O(log n + k) stabbing and overlap queries
//   - Overlapping intervals are representable; the guarded AddOrUpdate
//     path routes conflicts through a caller-supplied resolver
//
// Invariants:
//   - In-order traversal yields intervals sorted by (start, end)
//   - node.maxEnd = max(node.end, left.maxEnd, right.maxEnd) after every
//     mutation
//   - No two nodes share an equal (start, end) key
//   - Empty intervals (start == end) are rejected, never stored
//
// Concurrency: none. The tree is single-writer/single-reader on its own;
// transcache wraps it in a reader/writer lock.

package intervalmap

import (
	"github.com/kirakira-dev/Kirujinx-Public/types"
)

// ConflictResolver merges a colliding insert into an existing interval.
// Receives the existing interval's start and current value; returns the
// value the existing interval keeps.
type ConflictResolver func(start uint64, old *types.Artifact) *types.Artifact

// ============================================================================
// CORE DATA STRUCTURES
// ============================================================================

// node is one interval with AVL bookkeeping and the maxEnd augmentation.
type node struct {
	start  uint64
	end    uint64
	maxEnd uint64
	val    *types.Artifact

	left   *node
	right  *node
	height int32
}

// Tree is the interval index. Zero value is an empty tree.
type Tree struct {
	root  *node
	count int
}

// New returns an empty interval tree.
func New() *Tree {
	return &Tree{}
}

// ============================================================================
// NODE HELPERS
// ============================================================================

//go:inline
func height(n *node) int32 {
	if n == nil {
		return 0
	}
	return n.height
}

//go:inline
func maxEnd(n *node) uint64 {
	if n == nil {
		return 0
	}
	return n.maxEnd
}

// fix recomputes height and the maxEnd augmentation from children.
//
//go:inline
func (n *node) fix() {
	h := height(n.left)
	if r := height(n.right); r > h {
		h = r
	}
	n.height = h + 1

	m := n.end
	if l := maxEnd(n.left); l > m {
		m = l
	}
	if r := maxEnd(n.right); r > m {
		m = r
	}
	n.maxEnd = m
}

// keyLess orders nodes by (start, end).
//
//go:inline
func keyLess(aStart, aEnd, bStart, bEnd uint64) bool {
	if aStart != bStart {
		return aStart < bStart
	}
	return aEnd < bEnd
}

// ============================================================================
// AVL ROTATIONS
// ============================================================================

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	y.fix()
	x.fix()
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	x.fix()
	y.fix()
	return y
}

// rebalance restores the AVL height invariant at n after a mutation below.
func rebalance(n *node) *node {
	n.fix()
	bf := height(n.left) - height(n.right)
	switch {
	case bf > 1:
		if height(n.left.left) < height(n.left.right) {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case bf < -1:
		if height(n.right.right) < height(n.right.left) {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

// ============================================================================
// INSERTION
// ============================================================================

// insert adds a (start, end) → val node, rebalancing on the way up.
// Returns the new subtree root and whether a node was created (false when
// an equal key already existed; existing value is left untouched then).
func insert(n *node, start, end uint64, val *types.Artifact) (*node, bool) {
	if n == nil {
		return &node{start: start, end: end, maxEnd: end, val: val, height: 1}, true
	}

	var created bool
	switch {
	case start == n.start && end == n.end:
		return n, false
	case keyLess(start, end, n.start, n.end):
		n.left, created = insert(n.left, start, end, val)
	default:
		n.right, created = insert(n.right, start, end, val)
	}

	if !created {
		n.fix()
		return n, false
	}
	return rebalance(n), true
}

// AddOrUpdate inserts [start, end) → val, routing collisions through the
// resolver:
//
//   - No existing interval overlaps [start, end): a new node is created,
//     the resolver is not consulted, and true is returned.
//   - One or more existing intervals overlap: the resolver is invoked
//     exactly once per overlapping interval with that interval's start and
//     current value; its return value replaces the overlapped interval's
//     value. No new node is created and false is returned.
//
// A nil resolver with an overlap present is a programmer error and panics:
// silent clobbering of live translated code is never acceptable.
//
// Empty intervals (start == end) are rejected: returns false, tree
// untouched.
func (t *Tree) AddOrUpdate(start, end uint64, val *types.Artifact, onConflict ConflictResolver) bool {
	if start >= end {
		return false
	}

	conflicts := 0
	t.visitOverlaps(t.root, start, end, func(n *node) {
		if onConflict == nil {
			panic("intervalmap: overlapping AddOrUpdate without resolver")
		}
		n.val = onConflict(n.start, n.val)
		conflicts++
	})
	if conflicts > 0 {
		return false
	}

	var created bool
	t.root, created = insert(t.root, start, end, val)
	if created {
		t.count++
	}
	return created
}

// GetOrAdd inserts [start, end) → val only if no equal (start, end) key
// exists, and returns the authoritative value either way. Overlapping but
// non-equal intervals do not block the insert; the stabbing tie-break
// resolves reads over overlapped regions.
//
// Empty intervals are rejected and return nil.
func (t *Tree) GetOrAdd(start, end uint64, val *types.Artifact) *types.Artifact {
	if start >= end {
		return nil
	}

	if n := t.findExact(start, end); n != nil {
		return n.val
	}

	var created bool
	t.root, created = insert(t.root, start, end, val)
	if created {
		t.count++
	}
	return val
}

// ============================================================================
// QUERIES
// ============================================================================

// findExact locates the node with exactly key (start, end).
func (t *Tree) findExact(start, end uint64) *node {
	n := t.root
	for n != nil {
		switch {
		case start == n.start && end == n.end:
			return n
		case keyLess(start, end, n.start, n.end):
			n = n.left
		default:
			n = n.right
		}
	}
	return nil
}

// TryGet performs a stabbing query: the value of an interval containing
// point, or nil. When multiple intervals contain the point the one with
// the smallest start, then the smallest end, wins — the in-order leftmost
// containing node.
func (t *Tree) TryGet(point uint64) (*types.Artifact, bool) {
	n := stab(t.root, point)
	if n == nil {
		return nil, false
	}
	return n.val, true
}

// stab returns the in-order leftmost node containing point.
func stab(n *node, point uint64) *node {
	if n == nil || maxEnd(n) <= point {
		return nil
	}

	// Left subtree holds all smaller (start, end) keys; a hit there always
	// wins the tie-break.
	if hit := stab(n.left, point); hit != nil {
		return hit
	}

	if n.start <= point && point < n.end {
		return n
	}

	// Right subtree can only contain the point if its starts don't already
	// exclude it.
	if n.start > point {
		return nil
	}
	return stab(n.right, point)
}

// ContainsKey reports whether any interval contains point.
func (t *Tree) ContainsKey(point uint64) bool {
	return stab(t.root, point) != nil
}

// GetOverlaps fills buf with the start addresses of all intervals
// intersecting [start, end), in (start, end) order, up to len(buf).
// Returns the number of entries written.
func (t *Tree) GetOverlaps(start, end uint64, buf []uint64) int {
	if start >= end || len(buf) == 0 {
		return 0
	}
	filled := 0
	t.visitOverlaps(t.root, start, end, func(n *node) {
		if filled < len(buf) {
			buf[filled] = n.start
			filled++
		}
	})
	return filled
}

// visitOverlaps walks every node whose interval intersects [start, end),
// in (start, end) order.
func (t *Tree) visitOverlaps(n *node, start, end uint64, visit func(*node)) {
	if n == nil || maxEnd(n) <= start {
		return
	}

	t.visitOverlaps(n.left, start, end, visit)

	if n.start < end && start < n.end {
		visit(n)
	}

	// Subtrees rooted right of an interval starting at or past end cannot
	// intersect [start, end).
	if n.start < end {
		t.visitOverlaps(n.right, start, end, visit)
	}
}

// ============================================================================
// REMOVAL
// ============================================================================

// Remove deletes every interval whose start equals point and returns the
// number removed. Intervals merely containing point are untouched.
func (t *Tree) Remove(point uint64) uint32 {
	var removed uint32
	for {
		n := findByStart(t.root, point)
		if n == nil {
			break
		}
		t.root = deleteExact(t.root, n.start, n.end)
		t.count--
		removed++
	}
	return removed
}

// findByStart locates any node with the given start.
func findByStart(n *node, start uint64) *node {
	for n != nil {
		switch {
		case start == n.start:
			return n
		case start < n.start:
			n = n.left
		default:
			n = n.right
		}
	}
	return nil
}

// deleteExact removes the node keyed (start, end), rebalancing upward.
func deleteExact(n *node, start, end uint64) *node {
	if n == nil {
		return nil
	}

	switch {
	case start == n.start && end == n.end:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		// Two children: splice the in-order successor up.
		succ := n.right
		for succ.left != nil {
			succ = succ.left
		}
		n.start, n.end, n.val = succ.start, succ.end, succ.val
		n.right = deleteExact(n.right, succ.start, succ.end)
	case keyLess(start, end, n.start, n.end):
		n.left = deleteExact(n.left, start, end)
	default:
		n.right = deleteExact(n.right, start, end)
	}

	return rebalance(n)
}

// ============================================================================
// WHOLE-TREE OPERATIONS
// ============================================================================

// AsList returns all values in (start, end) order.
func (t *Tree) AsList() []*types.Artifact {
	out := make([]*types.Artifact, 0, t.count)
	var walk func(*node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		walk(n.left)
		out = append(out, n.val)
		walk(n.right)
	}
	walk(t.root)
	return out
}

// Count returns the number of stored intervals.
func (t *Tree) Count() int {
	return t.count
}

// Clear drops every interval.
func (t *Tree) Clear() {
	t.root = nil
	t.count = 0
}
