// ============================================================================
// SPECULATIVE TRACER - BRANCH/CALL GRAPH OBSERVER & PREFETCH PRODUCER
// ============================================================================
//
// Observes the executor's branch and call stream, learns each hot block's
// successor set, and opportunistically queues likely-next translations
// ahead of demand. Everything here is best-effort: full queues, dedup
// rejects and compile failures are silently absorbed — the demand path
// will translate whatever speculation missed.
//
// Architecture overview:
//   - 64-shard execution-count and branch-target tables; shard index is
//     a mix of the source address so executor threads rarely collide
//   - Branch target sets are bounded (8 per source); further targets are
//     ignored, matching the locality horizon worth prefetching
//   - Pending queue bounded to 256 with an in-flight dedup set and a
//     tracked atomic counter (never a map length scan on the hot path)
//   - One low-priority worker thread, woken by a coalescing notify
//     channel or a 100 ms tick, compiles pending addresses and fans out
//     their successors one depth level deeper (capped at 4)
//   - Per-worker SPSC completion rings feed addresses compiled by the
//     worker pool back in, so queued rejit compiles also trigger
//     successor prefetch (demand compiles push no record)
//
// Arming rule: a block's successors become enqueueable once its execution
// count crosses SpecThreshold (3). Calls are prefetched unconditionally —
// a call target is a certainty, not a prediction.

package spectrace

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirakira-dev/Kirujinx-Public/constants"
	"github.com/kirakira-dev/Kirujinx-Public/control"
	"github.com/kirakira-dev/Kirujinx-Public/debug"
	"github.com/kirakira-dev/Kirujinx-Public/objpool"
	"github.com/kirakira-dev/Kirujinx-Public/ring"
	"github.com/kirakira-dev/Kirujinx-Public/transcache"
	"github.com/kirakira-dev/Kirujinx-Public/types"
	"github.com/kirakira-dev/Kirujinx-Public/utils"
)

const shardCount = 64

// shard holds one slice of the observation tables. Padded out to a full
// cache line so neighboring shards never false-share under concurrent
// executor threads.
type shard struct {
	mu       sync.Mutex
	exec     map[uint64]uint32
	branches map[uint64][]uint64
	_        [utils.CacheLine - 24]byte
}

// specItem is one pending speculative translation.
type specItem struct {
	addr  uint64
	depth uint32
}

// Tracer is the speculative producer. One per core context.
type Tracer struct {
	shards [shardCount]shard

	cache *transcache.Cache
	comp  types.Compiler
	pool  *objpool.Pool

	mu       sync.Mutex
	pending  []specItem
	inflight map[uint64]struct{}
	queued   atomic.Int32

	// Config knobs, fixed at startup before the executor runs.
	threshold uint32
	maxDepth  uint32
	queueMax  int32

	notify chan struct{}

	ringMu sync.Mutex
	rings  []*ring.Ring

	cacheHits  atomic.Uint64
	depthDrops atomic.Uint64
	fullDrops  atomic.Uint64
	dupDrops   atomic.Uint64
	compiled   atomic.Uint64
	failures   atomic.Uint64

	stop chan struct{}
	done sync.WaitGroup
}

// New creates a tracer bound to the cache it checks before queueing and
// the compiler it drives.
func New(cache *transcache.Cache, comp types.Compiler, pool *objpool.Pool) *Tracer {
	t := &Tracer{
		cache:     cache,
		comp:      comp,
		pool:      pool,
		inflight:  make(map[uint64]struct{}),
		threshold: constants.SpecThreshold,
		maxDepth:  constants.MaxSpecDepth,
		queueMax:  constants.SpecQueueMax,
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	for i := range t.shards {
		t.shards[i].exec = make(map[uint64]uint32)
		t.shards[i].branches = make(map[uint64][]uint64)
	}
	return t
}

// Tune overrides the admission knobs. Applied at startup from the
// options record, before any executor hook fires.
func (t *Tracer) Tune(threshold, maxDepth, queueMax int) {
	if threshold > 0 {
		t.threshold = uint32(threshold)
	}
	if maxDepth > 0 {
		t.maxDepth = uint32(maxDepth)
	}
	if queueMax > 0 {
		t.queueMax = int32(queueMax)
	}
}

//go:inline
func (t *Tracer) shardFor(addr uint64) *shard {
	return &t.shards[utils.Mix64(addr)&(shardCount-1)]
}

// ============================================================================
// EXECUTOR HOOKS
// ============================================================================

// RecordExecution counts one execution of addr. The first crossing of the
// speculation threshold arms the block: every known branch target is
// queued at depth 0.
func (t *Tracer) RecordExecution(addr uint64) {
	s := t.shardFor(addr)

	s.mu.Lock()
	s.exec[addr]++
	armed := s.exec[addr] == t.threshold
	var targets []uint64
	if armed && len(s.branches[addr]) > 0 {
		targets = append([]uint64(nil), s.branches[addr]...)
	}
	s.mu.Unlock()

	for _, tgt := range targets {
		t.enqueue(tgt, 0)
	}
}

// RecordBranch learns tgt as a successor of src (bounded set). If src is
// already armed the target is queued immediately.
func (t *Tracer) RecordBranch(src, tgt uint64) {
	s := t.shardFor(src)

	s.mu.Lock()
	known := false
	for _, have := range s.branches[src] {
		if have == tgt {
			known = true
			break
		}
	}
	if !known && len(s.branches[src]) < constants.BranchTargetsMax {
		s.branches[src] = append(s.branches[src], tgt)
	}
	armed := s.exec[src] >= t.threshold
	s.mu.Unlock()

	if armed {
		t.enqueue(tgt, 0)
	}
}

// RecordCall queues callee unconditionally at depth 0 and learns the
// edge for later fan-out.
func (t *Tracer) RecordCall(caller, callee uint64) {
	s := t.shardFor(caller)
	s.mu.Lock()
	known := false
	for _, have := range s.branches[caller] {
		if have == callee {
			known = true
			break
		}
	}
	if !known && len(s.branches[caller]) < constants.BranchTargetsMax {
		s.branches[caller] = append(s.branches[caller], callee)
	}
	s.mu.Unlock()

	t.enqueue(callee, 0)
}

// ============================================================================
// QUEUE ADMISSION
// ============================================================================

// enqueue applies the speculative admission rules. Every rejection is
// silent and counted; nothing on this path may stall the executor.
func (t *Tracer) enqueue(addr uint64, depth uint32) bool {
	if depth >= t.maxDepth {
		t.depthDrops.Add(1)
		return false
	}
	if t.queued.Load() >= t.queueMax {
		t.fullDrops.Add(1)
		return false
	}
	if t.cache.ContainsKey(addr) {
		t.cacheHits.Add(1)
		return false
	}

	t.mu.Lock()
	if _, dup := t.inflight[addr]; dup {
		t.mu.Unlock()
		t.dupDrops.Add(1)
		return false
	}
	t.inflight[addr] = struct{}{}
	t.pending = append(t.pending, specItem{addr: addr, depth: depth})
	t.mu.Unlock()

	t.queued.Add(1)
	control.SignalActivity()
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return true
}

// ============================================================================
// WORKER LOOP
// ============================================================================

// Start launches the single speculative worker thread.
func (t *Tracer) Start() {
	t.done.Add(1)
	go t.loop()
}

// Stop terminates the worker. Pending speculation is dropped.
func (t *Tracer) Stop() {
	close(t.stop)
	t.done.Wait()
}

// AttachRing registers a worker's completion ring; the tracer drains all
// attached rings on every wakeup.
func (t *Tracer) AttachRing(r *ring.Ring) {
	t.ringMu.Lock()
	t.rings = append(t.rings, r)
	t.ringMu.Unlock()
}

func (t *Tracer) loop() {
	defer t.done.Done()

	tick := time.NewTicker(constants.SpecIdleWaitMs * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-t.notify:
		case <-tick.C:
		}
		if control.Stopped() {
			return
		}

		t.drainCompletions()
		t.drainPending()
	}
}

// drainCompletions pulls worker-pool completions off every attached
// ring and fans their successors out one depth deeper.
func (t *Tracer) drainCompletions() {
	t.ringMu.Lock()
	rings := t.rings
	t.ringMu.Unlock()

	for _, r := range rings {
		for {
			rec := r.Pop()
			if rec == nil {
				break
			}
			t.fanOut(rec.Addr, rec.Depth+1)
		}
	}
}

// drainPending compiles every queued address, then fans out successors.
func (t *Tracer) drainPending() {
	for {
		t.mu.Lock()
		if len(t.pending) == 0 {
			t.mu.Unlock()
			return
		}
		item := t.pending[0]
		t.pending = t.pending[1:]
		delete(t.inflight, item.addr)
		t.mu.Unlock()
		t.queued.Add(-1)

		if control.Stopped() {
			return
		}

		if !t.cache.ContainsKey(item.addr) {
			art, err := t.comp.Compile(item.addr, types.ModeTranslated)
			if err != nil {
				t.failures.Add(1)
				debug.DropError("SPEC "+utils.Utoa64Hex(item.addr), err)
				continue
			}
			t.cache.TryAdd(art.Addr, art.Size, art)
			t.compiled.Add(1)
		}

		t.fanOut(item.addr, item.depth+1)
	}
}

// fanOut queues every known successor of addr at the given depth, using
// a pooled scratch batch so the shard lock is never held across enqueue.
func (t *Tracer) fanOut(addr uint64, depth uint32) {
	if depth >= t.maxDepth {
		t.depthDrops.Add(1)
		return
	}

	buf := t.pool.Get()
	s := t.shardFor(addr)
	s.mu.Lock()
	buf.Addrs = append(buf.Addrs, s.branches[addr]...)
	s.mu.Unlock()

	for _, tgt := range buf.Addrs {
		t.enqueue(tgt, depth)
	}
	t.pool.Put(buf)
}

// ============================================================================
// LIFECYCLE & STATS
// ============================================================================

// Reset drops all learned structure and pending work (title switch).
func (t *Tracer) Reset() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		s.exec = make(map[uint64]uint32)
		s.branches = make(map[uint64][]uint64)
		s.mu.Unlock()
	}
	t.mu.Lock()
	t.pending = nil
	t.inflight = make(map[uint64]struct{})
	t.mu.Unlock()
	t.queued.Store(0)
}

// Pending returns the tracked pending count.
func (t *Tracer) Pending() int {
	return int(t.queued.Load())
}

// Stats is a value snapshot of tracer counters.
type Stats struct {
	CacheHits  uint64
	DepthDrops uint64
	FullDrops  uint64
	DupDrops   uint64
	Compiled   uint64
	Failures   uint64
	Pending    int
}

// Stats returns the counter snapshot.
func (t *Tracer) Stats() Stats {
	return Stats{
		CacheHits:  t.cacheHits.Load(),
		DepthDrops: t.depthDrops.Load(),
		FullDrops:  t.fullDrops.Load(),
		DupDrops:   t.dupDrops.Load(),
		Compiled:   t.compiled.Load(),
		Failures:   t.failures.Load(),
		Pending:    int(t.queued.Load()),
	}
}
