// ============================================================================
// AGED MULTI-BAND REJIT QUEUE
// ============================================================================
//
// Five-band MPMC work queue feeding the translation worker pool. Bands are
// indexed 0..4 {Critical, High, Normal, Low, Background}; higher-priority
// bands always drain first, and a time-based aging rule promotes waiting
// requests band-by-band so nothing starves.
//
// Architecture overview:
//   - Per-band LIFO stacks (append/pop at the back): hot code arrives in
//     bursts, so the newest request is the most locality-relevant
//   - Address dedup map bounding each guest address to one live request;
//     it records the occupied band, serving Boost and test inspection
//   - One mutex + condition variable for blocking consumers, plus a
//     1-buffered notify channel for bounded worker waits
//
// Aging rule:
//   With AgeUnit = 500 ms, a request in band p is promoted to band p-1
//   once now - enqueuedTick > AgeUnit*(p+1), with its tick refreshed on
//   promotion. Worst-case climb Background → Critical is therefore
//   Σ_{p=1..4} 500*(p+1) = 6.5 s; invariant 3 in the test suite pins it.
//
// Invariants:
//   - count == Σ len(band)
//   - len(dedup) == count
//   - no address occupies two bands at once
//
// Tick source is 64-bit monotonic milliseconds (swappable for replayable
// aging tests); 32-bit wraparound handling is explicitly out of scope.

package rejitqueue

import (
	"sync"
	"time"

	"github.com/kirakira-dev/Kirujinx-Public/constants"
	"github.com/kirakira-dev/Kirujinx-Public/control"
	"github.com/kirakira-dev/Kirujinx-Public/types"
)

// Band indices.
const (
	Critical   = 0
	High       = 1
	Normal     = 2
	Low        = 3
	Background = 4
)

// Queue is the aged multi-band rejit queue.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	bands [constants.BandCount][]types.RejitRequest
	dedup map[uint64]int8
	count int

	closed bool

	// notify wakes one bounded-wait worker per enqueue without requiring
	// it to hold the mutex; capacity 1 coalesces bursts.
	notify chan struct{}

	// now returns monotonic milliseconds; tests swap it for a scripted
	// clock to replay aging schedules deterministically.
	now func() int64

	// ageUnit is the aging quantum in milliseconds (config knob).
	ageUnit int64

	base time.Time

	enqueued   uint64
	dropped    uint64
	promotions uint64
}

// New creates an empty queue.
func New() *Queue {
	q := &Queue{
		dedup:   make(map[uint64]int8),
		notify:  make(chan struct{}, 1),
		ageUnit: constants.AgeUnitMs,
		base:    time.Now(),
	}
	q.cond = sync.NewCond(&q.mu)
	q.now = func() int64 { return time.Since(q.base).Milliseconds() }
	return q
}

// Notify exposes the coalescing wakeup channel for bounded worker waits.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// ============================================================================
// PRODUCER SIDE
// ============================================================================

// Enqueue inserts a request for addr into the given band. Returns false
// when the address already has a live request (dedup drop), the priority
// is out of range, or the queue is closed.
func (q *Queue) Enqueue(addr uint64, mode types.ExecMode, priority int) bool {
	if priority < Critical || priority > Background {
		return false
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if _, dup := q.dedup[addr]; dup {
		q.dropped++
		q.mu.Unlock()
		return false
	}

	q.bands[priority] = append(q.bands[priority], types.RejitRequest{
		Addr:         addr,
		Mode:         mode,
		Priority:     uint8(priority),
		EnqueuedTick: q.now(),
	})
	q.dedup[addr] = int8(priority)
	q.count++
	q.enqueued++
	q.cond.Signal()
	q.mu.Unlock()

	control.SignalActivity()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Boost pulls addr out of bands 1..4 and re-inserts it as Critical.
// No-op when the address is absent or already Critical; the dedup count
// is unchanged either way.
func (q *Queue) Boost(addr uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	band, ok := q.dedup[addr]
	if !ok || band == Critical {
		return false
	}

	req, found := q.extract(int(band), addr)
	if !found {
		return false
	}
	req.Priority = Critical
	req.EnqueuedTick = q.now()
	q.bands[Critical] = append(q.bands[Critical], req)
	q.dedup[addr] = Critical
	q.cond.Signal()
	return true
}

// extract removes addr's request from the given band, preserving the
// order of the remainder.
func (q *Queue) extract(band int, addr uint64) (types.RejitRequest, bool) {
	b := q.bands[band]
	for i := range b {
		if b[i].Addr == addr {
			req := b[i]
			q.bands[band] = append(b[:i], b[i+1:]...)
			return req, true
		}
	}
	return types.RejitRequest{}, false
}

// ============================================================================
// CONSUMER SIDE
// ============================================================================

// TryDequeue pops the most urgent request: after running aging, the back
// of the lowest-index non-empty band. With block set, an empty queue
// parks the caller on the condition variable until work or Close arrives.
// Returns ok=false when the queue is empty (non-blocking) or closed and
// drained.
func (q *Queue) TryDequeue(block bool) (types.RejitRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		q.promoteAged()

		for p := Critical; p <= Background; p++ {
			if n := len(q.bands[p]); n > 0 {
				req := q.bands[p][n-1]
				q.bands[p] = q.bands[p][:n-1]
				delete(q.dedup, req.Addr)
				q.count--
				return req, true
			}
		}

		if !block || q.closed {
			return types.RejitRequest{}, false
		}
		q.cond.Wait()
	}
}

// TryDequeueBatch drains up to len(buf) requests, higher-priority bands
// first, under a single lock acquisition. Returns the number drained.
// Never blocks.
func (q *Queue) TryDequeueBatch(buf []types.RejitRequest) int {
	if len(buf) == 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteAged()

	n := 0
	for p := Critical; p <= Background && n < len(buf); p++ {
		for len(q.bands[p]) > 0 && n < len(buf) {
			last := len(q.bands[p]) - 1
			req := q.bands[p][last]
			q.bands[p] = q.bands[p][:last]
			delete(q.dedup, req.Addr)
			q.count--
			buf[n] = req
			n++
		}
	}
	return n
}

// promoteAged climbs overdue requests toward Critical. A request whose
// age has outlived the bound of several bands climbs past all of them in
// one pass (an unserviced Background request found at age 2600 ms lands
// directly in Critical); its tick refreshes only on final placement.
// Caller holds q.mu.
func (q *Queue) promoteAged() {
	now := q.now()
	for p := High; p <= Background; p++ {
		b := q.bands[p]
		for i := 0; i < len(b); {
			age := now - b[i].EnqueuedTick
			if age <= q.ageUnit*int64(p+1) {
				i++
				continue
			}
			req := b[i]
			b = append(b[:i], b[i+1:]...)

			target := p - 1
			for target > Critical && age > q.ageUnit*int64(target+1) {
				target--
			}

			req.Priority = uint8(target)
			req.EnqueuedTick = now
			q.bands[target] = append(q.bands[target], req)
			q.dedup[req.Addr] = int8(target)
			q.promotions++
		}
		q.bands[p] = b
	}
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Pending returns the live request count.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// BandOf reports which band addr currently occupies. Inspection surface
// for aging and boost tests.
func (q *Queue) BandOf(addr uint64) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	band, ok := q.dedup[addr]
	return int(band), ok
}

// Clear drops every pending request.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.bands {
		q.bands[p] = nil
	}
	q.dedup = make(map[uint64]int8)
	q.count = 0
}

// Close rejects all future enqueues and wakes every blocked consumer.
// Requests still queued remain drainable through the non-blocking paths
// so workers can finish in-flight work before exiting.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Stats is a value snapshot of queue counters.
type Stats struct {
	Enqueued   uint64
	DedupDrops uint64
	Promotions uint64
	Pending    int
}

// Stats returns the counter snapshot.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Enqueued:   q.enqueued,
		DedupDrops: q.dropped,
		Promotions: q.promotions,
		Pending:    q.count,
	}
}

// SetClock swaps the monotonic tick source. Tests only; never call with
// consumers parked.
func (q *Queue) SetClock(now func() int64) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// SetAgeUnit overrides the aging quantum. Applied at startup from the
// options record, before consumers run.
func (q *Queue) SetAgeUnit(ms int) {
	if ms <= 0 {
		return
	}
	q.mu.Lock()
	q.ageUnit = int64(ms)
	q.mu.Unlock()
}
