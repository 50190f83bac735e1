// ============================================================================
// LOCK-FREE SPSC COMPLETION RING
// ============================================================================
//
// Single-producer/single-consumer ring carrying translation completion
// records from one worker thread to the speculative tracer. Each worker
// owns exactly one ring; the tracer is the sole consumer of all of them,
// preserving the SPSC discipline per ring without any locks on the
// completion path.
//
// Core capabilities:
//   - Lock-free SPSC operation with wait-free push/pop
//   - Fixed 16-byte completion records for cache efficiency
//   - Power-of-2 sizing with bit masking for O(1) operations
//   - Cache line isolation for producer/consumer cursor separation
//
// Architecture overview:
//   - Separated head/tail cursors on isolated cache lines
//   - Sequence-based slot availability signaling
//   - Zero allocation during steady-state operation
//
// Safety model:
//   - SPSC discipline required: one producer, one consumer per ring
//   - Push returns false when full; completion loss is tolerated (the
//     tracer treats rings as lossy hints, never as a source of truth)
//   - Pop results valid until the next ring operation

package ring

import (
	"sync/atomic"
)

// ============================================================================
// COMPLETION RECORD
// ============================================================================

// Record is the 16-byte payload flowing worker → tracer: a freshly
// translated guest address plus the mode and speculation depth it was
// produced at.
type Record struct {
	Addr  uint64 // Guest start address of the new artifact
	Mode  uint32 // types.ExecMode of the translation
	Depth uint32 // Speculation depth (0 for worker-pool compiles)
}

// ============================================================================
// CORE DATA STRUCTURES
// ============================================================================

// slot pairs a record with its sequence word.
//
// Sequence semantics:
//   - Producer: sets seq = position + 1 when data is ready
//   - Consumer: expects seq = position + 1 for available data
//   - Reset: consumer sets seq = position + ring_size for reuse
type slot struct {
	val Record // 16B completion record
	seq uint64 // Sequence number for availability signaling
	_   [40]byte
}

// Ring implements a cache-isolated SPSC ring of completion records.
//
// Isolation strategy:
//   - Producer and consumer cursors live on separate cache lines
//   - Padding blocks eliminate false sharing between worker and tracer
//
// Invariant: buf length is a power of two; mask = len-1; step = len.
type Ring struct {
	_    [64]byte // Cache line isolation ahead of head cursor
	head uint64   // Consumer read position (tracer)

	_    [56]byte // Cache line isolation ahead of tail cursor
	tail uint64   // Producer write position (worker)

	_ [56]byte // Isolation ahead of shared metadata

	mask uint64 // Size - 1 for modulo via bit masking
	step uint64 // Ring size for sequence reset calculations
	buf  []slot // Backing buffer array
}

// ============================================================================
// CONSTRUCTOR
// ============================================================================

// New creates a completion ring with the given capacity.
// Capacity must be a positive power of two.
func New(size int) *Ring {
	if size <= 0 || size&(size-1) != 0 {
		panic("ring: size must be >0 and power of two")
	}

	r := &Ring{
		mask: uint64(size - 1),
		step: uint64(size),
		buf:  make([]slot, size),
	}

	// Seed sequence numbers so every slot starts writable.
	for i := range r.buf {
		r.buf[i].seq = uint64(i)
	}

	return r
}

// ============================================================================
// PRODUCER OPERATIONS
// ============================================================================

// Push attempts to enqueue a completion record.
//
// Memory ordering:
//   - Release store on the sequence word publishes the record
//   - No barriers beyond that are required under SPSC discipline
//
// ⚠️ Single producer only. A false return means the ring is full; the
// worker drops the record (the tracer will rediscover the address through
// its own execution counters).
//
//go:nosplit
//go:inline
//go:registerparams
func (r *Ring) Push(val *Record) bool {
	t := r.tail
	s := &r.buf[t&r.mask]

	if atomic.LoadUint64(&s.seq) != t {
		return false // Slot not yet consumed
	}

	s.val = *val

	// Publish the record to the consumer.
	atomic.StoreUint64(&s.seq, t+1)

	r.tail = t + 1
	return true
}

// ============================================================================
// CONSUMER OPERATIONS
// ============================================================================

// Pop attempts to dequeue the next completion record.
//
// Pointer validity: the result points into the ring slot and is valid only
// until the next ring operation; callers copy what they keep.
//
// ⚠️ Single consumer only.
//
//go:nosplit
//go:inline
//go:registerparams
func (r *Ring) Pop() *Record {
	h := r.head
	s := &r.buf[h&r.mask]

	if atomic.LoadUint64(&s.seq) != h+1 {
		return nil // No data available
	}

	val := &s.val

	// Recycle the slot for the producer.
	atomic.StoreUint64(&s.seq, h+r.step)

	r.head = h + 1
	return val
}

// Empty reports whether no record is currently available to the consumer.
// Consumer-side heuristic only; a concurrent Push may change the answer
// before it is acted upon.
//
//go:nosplit
//go:inline
//go:registerparams
func (r *Ring) Empty() bool {
	h := r.head
	return atomic.LoadUint64(&r.buf[h&r.mask].seq) != h+1
}
