// ============================================================================
// SCRATCH BUFFER POOL - THREAD-CACHED REUSABLE ALLOCATIONS
// ============================================================================
//
// Reusable scratch buffers for the translation workers (compile staging)
// and the speculative tracer (successor fan-out batches). Two tiers:
//
//   - sync.Pool supplies the processor-local cache tier: gets and puts on
//     the same P hit a private slot with no synchronization, which is the
//     closest construct Go offers to a per-thread freelist
//   - a bounded global bag (buffered channel) catches overflow and keeps
//     a working set of buffers alive across GC cycles, so steady-state
//     translation bursts stop allocating after warmup
//
// Put clears retained references, never sizes: a buffer returns with its
// grown capacity intact, which is the entire point of pooling compile
// scratch space.

package objpool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/kirakira-dev/Kirujinx-Public/constants"
)

// Buffer is one reusable scratch allocation: byte staging for artifact
// blobs plus an address slice for successor fan-out batches.
type Buffer struct {
	B     []byte
	Addrs []uint64
}

// Reset empties the buffer, keeping capacity.
//
//go:inline
func (b *Buffer) Reset() {
	b.B = b.B[:0]
	b.Addrs = b.Addrs[:0]
}

// Pool is the two-tier scratch buffer pool.
type Pool struct {
	local sync.Pool
	bag   chan *Buffer

	gets     atomic.Uint64
	puts     atomic.Uint64
	allocs   atomic.Uint64
	bagHits  atomic.Uint64
	bagFulls atomic.Uint64
}

// New creates a pool whose global bag holds up to
// constants.PoolSpillPerProc buffers per logical CPU.
func New() *Pool {
	p := &Pool{
		bag: make(chan *Buffer, constants.PoolSpillPerProc*runtime.GOMAXPROCS(0)),
	}
	p.local.New = func() any { return nil }
	return p
}

// Get returns a scratch buffer: processor-local cache first, global bag
// second, fresh allocation last.
func (p *Pool) Get() *Buffer {
	p.gets.Add(1)

	if v := p.local.Get(); v != nil {
		return v.(*Buffer)
	}

	select {
	case b := <-p.bag:
		p.bagHits.Add(1)
		return b
	default:
	}

	p.allocs.Add(1)
	return &Buffer{B: make([]byte, 0, constants.ScratchBufSize)}
}

// Put recycles a buffer. The local tier takes it first; the bounded bag
// absorbs overflow; a full bag lets the buffer fall to the GC.
func (p *Pool) Put(b *Buffer) {
	if b == nil {
		return
	}
	n := p.puts.Add(1)
	b.Reset()

	// Most returns stay processor-local; every eighth feeds the global
	// bag so it stays stocked across GC cycles that trim sync.Pool.
	if n&7 == 0 {
		select {
		case p.bag <- b:
			return
		default:
			p.bagFulls.Add(1)
		}
	}
	p.local.Put(b)
}

// Stats is a value snapshot of pool counters.
type Stats struct {
	Gets     uint64
	Puts     uint64
	Allocs   uint64
	BagHits  uint64
	BagFulls uint64
}

// Stats returns the counter snapshot.
func (p *Pool) Stats() Stats {
	return Stats{
		Gets:     p.gets.Load(),
		Puts:     p.puts.Load(),
		Allocs:   p.allocs.Load(),
		BagHits:  p.bagHits.Load(),
		BagFulls: p.bagFulls.Load(),
	}
}
