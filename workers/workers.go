// ============================================================================
// TRANSLATION WORKER POOL - BATCH QUEUE DRAIN & COMPILE DISPATCH
// ============================================================================
//
// N worker threads draining the rejit queue in small batches and driving
// the external compiler capability. Produced artifacts register with the
// translation cache and flow through per-worker SPSC completion rings to
// the speculative tracer for successor fan-out.
//
// Worker loop:
//   1. Bounded wait (≤ 100 ms) on the queue's notify channel
//   2. Drain up to 8 requests in one lock acquisition
//   3. Compile each; success registers with the cache and pushes a
//      completion record; failure logs, bumps a counter and drops the
//      request — never a re-enqueue (the dedup set would otherwise turn
//      a deterministic failure into a livelock)
//   4. Poll the control cooldown so idle pools decay off-core
//
// Pool sizing: W = clamp(⌈(cores−2)/2 · 1.5⌉, 2, max(8, cores−2)) — two
// cores are reserved for the render and executor threads, the rest are
// split with headroom for the OS scheduler.
//
// Shutdown: Close() closes the queue (waking all waits), sets the stop
// flag and joins each worker with a 1 s bound; stragglers are abandoned
// with daemon semantics and counted.

package workers

import (
	"errors"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirakira-dev/Kirujinx-Public/constants"
	"github.com/kirakira-dev/Kirujinx-Public/control"
	"github.com/kirakira-dev/Kirujinx-Public/debug"
	"github.com/kirakira-dev/Kirujinx-Public/objpool"
	"github.com/kirakira-dev/Kirujinx-Public/rejitqueue"
	"github.com/kirakira-dev/Kirujinx-Public/ring"
	"github.com/kirakira-dev/Kirujinx-Public/transcache"
	"github.com/kirakira-dev/Kirujinx-Public/types"
	"github.com/kirakira-dev/Kirujinx-Public/utils"
)

// ErrNoShaderSource marks a shader request whose sources cannot be
// resolved; counted and dropped like any other compile failure.
var ErrNoShaderSource = errors.New("workers: no shader source for hash")

// RingSink receives each worker's completion ring at startup; the
// speculative tracer implements it.
type RingSink interface {
	AttachRing(*ring.Ring)
}

// ShaderSourceResolver maps a shader hash to its sources for the renderer
// compile path. Absent sources fail the request.
type ShaderSourceResolver func(hash uint64) (sources [][]byte, info []byte, ok bool)

// Pool is the translation worker pool.
type Pool struct {
	queue *rejitqueue.Queue
	cache *transcache.Cache
	comp  types.Compiler

	renderer  types.Renderer
	shaderSrc ShaderSourceResolver

	sink  RingSink
	bufs  *objpool.Pool
	count int

	compiled  atomic.Uint64
	failures  atomic.Uint64
	abandoned atomic.Uint32

	stop    chan struct{}
	started bool
	done    sync.WaitGroup
	joined  chan struct{}
}

// DefaultWorkerCount derives the pool size from the machine.
func DefaultWorkerCount() int {
	cores := runtime.NumCPU()
	derived := int(math.Ceil(float64(cores-2) / 2.0 * 1.5))
	upper := cores - 2
	if upper < 8 {
		upper = 8
	}
	return utils.Clamp(derived, 2, upper)
}

// New creates a pool of count workers (≤ 0 selects the derived default)
// draining queue into cache through comp. sink may be nil (no
// speculative feedback); bufs may be nil (pool owns a private one).
func New(queue *rejitqueue.Queue, cache *transcache.Cache, comp types.Compiler, sink RingSink, bufs *objpool.Pool, count int) *Pool {
	if count <= 0 {
		count = DefaultWorkerCount()
	}
	if bufs == nil {
		bufs = objpool.New()
	}
	return &Pool{
		queue:  queue,
		cache:  cache,
		comp:   comp,
		sink:   sink,
		bufs:   bufs,
		count:  count,
		stop:   make(chan struct{}),
		joined: make(chan struct{}),
	}
}

// SetRenderer installs the renderer capability and shader source resolver
// for the shader-compile flavor of the pool.
func (p *Pool) SetRenderer(r types.Renderer, resolver ShaderSourceResolver) {
	p.renderer = r
	p.shaderSrc = resolver
}

// WorkerCount returns the configured pool size.
func (p *Pool) WorkerCount() int {
	return p.count
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Start launches the workers. Each owns one completion ring, registered
// with the sink before the first compile.
func (p *Pool) Start() {
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.count; i++ {
		var r *ring.Ring
		if p.sink != nil {
			r = ring.New(constants.CompletionRingSize)
			p.sink.AttachRing(r)
		}
		p.done.Add(1)
		go p.worker(r)
	}

	go func() {
		p.done.Wait()
		close(p.joined)
	}()
}

// Close drains the shutdown sequence: queue closed, stop flagged, workers
// joined with a bounded wait. Returns the number of requests still
// pending when the pool exited.
func (p *Pool) Close() int {
	p.queue.Close()
	close(p.stop)

	select {
	case <-p.joined:
	case <-time.After(constants.JoinTimeoutMs * time.Millisecond):
		// Daemon semantics: stragglers are abandoned, not waited out.
		p.abandoned.Add(1)
	}
	return p.queue.Pending()
}

// ============================================================================
// WORKER LOOP
// ============================================================================

func (p *Pool) worker(r *ring.Ring) {
	defer p.done.Done()

	var batch [constants.DequeueBatchMax]types.RejitRequest
	timer := time.NewTimer(constants.WorkerWaitMs * time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case <-p.stop:
			// The in-flight batch already finished; whatever is still
			// queued stays queued and is reported by Close.
			return
		case <-p.queue.Notify():
		case <-timer.C:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(constants.WorkerWaitMs * time.Millisecond)

		for {
			select {
			case <-p.stop:
				return
			default:
			}
			n := p.queue.TryDequeueBatch(batch[:])
			if n == 0 {
				break
			}
			p.runBatch(batch[:n], r)
			if control.Stopped() {
				break
			}
		}
		control.PollCooldown()
	}
}

// runBatch compiles one drained batch. Completed guest addresses are
// staged in a pooled scratch batch and pushed to the completion ring
// after the last compile, keeping ring traffic off the compile critical
// path. Shader completions are hash-keyed and never fan out guest
// successors, so they skip the ring entirely.
func (p *Pool) runBatch(batch []types.RejitRequest, r *ring.Ring) {
	scratch := p.bufs.Get()

	for i := range batch {
		req := &batch[i]
		art, err := p.compileOne(req.Addr, req.Mode)
		if err != nil {
			p.failures.Add(1)
			debug.DropError("REJIT "+utils.Utoa64Hex(req.Addr), err)
			continue
		}

		p.cache.GetOrAdd(art.Addr, art.Size, art)
		p.compiled.Add(1)

		if req.Mode != types.ModeShader {
			scratch.Addrs = append(scratch.Addrs, art.Addr)
		}
	}

	if r != nil {
		for _, addr := range scratch.Addrs {
			r.Push(&ring.Record{Addr: addr, Mode: uint32(types.ModeTranslated)})
		}
	}
	p.bufs.Put(scratch)
}

// compileOne routes a request to the matching capability.
func (p *Pool) compileOne(addr uint64, mode types.ExecMode) (*types.Artifact, error) {
	if mode == types.ModeShader && p.renderer != nil {
		return p.compileShader(addr)
	}
	return p.comp.Compile(addr, mode)
}

// compileShader links a GPU program through the renderer capability; the
// request address is the shader's source hash.
func (p *Pool) compileShader(hash uint64) (*types.Artifact, error) {
	if p.shaderSrc == nil {
		return nil, ErrNoShaderSource
	}
	sources, info, ok := p.shaderSrc(hash)
	if !ok {
		return nil, ErrNoShaderSource
	}
	blob, err := p.renderer.CreateProgram(sources, info)
	if err != nil {
		return nil, err
	}
	return &types.Artifact{
		Addr: hash,
		Size: 1, // hash-keyed: occupies a single-point range
		Mode: types.ModeShader,
		Code: blob,
	}, nil
}

// ============================================================================
// DEMAND PATH
// ============================================================================

// CompileSync is the demand-translate path: compile now, register,
// surface the error to the caller. The executor invokes it when TryGet
// misses on the dispatch hot path; the tracer rediscovers demand-compiled
// blocks through its own execution counters.
func (p *Pool) CompileSync(addr uint64, mode types.ExecMode) (*types.Artifact, error) {
	art, err := p.compileOne(addr, mode)
	if err != nil {
		p.failures.Add(1)
		return nil, err
	}
	got := p.cache.GetOrAdd(art.Addr, art.Size, art)
	p.compiled.Add(1)
	return got, nil
}

// ============================================================================
// STATS
// ============================================================================

// Stats is a value snapshot of pool counters.
type Stats struct {
	Workers   int
	Compiled  uint64
	Failures  uint64
	Abandoned uint32
}

// Stats returns the counter snapshot.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.count,
		Compiled:  p.compiled.Load(),
		Failures:  p.failures.Load(),
		Abandoned: p.abandoned.Load(),
	}
}
