// ════════════════════════════════════════════════════════════════════════════════════════════════
// Dispatch Fabric - Core Context & System Orchestration
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Kirujinx Dispatch Fabric
// Component: Component Wiring & Lifecycle Orchestration
//
// Description:
//   Owns every fabric component and wires them together: translation cache,
//   rejit queue, worker pool, speculative tracer, frame controller, deferral
//   gate, scratch pool and the persistent artifact store. Components hold
//   references only through this context, so the tracer↔cache↔workers cycle
//   never materializes as cross-ownership.
//
// Lifecycle:
//   - Phase 1: construct components from the options record
//   - Phase 2: warm boot — restore persisted artifacts into the cache
//   - Phase 3: launch background threads (workers, tracer, drainer)
//   - Shutdown: stop flag → queue close → bounded joins → store close
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package core

import (
	"runtime"
	"sync/atomic"

	"github.com/kirakira-dev/Kirujinx-Public/config"
	"github.com/kirakira-dev/Kirujinx-Public/constants"
	"github.com/kirakira-dev/Kirujinx-Public/control"
	"github.com/kirakira-dev/Kirujinx-Public/debug"
	"github.com/kirakira-dev/Kirujinx-Public/diskcache"
	"github.com/kirakira-dev/Kirujinx-Public/framectl"
	"github.com/kirakira-dev/Kirujinx-Public/objpool"
	"github.com/kirakira-dev/Kirujinx-Public/rejitqueue"
	"github.com/kirakira-dev/Kirujinx-Public/sched"
	"github.com/kirakira-dev/Kirujinx-Public/spectrace"
	"github.com/kirakira-dev/Kirujinx-Public/transcache"
	"github.com/kirakira-dev/Kirujinx-Public/types"
	"github.com/kirakira-dev/Kirujinx-Public/utils"
	"github.com/kirakira-dev/Kirujinx-Public/workers"
)

// Context is the arena owning every fabric component.
type Context struct {
	Opts config.Options

	Cache  *transcache.Cache
	Queue  *rejitqueue.Queue
	Pool   *workers.Pool
	Tracer *spectrace.Tracer
	Frame  *framectl.Controller
	Sched  *sched.Scheduler
	Bufs   *objpool.Pool
	Disk   *diskcache.Store

	warmAdmitted atomic.Uint64
	warmSkipped  atomic.Uint64

	started bool
}

// persistingCompiler decorates the external compiler: every successful
// compile is handed to the scheduler on the Low band for persistence.
// The scheduler runs the write inline when the frame budget allows and
// defers it otherwise, so an inline write completes before Compile returns.
type persistingCompiler struct {
	inner types.Compiler
	ctx   *Context
}

func (p *persistingCompiler) Compile(addr uint64, mode types.ExecMode) (*types.Artifact, error) {
	art, err := p.inner.Compile(addr, mode)
	if err != nil || p.ctx.Disk == nil {
		return art, err
	}

	a := art
	p.ctx.Sched.Schedule(func() {
		if err := p.ctx.Disk.Put(a); err != nil && err != diskcache.ErrClosed {
			debug.DropError("PPTC-WRITE", err)
		}
	}, sched.PriorityLow)
	return art, err
}

// ============================================================================
// CONSTRUCTION & STARTUP
// ============================================================================

// New wires a context from the options record and the external
// capabilities. comp is mandatory; rend and the disk store are optional.
func New(opts config.Options, comp types.Compiler, rend types.Renderer,
	shaderSrc workers.ShaderSourceResolver) (*Context, error) {
	opts.Normalize()

	ctx := &Context{
		Opts:  opts,
		Cache: transcache.New(opts.HotCacheCap),
		Queue: rejitqueue.New(),
		Frame: framectl.New(),
		Bufs:  objpool.New(),
	}
	ctx.Sched = sched.New(ctx.Frame)

	if opts.CachePath != "" {
		store, err := diskcache.Open(opts.CachePath)
		if err != nil {
			return nil, err
		}
		ctx.Disk = store
	}

	wrapped := types.Compiler(&persistingCompiler{inner: comp, ctx: ctx})
	ctx.Tracer = spectrace.New(ctx.Cache, wrapped, ctx.Bufs)
	ctx.Pool = workers.New(ctx.Queue, ctx.Cache, wrapped, ctx.Tracer, ctx.Bufs, opts.WorkerCount)
	if rend != nil {
		ctx.Pool.SetRenderer(rend, shaderSrc)
	}

	// Apply the runtime-facing knobs before any thread runs.
	ctx.Queue.SetAgeUnit(opts.AgeUnitMs)
	ctx.Tracer.Tune(opts.SpecThreshold, opts.MaxSpecDepth, opts.QueueMaxSize)
	ctx.Frame.Tune(opts.GraceMs, opts.ExtendedGraceMs, opts.TransitionCooldownMs,
		opts.SpikeFrameMs, opts.ShaderSpikeBase, opts.TextureSpikeBase)

	return ctx, nil
}

// Start performs the phased bring-up: warm boot, controller install,
// background threads.
func (c *Context) Start() error {
	if c.started {
		return nil
	}
	c.started = true

	// Phase 2: warm boot before any worker can race the bulk insert.
	if c.Disk != nil {
		if _, err := c.Disk.LoadAll(c.Cache); err != nil {
			debug.DropError("PPTC-LOAD", err)
		}
	}

	// Phase 3: publish the controller, then start the consumers.
	framectl.Install(c.Frame)
	c.Sched.Start()
	c.Tracer.Start()
	c.Pool.Start()

	debug.DropMessage("FABRIC", "started with "+
		utils.Itoa(c.Pool.WorkerCount())+" workers")
	return nil
}

// ============================================================================
// EXECUTOR SURFACE
// ============================================================================

// Translate returns the artifact covering addr, demand-compiling on miss.
// This is the dispatch hot path: a hot-cache hit takes no lock.
func (c *Context) Translate(addr uint64, mode types.ExecMode) (*types.Artifact, error) {
	if art, ok := c.Cache.TryGet(addr); ok {
		return art, nil
	}
	return c.Pool.CompileSync(addr, mode)
}

// RequestRejit queues a background retranslation of addr.
func (c *Context) RequestRejit(addr uint64, mode types.ExecMode, priority int) bool {
	return c.Queue.Enqueue(addr, mode, priority)
}

// OnExecute / OnBranch / OnCall are the executor hooks pushed into the
// speculative tracer.
func (c *Context) OnExecute(addr uint64)        { c.Tracer.RecordExecution(addr) }
func (c *Context) OnBranch(src, tgt uint64)     { c.Tracer.RecordBranch(src, tgt) }
func (c *Context) OnCall(caller, callee uint64) { c.Tracer.RecordCall(caller, callee) }

// ============================================================================
// RENDER-THREAD SURFACE
// ============================================================================

// EndFrame closes the frame on the controller, then drains deferred work
// inside the frame-boundary budget.
func (c *Context) EndFrame() {
	c.Frame.EndFrame()
	c.Sched.ProcessDeferred()
}

// ============================================================================
// BULK OPERATIONS
// ============================================================================

// PrewarmRange walks mapped guest memory in [start, end) and queues
// Background translation for every page whose first word looks mapped.
// Admission is what the warmup counters account; whether the external
// compiler ultimately builds each page is its own decision.
func (c *Context) PrewarmRange(mem types.Memory, start, end uint64, pageSize uint64) int {
	if mem == nil || pageSize == 0 {
		return 0
	}

	admitted := 0
	// Cover every page intersecting [start, end), including a partial
	// last page.
	for page := utils.AlignDown(start, pageSize); page < utils.AlignUp(end, pageSize); page += pageSize {
		if !mem.IsMapped(page) {
			c.warmSkipped.Add(1)
			continue
		}
		if utils.IsAligned(page, 4) {
			_ = mem.ReadU32(page) // touch: fault-in before the worker does
		}

		if c.Cache.ContainsKey(page) {
			c.warmSkipped.Add(1)
			continue
		}
		if c.Queue.Enqueue(page, types.ModeTranslated, rejitqueue.Background) {
			c.warmAdmitted.Add(1)
			admitted++
		} else {
			c.warmSkipped.Add(1)
		}

		// Bulk scans run at boot; keep the burst from ballooning the heap.
		if admitted != 0 && admitted&0x3FF == 0 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > constants.HeapSoftLimit {
				runtime.GC()
			}
		}
	}
	return admitted
}

// InvalidateRange drops every cached range intersecting [start, end)
// from the cache and the persistent store.
func (c *Context) InvalidateRange(start, end uint64) int {
	buf := make([]uint64, 256)
	removed := 0
	for {
		n := c.Cache.GetOverlaps(start, end-start, buf)
		if n == 0 {
			break
		}
		for i := 0; i < n; i++ {
			if c.Cache.Remove(buf[i]) {
				removed++
			}
		}
	}

	if c.Disk != nil {
		if _, err := c.Disk.Prune(start, end); err != nil && err != diskcache.ErrClosed {
			debug.DropError("PPTC-PRUNE", err)
		}
	}
	return removed
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// ResetForTitleSwitch clears all learned and cached state while keeping
// threads alive: fresh controller, empty cache, empty queue, wiped tracer.
func (c *Context) ResetForTitleSwitch() {
	c.Queue.Clear()
	c.Cache.Clear()
	c.Tracer.Reset()

	c.Frame = framectl.New()
	c.Frame.Tune(c.Opts.GraceMs, c.Opts.ExtendedGraceMs, c.Opts.TransitionCooldownMs,
		c.Opts.SpikeFrameMs, c.Opts.ShaderSpikeBase, c.Opts.TextureSpikeBase)
	c.Sched.Rebind(c.Frame)
	framectl.Install(c.Frame)
}

// Shutdown stops every background thread and closes the store. Bounded:
// worker joins time out after one second and stragglers are abandoned.
func (c *Context) Shutdown() {
	control.Shutdown()

	pending := c.Pool.Close()
	c.Tracer.Stop()
	c.Sched.Stop()

	if c.Disk != nil {
		c.Disk.Close()
	}

	debug.DropMessage("FABRIC", "stopped, "+utils.Itoa(pending)+" requests unserved")
	control.Reset()
}

// ============================================================================
// STATS
// ============================================================================

// Stats aggregates every component's counter snapshot.
type Stats struct {
	Hot    struct{ Lookups, Hits uint64 }
	Queue  rejitqueue.Stats
	Pool   workers.Stats
	Tracer spectrace.Stats
	Sched  sched.Stats
	Bufs   objpool.Stats

	WarmAdmitted uint64
	WarmSkipped  uint64
	Cached       int
}

// Stats returns the aggregated snapshot.
func (c *Context) Stats() Stats {
	var s Stats
	hot := c.Cache.HotStats()
	s.Hot.Lookups, s.Hot.Hits = hot.Lookups, hot.Hits
	s.Queue = c.Queue.Stats()
	s.Pool = c.Pool.Stats()
	s.Tracer = c.Tracer.Stats()
	s.Sched = c.Sched.Stats()
	s.Bufs = c.Bufs.Stats()
	s.WarmAdmitted = c.warmAdmitted.Load()
	s.WarmSkipped = c.warmSkipped.Load()
	s.Cached = c.Cache.Count()
	return s
}
