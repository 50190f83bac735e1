// ============================================================================
// FRAME CONTROLLER - SCENE-TRANSITION & PACING STATE MACHINE
// ============================================================================
//
// Feedback loop between the render thread and every background producer in
// the fabric. The render thread reports per-frame activity (shader builds,
// texture uploads, frame time); the controller classifies load spikes into
// a transition state machine and publishes throttle budgets the work
// scheduler consults before admitting background work.
//
// State machine:
//
//   Idle ──spike──▶ Transition (+ Grace window, 300 ms)
//   Grace ──expiry──▶ ExtendedGrace (150 ms)
//   Transition ──cooldown elapsed or 20 light frames──▶ ExtendedGrace
//   ExtendedGrace ──expiry──▶ Idle
//
// Grace and ExtendedGrace are nested cooldown windows layered over a
// possibly still-running Transition; the published state is the strictest
// active window (Grace ≺ ExtendedGrace ≺ Transition ≺ Idle).
//
// Threading model:
//   - Record* and EndFrame run single-threaded on the render thread;
//     EndFrame is the only state-transition point
//   - Worker threads read the published state and budgets concurrently;
//     the atomic state word is updated last in EndFrame, so a reader that
//     observes a new state also observes the counters that produced it
//   - Snapshot() returns a value copy, never a live reference (tear-free)
//
// Determinism: every predicate is a pure function of per-frame counters,
// the 60-frame history and the monotonic clock; tests inject a scripted
// clock and replay exact schedules.

package framectl

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/kirakira-dev/Kirujinx-Public/constants"
)

// State is the published pacing state.
type State int32

const (
	Idle State = iota
	Transition
	Grace
	ExtendedGrace
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Transition:
		return "transition"
	case Grace:
		return "grace"
	case ExtendedGrace:
		return "extended-grace"
	}
	return "unknown"
}

// frameRecord is one slot of the circular metrics history.
type frameRecord struct {
	frameTimeMs float64
	shaders     uint32
	textures    uint32
}

// Controller owns the pacing state machine. One per process; see Install.
type Controller struct {
	// Render-thread-private state machine fields.
	transitioning   bool
	transitionStart int64
	graceEnd        int64
	extGraceEnd     int64
	lastTransEnd    int64

	transitionFrames int
	consecLight      int
	consecHeavy      int

	lastFrameTick int64

	history    [constants.FrameHistorySize]frameRecord
	historyPos int
	historyLen int

	adaptiveShader  float64
	adaptiveTexture float64

	// Cross-thread published values; the state word is written last in
	// EndFrame so a reader observing a new state also observes the
	// averages and thresholds that produced it.
	pubAvgFrameMs atomic.Uint64 // math.Float64bits
	pubAdShader   atomic.Uint64 // math.Float64bits
	pubAdTexture  atomic.Uint64 // math.Float64bits
	pubHeavy      atomic.Int32  // slow frames in the history window
	state         atomic.Int32

	// Per-frame counters; the render thread is the only writer, worker
	// threads read them through Snapshot.
	shaders     atomic.Uint32
	textures    atomic.Uint32
	bufUploads  atomic.Uint32
	transitions atomic.Uint64

	// now returns monotonic milliseconds; swappable for replay tests.
	now  func() int64
	base time.Time

	// Config knobs, fixed at startup before the render loop runs.
	graceMs     int64
	extGraceMs  int64
	cooldownMs  int64
	spikeMs     float64
	shaderBase  float64
	textureBase float64
}

// New constructs an idle controller.
func New() *Controller {
	c := &Controller{
		adaptiveShader:  float64(constants.ShaderSpikeBase),
		adaptiveTexture: float64(constants.TextureSpikeBase),
		graceMs:         constants.GraceMs,
		extGraceMs:      constants.ExtendedGraceMs,
		cooldownMs:      constants.TransitionCooldownMs,
		spikeMs:         constants.SpikeFrameMs,
		shaderBase:      constants.ShaderSpikeBase,
		textureBase:     constants.TextureSpikeBase,
		base:            time.Now(),
	}
	c.now = func() int64 { return time.Since(c.base).Milliseconds() }
	// A fresh controller must be allowed to transition immediately; start
	// the cooldown clock in the past.
	c.lastTransEnd = -c.cooldownMs - 1
	c.lastFrameTick = 0
	return c
}

// ============================================================================
// RENDER-THREAD INPUT SIGNALS
// ============================================================================

// RecordShader notes one shader build finishing this frame.
func (c *Controller) RecordShader() { c.shaders.Add(1) }

// RecordTexture notes one texture load finishing this frame.
func (c *Controller) RecordTexture() { c.textures.Add(1) }

// RecordBufferUpload notes one buffer upload this frame.
func (c *Controller) RecordBufferUpload() { c.bufUploads.Add(1) }

// EndFrame closes the current frame: records metrics, advances the state
// machine, drifts the adaptive thresholds, and resets per-frame counters.
// Must be called from the render thread only.
func (c *Controller) EndFrame() {
	now := c.now()
	frameTime := float64(now - c.lastFrameTick)
	c.lastFrameTick = now

	shaders := c.shaders.Load()
	textures := c.textures.Load()

	// 1. Rotate the frame history.
	c.history[c.historyPos] = frameRecord{
		frameTimeMs: frameTime,
		shaders:     shaders,
		textures:    textures,
	}
	c.historyPos = (c.historyPos + 1) % constants.FrameHistorySize
	if c.historyLen < constants.FrameHistorySize {
		c.historyLen++
	}

	// 2/3. Expire the nested grace windows.
	if c.extGraceEnd != 0 && now >= c.extGraceEnd {
		c.extGraceEnd = 0
	}
	if c.graceEnd != 0 && now >= c.graceEnd {
		c.graceEnd = 0
		// An early-ended transition may already have granted an extended
		// window; keep the earlier deadline.
		if c.extGraceEnd == 0 {
			c.extGraceEnd = now + c.extGraceMs
		}
	}

	// 4. Advance or end a running transition.
	if c.transitioning {
		c.transitionFrames++

		light := shaders < 2 && textures < 3 && frameTime < c.spikeMs
		if light {
			c.consecLight++
			c.consecHeavy = 0
		} else {
			c.consecHeavy++
			c.consecLight = 0
		}

		elapsed := now - c.transitionStart
		if elapsed >= c.cooldownMs ||
			c.consecLight >= constants.TransitionLightFrames {
			c.transitioning = false
			c.lastTransEnd = now
			c.extGraceEnd = now + c.extGraceMs
		}
	} else if c.graceEnd == 0 && c.extGraceEnd == 0 {
		// 5. Idle: probe the spike predicates once the cooldown allows.
		if now-c.lastTransEnd > c.cooldownMs &&
			c.spiked(shaders, textures, frameTime) {
			c.transitioning = true
			c.transitionStart = now
			c.transitionFrames = 0
			c.consecLight = 0
			c.consecHeavy = 0
			c.graceEnd = now + c.graceMs
			c.transitions.Add(1)
		}
	}

	// 6. Drift the adaptive thresholds toward the observed load floor.
	c.adaptiveShader += constants.AdaptiveRate *
		(maxf(c.shaderBase, 0.8*float64(shaders)) - c.adaptiveShader)
	c.adaptiveTexture += constants.AdaptiveRate *
		(maxf(c.textureBase, 0.8*float64(textures)) - c.adaptiveTexture)

	// 7. Reset per-frame counters, publish the derived values, then the
	// state word last so concurrent readers never observe a state ahead
	// of its inputs.
	c.shaders.Store(0)
	c.textures.Store(0)
	c.bufUploads.Store(0)

	sum, heavy := 0.0, 0
	for i := 0; i < c.historyLen; i++ {
		sum += c.history[i].frameTimeMs
		if c.history[i].frameTimeMs > c.spikeMs {
			heavy++
		}
	}
	if c.historyLen > 0 {
		sum /= float64(c.historyLen)
	}
	c.pubAvgFrameMs.Store(math.Float64bits(sum))
	c.pubAdShader.Store(math.Float64bits(c.adaptiveShader))
	c.pubAdTexture.Store(math.Float64bits(c.adaptiveTexture))
	c.pubHeavy.Store(int32(heavy))

	c.state.Store(int32(c.currentState(now)))
}

// spiked evaluates the five spike predicates.
func (c *Controller) spiked(shaders, textures uint32, frameTime float64) bool {
	shaderSpike := float64(shaders) >= c.adaptiveShader
	textureSpike := float64(textures) >= c.adaptiveTexture
	combined := shaders >= 2 && textures >= 3
	frameTimeSpike := frameTime > c.spikeMs && (shaders > 0 || textures > 2)

	heavy := 0
	for i := 0; i < c.historyLen; i++ {
		if c.history[i].frameTimeMs > c.spikeMs {
			heavy++
		}
	}
	heavyPattern := heavy >= constants.HeavyPatternFrames

	return shaderSpike || textureSpike || combined || frameTimeSpike || heavyPattern
}

// currentState folds the window timestamps into the published state:
// the strictest active window wins.
func (c *Controller) currentState(now int64) State {
	switch {
	case c.graceEnd != 0 && now < c.graceEnd:
		return Grace
	case c.extGraceEnd != 0 && now < c.extGraceEnd:
		return ExtendedGrace
	case c.transitioning:
		return Transition
	default:
		return Idle
	}
}

// ============================================================================
// CONCURRENT QUERY SURFACE
// ============================================================================

// State returns the published pacing state.
//
//go:nosplit
//go:inline
func (c *Controller) State() State {
	return State(c.state.Load())
}

// InTransition reports whether a transition or its strict Grace window is
// active. The relaxed ExtendedGrace tail does not count: background
// drains may resume there.
func (c *Controller) InTransition() bool {
	s := c.State()
	return s == Transition || s == Grace
}

// ShouldDeferShaderBuild reports whether opportunistic shader builds must
// be deferred this frame.
func (c *Controller) ShouldDeferShaderBuild() bool {
	s := c.State()
	return s == Grace || s == Transition
}

// MaxShadersThisFrame returns the shader-build budget for the current state.
func (c *Controller) MaxShadersThisFrame() int {
	switch c.State() {
	case Grace:
		return 1
	case ExtendedGrace, Transition:
		return 2
	default:
		return 8
	}
}

// MaxTexturesThisFrame returns the texture-load budget for the current state.
func (c *Controller) MaxTexturesThisFrame() int {
	switch c.State() {
	case Grace:
		return 2
	case ExtendedGrace:
		return 3
	case Transition:
		return 4
	default:
		return 16
	}
}

// MaxWorkItemsThisFrame returns the generic background-work budget.
func (c *Controller) MaxWorkItemsThisFrame() int {
	switch c.State() {
	case Grace:
		return 1
	case ExtendedGrace:
		return 2
	case Transition:
		return 4
	default:
		return 16
	}
}

// SyncTimeoutScale returns the multiplier applied to synchronization
// timeouts so waits shorten while the scene is unstable.
func (c *Controller) SyncTimeoutScale() float64 {
	switch c.State() {
	case Grace:
		return 0.05
	case ExtendedGrace:
		return 0.1
	case Transition:
		return 0.3
	default:
		return 1.0
	}
}

// RecommendedFrameSkip returns how many frames the presenter may drop to
// catch up; nonzero only while a transition coincides with a heavy
// frame-time pattern.
func (c *Controller) RecommendedFrameSkip() int {
	if c.State() != Transition {
		return 0
	}
	if c.pubHeavy.Load() >= constants.HeavyPatternFrames {
		return 1
	}
	return 0
}

// AverageFrameTime returns the moving average over the history window as
// of the last EndFrame.
func (c *Controller) AverageFrameTime() float64 {
	return math.Float64frombits(c.pubAvgFrameMs.Load())
}

// Snapshot is a tear-free value copy of the observable controller state.
type Snapshot struct {
	State            State
	AdaptiveShader   float64
	AdaptiveTexture  float64
	AverageFrameMs   float64
	Transitions      uint64
	MaxWorkItems     int
	SyncTimeoutScale float64
}

// Snapshot returns a value copy for cross-thread policy decisions.
func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		State:            c.State(),
		AdaptiveShader:   math.Float64frombits(c.pubAdShader.Load()),
		AdaptiveTexture:  math.Float64frombits(c.pubAdTexture.Load()),
		AverageFrameMs:   c.AverageFrameTime(),
		Transitions:      c.transitions.Load(),
		MaxWorkItems:     c.MaxWorkItemsThisFrame(),
		SyncTimeoutScale: c.SyncTimeoutScale(),
	}
}

// Tune overrides the pacing knobs. Applied at startup from the options
// record, before the render loop runs.
func (c *Controller) Tune(graceMs, extGraceMs, cooldownMs int, spikeMs float64, shaderBase, textureBase int) {
	if graceMs > 0 {
		c.graceMs = int64(graceMs)
	}
	if extGraceMs > 0 {
		c.extGraceMs = int64(extGraceMs)
	}
	if cooldownMs > 0 {
		c.cooldownMs = int64(cooldownMs)
		c.lastTransEnd = -c.cooldownMs - 1
	}
	if spikeMs > 0 {
		c.spikeMs = spikeMs
	}
	if shaderBase > 0 {
		c.shaderBase = float64(shaderBase)
		c.adaptiveShader = c.shaderBase
	}
	if textureBase > 0 {
		c.textureBase = float64(textureBase)
		c.adaptiveTexture = c.textureBase
	}
}

// SetClock swaps the monotonic clock. Tests only.
func (c *Controller) SetClock(now func() int64) {
	c.now = now
}

// ============================================================================
// PROCESS-WIDE HANDLE
// ============================================================================

var global atomic.Pointer[Controller]

// Install publishes ctl as the process-wide controller. Called once at
// startup and again on title switch with a fresh controller.
func Install(ctl *Controller) {
	global.Store(ctl)
}

// Get returns the installed controller, or nil before Install.
func Get() *Controller {
	return global.Load()
}

//go:inline
func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
