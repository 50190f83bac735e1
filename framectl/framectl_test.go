// ============================================================================
// FRAME CONTROLLER VALIDATION SUITE
// ============================================================================
//
// Replay tests for the pacing state machine. Every test drives a scripted
// monotonic clock, so schedules are exact and repeatable:
//   - Spike classification entering Transition + Grace
//   - Budget clamps during Grace
//   - Light-frame early exit → ExtendedGrace → Idle timing bound
//   - Transition cooldown suppression
//   - Adaptive threshold drift
//   - Idle EndFrame as a no-op modulo history rotation

package framectl

import (
	"testing"

	"github.com/kirakira-dev/Kirujinx-Public/constants"
)

// harness binds a controller to a scripted clock.
type harness struct {
	c   *Controller
	now int64
}

func newHarness() *harness {
	h := &harness{c: New()}
	h.c.SetClock(func() int64 { return h.now })
	return h
}

// frame advances the clock and closes a frame with the given activity.
func (h *harness) frame(dtMs int64, shaders, textures int) {
	h.now += dtMs
	for i := 0; i < shaders; i++ {
		h.c.RecordShader()
	}
	for i := 0; i < textures; i++ {
		h.c.RecordTexture()
	}
	h.c.EndFrame()
}

// TestIdleSteadyState validates that quiet frames never leave Idle.
func TestIdleSteadyState(t *testing.T) {
	h := newHarness()
	for i := 0; i < 120; i++ {
		h.frame(16, 0, 0)
	}
	if s := h.c.State(); s != Idle {
		t.Errorf("steady state: got %v, want Idle", s)
	}
	if h.c.MaxWorkItemsThisFrame() != 16 {
		t.Errorf("idle work budget: got %d", h.c.MaxWorkItemsThisFrame())
	}
	if h.c.SyncTimeoutScale() != 1.0 {
		t.Errorf("idle timeout scale: got %v", h.c.SyncTimeoutScale())
	}
}

// TestSpikeEntersTransitionAndGrace replays S4's front half: 30 quiet
// frames then a heavy frame flips Idle → Transition with a Grace window,
// and the Grace budgets clamp hard.
func TestSpikeEntersTransitionAndGrace(t *testing.T) {
	h := newHarness()
	for i := 0; i < 30; i++ {
		h.frame(16, 0, 0)
	}

	h.frame(30, 5, 6)

	if s := h.c.State(); s != Grace {
		t.Fatalf("post-spike state: got %v, want Grace", s)
	}
	if got := h.c.MaxShadersThisFrame(); got != 1 {
		t.Errorf("grace shader budget: got %d, want 1", got)
	}
	if got := h.c.MaxTexturesThisFrame(); got != 2 {
		t.Errorf("grace texture budget: got %d, want 2", got)
	}
	if !h.c.ShouldDeferShaderBuild() {
		t.Error("shader builds not deferred during Grace")
	}
	if h.c.SyncTimeoutScale() != 0.05 {
		t.Errorf("grace timeout scale: got %v", h.c.SyncTimeoutScale())
	}
	if h.c.Snapshot().Transitions != 1 {
		t.Errorf("transition counter: got %d", h.c.Snapshot().Transitions)
	}
}

// TestLightFramesRecoverToIdle replays S4's back half: 20 consecutive
// light frames end the transition; the state passes through ExtendedGrace
// and lands in Idle within 450 ms of the spike frame.
func TestLightFramesRecoverToIdle(t *testing.T) {
	h := newHarness()
	for i := 0; i < 30; i++ {
		h.frame(16, 0, 0)
	}
	h.frame(30, 5, 6)
	spikeAt := h.now

	sawExtended := false
	for h.c.State() != Idle {
		h.frame(14, 0, 0)
		if h.c.State() == ExtendedGrace {
			sawExtended = true
		}
		if h.now-spikeAt > 1000 {
			t.Fatal("controller failed to recover")
		}
	}

	if !sawExtended {
		t.Error("recovery skipped ExtendedGrace")
	}
	if elapsed := h.now - spikeAt; elapsed > 450 {
		t.Errorf("recovery took %d ms, want ≤ 450", elapsed)
	}
}

// TestTransitionCooldownSuppressesRetrigger validates that a spike inside
// the cooldown window after a transition does not start another one.
func TestTransitionCooldownSuppressesRetrigger(t *testing.T) {
	h := newHarness()
	h.frame(16, 0, 0)
	h.frame(30, 5, 6) // transition 1
	for h.c.State() != Idle {
		h.frame(14, 0, 0)
	}
	recoveredAt := h.now

	// Immediate second spike: still inside the 1000 ms cooldown.
	h.frame(30, 5, 6)
	if got := h.c.Snapshot().Transitions; got != 1 {
		t.Errorf("cooldown breached: %d transitions", got)
	}

	// After the cooldown has fully elapsed a new spike must register.
	for h.now-recoveredAt <= int64(constants.TransitionCooldownMs) {
		h.frame(16, 0, 0)
	}
	h.frame(30, 5, 6)
	if got := h.c.Snapshot().Transitions; got != 2 {
		t.Errorf("post-cooldown spike ignored: %d transitions", got)
	}
}

// TestTransitionHardCap validates the 1000 ms ceiling on transitions that
// never see light frames.
func TestTransitionHardCap(t *testing.T) {
	h := newHarness()
	h.frame(16, 0, 0)
	h.frame(30, 5, 6)

	// Keep every frame heavy; the transition must still end by elapsed
	// ≥ 1000 ms and decay through the windows to Idle.
	for i := 0; i < 200 && h.c.State() != Idle; i++ {
		h.frame(30, 3, 4)
	}
	if h.c.State() != Idle {
		t.Error("transition never timed out under sustained load")
	}
}

// TestFrameTimeSpikePredicate validates the frame-time predicate gating:
// a slow frame alone is not a spike without shader or texture pressure.
func TestFrameTimeSpikePredicate(t *testing.T) {
	h := newHarness()
	h.frame(16, 0, 0)

	h.frame(30, 0, 0) // slow but inert: not a spike
	if h.c.State() != Idle {
		t.Fatalf("inert slow frame triggered %v", h.c.State())
	}

	h.frame(30, 1, 0) // slow with one shader: spike
	if h.c.State() != Grace {
		t.Errorf("frame-time spike missed: state %v", h.c.State())
	}
}

// TestHeavyPatternPredicate validates the history-based predicate: three
// slow frames within the window constitute a spike even though none of
// them carries shader or texture activity.
func TestHeavyPatternPredicate(t *testing.T) {
	h := newHarness()
	h.frame(16, 0, 0)
	// Three inert slow frames: none trips a per-frame predicate, but the
	// third brings the history to the heavy-pattern count and fires it.
	h.frame(30, 0, 0)
	h.frame(30, 0, 0)
	h.frame(30, 0, 0)

	h.frame(16, 0, 0) // clean frame; still inside the Grace window
	if h.c.State() != Grace {
		t.Errorf("heavy pattern missed: state %v", h.c.State())
	}
}

// TestAdaptiveThresholdDrift validates EMA drift toward sustained load
// and its floor at the base threshold.
func TestAdaptiveThresholdDrift(t *testing.T) {
	h := newHarness()

	// Sustained 10-shader frames drag the threshold up toward 8.
	for i := 0; i < 600; i++ {
		h.frame(16, 10, 0)
	}
	s := h.c.Snapshot()
	if s.AdaptiveShader <= float64(constants.ShaderSpikeBase) {
		t.Errorf("threshold did not rise: %v", s.AdaptiveShader)
	}
	if s.AdaptiveShader > 8.0 {
		t.Errorf("threshold overshot its target: %v", s.AdaptiveShader)
	}

	// Quiet frames decay it back down to the base floor, never below.
	for i := 0; i < 2000; i++ {
		h.frame(16, 0, 0)
	}
	s = h.c.Snapshot()
	if s.AdaptiveShader < float64(constants.ShaderSpikeBase)-0.5 {
		t.Errorf("threshold fell through the base floor: %v", s.AdaptiveShader)
	}
}

// TestIdleEndFrameIsNoOp validates the idempotence law: EndFrame with
// zero activity in Idle changes nothing but the history.
func TestIdleEndFrameIsNoOp(t *testing.T) {
	h := newHarness()
	for i := 0; i < 5; i++ {
		h.frame(16, 0, 0)
	}
	before := h.c.Snapshot()
	h.frame(16, 0, 0)
	after := h.c.Snapshot()

	if before.State != after.State || after.State != Idle {
		t.Errorf("state changed across idle frame: %v → %v", before.State, after.State)
	}
	if before.Transitions != after.Transitions {
		t.Error("transition counter moved on idle frame")
	}
	if before.MaxWorkItems != after.MaxWorkItems {
		t.Error("work budget moved on idle frame")
	}
}

// TestInstallGet validates the process-wide handle.
func TestInstallGet(t *testing.T) {
	c := New()
	Install(c)
	if Get() != c {
		t.Error("installed controller not returned")
	}
	repl := New()
	Install(repl) // title switch
	if Get() != repl {
		t.Error("reinstalled controller not returned")
	}
}
