// ============================================================================
// WORK SCHEDULER - DEFERRAL GATE FOR OPPORTUNISTIC PRODUCERS
// ============================================================================
//
// Opportunistic producers hand their work items to this gate; inside this
// module that is the disk-cache write-behind. The speculative tracer runs
// on its own worker thread and is not routed through the gate. Before a
// work item runs, the gate consults the
// frame controller and either runs it inline, parks it in one of three
// priority bands, or hands it to the background drain thread.
//
// Admission policy for Schedule(work, priority):
//   - Critical: runs immediately, always (still counted against the
//     per-frame budget so the controller sees the pressure)
//   - Grace window, running transition, or heavy load: deferred
//   - Per-frame budget available: runs immediately
//   - Otherwise: deferred
//
// Drain paths:
//   - ProcessDeferred() at the frame boundary drains critical → normal →
//     low until the controller's work budget or an 8 ms wall-clock bound
//     is exhausted, whichever lands first
//   - A background thread drains the Low band only, only while the
//     controller is neither transitioning nor under heavy load, sleeping
//     1 ms between items so it never competes with the render loop

package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirakira-dev/Kirujinx-Public/constants"
	"github.com/kirakira-dev/Kirujinx-Public/control"
	"github.com/kirakira-dev/Kirujinx-Public/framectl"
	"github.com/kirakira-dev/Kirujinx-Public/ring"
)

// Priority bands. Mirrors the gate's external contract: anything ≥
// PriorityCritical bypasses deferral.
const (
	PriorityLow = iota
	PriorityNormal
	PriorityCritical
)

// Item is one unit of deferred work.
type Item func()

// Scheduler is the deferral gate. One per core context.
type Scheduler struct {
	// ctl is swappable: a title switch installs a fresh controller while
	// the background drainer keeps running.
	ctl atomic.Pointer[framectl.Controller]

	mu    sync.Mutex
	bands [3][]Item

	workThisFrame atomic.Int32

	ranInline atomic.Uint64
	deferred  atomic.Uint64
	drained   atomic.Uint64

	// externalBusy, when set, reports a higher-priority external signal
	// (frame-rate lock engaged, capture in progress) that pauses all
	// sub-critical admission.
	externalBusy func() bool

	stop chan struct{}
	done sync.WaitGroup
}

// New creates a gate bound to the given controller.
func New(ctl *framectl.Controller) *Scheduler {
	s := &Scheduler{
		stop: make(chan struct{}),
	}
	s.ctl.Store(ctl)
	return s
}

// Rebind swaps the consulted controller (title switch).
func (s *Scheduler) Rebind(ctl *framectl.Controller) {
	s.ctl.Store(ctl)
}

// SetExternalBusy installs the optional external-signal probe.
func (s *Scheduler) SetExternalBusy(probe func() bool) {
	s.externalBusy = probe
}

// ============================================================================
// ADMISSION
// ============================================================================

// heavyLoad reports sustained frame-time pressure from the controller's
// moving average.
func (s *Scheduler) heavyLoad() bool {
	return s.ctl.Load().AverageFrameTime() > constants.SpikeFrameMs
}

// Schedule admits or defers one work item. Returns true when the item ran
// inline, false when it was parked in a band.
func (s *Scheduler) Schedule(work Item, priority int) bool {
	if priority >= PriorityCritical {
		s.workThisFrame.Add(1)
		s.ranInline.Add(1)
		work()
		return true
	}

	ctl := s.ctl.Load()
	state := ctl.State()
	throttled := state == framectl.Grace ||
		state == framectl.Transition ||
		s.heavyLoad() ||
		(s.externalBusy != nil && s.externalBusy())

	if !throttled && int(s.workThisFrame.Load()) < ctl.MaxWorkItemsThisFrame() {
		s.workThisFrame.Add(1)
		s.ranInline.Add(1)
		work()
		return true
	}

	s.mu.Lock()
	s.bands[priority] = append(s.bands[priority], work)
	s.mu.Unlock()
	s.deferred.Add(1)
	return false
}

// ============================================================================
// FRAME-BOUNDARY DRAIN
// ============================================================================

// ProcessDeferred runs at the frame boundary: resets the per-frame work
// budget, then drains critical → normal → low until the controller's
// budget or the wall-clock bound runs out. Returns items drained.
func (s *Scheduler) ProcessDeferred() int {
	s.workThisFrame.Store(0)

	deadline := time.Now().Add(constants.DrainBudgetMs * time.Millisecond)
	ran := 0

	for band := PriorityCritical; band >= PriorityLow; band-- {
		for {
			if int(s.workThisFrame.Load()) >= s.ctl.Load().MaxWorkItemsThisFrame() {
				return ran
			}
			if time.Now().After(deadline) {
				return ran
			}

			s.mu.Lock()
			b := s.bands[band]
			if len(b) == 0 {
				s.mu.Unlock()
				break
			}
			work := b[0]
			s.bands[band] = b[1:]
			s.mu.Unlock()

			s.workThisFrame.Add(1)
			s.drained.Add(1)
			work()
			ran++
		}
	}
	return ran
}

// ============================================================================
// BACKGROUND DRAIN THREAD
// ============================================================================

// Start launches the background drainer for the Low band.
func (s *Scheduler) Start() {
	s.done.Add(1)
	go s.backgroundLoop()
}

// Stop terminates the background drainer. Parked items stay parked; the
// owning context decides whether to drain or drop them.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.done.Wait()
}

func (s *Scheduler) backgroundLoop() {
	defer s.done.Done()

	// Adaptive idle waits: an empty or throttled gate decays from spins
	// through yields into growing sleeps; any drained item rearms the
	// fast path.
	var idle ring.Backoff

	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if control.Stopped() {
			return
		}

		if s.ctl.Load().InTransition() || s.heavyLoad() {
			idle.Wait()
			continue
		}

		s.mu.Lock()
		var work Item
		if b := s.bands[PriorityLow]; len(b) > 0 {
			work = b[0]
			s.bands[PriorityLow] = b[1:]
		}
		s.mu.Unlock()

		if work == nil {
			idle.Wait()
			continue
		}

		idle.Reset()
		s.drained.Add(1)
		work()
		time.Sleep(constants.BackgroundYieldMs * time.Millisecond)
	}
}

// ============================================================================
// STATS
// ============================================================================

// Stats is a value snapshot of gate counters.
type Stats struct {
	RanInline uint64
	Deferred  uint64
	Drained   uint64
	Pending   int
}

// Stats returns the counter snapshot.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	pending := len(s.bands[0]) + len(s.bands[1]) + len(s.bands[2])
	s.mu.Unlock()
	return Stats{
		RanInline: s.ranInline.Load(),
		Deferred:  s.deferred.Load(),
		Drained:   s.drained.Load(),
		Pending:   pending,
	}
}

// Pending returns the number of parked items.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bands[0]) + len(s.bands[1]) + len(s.bands[2])
}
