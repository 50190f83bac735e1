// ============================================================================
// ADAPTIVE SPIN BACKOFF
// ============================================================================
//
// Escalating wait strategy shared by short-window pollers across the
// fabric: spin with CPU relax hints first, yield the OS thread next, and
// park in growing timed sleeps last. Bursty traffic is picked up within
// nanoseconds while idle pollers decay off-core. Production consumer:
// the deferred-work background drainer's idle waits.
//
// Escalation ladder:
//   - rounds 0..15:  cpuRelax() spin (nanoseconds, stays on-core)
//   - rounds 16..31: runtime.Gosched() (microseconds, yields the P)
//   - rounds 32+:    time.Sleep, doubling 1 ms → 16 ms (off-core,
//     shutdown-friendly: the longest park stays well under every
//     bounded-wait requirement in the fabric)

package ring

import (
	"runtime"
	"time"
)

const (
	spinRounds  = 16 // Pure relax-hint spins before yielding
	yieldRounds = 32 // Total rounds before escalating to timed sleep
	maxSleepLog = 4  // Sleep doubles up to 1ms << 4 = 16 ms
)

// Backoff tracks escalation state for one polling loop.
// Zero value is ready to use; Reset after every successful poll.
type Backoff struct {
	round uint32
}

// Relax exposes the per-arch spin hint for callers running their own
// bounded CAS loops (hot cache eviction election and slot races).
//
//go:nosplit
//go:inline
//go:registerparams
func Relax() {
	cpuRelax()
}

// Wait performs one escalation step appropriate to how long the caller
// has been empty-handed.
//
//go:nosplit
//go:inline
func (b *Backoff) Wait() {
	r := b.round
	if b.round < yieldRounds+maxSleepLog {
		b.round++
	}
	switch {
	case r < spinRounds:
		cpuRelax()
	case r < yieldRounds:
		runtime.Gosched()
	default:
		shift := r - yieldRounds
		if shift > maxSleepLog {
			shift = maxSleepLog
		}
		time.Sleep(time.Millisecond << shift)
	}
}

// Reset rewinds the escalation ladder after productive work.
//
//go:nosplit
//go:inline
func (b *Backoff) Reset() {
	b.round = 0
}
