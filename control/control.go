// control.go — Global control flags and activity management for fabric threads
// ============================================================================
// SYSTEM CONTROL ORCHESTRATION
// ============================================================================
//
// Control package provides lightweight global signaling infrastructure for
// coordinating activity states and graceful shutdown across translation
// workers, the speculative tracer, and the deferred-work drainer.
//
// Architecture overview:
//   • Global hot/stop flags for lock-free inter-thread communication
//   • Nanosecond-precision activity tracking with automatic cooldown
//   • Zero-allocation flag access for hot path performance
//   • Graceful shutdown coordination across all fabric threads
//
// Threading model:
//   • Queue producers signal activity via SignalActivity()
//   • Worker threads poll flags via Stopped()/Hot() for coordination
//   • Automatic cooldown prevents unnecessary hot spinning
//   • Shutdown() is one-way; Reset() rearms the process for a title switch
//
// Safety guarantees:
//   • Race-free flag access with proper memory ordering
//   • Bounded cooldown periods prevent infinite hot spinning
//   • Deterministic shutdown behavior across all threads

package control

import (
	"sync/atomic"
	"time"
)

// ============================================================================
// GLOBAL STATE MANAGEMENT
// ============================================================================

var (
	// Global coordination flags - accessed by all fabric threads
	hot  atomic.Uint32 // Activity indicator: 1 = translation traffic, 0 = idle
	stop atomic.Uint32 // Shutdown signal: 1 = initiate graceful shutdown

	// Activity timing for automatic cooldown management
	lastHot    atomic.Int64                    // Nanosecond timestamp of last enqueue activity
	cooldownNs = int64(1 * time.Second)        // Idle period before the hot flag clears
)

// ============================================================================
// ACTIVITY SIGNALING (QUEUE INTEGRATION)
// ============================================================================

// SignalActivity marks the system as active and records precise timing for
// automatic cooldown management. Called from the rejit queue and the
// speculative tracer on enqueue bursts.
//
//go:nosplit
//go:inline
//go:registerparams
func SignalActivity() {
	hot.Store(1)
	lastHot.Store(time.Now().UnixNano())
}

// ============================================================================
// COOLDOWN MANAGEMENT (AUTOMATIC EFFICIENCY)
// ============================================================================

// PollCooldown clears the hot flag once the configured idle period has
// elapsed since the last activity signal. Called inline from worker wait
// loops so idle periods decay to timed sleeps instead of hot spins.
//
//go:nosplit
//go:inline
//go:registerparams
func PollCooldown() {
	if hot.Load() == 1 && time.Now().UnixNano()-lastHot.Load() > cooldownNs {
		hot.Store(0)
	}
}

// ============================================================================
// SYSTEM SHUTDOWN (GRACEFUL TERMINATION)
// ============================================================================

// Shutdown initiates graceful termination by setting the global stop flag.
// All fabric threads monitor this flag and terminate cleanly upon
// detection after draining their current batch.
//
//go:nosplit
//go:inline
//go:registerparams
func Shutdown() {
	stop.Store(1)
}

// Reset rearms the control flags after a full shutdown/join cycle.
// Used on title switch where the fabric is torn down and rebuilt inside
// one process lifetime.
func Reset() {
	stop.Store(0)
	hot.Store(0)
	lastHot.Store(0)
}

// ============================================================================
// FLAG ACCESS (CONSUMER INTEGRATION)
// ============================================================================

// Stopped reports whether graceful shutdown has been requested.
//
//go:nosplit
//go:inline
//go:registerparams
func Stopped() bool {
	return stop.Load() == 1
}

// Hot reports whether translation traffic arrived within the cooldown
// window. Worker loops use it to pick between spin-polling and timed waits.
//
//go:nosplit
//go:inline
//go:registerparams
func Hot() bool {
	return hot.Load() == 1
}
