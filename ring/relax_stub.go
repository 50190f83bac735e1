// ════════════════════════════════════════════════════════════════════════════════════════════════
// CPU Relaxation - Fallback Implementation
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Kirujinx Dispatch Fabric
// Component: Cross-Platform Compatibility Layer
//
// Description:
//   Fallback implementation for architectures without specialized spin-wait instructions,
//   and for builds with assembly or CGO disabled (noasm / nocgo tags). Provides API
//   compatibility; the processor spins at full speed without hints.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

//go:build (!amd64 && !arm64) || noasm || nocgo

package ring

// cpuRelax is a no-op on platforms without a spin-wait hint instruction.
// The empty body inlines away entirely.
//
//go:norace
//go:nocheckptr
//go:nosplit
//go:inline
//go:registerparams
func cpuRelax() {
	// No-op implementation
}
