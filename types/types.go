// ============================================================================
// FABRIC CORE TYPES - SHARED VALUE & CAPABILITY DEFINITIONS
// ============================================================================
//
// Shared vocabulary of the dispatch/caching fabric: translated artifacts,
// execution modes, rejit work items, and the capability records through
// which the fabric reaches its external collaborators (translator backend,
// renderer, guest memory).
//
// The fabric never inspects artifact payloads. Code bytes and program
// handles are opaque blobs owned by whoever compiled them; the fabric only
// keys, stores, schedules and hands them back.

package types

// ============================================================================
// EXECUTION MODES
// ============================================================================

// ExecMode selects the translation flavor requested for a guest address.
type ExecMode uint32

const (
	// ModeInterpreter marks artifacts produced for interpreter fallback
	// dispatch tables.
	ModeInterpreter ExecMode = iota

	// ModeTranslated marks artifacts holding native translated code.
	ModeTranslated

	// ModeShader marks GPU program artifacts keyed by source hash rather
	// than guest PC.
	ModeShader
)

// ============================================================================
// TRANSLATED ARTIFACT
// ============================================================================

// Artifact is an opaque compiled representation keyed by guest address.
// Owned by the translation cache once inserted; any thread currently
// executing it holds its own strong reference (Go GC provides the
// shared-ownership semantics — the cache dropping its pointer never frees
// code out from under an executor).
type Artifact struct {
	// Addr is the guest start address of the covered range.
	Addr uint64

	// Size is the byte length of the covered guest range. The cache stores
	// the artifact under [Addr, Addr+Size).
	Size uint64

	// Mode records the translation flavor this artifact was built for.
	Mode ExecMode

	// Code holds the opaque compiled payload. Never interpreted here.
	Code []byte

	// Digest is the BLAKE2b-256 digest of Code, filled by the disk cache
	// layer for integrity checks on reload. Zero when not persisted.
	Digest [32]byte
}

// ============================================================================
// REJIT WORK ITEMS
// ============================================================================

// RejitRequest is a pending translation work item. It is exclusively owned
// by the priority queue until dequeued, then by the worker that drained it.
type RejitRequest struct {
	// Addr is the guest address to translate.
	Addr uint64

	// Mode is the requested translation flavor.
	Mode ExecMode

	// Priority is the band index 0..4 (0 = Critical, 4 = Background) the
	// request currently occupies.
	Priority uint8

	// EnqueuedTick is the monotonic millisecond tick of the last (re)insert;
	// the aging rule reads and refreshes it under the queue lock.
	EnqueuedTick int64
}

// ============================================================================
// CAPABILITY RECORDS
// ============================================================================

// Compiler is the capability through which workers and the speculative
// tracer reach the external translator backend. Only one implementation
// exists in production; tests supply scripted mocks.
type Compiler interface {
	// Compile produces an artifact for addr in the given mode. Failures are
	// ordinary typed errors: counted and dropped on opportunistic paths,
	// surfaced to the caller on the demand path.
	Compile(addr uint64, mode ExecMode) (*Artifact, error)
}

// Memory is the optional capability used by the bulk-scan prewarm entry
// point to walk mapped guest memory.
type Memory interface {
	IsMapped(addr uint64) bool
	ReadU32(addr uint64) uint32
}

// Renderer is the capability consumed by the shader-compile flavor of the
// worker pool.
type Renderer interface {
	// CreateProgram links a GPU program from opaque sources. The returned
	// blob is stored as an Artifact payload.
	CreateProgram(sources [][]byte, info []byte) ([]byte, error)
}
