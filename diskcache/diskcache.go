// ============================================================================
// PERSISTENT ARTIFACT STORE - WARM-BOOT TRANSLATION CACHE
// ============================================================================
//
// SQLite-backed store for translated artifacts, keyed by guest address.
// On boot the store bulk-loads every verified row into the translation
// cache so a title resumes with its working set already translated; at
// runtime new artifacts trickle out through the scheduler's Low band so
// persistence never competes with the frame loop.
//
// Integrity: each row carries the BLAKE2b-256 digest of its blob,
// recomputed on reload. Rows whose digest mismatches, whose blob exceeds
// the sanity bound, or whose range is degenerate are skipped and counted
// — a corrupt cache costs retranslation, never a bad artifact.
//
// Schema:
//   artifacts(addr INTEGER PRIMARY KEY, size INTEGER, mode INTEGER,
//             digest BLOB, code BLOB)
//
// The blob is opaque here; its internal layout belongs to the translator
// backend.

package diskcache

import (
	"crypto/subtle"
	"database/sql"
	"errors"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/blake2b"

	"github.com/kirakira-dev/Kirujinx-Public/constants"
	"github.com/kirakira-dev/Kirujinx-Public/debug"
	"github.com/kirakira-dev/Kirujinx-Public/transcache"
	"github.com/kirakira-dev/Kirujinx-Public/types"
	"github.com/kirakira-dev/Kirujinx-Public/utils"
)

// ErrClosed marks operations against a closed store.
var ErrClosed = errors.New("diskcache: store closed")

// Store is the persistent artifact cache.
type Store struct {
	db     *sql.DB
	closed atomic.Bool

	loaded   atomic.Uint64
	rejected atomic.Uint64
	written  atomic.Uint64
}

// Open opens (creating if necessary) the artifact database at path.
// ":memory:" yields an ephemeral store for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS artifacts (
			addr   INTEGER PRIMARY KEY,
			size   INTEGER NOT NULL,
			mode   INTEGER NOT NULL,
			digest BLOB NOT NULL,
			code   BLOB NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// ============================================================================
// WRITE PATH
// ============================================================================

// Put persists one artifact. Callers route this through the scheduler's
// Low band; it is safe but slow to call inline.
func (s *Store) Put(art *types.Artifact) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if art.Size == 0 || len(art.Code) == 0 {
		return errors.New("diskcache: degenerate artifact")
	}

	digest := blake2b.Sum256(art.Code)
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO artifacts (addr, size, mode, digest, code)
		 VALUES (?, ?, ?, ?, ?)`,
		int64(art.Addr), int64(art.Size), int64(art.Mode), digest[:], art.Code)
	if err != nil {
		return err
	}
	s.written.Add(1)
	return nil
}

// Prune removes every row whose start address falls inside [start, end).
// Invalidation sweeps call this alongside the in-memory removal.
func (s *Store) Prune(start, end uint64) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	res, err := s.db.Exec(
		`DELETE FROM artifacts WHERE addr >= ? AND addr < ?`,
		int64(start), int64(end))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Clear drops every persisted artifact (title switch with a cold cache).
func (s *Store) Clear() error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.Exec(`DELETE FROM artifacts`)
	return err
}

// ============================================================================
// WARM BOOT
// ============================================================================

// LoadAll streams every verified row into the translation cache.
// Returns the number inserted; corrupt rows are skipped and counted.
func (s *Store) LoadAll(cache *transcache.Cache) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	rows, err := s.db.Query(
		`SELECT addr, size, mode, digest, code FROM artifacts ORDER BY addr`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	inserted := 0
	for rows.Next() {
		var addr, size, mode int64
		var digest, code []byte
		if err := rows.Scan(&addr, &size, &mode, &digest, &code); err != nil {
			return inserted, err
		}

		if !s.verifyRow(uint64(addr), uint64(size), digest, code) {
			continue
		}

		art := &types.Artifact{
			Addr: uint64(addr),
			Size: uint64(size),
			Mode: types.ExecMode(mode),
			Code: code,
		}
		copy(art.Digest[:], digest)

		if cache.TryAdd(art.Addr, art.Size, art) {
			inserted++
			s.loaded.Add(1)
		}
	}
	if err := rows.Err(); err != nil {
		return inserted, err
	}

	debug.DropMessage("PPTC", utils.Itoa(inserted)+" artifacts restored")
	return inserted, nil
}

// verifyRow applies the reload sanity checks.
func (s *Store) verifyRow(addr, size uint64, digest, code []byte) bool {
	if size == 0 || len(code) == 0 || len(code) > constants.ArtifactBlobMax {
		s.rejected.Add(1)
		debug.DropAddr("PPTC-REJECT", addr)
		return false
	}
	want := blake2b.Sum256(code)
	if len(digest) != len(want) ||
		subtle.ConstantTimeCompare(digest, want[:]) != 1 {
		s.rejected.Add(1)
		debug.DropAddr("PPTC-CORRUPT", addr)
		return false
	}
	return true
}

// Count returns the number of persisted rows.
func (s *Store) Count() (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM artifacts`).Scan(&n)
	return n, err
}

// ============================================================================
// STATS
// ============================================================================

// Stats is a value snapshot of store counters.
type Stats struct {
	Loaded   uint64
	Rejected uint64
	Written  uint64
}

// Stats returns the counter snapshot.
func (s *Store) Stats() Stats {
	return Stats{
		Loaded:   s.loaded.Load(),
		Rejected: s.rejected.Load(),
		Written:  s.written.Load(),
	}
}
