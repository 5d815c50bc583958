// Package store provides CAS-versioned blob persistence for workflow state.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional write loses a compare-and-swap
// race: the caller supplied an empty CAS token but the key already exists, or
// a non-empty token that no longer matches the stored one.
//
// Conflicts are recoverable; the engine retries them from a fresh load.
var ErrConflict = errors.New("cas conflict")

// Record is the result of reading a blob.
type Record struct {
	// Rev is an informational, monotonically increasing revision number.
	// Correctness relies solely on CAS, never on Rev.
	Rev int64

	// State is the persisted blob, opaque to the store.
	State []byte

	// CAS is the opaque version token to pass to Put for a conditional
	// write. Backed by an ETag-like version tag on object stores.
	CAS string
}

// BlobStore provides linearizable single-key compare-and-swap persistence.
//
// One workflow is one blob; there are no cross-key transactions. All engine
// coordination across processes goes through Put's CAS check.
//
// Implementations can use:
// - In-memory maps (for testing, see memory.go).
// - Embedded databases (SQLite, bbolt).
// - Relational databases (MySQL).
// - Object storage with conditional-write headers (S3, GCS).
type BlobStore interface {
	// Get returns the current record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// Put writes state atomically and returns the new revision.
	//
	// If cas is empty, the write succeeds only if no record exists
	// (create-if-absent). If cas is non-empty, the write succeeds only if
	// the stored token equals it. Either mismatch returns ErrConflict and
	// leaves the record untouched; there are no partial writes.
	Put(ctx context.Context, key string, state []byte, cas string) (int64, error)
}
