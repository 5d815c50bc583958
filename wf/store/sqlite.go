package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of BlobStore.
//
// It stores one row per workflow in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-host deployments requiring durable state
//   - Prototyping before migrating to an object store
//
// SQLiteStore uses WAL mode for concurrent reads and performs the CAS
// compare and the write inside one transaction, so concurrent engine calls
// serialize correctly through the single writer.
//
// Schema:
//   - workflow_blobs: blob_key, rev, cas, state, updated_at
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a new SQLite-backed blob store.
//
// The path parameter specifies the database file location:
//   - "./dev.db" - file in current directory
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically creates the table, enables WAL mode, and
// configures a busy timeout so concurrent writers wait instead of failing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS workflow_blobs (
		blob_key   TEXT PRIMARY KEY,
		rev        INTEGER NOT NULL,
		cas        TEXT NOT NULL,
		state      BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create workflow_blobs table: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Get returns the stored blob for key, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx,
		`SELECT rev, cas, state FROM workflow_blobs WHERE blob_key = ?`, key,
	).Scan(&rec.Rev, &rec.CAS, &rec.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load blob: %w", err)
	}
	return &rec, nil
}

// Put performs the CAS compare and write in one transaction.
func (s *SQLiteStore) Put(ctx context.Context, key string, state []byte, cas string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentRev int64
	var currentCAS string
	err = tx.QueryRowContext(ctx,
		`SELECT rev, cas FROM workflow_blobs WHERE blob_key = ?`, key,
	).Scan(&currentRev, &currentCAS)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if cas != "" {
			return 0, ErrConflict
		}
		newRev := int64(1)
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_blobs (blob_key, rev, cas, state, updated_at)
			 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
			key, newRev, casToken(newRev), state)
		if err != nil {
			return 0, fmt.Errorf("failed to insert blob: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("failed to commit: %w", err)
		}
		return newRev, nil
	case err != nil:
		return 0, fmt.Errorf("failed to read blob version: %w", err)
	}

	if cas == "" || cas != currentCAS {
		return 0, ErrConflict
	}
	newRev := currentRev + 1
	_, err = tx.ExecContext(ctx,
		`UPDATE workflow_blobs SET rev = ?, cas = ?, state = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE blob_key = ?`,
		newRev, casToken(newRev), state, key)
	if err != nil {
		return 0, fmt.Errorf("failed to update blob: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return newRev, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path this store was opened with.
func (s *SQLiteStore) Path() string {
	return s.path
}

// casToken derives the stored version tag from a revision.
func casToken(rev int64) string {
	return fmt.Sprintf("v%d", rev)
}
