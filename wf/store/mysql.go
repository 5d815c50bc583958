package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of BlobStore.
//
// Designed for:
//   - Production workflows requiring persistence
//   - Distributed systems with multiple workers
//   - Long-running workflows that survive process restarts
//
// The CAS compare is performed under a row lock (SELECT ... FOR UPDATE)
// inside a transaction, giving linearizable per-key writes.
//
// Security: never hardcode credentials in source. Read the DSN from the
// environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	store, err := store.NewMySQLStore(dsn)
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore creates a new MySQL-backed blob store.
//
// The DSN format is the go-sql-driver form:
//
//	user:password@tcp(localhost:3306)/workflows?parseTime=true
//
// The store creates its table if missing and configures connection pooling.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS workflow_blobs (
		blob_key   VARCHAR(512) PRIMARY KEY,
		rev        BIGINT NOT NULL,
		cas        VARCHAR(64) NOT NULL,
		state      LONGBLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	) ENGINE=InnoDB`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create workflow_blobs table: %w", err)
	}

	return &MySQLStore{db: db}, nil
}

// Get returns the stored blob for key, or ErrNotFound.
func (m *MySQLStore) Get(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := m.db.QueryRowContext(ctx,
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

// Put performs the CAS compare and write under a row lock.
func (m *MySQLStore) Put(ctx context.Context, key string, state []byte, cas string) (int64, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentRev int64
	var currentCAS string
	err = tx.QueryRowContext(ctx,
		`SELECT rev, cas FROM workflow_blobs WHERE blob_key = ? FOR UPDATE`, key,
	).Scan(&currentRev, &currentCAS)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if cas != "" {
			return 0, ErrConflict
		}
		newRev := int64(1)
		// A concurrent create can still race the insert; the primary key
		// turns that race into a duplicate-key error we map to ErrConflict.
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_blobs (blob_key, rev, cas, state) VALUES (?, ?, ?, ?)`,
			key, newRev, casToken(newRev), state)
		if err != nil {
			if isDuplicateKey(err) {
				return 0, ErrConflict
			}
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
		`UPDATE workflow_blobs SET rev = ?, cas = ?, state = ? WHERE blob_key = ?`,
		newRev, casToken(newRev), state, key)
	if err != nil {
		return 0, fmt.Errorf("failed to update blob: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return newRev, nil
}

// Close releases the connection pool.
func (m *MySQLStore) Close() error {
	return m.db.Close()
}

// Ping verifies database connectivity.
func (m *MySQLStore) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// isDuplicateKey reports whether err is a MySQL duplicate-key error (1062).
func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1062
}
