package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// BoltStore is a bbolt (BoltDB) implementation of BlobStore.
//
// bbolt is chosen for single-host durable deployments because it is pure Go
// with no C dependencies and its Update transactions give the atomicity the
// CAS contract needs for free.
//
// All blobs live in one bucket; each value is a JSON envelope carrying the
// revision, CAS token, and state.
type BoltStore struct {
	db *bbolt.DB
}

var bucketBlobs = []byte("workflow_blobs")

// boltEnvelope is the on-disk record wrapper. State is base64-encoded by
// encoding/json, keeping the blob fully opaque to the store.
type boltEnvelope struct {
	Rev   int64  `json:"rev"`
	CAS   string `json:"cas"`
	State []byte `json:"state"`
}

// NewBoltStore opens (or creates) a bbolt database at path.
//
// fsync stays enabled for durability; the open call times out rather than
// blocking forever on a file lock held by another process.
func NewBoltStore(path string) (*BoltStore, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Get returns the stored blob for key, or ErrNotFound.
func (b *BoltStore) Get(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketBlobs).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		var env boltEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		state := make([]byte, len(env.State))
		copy(state, env.State)
		rec = &Record{Rev: env.Rev, State: state, CAS: env.CAS}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Put performs the CAS compare and write inside one Update transaction.
func (b *BoltStore) Put(ctx context.Context, key string, state []byte, cas string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var newRev int64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBlobs)
		raw := bucket.Get([]byte(key))

		if raw == nil {
			if cas != "" {
				return ErrConflict
			}
			newRev = 1
		} else {
			var env boltEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("decode envelope: %w", err)
			}
			if cas == "" || cas != env.CAS {
				return ErrConflict
			}
			newRev = env.Rev + 1
		}

		encoded, err := json.Marshal(boltEnvelope{
			Rev:   newRev,
			CAS:   casToken(newRev),
			State: state,
		})
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
		return bucket.Put([]byte(key), encoded)
	})
	if err != nil {
		return 0, err
	}
	return newRev, nil
}

// Close releases the database file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
