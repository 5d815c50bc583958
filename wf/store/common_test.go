package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// storeFactory builds a fresh BlobStore for conformance testing and returns
// a cleanup function.
type storeFactory func(t *testing.T) (BlobStore, func())

// conformanceFactories lists every backend the shared suite runs against.
// MySQL requires MYSQL_DSN and is skipped otherwise, mirroring CI setups
// without a database.
func conformanceFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) (BlobStore, func()) {
			return NewMemStore(), func() {}
		},
		"sqlite": func(t *testing.T) (BlobStore, func()) {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "wf.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return s, func() { _ = s.Close() }
		},
		"bbolt": func(t *testing.T) (BlobStore, func()) {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "wf.bolt"))
			if err != nil {
				t.Fatalf("NewBoltStore: %v", err)
			}
			return s, func() { _ = s.Close() }
		},
		"mysql": func(t *testing.T) (BlobStore, func()) {
			dsn := os.Getenv("MYSQL_DSN")
			if dsn == "" {
				t.Skip("MYSQL_DSN not set; skipping MySQL conformance")
			}
			s, err := NewMySQLStore(dsn)
			if err != nil {
				t.Fatalf("NewMySQLStore: %v", err)
			}
			return s, func() { _ = s.Close() }
		},
	}
}

// TestBlobStore_Conformance runs the CAS contract against every backend.
func TestBlobStore_Conformance(t *testing.T) {
	for name, factory := range conformanceFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get missing returns ErrNotFound", func(t *testing.T) {
				s, done := factory(t)
				defer done()
				_, err := s.Get(ctx, "wf/absent")
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			})

			t.Run("create-if-absent then read back", func(t *testing.T) {
				s, done := factory(t)
				defer done()
				rev, err := s.Put(ctx, "wf/a", []byte(`{"id":"a"}`), "")
				if err != nil {
					t.Fatalf("create: %v", err)
				}
				if rev != 1 {
					t.Errorf("expected rev 1, got %d", rev)
				}
				rec, err := s.Get(ctx, "wf/a")
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				if string(rec.State) != `{"id":"a"}` {
					t.Errorf("state mismatch: %s", rec.State)
				}
				if rec.CAS == "" {
					t.Error("expected non-empty CAS token")
				}
			})

			t.Run("create over existing conflicts", func(t *testing.T) {
				s, done := factory(t)
				defer done()
				if _, err := s.Put(ctx, "wf/a", []byte(`1`), ""); err != nil {
					t.Fatalf("create: %v", err)
				}
				_, err := s.Put(ctx, "wf/a", []byte(`2`), "")
				if !errors.Is(err, ErrConflict) {
					t.Errorf("expected ErrConflict, got %v", err)
				}
			})

			t.Run("conditional update succeeds with current token", func(t *testing.T) {
				s, done := factory(t)
				defer done()
				if _, err := s.Put(ctx, "wf/a", []byte(`1`), ""); err != nil {
					t.Fatalf("create: %v", err)
				}
				rec, err := s.Get(ctx, "wf/a")
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				rev, err := s.Put(ctx, "wf/a", []byte(`2`), rec.CAS)
				if err != nil {
					t.Fatalf("update: %v", err)
				}
				if rev != rec.Rev+1 {
					t.Errorf("expected rev %d, got %d", rec.Rev+1, rev)
				}
			})

			t.Run("stale token conflicts and leaves state intact", func(t *testing.T) {
				s, done := factory(t)
				defer done()
				if _, err := s.Put(ctx, "wf/a", []byte(`1`), ""); err != nil {
					t.Fatalf("create: %v", err)
				}
				stale, err := s.Get(ctx, "wf/a")
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				if _, err := s.Put(ctx, "wf/a", []byte(`2`), stale.CAS); err != nil {
					t.Fatalf("first update: %v", err)
				}
				_, err = s.Put(ctx, "wf/a", []byte(`3`), stale.CAS)
				if !errors.Is(err, ErrConflict) {
					t.Errorf("expected ErrConflict on stale token, got %v", err)
				}
				rec, err := s.Get(ctx, "wf/a")
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				if string(rec.State) != `2` {
					t.Errorf("losing write mutated state: %s", rec.State)
				}
			})

			t.Run("update missing key conflicts", func(t *testing.T) {
				s, done := factory(t)
				defer done()
				_, err := s.Put(ctx, "wf/ghost", []byte(`1`), "v1")
				if !errors.Is(err, ErrConflict) {
					t.Errorf("expected ErrConflict, got %v", err)
				}
			})

			t.Run("keys are independent", func(t *testing.T) {
				s, done := factory(t)
				defer done()
				if _, err := s.Put(ctx, "wf/a", []byte(`1`), ""); err != nil {
					t.Fatalf("create a: %v", err)
				}
				if _, err := s.Put(ctx, "wf/b", []byte(`2`), ""); err != nil {
					t.Fatalf("create b: %v", err)
				}
				recA, _ := s.Get(ctx, "wf/a")
				recB, _ := s.Get(ctx, "wf/b")
				if string(recA.State) != `1` || string(recB.State) != `2` {
					t.Error("keys leaked into each other")
				}
			})
		})
	}
}
