package pebblestore

import (
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Options{
		DataDir:       t.TempDir(),
		Fsync:         FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCRUD(t *testing.T) {
	db := newTestDB(t)

	key := []byte("k1")
	if err := db.Set(key, []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := db.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("got %q want v1", got)
	}

	if err := db.Delete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get(key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestBatchCommitAndBoundedIter(t *testing.T) {
	db := newTestDB(t)

	b := db.NewBatch()
	for _, k := range []string{"a/1", "a/2", "b/1"} {
		if err := b.Set([]byte(k), []byte("x"), nil); err != nil {
			t.Fatalf("batch set: %v", err)
		}
	}
	if err := db.CommitBatch(nil, b); err != nil {
		t.Fatalf("commit: %v", err)
	}
	b.Close()

	it, err := db.NewIter(&pebble.IterOptions{LowerBound: []byte("a/"), UpperBound: []byte("a0")})
	if err != nil {
		t.Fatalf("iter: %v", err)
	}
	defer it.Close()
	n := 0
	for it.First(); it.Valid(); it.Next() {
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 keys under a/, got %d", n)
	}
}

func TestOpenRequiresDataDir(t *testing.T) {
	if _, err := Open(Options{}); err == nil {
		t.Fatalf("expected error for empty DataDir")
	}
}
