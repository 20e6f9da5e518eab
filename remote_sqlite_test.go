package driftsync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

func newTestRemoteStore(t *testing.T) *SQLiteRemoteStore {
	t.Helper()
	config := DefaultSQLiteRemoteStoreConfig()
	config.Path = filepath.Join(t.TempDir(), "profiles.db")
	store, err := NewSQLiteRemoteStore(config)
	if err != nil {
		t.Fatalf("NewSQLiteRemoteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteRemoteStore_GetNotFound(t *testing.T) {
	store := newTestRemoteStore(t)

	_, err := store.Get(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteRemoteStore_ApplyBatch(t *testing.T) {
	store := newTestRemoteStore(t)

	batch := WriteBatch{
		Sets:                map[string]any{"preferences.theme": "dark"},
		Increments:          map[string]float64{"stats.points": 10},
		ServerTimestampPath: "syncedAt",
	}
	if err := store.ApplyBatch(context.Background(), "user-1", batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	doc, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	theme, _ := ParsePath("preferences.theme")
	points, _ := ParsePath("stats.points")
	stamp, _ := ParsePath("syncedAt")
	if v, _ := doc.valueAt(theme); v != "dark" {
		t.Errorf("theme = %v", v)
	}
	if v, _ := doc.valueAt(points); v != float64(10) {
		t.Errorf("points = %v", v)
	}
	if _, ok := doc.valueAt(stamp); !ok {
		t.Error("server timestamp not stamped")
	}

	t.Run("IncrementsAccumulate", func(t *testing.T) {
		err := store.ApplyBatch(context.Background(), "user-1", WriteBatch{
			Increments: map[string]float64{"stats.points": 5},
		})
		if err != nil {
			t.Fatalf("ApplyBatch: %v", err)
		}
		doc, _ := store.Get(context.Background(), "user-1")
		if v, _ := doc.valueAt(points); v != float64(15) {
			t.Errorf("points = %v, want 15", v)
		}
	})

	t.Run("EmptyBatchNoOp", func(t *testing.T) {
		if err := store.ApplyBatch(context.Background(), "user-2", WriteBatch{}); err != nil {
			t.Fatalf("ApplyBatch: %v", err)
		}
		if _, err := store.Get(context.Background(), "user-2"); !errors.Is(err, ErrNotFound) {
			t.Errorf("empty batch must not create the document: %v", err)
		}
	})
}

func TestSQLiteRemoteStore_RunTransaction(t *testing.T) {
	store := newTestRemoteStore(t)

	err := store.RunTransaction(context.Background(), "user-1", func(tx *Txn) error {
		return tx.Set("counter", tx.Number("counter")+1)
	})
	if err != nil {
		t.Fatalf("RunTransaction: %v", err)
	}

	doc, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc["counter"] != float64(1) {
		t.Errorf("counter = %v, want 1", doc["counter"])
	}

	t.Run("FnErrorAbortsWithoutRetry", func(t *testing.T) {
		sentinel := errors.New("abort")
		calls := 0
		err := store.RunTransaction(context.Background(), "user-1", func(tx *Txn) error {
			calls++
			_ = tx.Set("counter", float64(99))
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Errorf("expected fn error surfaced unchanged, got %v", err)
		}
		if calls != 1 {
			t.Errorf("fn ran %d times, want 1", calls)
		}
		doc, _ := store.Get(context.Background(), "user-1")
		if doc["counter"] != float64(1) {
			t.Errorf("aborted transaction left a partial write: %v", doc["counter"])
		}
	})

	t.Run("ReadOnlyCommitsNothing", func(t *testing.T) {
		err := store.RunTransaction(context.Background(), "user-3", func(tx *Txn) error {
			_ = tx.Number("counter")
			return nil
		})
		if err != nil {
			t.Fatalf("RunTransaction: %v", err)
		}
		if _, err := store.Get(context.Background(), "user-3"); !errors.Is(err, ErrNotFound) {
			t.Errorf("read-only transaction must not create the document: %v", err)
		}
	})
}

func TestSQLiteRemoteStore_ConcurrentTransactions(t *testing.T) {
	store := newTestRemoteStore(t)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.RunTransaction(context.Background(), "user-1", func(tx *Txn) error {
				return tx.Set("counter", tx.Number("counter")+1)
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	// Every committed transaction observed the previous one's write.
	doc, err := store.Get(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc["counter"] != float64(succeeded) {
		t.Errorf("counter = %v, want %d committed increments", doc["counter"], succeeded)
	}
}
