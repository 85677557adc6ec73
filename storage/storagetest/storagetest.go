// Package storagetest holds a conformance suite shared by every
// storage.Repository backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/jmcleod/taskboard/storage"
)

func mustEncode(t *testing.T, v any, version uint64) *storage.Document {
	t.Helper()
	doc, err := storage.Encode(v, version)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return doc
}

// Run exercises repo against the storage.Repository contract. The
// repository must be empty when Run is called.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutAndGet", func(t *testing.T) {
		if err := repo.Put(ctx, "profiles", "u1", mustEncode(t, map[string]string{"name": "Ada"}, 1)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, "profiles", "u1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != 1 {
			t.Errorf("expected version 1, got %d", got.Version)
		}
		var payload map[string]string
		if err := storage.Decode(got, &payload); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if payload["name"] != "Ada" {
			t.Errorf("expected name Ada, got %q", payload["name"])
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		if _, err := repo.Get(ctx, "missing-collection", "x"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing collection, got %v", err)
		}
		if _, err := repo.Get(ctx, "profiles", "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing document, got %v", err)
		}
	})

	t.Run("ListIsScopedToCollection", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			if err := repo.Put(ctx, "tasks:owner-a", fmt.Sprintf("t%d", i), mustEncode(t, i, 1)); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		if err := repo.Put(ctx, "tasks:owner-b", "t9", mustEncode(t, 9, 1)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ids, err := repo.List(ctx, "tasks:owner-a")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 3 {
			t.Errorf("expected 3 ids, got %d: %v", len(ids), ids)
		}
		ids, err = repo.List(ctx, "tasks:nobody")
		if err != nil {
			t.Fatalf("List on empty collection failed: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no ids, got %v", ids)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Put(ctx, "scratch", "d1", mustEncode(t, "x", 1)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := repo.Delete(ctx, "scratch", "d1"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ctx, "scratch", "d1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(ctx, "scratch", "d1"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		if err := repo.PutCAS(ctx, "revocations", "s1", 0, mustEncode(t, "v1", 1)); err != nil {
			t.Fatalf("create via CAS failed: %v", err)
		}
		if err := repo.PutCAS(ctx, "revocations", "s1", 0, mustEncode(t, "dup", 1)); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed creating existing document, got %v", err)
		}
		if err := repo.PutCAS(ctx, "revocations", "s1", 1, mustEncode(t, "v2", 2)); err != nil {
			t.Fatalf("update via CAS failed: %v", err)
		}
		if err := repo.PutCAS(ctx, "revocations", "s1", 1, mustEncode(t, "stale", 2)); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed for stale version, got %v", err)
		}
		if err := repo.PutCAS(ctx, "revocations", "missing", 3, mustEncode(t, "x", 4)); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed updating missing document, got %v", err)
		}
		got, err := repo.Get(ctx, "revocations", "s1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		var v string
		if err := storage.Decode(got, &v); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if v != "v2" || got.Version != 2 {
			t.Errorf("expected v2@2, got %s@%d", v, got.Version)
		}
	})

	t.Run("ConcurrentCASHasSingleWinner", func(t *testing.T) {
		if err := repo.PutCAS(ctx, "counters", "c", 0, mustEncode(t, 0, 1)); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		docs := make([]*storage.Document, writers)
		for i := range docs {
			docs[i] = mustEncode(t, i, 2)
		}
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := repo.PutCAS(ctx, "counters", "c", 1, docs[i])
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("expected exactly one CAS winner, got %d", wins)
		}
	})

	t.Run("BatchCommits", func(t *testing.T) {
		if err := repo.Put(ctx, "activity:u1", "old", mustEncode(t, "old", 1)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("activity:u1", "new", mustEncode(t, "new", 1)); err != nil {
				return err
			}
			if err := tx.PutCAS("activity:u1", "cas", 0, mustEncode(t, "cas", 1)); err != nil {
				return err
			}
			// Later writes in the batch see earlier ones.
			if err := tx.PutCAS("activity:u1", "cas", 1, mustEncode(t, "cas2", 2)); err != nil {
				return err
			}
			return tx.Delete("activity:u1", "old")
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		ids, err := repo.List(ctx, "activity:u1")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		sort.Strings(ids)
		if fmt.Sprint(ids) != "[cas new]" {
			t.Errorf("expected [cas new], got %v", ids)
		}
		got, err := repo.Get(ctx, "activity:u1", "cas")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != 2 {
			t.Errorf("expected version 2, got %d", got.Version)
		}
	})

	t.Run("BatchRollsBackOnError", func(t *testing.T) {
		if err := repo.Put(ctx, "activity:u2", "keep", mustEncode(t, "keep", 1)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		errAbort := errors.New("abort")
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("activity:u2", "added", mustEncode(t, "added", 1)); err != nil {
				return err
			}
			if err := tx.Put("activity:u2", "keep", mustEncode(t, "overwritten", 2)); err != nil {
				return err
			}
			if err := tx.Delete("activity:u2", "keep"); err != nil {
				return err
			}
			return errAbort
		})
		if !errors.Is(err, errAbort) {
			t.Fatalf("expected abort error, got %v", err)
		}
		ids, err := repo.List(ctx, "activity:u2")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if fmt.Sprint(ids) != "[keep]" {
			t.Errorf("expected [keep], got %v", ids)
		}
		got, err := repo.Get(ctx, "activity:u2", "keep")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		var v string
		if err := storage.Decode(got, &v); err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if v != "keep" || got.Version != 1 {
			t.Errorf("expected keep@1, got %s@%d", v, got.Version)
		}
	})

	t.Run("BatchCASConflictAborts", func(t *testing.T) {
		if err := repo.PutCAS(ctx, "revocations", "s2", 0, mustEncode(t, "v1", 1)); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
		err := repo.Batch(ctx, func(tx storage.BatchTx) error {
			if err := tx.Put("profiles", "batch-u", mustEncode(t, "p", 1)); err != nil {
				return err
			}
			return tx.PutCAS("revocations", "s2", 0, mustEncode(t, "dup", 1))
		})
		if !errors.Is(err, storage.ErrCASFailed) {
			t.Fatalf("expected ErrCASFailed, got %v", err)
		}
		if _, err := repo.Get(ctx, "profiles", "batch-u"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected batch write to be rolled back, got %v", err)
		}
	})
}
