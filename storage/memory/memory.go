// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/jmcleod/taskboard/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Document
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Document)}
}

func cloneDocument(doc *storage.Document) *storage.Document {
	if doc == nil {
		return nil
	}
	return &storage.Document{
		Data:      append([]byte(nil), doc.Data...),
		Version:   doc.Version,
		UpdatedAt: doc.UpdatedAt,
	}
}

func (r *Repository) Put(_ context.Context, collection, id string, doc *storage.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(collection, id, doc)
	return nil
}

func (r *Repository) putLocked(collection, id string, doc *storage.Document) {
	if _, ok := r.data[collection]; !ok {
		r.data[collection] = make(map[string]*storage.Document)
	}
	r.data[collection][id] = cloneDocument(doc)
}

func (r *Repository) Get(_ context.Context, collection, id string) (*storage.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(collection, id)
}

func (r *Repository) getLocked(collection, id string) (*storage.Document, error) {
	docs, ok := r.data[collection]
	if !ok {
		return nil, storage.ErrNotFound
	}
	doc, ok := docs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (r *Repository) List(_ context.Context, collection string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.data[collection]))
	for id := range r.data[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Repository) Delete(_ context.Context, collection, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(collection, id)
}

func (r *Repository) deleteLocked(collection, id string) error {
	docs, ok := r.data[collection]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := docs[id]; !ok {
		return storage.ErrNotFound
	}
	delete(docs, id)
	return nil
}

func (r *Repository) PutCAS(_ context.Context, collection, id string, expectedVersion uint64, doc *storage.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(collection, id, expectedVersion, doc)
}

func (r *Repository) putCASLocked(collection, id string, expectedVersion uint64, doc *storage.Document) error {
	existing, err := r.getLocked(collection, id)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		r.putLocked(collection, id, doc)
		return nil
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	r.putLocked(collection, id, doc)
	return nil
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memoryBatchTx{repo: r}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type undoEntry struct {
	collection string
	id         string
	prev       *storage.Document // nil if the document did not exist
}

// memoryBatchTx applies writes directly under the repository lock and keeps
// the previous documents so a failed batch can be undone.
type memoryBatchTx struct {
	repo *Repository
	undo []undoEntry
}

var _ storage.BatchTx = (*memoryBatchTx)(nil)

func (tx *memoryBatchTx) remember(collection, id string) {
	prev, _ := tx.repo.getLocked(collection, id)
	tx.undo = append(tx.undo, undoEntry{collection: collection, id: id, prev: prev})
}

func (tx *memoryBatchTx) Put(collection, id string, doc *storage.Document) error {
	tx.remember(collection, id)
	tx.repo.putLocked(collection, id, doc)
	return nil
}

func (tx *memoryBatchTx) PutCAS(collection, id string, expectedVersion uint64, doc *storage.Document) error {
	tx.remember(collection, id)
	return tx.repo.putCASLocked(collection, id, expectedVersion, doc)
}

func (tx *memoryBatchTx) Delete(collection, id string) error {
	tx.remember(collection, id)
	return tx.repo.deleteLocked(collection, id)
}

func (tx *memoryBatchTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		if u.prev == nil {
			if docs, ok := tx.repo.data[u.collection]; ok {
				delete(docs, u.id)
			}
			continue
		}
		tx.repo.putLocked(u.collection, u.id, u.prev)
	}
}
