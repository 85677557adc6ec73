// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmcleod/taskboard/storage"
	"go.etcd.io/bbolt"
)

// Store implements storage.Repository backed by a BBolt database. Each
// collection maps to a top-level bucket keyed by document ID.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
// A nil options value waits at most one second for the file lock so that a
// second process (for example the revoke command) fails fast while the
// server holds the database.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: time.Second}
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(_ context.Context, collection, id string, doc *storage.Document) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		return putInBucket(b, id, doc)
	})
}

func putInBucket(b *bbolt.Bucket, id string, doc *storage.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return b.Put([]byte(id), data)
}

func (s *Store) Get(_ context.Context, collection, id string) (*storage.Document, error) {
	var doc storage.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *Store) Delete(_ context.Context, collection, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteFrom(tx, collection, id)
	})
}

func deleteFrom(tx *bbolt.Tx, collection, id string) error {
	b := tx.Bucket([]byte(collection))
	if b == nil || b.Get([]byte(id)) == nil {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return b.Delete([]byte(id))
}

func (s *Store) List(_ context.Context, collection string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func (s *Store) PutCAS(_ context.Context, collection, id string, expectedVersion uint64, doc *storage.Document) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putCAS(tx, collection, id, expectedVersion, doc)
	})
}

func putCAS(tx *bbolt.Tx, collection, id string, expectedVersion uint64, doc *storage.Document) error {
	b, err := tx.CreateBucketIfNotExists([]byte(collection))
	if err != nil {
		return err
	}
	existingData := b.Get([]byte(id))

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Document
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return putInBucket(b, id, doc)
}

// Batch runs fn inside a single read-write bbolt transaction.
func (s *Store) Batch(_ context.Context, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltBatchTx{tx: tx})
	})
}

type boltBatchTx struct {
	tx *bbolt.Tx
}

var _ storage.BatchTx = (*boltBatchTx)(nil)

func (btx *boltBatchTx) Put(collection, id string, doc *storage.Document) error {
	b, err := btx.tx.CreateBucketIfNotExists([]byte(collection))
	if err != nil {
		return err
	}
	return putInBucket(b, id, doc)
}

func (btx *boltBatchTx) PutCAS(collection, id string, expectedVersion uint64, doc *storage.Document) error {
	return putCAS(btx.tx, collection, id, expectedVersion, doc)
}

func (btx *boltBatchTx) Delete(collection, id string) error {
	return deleteFrom(btx.tx, collection, id)
}
