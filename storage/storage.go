// Package storage provides the document store abstraction used for
// revocation records, user profiles and tasks.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Document is a versioned JSON document. Version is maintained by callers
// and checked by PutCAS; zero means "does not exist yet".
type Document struct {
	Data      json.RawMessage `json:"data"`
	Version   uint64          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BatchTx provides writes within an atomic transaction. Reads and CAS
// checks inside the batch see the batch's own earlier writes.
type BatchTx interface {
	Put(collection, id string, doc *Document) error
	PutCAS(collection, id string, expectedVersion uint64, doc *Document) error
	Delete(collection, id string) error
}

// Repository defines the interface for document storage. Documents are
// addressed by a collection name and an ID unique within that collection.
type Repository interface {
	Put(ctx context.Context, collection, id string, doc *Document) error
	Get(ctx context.Context, collection, id string) (*Document, error)
	List(ctx context.Context, collection string) ([]string, error)
	Delete(ctx context.Context, collection, id string) error
	// PutCAS writes doc only if the stored version equals expectedVersion.
	// An expectedVersion of 0 requires that the document does not exist.
	PutCAS(ctx context.Context, collection, id string, expectedVersion uint64, doc *Document) error
	// Batch runs fn in one transaction. If fn returns an error none of its
	// writes are applied.
	Batch(ctx context.Context, fn func(tx BatchTx) error) error
}

// Encode marshals v into a Document carrying the given version.
func Encode(v any, version uint64) (*Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	return &Document{
		Data:      data,
		Version:   version,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the document payload into v.
func Decode(doc *Document, v any) error {
	if doc == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(doc.Data, v); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	return nil
}
