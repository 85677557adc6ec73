// Package postgres implements storage.Repository backed by PostgreSQL.
//
// Documents live in a single table keyed by (collection, id). The payload
// is stored as JSONB and the CAS version as a BIGINT column so that
// PutCAS can lock and compare the row inside one transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/taskboard/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// execer is the subset of pgxpool.Pool and pgx.Tx used for writes.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) Put(ctx context.Context, collection, id string, doc *storage.Document) error {
	return put(ctx, s.pool, collection, id, doc)
}

func put(ctx context.Context, db execer, collection, id string, doc *storage.Document) error {
	_, err := db.Exec(ctx,
		`INSERT INTO documents (collection, id, data, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (collection, id)
		 DO UPDATE SET data = $3, version = $4, updated_at = $5`,
		collection, id, []byte(doc.Data), int64(doc.Version), updatedAt(doc))
	return err
}

func (s *Store) Get(ctx context.Context, collection, id string) (*storage.Document, error) {
	var (
		data    []byte
		version int64
		doc     storage.Document
	)
	err := s.pool.QueryRow(ctx,
		`SELECT data, version, updated_at FROM documents WHERE collection = $1 AND id = $2`,
		collection, id).Scan(&data, &version, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc.Data = data
	doc.Version = uint64(version)
	return &doc, nil
}

func (s *Store) List(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM documents WHERE collection = $1 ORDER BY id`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return deleteDocument(ctx, s.pool, collection, id)
}

func deleteDocument(ctx context.Context, db execer, collection, id string) error {
	tag, err := db.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) PutCAS(ctx context.Context, collection, id string, expectedVersion uint64, doc *storage.Document) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCASInTx(ctx, tx, collection, id, expectedVersion, doc); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// putCASInTx locks the row, compares versions and writes doc within tx.
func putCASInTx(ctx context.Context, tx pgx.Tx, collection, id string, expectedVersion uint64, doc *storage.Document) error {
	var currentVersion int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
		collection, id).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		// ON CONFLICT DO NOTHING turns a racing insert into a CAS failure
		// instead of a unique-violation error.
		tag, err := tx.Exec(ctx,
			`INSERT INTO documents (collection, id, data, version, updated_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (collection, id) DO NOTHING`,
			collection, id, []byte(doc.Data), int64(doc.Version), updatedAt(doc))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || uint64(currentVersion) != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE documents SET data = $3, version = $4, updated_at = $5
		 WHERE collection = $1 AND id = $2`,
		collection, id, []byte(doc.Data), int64(doc.Version), updatedAt(doc))
	return err
}

// Batch runs fn inside one PostgreSQL transaction. The transaction is
// committed only if fn succeeds.
func (s *Store) Batch(ctx context.Context, fn func(tx storage.BatchTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgBatchTx struct {
	ctx context.Context
	tx  pgx.Tx
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (btx *pgBatchTx) Put(collection, id string, doc *storage.Document) error {
	return put(btx.ctx, btx.tx, collection, id, doc)
}

func (btx *pgBatchTx) PutCAS(collection, id string, expectedVersion uint64, doc *storage.Document) error {
	return putCASInTx(btx.ctx, btx.tx, collection, id, expectedVersion, doc)
}

func (btx *pgBatchTx) Delete(collection, id string) error {
	return deleteDocument(btx.ctx, btx.tx, collection, id)
}

func updatedAt(doc *storage.Document) time.Time {
	if doc.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return doc.UpdatedAt
}
