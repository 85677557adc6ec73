package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmcleod/taskboard/storage"
)

const (
	revocationCollection = "revocations"
	maxCASAttempts       = 5
)

// RevocationRecord is the per-subject revocation state. Any credential
// issued strictly before Cutoff is revoked. The zero Cutoff revokes nothing.
type RevocationRecord struct {
	SubjectID string    `json:"subject_id"`
	Cutoff    time.Time `json:"cutoff"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RevocationStore persists revocation records. Cutoffs only ever move
// forward.
type RevocationStore interface {
	// Load returns storage.ErrNotFound when the subject has no record.
	Load(ctx context.Context, subject string) (RevocationRecord, error)
	// Ensure creates an empty record for subject if none exists.
	Ensure(ctx context.Context, subject string, now time.Time) (RevocationRecord, error)
	// Advance raises the cutoff to at. It reports false when the stored
	// cutoff is already at or after at.
	Advance(ctx context.Context, subject string, at time.Time, reason string) (RevocationRecord, bool, error)
}

// DocumentRevocationStore keeps revocation records in a storage.Repository
// and serializes concurrent writers with compare-and-swap.
type DocumentRevocationStore struct {
	repo storage.Repository
}

var _ RevocationStore = (*DocumentRevocationStore)(nil)

func NewDocumentRevocationStore(repo storage.Repository) *DocumentRevocationStore {
	return &DocumentRevocationStore{repo: repo}
}

func (s *DocumentRevocationStore) load(ctx context.Context, subject string) (RevocationRecord, uint64, error) {
	doc, err := s.repo.Get(ctx, revocationCollection, subject)
	if err != nil {
		return RevocationRecord{}, 0, err
	}
	var rec RevocationRecord
	if err := storage.Decode(doc, &rec); err != nil {
		return RevocationRecord{}, 0, err
	}
	return rec, doc.Version, nil
}

func (s *DocumentRevocationStore) Load(ctx context.Context, subject string) (RevocationRecord, error) {
	rec, _, err := s.load(ctx, subject)
	return rec, err
}

func (s *DocumentRevocationStore) Ensure(ctx context.Context, subject string, now time.Time) (RevocationRecord, error) {
	for range maxCASAttempts {
		rec, _, err := s.load(ctx, subject)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return RevocationRecord{}, fmt.Errorf("loading revocation record: %w", err)
		}

		rec = RevocationRecord{SubjectID: subject, CreatedAt: now.UTC(), UpdatedAt: now.UTC()}
		doc, err := storage.Encode(rec, 1)
		if err != nil {
			return RevocationRecord{}, err
		}
		err = s.repo.PutCAS(ctx, revocationCollection, subject, 0, doc)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, storage.ErrCASFailed) {
			return RevocationRecord{}, fmt.Errorf("creating revocation record: %w", err)
		}
		// Lost the race to another creator; reload.
	}
	return RevocationRecord{}, fmt.Errorf("creating revocation record for %s: %w", subject, storage.ErrCASFailed)
}

func (s *DocumentRevocationStore) Advance(ctx context.Context, subject string, at time.Time, reason string) (RevocationRecord, bool, error) {
	at = at.UTC()
	for range maxCASAttempts {
		rec, version, err := s.load(ctx, subject)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			rec = RevocationRecord{SubjectID: subject, CreatedAt: at}
		case err != nil:
			return RevocationRecord{}, false, fmt.Errorf("loading revocation record: %w", err)
		}
		if !at.After(rec.Cutoff) {
			return rec, false, nil
		}

		rec.Cutoff = at
		rec.Reason = reason
		rec.UpdatedAt = at
		doc, err := storage.Encode(rec, version+1)
		if err != nil {
			return RevocationRecord{}, false, err
		}
		err = s.repo.PutCAS(ctx, revocationCollection, subject, version, doc)
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, storage.ErrCASFailed) {
			return RevocationRecord{}, false, fmt.Errorf("writing revocation record: %w", err)
		}
	}
	return RevocationRecord{}, false, fmt.Errorf("advancing revocation cutoff for %s: %w", subject, storage.ErrCASFailed)
}

// RevocationCache is a write-through cache of revocation cutoffs in front of
// a RevocationStore. Per-request validation reads from the cache so it does
// not touch the store on the hot path; entries are reloaded once they are
// older than the refresh interval so that revocations written by other
// instances become visible. A refresh interval of zero never reloads.
type RevocationCache struct {
	store   RevocationStore
	refresh time.Duration
	clock   Clock

	mu      sync.RWMutex
	entries map[string]cutoffEntry
}

type cutoffEntry struct {
	cutoff   time.Time
	loadedAt time.Time
}

func NewRevocationCache(store RevocationStore, refresh time.Duration, clock Clock) *RevocationCache {
	if clock == nil {
		clock = realClock{}
	}
	return &RevocationCache{
		store:   store,
		refresh: refresh,
		clock:   clock,
		entries: make(map[string]cutoffEntry),
	}
}

// Cutoff returns the cached cutoff for subject, loading it on a miss or when
// the entry is due for refresh. If a reload fails and an older entry exists,
// the older entry is served.
func (c *RevocationCache) Cutoff(ctx context.Context, subject string) (time.Time, error) {
	now := c.clock.Now()
	c.mu.RLock()
	e, ok := c.entries[subject]
	c.mu.RUnlock()
	if ok && (c.refresh <= 0 || now.Sub(e.loadedAt) < c.refresh) {
		return e.cutoff, nil
	}

	cutoff, err := c.CutoffFresh(ctx, subject)
	if err != nil {
		if ok {
			return e.cutoff, nil
		}
		return time.Time{}, err
	}
	return cutoff, nil
}

// CutoffFresh reads the cutoff from the store and updates the cache.
// A subject without a record has the zero cutoff.
func (c *RevocationCache) CutoffFresh(ctx context.Context, subject string) (time.Time, error) {
	rec, err := c.store.Load(ctx, subject)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return time.Time{}, fmt.Errorf("loading revocation cutoff: %w", err)
	}
	return c.remember(subject, rec.Cutoff), nil
}

// Ensure makes sure subject has a stored record.
func (c *RevocationCache) Ensure(ctx context.Context, subject string) error {
	rec, err := c.store.Ensure(ctx, subject, c.clock.Now())
	if err != nil {
		return err
	}
	c.remember(subject, rec.Cutoff)
	return nil
}

// Revoke advances subject's cutoff to at and reports whether it moved.
func (c *RevocationCache) Revoke(ctx context.Context, subject string, at time.Time, reason string) (bool, error) {
	rec, changed, err := c.store.Advance(ctx, subject, at, reason)
	if err != nil {
		return false, err
	}
	c.remember(subject, rec.Cutoff)
	return changed, nil
}

// remember records cutoff for subject, never lowering a cached value, and
// returns the effective cutoff.
func (c *RevocationCache) remember(subject string, cutoff time.Time) time.Time {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[subject]; ok && e.cutoff.After(cutoff) {
		cutoff = e.cutoff
	}
	c.entries[subject] = cutoffEntry{cutoff: cutoff, loadedAt: now}
	return cutoff
}
