package tasks

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/taskboard/storage"
)

// Service manages tasks in a storage.Repository, one collection per owner.
type Service struct {
	repo storage.Repository
	now  func() time.Time
}

func NewService(repo storage.Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

func collection(owner string) string {
	return "tasks:" + owner
}

func (s *Service) load(ctx context.Context, owner, id string) (*Task, error) {
	doc, err := s.repo.Get(ctx, collection(owner), id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}
	var t Task
	if err := storage.Decode(doc, &t); err != nil {
		return nil, err
	}
	t.Version = doc.Version
	return &t, nil
}

// Create adds a task for owner.
func (s *Service) Create(ctx context.Context, owner string, in Input) (*Task, error) {
	in, err := normalize(in)
	if err != nil {
		return nil, err
	}
	ids, err := s.repo.List(ctx, collection(owner))
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	if len(ids) >= MaxTasksPerOwner {
		return nil, ErrLimit
	}

	now := s.now().UTC()
	t := &Task{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Title:     in.Title,
		Notes:     in.Notes,
		Status:    in.Status,
		DueAt:     in.DueAt,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	doc, err := storage.Encode(t, t.Version)
	if err != nil {
		return nil, err
	}
	if err := s.repo.PutCAS(ctx, collection(owner), t.ID, 0, doc); err != nil {
		return nil, fmt.Errorf("storing task: %w", err)
	}
	return t, nil
}

func (s *Service) Get(ctx context.Context, owner, id string) (*Task, error) {
	return s.load(ctx, owner, id)
}

// List returns owner's tasks, oldest first.
func (s *Service) List(ctx context.Context, owner string) ([]*Task, error) {
	ids, err := s.repo.List(ctx, collection(owner))
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.load(ctx, owner, id)
		if errors.Is(err, ErrNotFound) {
			// Deleted between List and Get.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b *Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Update replaces the editable fields of a task. A non-zero expectedVersion
// must match the stored version or ErrConflict is returned; with zero the
// update is retried against concurrent writers.
func (s *Service) Update(ctx context.Context, owner, id string, in Input, expectedVersion uint64) (*Task, error) {
	in, err := normalize(in)
	if err != nil {
		return nil, err
	}
	for range maxUpdateAttempts {
		t, err := s.load(ctx, owner, id)
		if err != nil {
			return nil, err
		}
		if expectedVersion != 0 && t.Version != expectedVersion {
			return nil, ErrConflict
		}

		prev := t.Version
		t.Title = in.Title
		t.Notes = in.Notes
		t.Status = in.Status
		t.DueAt = in.DueAt
		t.UpdatedAt = s.now().UTC()
		t.Version = prev + 1

		doc, err := storage.Encode(t, t.Version)
		if err != nil {
			return nil, err
		}
		err = s.repo.PutCAS(ctx, collection(owner), id, prev, doc)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, storage.ErrCASFailed) {
			return nil, fmt.Errorf("storing task: %w", err)
		}
		if expectedVersion != 0 {
			return nil, ErrConflict
		}
	}
	return nil, ErrConflict
}

func (s *Service) Delete(ctx context.Context, owner, id string) error {
	if _, err := s.load(ctx, owner, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, collection(owner), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting task: %w", err)
	}
	return nil
}
