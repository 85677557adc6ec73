package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/taskboard/session"
	"github.com/jmcleod/taskboard/storage"
)

// maxActivityEntries bounds the per-subject history; older entries are
// pruned on append.
const maxActivityEntries = 200

// activityEvents are the audit events kept in the caller-visible history.
var activityEvents = map[AuditEvent]bool{
	AuditLoginSuccess: true,
	AuditLogout:       true,
	AuditTaskCreated:  true,
	AuditTaskUpdated:  true,
	AuditTaskDeleted:  true,
}

type activityEntry struct {
	ID         string    `json:"id"`
	Event      string    `json:"event"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type activityStore struct {
	repo storage.Repository
}

func activityCollection(subject string) string {
	return "activity:" + subject
}

// append stores entry and evicts the oldest entries beyond the cap in the
// same batch, so the history never exceeds maxActivityEntries.
func (s *activityStore) append(ctx context.Context, subject string, entry activityEntry) error {
	entry.ID = uuid.NewString()
	doc, err := storage.Encode(entry, 1)
	if err != nil {
		return err
	}
	evict, err := s.overflow(ctx, subject)
	if err != nil {
		return err
	}

	collection := activityCollection(subject)
	return s.repo.Batch(ctx, func(tx storage.BatchTx) error {
		if err := tx.Put(collection, entry.ID, doc); err != nil {
			return err
		}
		for _, e := range evict {
			// A concurrent append may already have evicted it.
			if err := tx.Delete(collection, e.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

// overflow returns the oldest entries that must go to make room for one more.
func (s *activityStore) overflow(ctx context.Context, subject string) ([]activityEntry, error) {
	ids, err := s.repo.List(ctx, activityCollection(subject))
	if err != nil || len(ids) < maxActivityEntries {
		return nil, err
	}
	entries, err := s.list(ctx, subject)
	if err != nil {
		return nil, err
	}
	keep := maxActivityEntries - 1
	if len(entries) <= keep {
		return nil, nil
	}
	return entries[keep:], nil
}

func (s *activityStore) list(ctx context.Context, subject string) ([]activityEntry, error) {
	ids, err := s.repo.List(ctx, activityCollection(subject))
	if err != nil {
		return nil, err
	}
	entries := make([]activityEntry, 0, len(ids))
	for _, id := range ids {
		doc, err := s.repo.Get(ctx, activityCollection(subject), id)
		if err != nil {
			continue
		}
		var entry activityEntry
		if err := storage.Decode(doc, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID > entries[j].ID
	})
	return entries, nil
}

// ListActivity handles GET /auth/activity: the caller's recent sign-ins,
// sign-outs and task changes, newest first.
func (a *API) ListActivity(w http.ResponseWriter, r *http.Request) {
	subjectID, _ := session.SubjectID(r.Context())
	entries, err := a.audit.activity.list(r.Context(), subjectID)
	if err != nil {
		mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	start, end, meta := paginateSlice(len(entries), limit, offset)
	resp := ListActivityResponse{
		Entries:        make([]ActivityResponse, 0, end-start),
		PaginationMeta: meta,
	}
	for _, e := range entries[start:end] {
		resp.Entries = append(resp.Entries, ActivityResponse{
			Event:      e.Event,
			RemoteAddr: e.RemoteAddr,
			TaskID:     e.TaskID,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
