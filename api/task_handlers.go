package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/taskboard/session"
)

// subject returns the authenticated caller. Routes using it sit behind
// RequireAuth.
func subject(r *http.Request) string {
	id, _ := session.SubjectID(r.Context())
	return id
}

// ListTasks handles GET /tasks.
func (a *API) ListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := a.tasks.List(r.Context(), subject(r))
	if err != nil {
		mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	start, end, meta := paginateSlice(len(list), limit, offset)

	resp := ListTasksResponse{
		Tasks:          make([]TaskResponse, 0, end-start),
		PaginationMeta: meta,
	}
	for _, t := range list[start:end] {
		resp.Tasks = append(resp.Tasks, taskResponse(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateTask handles POST /tasks.
func (a *API) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[TaskRequest](w, r, maxTaskBodySize)
	if !ok {
		return
	}
	t, err := a.tasks.Create(r.Context(), subject(r), req.input())
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditTaskCreated, r, t.OwnerID, slog.String("task_id", t.ID))
	writeJSON(w, http.StatusCreated, taskResponse(t))
}

// GetTask handles GET /tasks/{taskID}.
func (a *API) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.tasks.Get(r.Context(), subject(r), chi.URLParam(r, "taskID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse(t))
}

// UpdateTask handles PUT /tasks/{taskID}.
func (a *API) UpdateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[TaskRequest](w, r, maxTaskBodySize)
	if !ok {
		return
	}
	t, err := a.tasks.Update(r.Context(), subject(r), chi.URLParam(r, "taskID"), req.input(), req.Version)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditTaskUpdated, r, t.OwnerID, slog.String("task_id", t.ID))
	writeJSON(w, http.StatusOK, taskResponse(t))
}

// DeleteTask handles DELETE /tasks/{taskID}.
func (a *API) DeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := a.tasks.Delete(r.Context(), subject(r), taskID); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditTaskDeleted, r, subject(r), slog.String("task_id", taskID))
	w.WriteHeader(http.StatusNoContent)
}
