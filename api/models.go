package api

import (
	"time"

	"github.com/jmcleod/taskboard/tasks"
)

// ErrorResponse is the body of every error response. Code is set for
// authentication failures and names the error kind.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CreateSessionRequest is the JSON body for POST /auth/session.
type CreateSessionRequest struct {
	Token string `json:"token"`
	// MaxAgeSeconds overrides the default session lifetime. Values above the
	// server's ceiling are clamped to it; negative values are rejected.
	MaxAgeSeconds int64 `json:"max_age_seconds,omitempty"`
}

// CreateSessionResponse is returned from POST /auth/session.
type CreateSessionResponse struct {
	Success bool `json:"success"`
}

// LogoutResponse is returned from POST /auth/logout.
type LogoutResponse struct {
	Status string `json:"status"`
}

// MeResponse describes the authenticated caller.
type MeResponse struct {
	SubjectID   string     `json:"subject_id"`
	Name        string     `json:"name,omitempty"`
	Email       string     `json:"email,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	MemberSince *time.Time `json:"member_since,omitempty"`
}

// TaskRequest is the JSON body for POST /tasks and PUT /tasks/{taskID}.
type TaskRequest struct {
	Title  string     `json:"title"`
	Notes  string     `json:"notes,omitempty"`
	Status string     `json:"status,omitempty"`
	DueAt  *time.Time `json:"due_at,omitempty"`
	// Version, when non-zero on update, must match the stored version.
	Version uint64 `json:"version,omitempty"`
}

func (r TaskRequest) input() tasks.Input {
	return tasks.Input{
		Title:  r.Title,
		Notes:  r.Notes,
		Status: tasks.Status(r.Status),
		DueAt:  r.DueAt,
	}
}

// TaskResponse is a single task.
type TaskResponse struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	Status    string     `json:"status"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   uint64     `json:"version"`
}

func taskResponse(t *tasks.Task) TaskResponse {
	return TaskResponse{
		ID:        t.ID,
		Title:     t.Title,
		Notes:     t.Notes,
		Status:    string(t.Status),
		DueAt:     t.DueAt,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Version:   t.Version,
	}
}

// ListTasksResponse is returned from GET /tasks.
type ListTasksResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	PaginationMeta
}

// ActivityResponse is one entry of the caller's activity history.
type ActivityResponse struct {
	Event      string    `json:"event"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListActivityResponse is returned from GET /auth/activity.
type ListActivityResponse struct {
	Entries []ActivityResponse `json:"entries"`
	PaginationMeta
}
