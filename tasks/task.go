// Package tasks stores each user's task list. Every operation is scoped to
// the owning subject; one owner can never address another owner's tasks.
package tasks

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusTodo  Status = "todo"
	StatusDoing Status = "doing"
	StatusDone  Status = "done"
)

func (s Status) valid() bool {
	switch s {
	case StatusTodo, StatusDoing, StatusDone:
		return true
	}
	return false
}

const (
	MaxTitleLength    = 200
	MaxNotesLength    = 10000
	MaxTasksPerOwner  = 1000
	maxUpdateAttempts = 3
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when an update names a version that is no
	// longer current.
	ErrConflict = errors.New("task was modified concurrently")
	ErrLimit    = fmt.Errorf("task limit of %d reached", MaxTasksPerOwner)
)

// ValidationError reports invalid task input.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Task is a single to-do item.
type Task struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Title     string     `json:"title"`
	Notes     string     `json:"notes,omitempty"`
	Status    Status     `json:"status"`
	DueAt     *time.Time `json:"due_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   uint64     `json:"version"`
}

// Input carries the user-editable fields of a task.
type Input struct {
	Title  string
	Notes  string
	Status Status
	DueAt  *time.Time
}
