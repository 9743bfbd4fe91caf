package workflow

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a workflow. The three terminal states
// are never left once entered.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StatusView is the read-only snapshot returned by Status and List calls.
// Building one never blocks on the running execution.
type StatusView struct {
	ID          uuid.UUID  `json:"id"`
	Pipeline    string     `json:"pipeline"`
	ServerID    uuid.UUID  `json:"server_id"`
	Status      Status     `json:"status"`
	CurrentStep string     `json:"current_step,omitempty"`
	SubTask     string     `json:"sub_task,omitempty"`
	Progress    int        `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *Error     `json:"error,omitempty"`
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status   Status
	ServerID uuid.UUID
}

func (f ListFilter) matches(v StatusView) bool {
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	if f.ServerID != uuid.Nil && v.ServerID != f.ServerID {
		return false
	}
	return true
}
