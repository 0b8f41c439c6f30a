// Package history is the authoritative status record for logical
// executions: the single source of truth for "what happened" to a run,
// queryable independent of any compute unit's lifetime.
package history

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the state of one logical run attempt
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
	StatusCancelled Status = "cancelled"
	StatusErrored   Status = "errored"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed,
		StatusStopped, StatusCancelled, StatusErrored:
		return true
	default:
		return false
	}
}

// Live reports whether the status still occupies the single live slot for
// its execution id (at most one queued/running record per execution).
func (s Status) Live() bool {
	return s == StatusQueued || s == StatusRunning
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped, StatusCancelled, StatusErrored:
		return true
	default:
		return false
	}
}

// Record is one logical run attempt of an automation on a device
type Record struct {
	ID           string     `json:"id"`
	ExecutionID  string     `json:"execution_id"`
	AutomationID string     `json:"automation_id,omitempty"`
	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	IsScheduled  bool       `json:"is_scheduled"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewRecord creates a queued history record for a fresh trigger
func NewRecord(executionID, automationID string, isScheduled bool) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:           "EXH_" + uuid.NewString(),
		ExecutionID:  executionID,
		AutomationID: automationID,
		Status:       StatusQueued,
		StartedAt:    now,
		IsScheduled:  isScheduled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
