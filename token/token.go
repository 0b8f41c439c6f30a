// Package token defines the RunToken: the persisted, resumable progress
// ledger for a single compute-unit run.
//
// The token is owned exclusively by the compute unit that is actively
// running it, but persisted externally so a replacement unit can take
// ownership after a crash. Ownership transfer happens via re-fetch, not
// locking.
package token

import (
	"time"

	"github.com/google/uuid"
)

// StepStatus represents the state of a single step
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepErrored   StepStatus = "errored"
)

// RunStatus represents the terminal state of the whole run
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunErrored   RunStatus = "errored"
	RunStopped   RunStatus = "stopped"
)

// Step is one unit of an automation's workflow, executed by an isolated
// worker process. Order is fixed by the automation's declared metadata and
// never reordered at runtime; only Status and Error mutate in place.
type Step struct {
	StepID   string     `json:"step_id,omitempty"`
	Title    string     `json:"title"`
	FileName string     `json:"file_name"`
	Status   StepStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
}

// Token is the resumable progress record for one compute-unit run.
// Context is the only channel by which a step can pass data to later
// steps; there is no shared memory across the step boundary.
type Token struct {
	ID               string         `json:"id"`
	ExecutionID      string         `json:"execution_id"`
	TemporaryTokenID string         `json:"temporary_token_id,omitempty"`
	Status           RunStatus      `json:"status"`
	Steps            []Step         `json:"steps"`
	Context          map[string]any `json:"context"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// New creates a fresh token for a first run. All declared steps start
// pending with any stale status/error cleared.
func New(executionID string, declared []Step) *Token {
	steps := make([]Step, len(declared))
	for i, s := range declared {
		s.Status = StepPending
		s.Error = ""
		steps[i] = s
	}

	now := time.Now().UTC()
	return &Token{
		ID:          "TKN_" + uuid.NewString(),
		ExecutionID: executionID,
		Status:      RunPending,
		Steps:       steps,
		Context:     make(map[string]any),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
