// Package pod manages compute units: the isolated execution environments
// that run an automation's step sequence, one per (automation, device)
// binding, tracked by ExecutionRecords.
package pod

import (
	"time"

	"github.com/google/uuid"
)

// Execution is the compute-unit binding record for one logical execution.
// At most one active record exists per (AutomationID, DeviceID) pair;
// an active record is reused across runs to avoid re-provisioning.
type Execution struct {
	ID                  string    `json:"id"`
	AutomationID        string    `json:"automation_id"`
	DeviceID            string    `json:"device_id"`
	EnvActive           bool      `json:"env_active"`
	DeploymentName      string    `json:"deployment_name,omitempty"`
	QueueExecutionID    string    `json:"queue_execution_id,omitempty"`
	ScheduleExecutionID string    `json:"schedule_execution_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Ref identifies an execution as carried by a trigger payload. ExecutionID
// may name a record that does not exist yet (API-originated ids);
// ScheduleExecutionID correlates schedule-originated triggers with records
// created earlier.
type Ref struct {
	ExecutionID         string `json:"executionId"`
	AutomationID        string `json:"automationId"`
	DeviceID            string `json:"deviceId"`
	QueueExecutionID    string `json:"queueExecutionId,omitempty"`
	ScheduleExecutionID string `json:"scheduleExecutionId,omitempty"`
}

// NewExecution creates an inactive record for a ref
func NewExecution(ref Ref) *Execution {
	id := ref.ExecutionID
	if id == "" {
		id = "EXC_" + uuid.NewString()
	}

	now := time.Now().UTC()
	return &Execution{
		ID:                  id,
		AutomationID:        ref.AutomationID,
		DeviceID:            ref.DeviceID,
		QueueExecutionID:    ref.QueueExecutionID,
		ScheduleExecutionID: ref.ScheduleExecutionID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}
