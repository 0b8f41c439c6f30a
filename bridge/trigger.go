// Package bridge connects the platform's topic exchange to the
// per-execution control queues: it consumes execution triggers, makes sure
// the target compute unit exists, records the queued run, and forwards the
// trigger for the unit to pick up.
package bridge

import (
	"encoding/json"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/pod"
	"github.com/loomworks/loom/token"
)

// Trigger is the execution trigger payload published by the web API and
// the scheduler. The bridge only reads the identity fields; the rest
// travels through to the compute unit untouched.
type Trigger struct {
	pod.Ref

	IsScheduled bool `json:"isScheduled,omitempty"`

	// Step metadata and run options, consumed by the runner
	Steps      []token.Step `json:"steps,omitempty"`
	TokenID    string       `json:"tokenId,omitempty"`
	StartStep  string       `json:"startStep,omitempty"`
	SingleStep bool         `json:"singleStep,omitempty"`
}

// ParseTrigger decodes and validates a trigger payload. A payload that
// cannot identify an execution is a permanent error: retrying it can never
// succeed.
func ParseTrigger(body []byte) (*Trigger, error) {
	var trig Trigger
	if err := json.Unmarshal(body, &trig); err != nil {
		return nil, errors.NewInvalidRequestError("malformed trigger payload: %v", err)
	}

	if trig.ExecutionID == "" && (trig.AutomationID == "" || trig.DeviceID == "") {
		return nil, errors.NewInvalidRequestError("trigger missing executionId or automationId/deviceId pair")
	}
	return &trig, nil
}
