package broker

import (
	"encoding/json"

	"github.com/loomworks/loom/errors"
)

// DirectiveType classifies control messages on a per-execution queue
type DirectiveType string

const (
	DirectiveRun    DirectiveType = "run"
	DirectiveResume DirectiveType = "resume"
	DirectiveStop   DirectiveType = "stop"
)

// Directive is one control message for a compute unit. Payload carries the
// original trigger fields through the bridge untouched so the compute unit
// sees exactly what the trigger originator published.
type Directive struct {
	Type    DirectiveType   `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals a directive for the wire
func (d Directive) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode directive")
	}
	return data, nil
}

// DecodeDirective parses a directive off the wire
func DecodeDirective(data []byte) (Directive, error) {
	var d Directive
	if err := json.Unmarshal(data, &d); err != nil {
		return Directive{}, errors.Wrap(err, "failed to decode directive")
	}
	if d.Type == "" {
		return Directive{}, errors.NewInvalidRequestError("directive missing type")
	}
	return d, nil
}
