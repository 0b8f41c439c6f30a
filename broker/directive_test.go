package broker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/errors"
)

func TestDirectiveRoundTripPreservesPayload(t *testing.T) {
	payload := json.RawMessage(`{"executionId":"EXC_1","automationId":"AUT_1","deviceId":"DEV_1"}`)
	d := Directive{Type: DirectiveRun, Payload: payload}

	data, err := d.Encode()
	require.NoError(t, err)

	decoded, err := DecodeDirective(data)
	require.NoError(t, err)
	assert.Equal(t, DirectiveRun, decoded.Type)
	assert.JSONEq(t, string(payload), string(decoded.Payload))
}

func TestDecodeDirectiveRejectsMissingType(t *testing.T) {
	_, err := DecodeDirective([]byte(`{"payload":{}}`))
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestDecodeDirectiveRejectsGarbage(t *testing.T) {
	_, err := DecodeDirective([]byte(`not json`))
	require.Error(t, err)
}
