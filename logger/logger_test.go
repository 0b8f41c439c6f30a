package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerIsNeverNil(t *testing.T) {
	// Before Initialize, the package-level logger must be usable.
	require.NotNil(t, Logger)
	Logger.Infow("no-op logger accepts calls", "key", "value")
}

func TestInitializeJSON(t *testing.T) {
	require.NoError(t, Initialize(true))
	assert.True(t, JSONOutput)
	require.NotNil(t, Logger)
}

func TestInitializeConsole(t *testing.T) {
	require.NoError(t, Initialize(false))
	assert.False(t, JSONOutput)
	require.NotNil(t, Logger)
}

func TestNamedReturnsChild(t *testing.T) {
	require.NoError(t, Initialize(true))
	child := Named("bridge")
	require.NotNil(t, child)
}
