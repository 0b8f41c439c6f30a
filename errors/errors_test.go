package errors

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelWrappingPreservesIdentity(t *testing.T) {
	err := Wrap(ErrNotFound, "execution EXC_123")
	assert.True(t, Is(err, ErrNotFound))
	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsInvalidRequestError(err))
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("execution %s", "EXC_abc")
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "EXC_abc")
}

func TestIsInteropWithStdlibSentinels(t *testing.T) {
	err := Wrap(sql.ErrNoRows, "loading history record")
	assert.True(t, Is(err, sql.ErrNoRows))
	assert.False(t, IsNotFoundError(err))
}

func TestNilIsNeverNotFound(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
}
