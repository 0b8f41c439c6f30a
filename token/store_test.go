package token

import (
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loomtest "github.com/loomworks/loom/internal/testing"
)

func TestCreateAndGetToken(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	store := NewStore(db)

	tok := New("EXC_test1", []Step{
		{Title: "Login", FileName: "login.flow"},
		{Title: "Export", FileName: "export.flow"},
	})
	require.NoError(t, store.CreateToken(tok))

	got, err := store.GetToken(tok.ID)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
	assert.Equal(t, "EXC_test1", got.ExecutionID)
	assert.Equal(t, RunPending, got.Status)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, StepPending, got.Steps[0].Status)
	assert.NotNil(t, got.Context)
	assert.Empty(t, got.Context)
}

func TestSaveProgressRoundTripsStepsAndContext(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	store := NewStore(db)

	tok := New("EXC_test2", []Step{{Title: "Login", FileName: "login.flow"}})
	require.NoError(t, store.CreateToken(tok))

	tok.Status = RunRunning
	tok.Steps[0].Status = StepCompleted
	tok.Context["session"] = "abc123"
	require.NoError(t, store.SaveProgress(tok))

	got, err := store.GetToken(tok.ID)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, got.Status)
	assert.Equal(t, StepCompleted, got.Steps[0].Status)
	assert.Equal(t, "abc123", got.Context["session"])
}

func TestSaveProgressUnknownToken(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	store := NewStore(db)

	tok := New("EXC_test3", nil)
	err := store.SaveProgress(tok)
	require.Error(t, err)
}

func TestGetTokenNotFound(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.GetToken("TKN_missing")
	require.Error(t, err)
}

func TestGetLatestByExecution(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	store := NewStore(db)

	first := New("EXC_test4", []Step{{Title: "A"}})
	require.NoError(t, store.CreateToken(first))

	second := New("EXC_test4", []Step{{Title: "A"}})
	second.CreatedAt = second.CreatedAt.Add(1_000_000_000) // strictly later
	require.NoError(t, store.CreateToken(second))

	got, err := store.GetLatestByExecution("EXC_test4")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}
