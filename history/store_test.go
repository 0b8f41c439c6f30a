package history

import (
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/errors"
	loomtest "github.com/loomworks/loom/internal/testing"
)

func TestCreateCancelsStaleQueuedRecords(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	store := NewStore(db)

	// Trigger the same execution three times in succession
	var last *Record
	for i := 0; i < 3; i++ {
		rec := NewRecord("EXC_p1", "AUT_1", false)
		require.NoError(t, store.Create(rec))
		last = rec
	}

	// Exactly one record is still live, and it is the newest one
	live, err := store.ListLive("EXC_p1")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, last.ID, live[0].ID)

	counts, err := store.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusCancelled])
	assert.Equal(t, 1, counts[StatusQueued])

	// Cancelled records carry the superseded message
	recent, err := store.ListRecent(10)
	require.NoError(t, err)
	cancelled := 0
	for _, rec := range recent {
		if rec.Status == StatusCancelled {
			cancelled++
			assert.Equal(t, CancelledByNewerMessage, rec.ErrorMessage)
		}
	}
	assert.Equal(t, 2, cancelled)
}

func TestCreateDoesNotCancelRunningRecords(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	store := NewStore(db)

	first := NewRecord("EXC_run", "AUT_1", false)
	require.NoError(t, store.Create(first))
	running := StatusRunning
	_, err := store.Update(first.ID, Update{Status: &running})
	require.NoError(t, err)

	second := NewRecord("EXC_run", "AUT_1", false)
	require.NoError(t, store.Create(second))

	got, err := store.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestUpdatePartialAndDurationRecompute(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	store := NewStore(db)

	rec := NewRecord("EXC_dur", "AUT_1", false)
	rec.StartedAt = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(rec))

	completed := StatusCompleted
	exitCode := 0
	updated, err := store.Update(rec.ID, Update{
		Status:   &completed,
		EndedAt:  "2026-08-01T12:00:42Z", // string form is coerced
		ExitCode: &exitCode,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, updated.Status)
	require.NotNil(t, updated.DurationMs)
	assert.Equal(t, int64(42_000), *updated.DurationMs)
	require.NotNil(t, updated.ExitCode)
	assert.Equal(t, 0, *updated.ExitCode)

	// Fields not present in the patch are untouched
	got, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "AUT_1", got.AutomationID)
	assert.False(t, got.IsScheduled)
}

func TestUpdateRetroactiveCloseRecomputesDuration(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	store := NewStore(db)

	rec := NewRecord("EXC_retro", "AUT_1", false)
	rec.StartedAt = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Create(rec))

	stopped := StatusStopped
	msg := "Execution stopped by user"
	updated, err := store.Update(rec.ID, Update{
		Status:       &stopped,
		EndedAt:      time.Date(2026, 8, 1, 12, 1, 0, 0, time.UTC),
		ErrorMessage: &msg,
	})
	require.NoError(t, err)
	require.NotNil(t, updated.DurationMs)
	assert.Equal(t, int64(60_000), *updated.DurationMs)
	assert.Equal(t, msg, updated.ErrorMessage)
}

func TestUpdateUnknownRecord(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	store := NewStore(db)

	running := StatusRunning
	_, err := store.Update("EXH_missing", Update{Status: &running})
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestLatestLiveAbsenceIsNotAnError(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	store := NewStore(db)

	rec, err := store.LatestLive("EXC_nothing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestLatestLiveIgnoresTerminalRecords(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	store := NewStore(db)

	rec := NewRecord("EXC_latest", "AUT_1", false)
	require.NoError(t, store.Create(rec))

	completed := StatusCompleted
	_, err := store.Update(rec.ID, Update{Status: &completed, EndedAt: time.Now().UTC()})
	require.NoError(t, err)

	live, err := store.LatestLive("EXC_latest")
	require.NoError(t, err)
	assert.Nil(t, live)
}

func TestCoerceTime(t *testing.T) {
	ts := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)

	got, err := CoerceTime(ts)
	require.NoError(t, err)
	assert.Equal(t, ts, got)

	got, err = CoerceTime("2026-08-01T10:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, ts, got)

	got, err = CoerceTime("2026-08-01 10:30:00")
	require.NoError(t, err)
	assert.Equal(t, ts, got)

	_, err = CoerceTime("not a date")
	require.Error(t, err)

	_, err = CoerceTime(42)
	require.Error(t, err)
}
