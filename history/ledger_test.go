package history

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	loomtest "github.com/loomworks/loom/internal/testing"
)

type recordingNotifier struct {
	calls []*Record
	err   error
}

func (n *recordingNotifier) NotifyRunFinished(_ context.Context, rec *Record) error {
	n.calls = append(n.calls, rec)
	return n.err
}

func newTestLedger(t *testing.T, notifier ScheduledRunNotifier) *Ledger {
	db := loomtest.CreateTestDB(t)
	return NewLedger(NewStore(db), notifier, zap.NewNop().Sugar())
}

func TestLedgerNotifiesScheduledTerminalTransition(t *testing.T) {
	notifier := &recordingNotifier{}
	ledger := newTestLedger(t, notifier)

	rec := NewRecord("EXC_sched", "AUT_1", true)
	require.NoError(t, ledger.Create(rec))

	running := StatusRunning
	_, err := ledger.Update(context.Background(), rec.ID, Update{Status: &running})
	require.NoError(t, err)
	assert.Empty(t, notifier.calls, "running is not a terminal status")

	completed := StatusCompleted
	_, err = ledger.Update(context.Background(), rec.ID, Update{Status: &completed, EndedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.Len(t, notifier.calls, 1)
	assert.Equal(t, rec.ID, notifier.calls[0].ID)
}

func TestLedgerNotifiesExactlyOncePerTerminalTransition(t *testing.T) {
	notifier := &recordingNotifier{}
	ledger := newTestLedger(t, notifier)

	rec := NewRecord("EXC_once", "AUT_1", true)
	require.NoError(t, ledger.Create(rec))

	errored := StatusErrored
	_, err := ledger.Update(context.Background(), rec.ID, Update{Status: &errored, EndedAt: time.Now().UTC()})
	require.NoError(t, err)

	// A second update that keeps the record terminal (e.g. stamping an
	// exit code late) must not fire again.
	code := 7
	_, err = ledger.Update(context.Background(), rec.ID, Update{ExitCode: &code})
	require.NoError(t, err)

	assert.Len(t, notifier.calls, 1)
}

func TestLedgerNeverNotifiesUnscheduledRuns(t *testing.T) {
	notifier := &recordingNotifier{}
	ledger := newTestLedger(t, notifier)

	rec := NewRecord("EXC_api", "AUT_1", false)
	require.NoError(t, ledger.Create(rec))

	failed := StatusFailed
	_, err := ledger.Update(context.Background(), rec.ID, Update{Status: &failed, EndedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.Empty(t, notifier.calls)
}

func TestLedgerNeverNotifiesStoppedRuns(t *testing.T) {
	notifier := &recordingNotifier{}
	ledger := newTestLedger(t, notifier)

	rec := NewRecord("EXC_stop", "AUT_1", true)
	require.NoError(t, ledger.Create(rec))

	stopped := StatusStopped
	_, err := ledger.Update(context.Background(), rec.ID, Update{Status: &stopped, EndedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.Empty(t, notifier.calls, "user-initiated stops never notify")
}

func TestLedgerSwallowsNotifierErrors(t *testing.T) {
	notifier := &recordingNotifier{err: errors.New("smtp unreachable")}
	ledger := newTestLedger(t, notifier)

	rec := NewRecord("EXC_swallow", "AUT_1", true)
	require.NoError(t, ledger.Create(rec))

	completed := StatusCompleted
	updated, err := ledger.Update(context.Background(), rec.ID, Update{Status: &completed, EndedAt: time.Now().UTC()})
	require.NoError(t, err, "notification failure must not fail the update")
	assert.Equal(t, StatusCompleted, updated.Status)
	assert.Len(t, notifier.calls, 1)
}
