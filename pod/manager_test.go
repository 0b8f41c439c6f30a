package pod

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/history"
	loomtest "github.com/loomworks/loom/internal/testing"
)

type countingProvisioner struct {
	ensured      int
	tornDown     int
	fail         error
	failTearDown error
}

func (p *countingProvisioner) EnsureComputeUnit(_ context.Context, _ *Execution) error {
	p.ensured++
	return p.fail
}

func (p *countingProvisioner) TearDownComputeUnit(_ context.Context, _ *Execution) error {
	p.tornDown++
	return p.failTearDown
}

func newTestManager(t *testing.T) (*Manager, *Store, *history.Store, *countingProvisioner, *broker.MemoryControlQueue) {
	t.Helper()
	db := loomtest.CreateTestDB(t)
	store := NewStore(db)
	histories := history.NewStore(db)
	provisioner := &countingProvisioner{}
	control := broker.NewMemoryControlQueue(1, 0)
	return NewManager(store, histories, provisioner, control), store, histories, provisioner, control
}

func TestEnsureActiveCreatesRecordAndProvisions(t *testing.T) {
	m, store, _, provisioner, _ := newTestManager(t)

	exec, err := m.EnsureActive(context.Background(), Ref{AutomationID: "AUT_1", DeviceID: "DEV_1"})
	require.NoError(t, err)
	assert.True(t, exec.EnvActive)
	assert.Equal(t, 1, provisioner.ensured)

	stored, err := store.Get(exec.ID)
	require.NoError(t, err)
	assert.True(t, stored.EnvActive)
}

func TestEnsureActiveIsIdempotentPerPair(t *testing.T) {
	m, _, _, provisioner, _ := newTestManager(t)
	ctx := context.Background()
	ref := Ref{AutomationID: "AUT_1", DeviceID: "DEV_1"}

	first, err := m.EnsureActive(ctx, ref)
	require.NoError(t, err)

	// Second trigger for the same pair reuses the warm compute unit:
	// same record, no second provisioning call.
	second, err := m.EnsureActive(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, provisioner.ensured)
}

func TestEnsureActiveResolvesByExecutionID(t *testing.T) {
	m, store, _, _, _ := newTestManager(t)

	exec := NewExecution(Ref{ExecutionID: "EXC_api", AutomationID: "AUT_1", DeviceID: "DEV_1"})
	require.NoError(t, store.Create(exec))

	got, err := m.EnsureActive(context.Background(), Ref{
		ExecutionID:  "EXC_api",
		AutomationID: "AUT_1",
		DeviceID:     "DEV_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "EXC_api", got.ID)
}

func TestEnsureActiveCorrelatesScheduleExecution(t *testing.T) {
	m, store, _, _, _ := newTestManager(t)

	exec := NewExecution(Ref{AutomationID: "AUT_1", DeviceID: "DEV_1", ScheduleExecutionID: "SCH_7"})
	require.NoError(t, store.Create(exec))

	// Trigger names an execution id the store has never seen, but carries
	// the schedule correlation id of an existing record.
	got, err := m.EnsureActive(context.Background(), Ref{
		ExecutionID:         "EXC_unknown",
		AutomationID:        "AUT_1",
		DeviceID:            "DEV_1",
		ScheduleExecutionID: "SCH_7",
	})
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
}

func TestEnsureActiveRejectsIncompleteRef(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)

	_, err := m.EnsureActive(context.Background(), Ref{AutomationID: "AUT_1"})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestEnsureActiveProvisioningFailureLeavesRecordInactive(t *testing.T) {
	m, store, _, provisioner, _ := newTestManager(t)
	provisioner.fail = errors.Wrap(errors.ErrServiceUnavailable, "cluster at capacity")

	_, err := m.EnsureActive(context.Background(), Ref{AutomationID: "AUT_1", DeviceID: "DEV_1"})
	require.Error(t, err)
	assert.True(t, broker.IsTransient(err))

	// The record was created but never activated, so a retry provisions again
	got, findErr := store.FindActive("AUT_1", "DEV_1")
	require.NoError(t, findErr)
	assert.Nil(t, got)
}

func TestDeactivateStopsRunAndTearsDown(t *testing.T) {
	m, _, histories, provisioner, control := newTestManager(t)
	ctx := context.Background()

	exec, err := m.EnsureActive(ctx, Ref{AutomationID: "AUT_1", DeviceID: "DEV_1"})
	require.NoError(t, err)

	rec := history.NewRecord(exec.ID, "AUT_1", false)
	require.NoError(t, histories.Create(rec))
	running := history.StatusRunning
	_, err = histories.Update(rec.ID, history.Update{Status: &running})
	require.NoError(t, err)

	require.NoError(t, m.Deactivate(ctx, exec.ID, "", "", false))

	got, err := histories.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusStopped, got.Status)
	assert.Equal(t, StoppedByUserMessage, got.ErrorMessage)
	require.NotNil(t, got.EndedAt)
	require.NotNil(t, got.DurationMs)

	pending := control.Pending(exec.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, broker.DirectiveStop, pending[0].Type)
	assert.Equal(t, 1, provisioner.tornDown)
}

func TestDeactivateKeepAlivePreservesComputeUnit(t *testing.T) {
	m, store, _, provisioner, _ := newTestManager(t)
	ctx := context.Background()

	exec, err := m.EnsureActive(ctx, Ref{AutomationID: "AUT_1", DeviceID: "DEV_1"})
	require.NoError(t, err)

	require.NoError(t, m.Deactivate(ctx, exec.ID, "", "", true))

	got, err := store.Get(exec.ID)
	require.NoError(t, err)
	assert.True(t, got.EnvActive, "keepAlive must leave the environment warm")
	assert.Equal(t, 0, provisioner.tornDown)
}

func TestDeactivateUnknownExecutionIsNotFound(t *testing.T) {
	m, _, _, _, _ := newTestManager(t)

	err := m.Deactivate(context.Background(), "EXC_missing", "", "", false)
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestDeactivateResolvesByAutomationDevicePair(t *testing.T) {
	m, store, _, _, _ := newTestManager(t)
	ctx := context.Background()

	exec, err := m.EnsureActive(ctx, Ref{AutomationID: "AUT_1", DeviceID: "DEV_1"})
	require.NoError(t, err)

	require.NoError(t, m.Deactivate(ctx, "", "AUT_1", "DEV_1", false))

	got, err := store.Get(exec.ID)
	require.NoError(t, err)
	assert.False(t, got.EnvActive)
}

func TestDeactivateTeardownFailureStillDeactivatesRecord(t *testing.T) {
	m, store, _, provisioner, _ := newTestManager(t)
	ctx := context.Background()

	exec, err := m.EnsureActive(ctx, Ref{AutomationID: "AUT_1", DeviceID: "DEV_1"})
	require.NoError(t, err)

	provisioner.failTearDown = errors.New("node unreachable")
	err = m.Deactivate(ctx, exec.ID, "", "", false)
	require.Error(t, err)

	// The record flips inactive before teardown, so a teardown failure
	// never reports a stopped execution as active.
	got, err := store.Get(exec.ID)
	require.NoError(t, err)
	assert.False(t, got.EnvActive)
}

func TestDeactivateTwiceIsIdempotent(t *testing.T) {
	m, _, _, provisioner, _ := newTestManager(t)
	ctx := context.Background()

	exec, err := m.EnsureActive(ctx, Ref{AutomationID: "AUT_1", DeviceID: "DEV_1"})
	require.NoError(t, err)

	require.NoError(t, m.Deactivate(ctx, exec.ID, "", "", false))
	require.NoError(t, m.Deactivate(ctx, exec.ID, "", "", false))
	assert.Equal(t, 1, provisioner.tornDown)
}
