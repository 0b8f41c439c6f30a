package pod

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/broker"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/history"
	"github.com/loomworks/loom/logger"
)

// StoppedByUserMessage is stamped onto live history records closed by a
// deactivation request.
const StoppedByUserMessage = "Execution stopped by user"

// Provisioner brings up the compute unit backing an execution record.
// Implementations must be idempotent: provisioning an already-running unit
// is a no-op.
type Provisioner interface {
	EnsureComputeUnit(ctx context.Context, exec *Execution) error
	TearDownComputeUnit(ctx context.Context, exec *Execution) error
}

// NoopProvisioner satisfies Provisioner for embedded deployments where the
// step worker runs in-process and no external environment exists.
type NoopProvisioner struct{}

func (NoopProvisioner) EnsureComputeUnit(ctx context.Context, exec *Execution) error {
	return nil
}

func (NoopProvisioner) TearDownComputeUnit(ctx context.Context, exec *Execution) error {
	return nil
}

// Manager drives the compute unit lifecycle: activation on trigger arrival
// and deactivation on user request or run completion.
type Manager struct {
	store       *Store
	histories   *history.Store
	provisioner Provisioner
	control     broker.ControlQueue
	log         *zap.SugaredLogger
}

// NewManager creates a lifecycle manager
func NewManager(store *Store, histories *history.Store, provisioner Provisioner, control broker.ControlQueue) *Manager {
	return &Manager{
		store:       store,
		histories:   histories,
		provisioner: provisioner,
		control:     control,
		log:         logger.Named("pod"),
	}
}

// EnsureActive resolves the execution record for a trigger and guarantees
// its compute unit is up. Resolution order: active record for the
// (automation, device) pair, direct id match, schedule-execution
// correlation, then a fresh record. An already-active record short-circuits
// provisioning entirely.
func (m *Manager) EnsureActive(ctx context.Context, ref Ref) (*Execution, error) {
	if ref.ExecutionID == "" && (ref.AutomationID == "" || ref.DeviceID == "") {
		return nil, errors.NewInvalidRequestError("trigger missing executionId or automationId/deviceId pair")
	}

	active, err := m.findActivePair(ref)
	if err != nil {
		return nil, err
	}
	if active != nil {
		m.log.Debugw("reusing active compute unit",
			"execution_id", active.ID,
			"automation_id", ref.AutomationID,
			"device_id", ref.DeviceID)
		return active, nil
	}

	exec, err := m.resolve(ref)
	if err != nil {
		return nil, err
	}

	if err := m.provisioner.EnsureComputeUnit(ctx, exec); err != nil {
		return nil, errors.Wrapf(err, "failed to provision compute unit for %s", exec.ID)
	}

	if err := m.store.SetEnvActive(exec.ID, true); err != nil {
		return nil, err
	}
	exec.EnvActive = true

	m.log.Infow("compute unit activated",
		"execution_id", exec.ID,
		"automation_id", exec.AutomationID,
		"device_id", exec.DeviceID)
	return exec, nil
}

func (m *Manager) findActivePair(ref Ref) (*Execution, error) {
	if ref.AutomationID == "" || ref.DeviceID == "" {
		return nil, nil
	}
	return m.store.FindActive(ref.AutomationID, ref.DeviceID)
}

// resolve finds or creates the record a trigger refers to
func (m *Manager) resolve(ref Ref) (*Execution, error) {
	if ref.ExecutionID != "" {
		exec, err := m.store.Get(ref.ExecutionID)
		if err == nil {
			return exec, nil
		}
		if !errors.IsNotFoundError(err) {
			return nil, err
		}
	}

	if ref.ScheduleExecutionID != "" {
		exec, err := m.store.FindByScheduleExecution(ref.ScheduleExecutionID)
		if err != nil {
			return nil, err
		}
		if exec != nil {
			return exec, nil
		}
	}

	exec := NewExecution(ref)
	if err := m.store.Create(exec); err != nil {
		return nil, err
	}
	m.log.Infow("execution record created",
		"execution_id", exec.ID,
		"automation_id", exec.AutomationID,
		"device_id", exec.DeviceID)
	return exec, nil
}

// Deactivate stops an execution: closes its live history records as
// stopped, publishes a stop directive so an in-flight run halts at the
// next step boundary, and, unless keepAlive is set, tears the compute
// unit down. The execution is resolved by id first, then by the
// (automation, device) pair. Deactivating an already-inactive execution
// is a no-op; an execution that cannot be resolved at all is ErrNotFound.
func (m *Manager) Deactivate(ctx context.Context, executionID, automationID, deviceID string, keepAlive bool) error {
	exec, err := m.resolveForDeactivate(executionID, automationID, deviceID)
	if err != nil {
		return err
	}

	if !exec.EnvActive {
		m.log.Debugw("execution already inactive", "execution_id", exec.ID)
		return nil
	}

	if err := m.closeLiveHistories(exec.ID); err != nil {
		return err
	}

	// Best effort: the runner may already be gone, or the broker
	// unreachable. Deactivation must not fail on either.
	if err := m.control.Publish(ctx, exec.ID, broker.Directive{Type: broker.DirectiveStop}); err != nil {
		m.log.Warnw("failed to publish stop directive",
			"execution_id", exec.ID,
			"error", err)
	}

	if keepAlive {
		m.log.Infow("execution stopped, compute unit kept alive", "execution_id", exec.ID)
		return nil
	}

	// The record is authoritative: flip it inactive first, so a teardown
	// failure never leaves a stopped execution reported as active.
	if err := m.store.SetEnvActive(exec.ID, false); err != nil {
		return err
	}
	if err := m.provisioner.TearDownComputeUnit(ctx, exec); err != nil {
		return errors.Wrapf(err, "failed to tear down compute unit for %s", exec.ID)
	}

	m.log.Infow("compute unit deactivated", "execution_id", exec.ID)
	return nil
}

func (m *Manager) resolveForDeactivate(executionID, automationID, deviceID string) (*Execution, error) {
	if executionID != "" {
		exec, err := m.store.Get(executionID)
		if err == nil {
			return exec, nil
		}
		if !errors.IsNotFoundError(err) {
			return nil, err
		}
	}

	if automationID != "" && deviceID != "" {
		exec, err := m.store.FindActive(automationID, deviceID)
		if err != nil {
			return nil, err
		}
		if exec != nil {
			return exec, nil
		}
	}

	return nil, errors.NewNotFoundError("execution %s", executionID)
}

func (m *Manager) closeLiveHistories(executionID string) error {
	live, err := m.histories.ListLive(executionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	stopped := history.StatusStopped
	message := StoppedByUserMessage
	for _, rec := range live {
		if _, err := m.histories.Update(rec.ID, history.Update{
			Status:       &stopped,
			EndedAt:      now,
			ErrorMessage: &message,
		}); err != nil {
			return errors.Wrapf(err, "failed to close history record %s", rec.ID)
		}
	}
	return nil
}
