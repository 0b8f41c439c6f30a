package pod

import (
	"database/sql"
	"time"

	"github.com/loomworks/loom/errors"
)

// Store handles persistence of execution records
type Store struct {
	db *sql.DB
}

// NewStore creates a new execution record store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new execution record
func (s *Store) Create(exec *Execution) error {
	_, err := s.db.Exec(`
		INSERT INTO executions (
			id, automation_id, device_id, env_active, deployment_name,
			queue_execution_id, schedule_execution_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		exec.ID,
		exec.AutomationID,
		exec.DeviceID,
		exec.EnvActive,
		nullString(exec.DeploymentName),
		nullString(exec.QueueExecutionID),
		nullString(exec.ScheduleExecutionID),
		exec.CreatedAt.UTC().Format(time.RFC3339),
		exec.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return errors.Wrap(err, "failed to create execution record")
}

// Get retrieves an execution record by ID
func (s *Store) Get(id string) (*Execution, error) {
	row := s.db.QueryRow(selectColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("execution %s", id)
	}
	return exec, err
}

// FindActive returns the active execution record for an
// (automation, device) pair, or (nil, nil) when none exists.
func (s *Store) FindActive(automationID, deviceID string) (*Execution, error) {
	row := s.db.QueryRow(selectColumns+`
		FROM executions
		WHERE automation_id = ? AND device_id = ? AND env_active = 1
		ORDER BY created_at DESC
		LIMIT 1
	`, automationID, deviceID)

	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return exec, err
}

// FindByScheduleExecution correlates a schedule-originated trigger with the
// record created when the run was scheduled. Absence is (nil, nil).
func (s *Store) FindByScheduleExecution(scheduleExecutionID string) (*Execution, error) {
	row := s.db.QueryRow(selectColumns+`
		FROM executions
		WHERE schedule_execution_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, scheduleExecutionID)

	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return exec, err
}

// SetEnvActive flips the environment-active flag on a record
func (s *Store) SetEnvActive(id string, active bool) error {
	result, err := s.db.Exec(`
		UPDATE executions SET env_active = ?, updated_at = ? WHERE id = ?
	`, active, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrap(err, "failed to update env_active")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		return errors.NewNotFoundError("execution %s", id)
	}
	return nil
}

// SetDeployment records the compute-unit deployment name assigned by the
// provisioner.
func (s *Store) SetDeployment(id, deploymentName string) error {
	result, err := s.db.Exec(`
		UPDATE executions SET deployment_name = ?, updated_at = ? WHERE id = ?
	`, nullString(deploymentName), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return errors.Wrap(err, "failed to update deployment name")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		return errors.NewNotFoundError("execution %s", id)
	}
	return nil
}

// ListActive returns all records whose environment is currently active
func (s *Store) ListActive() ([]*Execution, error) {
	rows, err := s.db.Query(selectColumns + `
		FROM executions
		WHERE env_active = 1
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active executions")
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution record")
		}
		execs = append(execs, exec)
	}
	return execs, errors.Wrap(rows.Err(), "failed to iterate execution records")
}

const selectColumns = `
	SELECT id, automation_id, device_id, env_active, deployment_name,
	       queue_execution_id, schedule_execution_id, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var deploymentName, queueExecutionID, scheduleExecutionID sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&exec.ID,
		&exec.AutomationID,
		&exec.DeviceID,
		&exec.EnvActive,
		&deploymentName,
		&queueExecutionID,
		&scheduleExecutionID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	exec.DeploymentName = deploymentName.String
	exec.QueueExecutionID = queueExecutionID.String
	exec.ScheduleExecutionID = scheduleExecutionID.String
	if exec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse created_at")
	}
	if exec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse updated_at")
	}

	return &exec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
