package history

import (
	"database/sql"
	"time"

	"github.com/loomworks/loom/errors"
)

// CancelledByNewerMessage is stamped onto stale queued records superseded
// by a fresh trigger for the same execution id.
const CancelledByNewerMessage = "New execution started"

// Store handles persistence of execution history records
type Store struct {
	db *sql.DB
}

// NewStore creates a new history store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new history record. In the same transaction, any prior
// records for the execution still sitting in queued are cancelled, so at
// most one live (queued/running) record exists per execution id.
func (s *Store) Create(rec *Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.Exec(`
		UPDATE execution_history
		SET status = ?, error_message = ?, updated_at = ?
		WHERE execution_id = ? AND status = ?
	`, StatusCancelled, CancelledByNewerMessage, now, rec.ExecutionID, StatusQueued)
	if err != nil {
		return errors.Wrap(err, "failed to cancel stale queued records")
	}

	_, err = tx.Exec(`
		INSERT INTO execution_history (
			id, execution_id, automation_id, status,
			started_at, ended_at, duration_ms, exit_code,
			error_message, is_scheduled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.ExecutionID,
		nullString(rec.AutomationID),
		rec.Status,
		rec.StartedAt.UTC().Format(time.RFC3339),
		nullTime(rec.EndedAt),
		nullInt64(rec.DurationMs),
		nullInt(rec.ExitCode),
		nullString(rec.ErrorMessage),
		rec.IsScheduled,
		rec.CreatedAt.UTC().Format(time.RFC3339),
		rec.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create history record")
	}

	return errors.Wrap(tx.Commit(), "failed to commit history create")
}

// Update is a partial update of a history record. Zero-valued fields are
// left untouched. Date fields accept time.Time or string and are coerced
// to RFC3339 UTC. Duration is recomputed whenever both ends are known,
// including retroactive closes.
type Update struct {
	Status       *Status
	StartedAt    any // time.Time or string
	EndedAt      any // time.Time or string
	ExitCode     *int
	ErrorMessage *string
}

// Update applies a partial update and returns the updated record
func (s *Store) Update(id string, patch Update) (*Record, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil {
		if !IsValidStatus(string(*patch.Status)) {
			return nil, errors.NewInvalidRequestError("invalid history status: %s", *patch.Status)
		}
		rec.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		started, err := CoerceTime(patch.StartedAt)
		if err != nil {
			return nil, errors.Wrap(err, "invalid started_at")
		}
		rec.StartedAt = started
	}
	if patch.EndedAt != nil {
		ended, err := CoerceTime(patch.EndedAt)
		if err != nil {
			return nil, errors.Wrap(err, "invalid ended_at")
		}
		rec.EndedAt = &ended
	}
	if patch.ExitCode != nil {
		rec.ExitCode = patch.ExitCode
	}
	if patch.ErrorMessage != nil {
		rec.ErrorMessage = *patch.ErrorMessage
	}

	if rec.EndedAt != nil {
		ms := rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
		rec.DurationMs = &ms
	}
	rec.UpdatedAt = time.Now().UTC()

	result, err := s.db.Exec(`
		UPDATE execution_history
		SET status = ?,
		    started_at = ?,
		    ended_at = ?,
		    duration_ms = ?,
		    exit_code = ?,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ?
	`,
		rec.Status,
		rec.StartedAt.UTC().Format(time.RFC3339),
		nullTime(rec.EndedAt),
		nullInt64(rec.DurationMs),
		nullInt(rec.ExitCode),
		nullString(rec.ErrorMessage),
		rec.UpdatedAt.Format(time.RFC3339),
		rec.ID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update history record")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		return nil, errors.NewNotFoundError("history record %s", id)
	}

	return rec, nil
}

// Get retrieves a history record by ID
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(selectColumns+` FROM execution_history WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("history record %s", id)
	}
	return rec, err
}

// LatestLive returns the most recent record for an execution whose status
// is queued or running. Absence is a normal outcome: (nil, nil).
func (s *Store) LatestLive(executionID string) (*Record, error) {
	row := s.db.QueryRow(selectColumns+`
		FROM execution_history
		WHERE execution_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, executionID, StatusQueued, StatusRunning)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListLive returns all live (queued/running) records for an execution
func (s *Store) ListLive(executionID string) ([]*Record, error) {
	rows, err := s.db.Query(selectColumns+`
		FROM execution_history
		WHERE execution_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC, id DESC
	`, executionID, StatusQueued, StatusRunning)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list live records")
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListRecent returns the most recent records across all executions
func (s *Store) ListRecent(limit int) ([]*Record, error) {
	rows, err := s.db.Query(selectColumns+`
		FROM execution_history
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list recent records")
	}
	defer rows.Close()
	return collectRecords(rows)
}

// CountByStatus returns record counts grouped by status
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*)
		FROM execution_history
		GROUP BY status
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count records by status")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[status] = count
	}
	return counts, errors.Wrap(rows.Err(), "failed to iterate status counts")
}

// CoerceTime normalizes caller-supplied date values (time.Time or string in
// common layouts) to UTC.
func CoerceTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case *time.Time:
		if t == nil {
			return time.Time{}, errors.New("nil time")
		}
		return t.UTC(), nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC(), nil
			}
		}
		return time.Time{}, errors.Newf("unparseable time: %q", t)
	default:
		return time.Time{}, errors.Newf("unsupported time type %T", v)
	}
}

const selectColumns = `
	SELECT id, execution_id, automation_id, status,
	       started_at, ended_at, duration_ms, exit_code,
	       error_message, is_scheduled, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var automationID, endedAt, errorMessage sql.NullString
	var durationMs sql.NullInt64
	var exitCode sql.NullInt64
	var startedAt, createdAt, updatedAt string

	err := row.Scan(
		&rec.ID,
		&rec.ExecutionID,
		&automationID,
		&rec.Status,
		&startedAt,
		&endedAt,
		&durationMs,
		&exitCode,
		&errorMessage,
		&rec.IsScheduled,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if automationID.Valid {
		rec.AutomationID = automationID.String
	}
	if errorMessage.Valid {
		rec.ErrorMessage = errorMessage.String
	}
	if durationMs.Valid {
		rec.DurationMs = &durationMs.Int64
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if rec.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse started_at")
	}
	if endedAt.Valid {
		ended, err := time.Parse(time.RFC3339, endedAt.String)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse ended_at")
		}
		rec.EndedAt = &ended
	}
	if rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse created_at")
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse updated_at")
	}

	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan history record")
		}
		records = append(records, rec)
	}
	return records, errors.Wrap(rows.Err(), "failed to iterate history records")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
