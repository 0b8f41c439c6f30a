// Package runlog stores raw log-line batches appended by the log ingestion
// pipeline, keyed by execution and history id.
//
// The pipeline is asynchronous: batches may land after the process that
// produced them has already finished. Consumers that need the terminal log
// line (see notify) poll rather than assume completeness.
package runlog

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/loomworks/loom/errors"
)

// Batch is one appended group of log lines for an execution
type Batch struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	HistoryID   string    `json:"history_id,omitempty"`
	Lines       []string  `json:"lines"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store handles persistence of execution log batches
type Store struct {
	db *sql.DB
}

// NewStore creates a new run log store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts a batch of log lines for an execution
func (s *Store) Append(batch *Batch) error {
	linesJSON, err := json.Marshal(batch.Lines)
	if err != nil {
		return errors.Wrap(err, "failed to marshal log lines")
	}

	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	historyID := sql.NullString{String: batch.HistoryID, Valid: batch.HistoryID != ""}

	query := `
		INSERT INTO execution_logs (execution_id, history_id, lines, created_at)
		VALUES (?, ?, ?, ?)
	`
	result, err := s.db.Exec(query,
		batch.ExecutionID,
		historyID,
		string(linesJSON),
		batch.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to append log batch")
	}

	batch.ID, _ = result.LastInsertId()
	return nil
}

// ListByExecution returns all batches for an execution in insertion order
func (s *Store) ListByExecution(executionID string) ([]*Batch, error) {
	query := `
		SELECT id, execution_id, history_id, lines, created_at
		FROM execution_logs
		WHERE execution_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.Query(query, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list log batches")
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		var batch Batch
		var historyID sql.NullString
		var linesJSON, createdAt string

		if err := rows.Scan(&batch.ID, &batch.ExecutionID, &historyID, &linesJSON, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan log batch")
		}

		if historyID.Valid {
			batch.HistoryID = historyID.String
		}
		if err := json.Unmarshal([]byte(linesJSON), &batch.Lines); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal log lines")
		}
		if batch.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to parse created_at")
		}

		batches = append(batches, &batch)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate log batches")
	}

	return batches, nil
}

// Flatten merges batches into one chronologically ordered line slice
func Flatten(batches []*Batch) []string {
	var lines []string
	for _, b := range batches {
		lines = append(lines, b.Lines...)
	}
	return lines
}
