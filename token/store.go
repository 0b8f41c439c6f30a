package token

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/loomworks/loom/errors"
)

// Store handles persistence of run tokens
type Store struct {
	db *sql.DB
}

// NewStore creates a new run token store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateToken inserts a new token
func (s *Store) CreateToken(tok *Token) error {
	stepsJSON, err := json.Marshal(tok.Steps)
	if err != nil {
		return errors.Wrap(err, "failed to marshal steps")
	}
	contextJSON, err := json.Marshal(tok.Context)
	if err != nil {
		return errors.Wrap(err, "failed to marshal context")
	}

	query := `
		INSERT INTO run_tokens (
			id, execution_id, temporary_token_id, status,
			steps, context, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	tempID := sql.NullString{String: tok.TemporaryTokenID, Valid: tok.TemporaryTokenID != ""}

	_, err = s.db.Exec(query,
		tok.ID,
		tok.ExecutionID,
		tempID,
		tok.Status,
		string(stepsJSON),
		string(contextJSON),
		tok.CreatedAt.Format(time.RFC3339),
		tok.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create run token")
	}

	return nil
}

// GetToken retrieves a token by ID
func (s *Store) GetToken(id string) (*Token, error) {
	query := `
		SELECT id, execution_id, temporary_token_id, status,
		       steps, context, created_at, updated_at
		FROM run_tokens
		WHERE id = ?
	`
	return s.scanToken(s.db.QueryRow(query, id), id)
}

// GetLatestByExecution retrieves the most recently created token for an
// execution. Returns ErrNotFound when the execution has never run.
func (s *Store) GetLatestByExecution(executionID string) (*Token, error) {
	query := `
		SELECT id, execution_id, temporary_token_id, status,
		       steps, context, created_at, updated_at
		FROM run_tokens
		WHERE execution_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	return s.scanToken(s.db.QueryRow(query, executionID), executionID)
}

// SaveProgress persists the token's step list, context and run status.
// Called after every step transition so a compute-unit crash never loses
// more than the in-flight step's state.
func (s *Store) SaveProgress(tok *Token) error {
	stepsJSON, err := json.Marshal(tok.Steps)
	if err != nil {
		return errors.Wrap(err, "failed to marshal steps")
	}
	contextJSON, err := json.Marshal(tok.Context)
	if err != nil {
		return errors.Wrap(err, "failed to marshal context")
	}

	tok.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE run_tokens
		SET status = ?,
		    steps = ?,
		    context = ?,
		    updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(query,
		tok.Status,
		string(stepsJSON),
		string(contextJSON),
		tok.UpdatedAt.Format(time.RFC3339),
		tok.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save token progress")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		return errors.NewNotFoundError("run token %s", tok.ID)
	}

	return nil
}

func (s *Store) scanToken(row *sql.Row, id string) (*Token, error) {
	var tok Token
	var tempID sql.NullString
	var stepsJSON, contextJSON string
	var createdAt, updatedAt string

	err := row.Scan(
		&tok.ID,
		&tok.ExecutionID,
		&tempID,
		&tok.Status,
		&stepsJSON,
		&contextJSON,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("run token %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get run token")
	}

	if tempID.Valid {
		tok.TemporaryTokenID = tempID.String
	}
	if err := json.Unmarshal([]byte(stepsJSON), &tok.Steps); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal steps")
	}
	if err := json.Unmarshal([]byte(contextJSON), &tok.Context); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal context")
	}
	if tok.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse created_at")
	}
	if tok.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrap(err, "failed to parse updated_at")
	}

	return &tok, nil
}
