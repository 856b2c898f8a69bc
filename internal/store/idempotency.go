package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/setfarm/engine/internal/models"
	sqlite "modernc.org/sqlite"
)

// beginIdempotencyTx attempts to claim (agent_id, request_id). If it already
// exists, it returns the previously stored result_json for replay.
//
// This function is intentionally unexported. All callers must use
// RunIdempotent, which enforces the begin+side-effects+complete-in-one-tx
// invariant. Direct usage risks leaving empty result_json rows on partial
// commits.
func beginIdempotencyTx(tx *sql.Tx, agentID, requestID, command string) (existingResultJSON string, alreadyDone bool, err error) {
	if agentID == "" {
		return "", false, &models.BadInputError{Field: "agent_id", Reason: "required"}
	}
	if requestID == "" {
		return "", false, &models.BadInputError{Field: "request_id", Reason: "required"}
	}
	if command == "" {
		return "", false, &models.BadInputError{Field: "command", Reason: "required"}
	}

	_, err = tx.ExecContext(context.Background(), `
		INSERT INTO idempotency (agent_id, request_id, command, result_json)
		VALUES (?, ?, ?, '')
	`, agentID, requestID, command)
	if err == nil {
		return "", false, nil
	}
	if !IsUniqueConstraintErr(err) {
		return "", false, fmt.Errorf("failed to insert idempotency row: %w", err)
	}

	var existingCommand string
	var resultJSON string
	if err := tx.QueryRowContext(context.Background(), `
		SELECT command, result_json
		FROM idempotency
		WHERE agent_id = ? AND request_id = ?
	`, agentID, requestID).Scan(&existingCommand, &resultJSON); err != nil {
		return "", false, fmt.Errorf("failed to load idempotency row: %w", err)
	}
	if existingCommand != command {
		return "", false, fmt.Errorf("idempotency key collision: request_id %q already used for command %q (new: %q)", requestID, existingCommand, command)
	}
	if strings.TrimSpace(resultJSON) == "" {
		// Should never happen if callers keep begin+work+complete in one tx,
		// but handle it defensively so concurrent workers back off instead of
		// racing to replay an empty result.
		return "", false, ErrIdempotencyInProgress
	}
	return resultJSON, true, nil
}

func completeIdempotencyTx(tx *sql.Tx, agentID, requestID, resultJSON string) error {
	if resultJSON == "" {
		// Disallow empty: it's indistinguishable from "not completed" in logs/debugging.
		return errors.New("idempotency result json must be non-empty")
	}
	res, err := tx.ExecContext(context.Background(), `
		UPDATE idempotency
		SET result_json = ?
		WHERE agent_id = ? AND request_id = ?
	`, resultJSON, agentID, requestID)
	if err != nil {
		return fmt.Errorf("failed to update idempotency row: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check idempotency rows affected: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("idempotency row not found for agent=%q request_id=%q", agentID, requestID)
	}
	return nil
}

// IsUniqueConstraintErr checks for SQLite duplicate-key violations.
//
// Covers both UNIQUE constraints (2067) and PRIMARY KEY constraints (1555),
// since both signal the same semantic: a row with that key already exists.
// Uses typed sqlite.Error code matching first, falling back to string matching
// for wrapped errors that lose the concrete type.
func IsUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == 2067 || code == 1555
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed")
}

// RunIdempotent executes fn exactly once per (agentID, requestID), replaying
// the stored JSON result on retries. T must be JSON-marshalable.
func RunIdempotent[T any](db *sql.DB, agentID, requestID, command string, fn func(tx *sql.Tx) (T, error)) (T, error) {
	var zero T
	var result T

	err := Transact(db, func(tx *sql.Tx) error {
		existing, done, err := beginIdempotencyTx(tx, agentID, requestID, command)
		if err != nil {
			return err
		}
		if done {
			return json.Unmarshal([]byte(existing), &result)
		}

		r, fnErr := fn(tx)
		if fnErr != nil {
			return fnErr
		}
		result = r

		payload, marshalErr := json.Marshal(r)
		if marshalErr != nil {
			return marshalErr
		}
		return completeIdempotencyTx(tx, agentID, requestID, string(payload))
	})
	if err != nil {
		return zero, err
	}
	return result, nil
}
