package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/setfarm/engine/internal/models"
)

// Event payload size constraints enforced by ValidateEventPayload.
const (
	MaxEventKindLength   = 128
	MaxEventDetailLength = 4096
	MaxEventMetaLength   = 16384
)

// ValidateEventPayload enforces event payload constraints for durability and safety.
func ValidateEventPayload(kind, runID, detail, metadata string) error {
	kind = strings.TrimSpace(kind)
	runID = strings.TrimSpace(runID)
	detail = strings.TrimSpace(detail)

	if kind == "" {
		return errors.New("event kind is required")
	}
	if len(kind) > MaxEventKindLength {
		return fmt.Errorf("event kind exceeds max length (%d)", MaxEventKindLength)
	}
	if runID == "" {
		return errors.New("run id is required")
	}
	if detail == "" {
		return errors.New("event detail is required")
	}
	if len(detail) > MaxEventDetailLength {
		return fmt.Errorf("event detail exceeds max length (%d)", MaxEventDetailLength)
	}
	if metadata != "" {
		if len(metadata) > MaxEventMetaLength {
			return fmt.Errorf("event metadata exceeds max length (%d)", MaxEventMetaLength)
		}
		if !json.Valid([]byte(metadata)) {
			return errors.New("event metadata must be valid JSON")
		}
	}
	return nil
}

// InsertEventTx appends a single append-only event row inside an existing
// transaction. Events are write-only from every engine component (§3) —
// nothing in the engine ever reads them back to make a decision.
func InsertEventTx(tx *sql.Tx, kind, runID, stepID, storyID, detail, metadata string) (int64, error) {
	if err := ValidateEventPayload(kind, runID, detail, metadata); err != nil {
		return 0, err
	}

	var stepVal, storyVal, metaVal any
	if stepID != "" {
		stepVal = stepID
	}
	if storyID != "" {
		storyVal = storyID
	}
	if metadata != "" {
		metaVal = metadata
	}

	result, err := tx.ExecContext(context.Background(), `
		INSERT INTO events (kind, run_id, step_id, story_id, detail, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`, kind, runID, stepVal, storyVal, detail, metaVal)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	return result.LastInsertId()
}

// ListEventsForRun returns a run's events in insertion order (total order
// per §5's ordering guarantee), most recent last.
func ListEventsForRun(db *sql.DB, runID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	var out []*models.Event
	err := RetryWithBackoff(context.Background(), func() error {
		rows, err := db.QueryContext(context.Background(), `
			SELECT id, kind, run_id, step_id, story_id, detail, metadata, created_at
			FROM events
			WHERE run_id = ? AND archived_at IS NULL
			ORDER BY id ASC
			LIMIT ?
		`, runID, limit)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}
		defer func() { _ = rows.Close() }()

		out = make([]*models.Event, 0)
		for rows.Next() {
			e := &models.Event{}
			var stepID, storyID, meta sql.NullString
			if scanErr := rows.Scan(&e.ID, &e.Kind, &e.RunID, &stepID, &storyID, &meta, &e.CreatedAt); scanErr != nil {
				return fmt.Errorf("failed to scan event: %w", scanErr)
			}
			e.StepID = stepID.String
			e.StoryID = storyID.String
			if meta.Valid && meta.String != "" {
				e.Metadata = json.RawMessage(meta.String)
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ArchiveEventsOlderThanIdempotent marks events past a retention window as
// archived without deleting them, matching the append-only Event Log's
// write-only contract (§3): archival only hides rows from ListEventsForRun,
// it never removes audit history.
func ArchiveEventsOlderThanIdempotent(db *sql.DB, agentID, requestID string, beforeID int64) (int64, error) {
	type idemResult struct {
		ArchivedCount int64 `json:"archived_count"`
	}
	r, err := RunIdempotent(db, agentID, requestID, "events.archive", func(tx *sql.Tx) (idemResult, error) {
		res, txErr := tx.ExecContext(context.Background(), `
			UPDATE events
			SET archived_at = CURRENT_TIMESTAMP
			WHERE id < ? AND archived_at IS NULL
		`, beforeID)
		if txErr != nil {
			return idemResult{}, fmt.Errorf("failed to archive events: %w", txErr)
		}
		count, txErr := res.RowsAffected()
		if txErr != nil {
			return idemResult{}, fmt.Errorf("failed to count archived events: %w", txErr)
		}
		return idemResult{ArchivedCount: count}, nil
	})
	if err != nil {
		return 0, err
	}
	return r.ArchivedCount, nil
}
