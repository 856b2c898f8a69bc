package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/setfarm/engine/internal/engine"
	"github.com/setfarm/engine/internal/models"
)

// SeededRun is the result of seed_run: the created Run plus its ordered,
// freshly materialized Step rows (all but the first in `waiting`).
type SeededRun struct {
	Run   *models.Run    `json:"run"`
	Steps []*models.Step `json:"steps"`
}

// SeedRunTx is the compound `seed_run` transaction from spec.md §4.1: it
// creates a Run in `running` and one Step row per spec.StepSpec, in declared
// order, with the first step `pending` and the rest `waiting` (§4.3).
func SeedRunTx(tx *sql.Tx, runID, task string, spec *models.WorkflowSpec) (*SeededRun, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO runs (id, workflow_id, task, status, meta, version, created_at, updated_at)
		VALUES (?, ?, ?, 'running', '{}', 1, ?, ?)
	`, runID, spec.WorkflowID, task, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	steps := make([]*models.Step, 0, len(spec.Steps))
	for i := range spec.Steps {
		stepSpec := &spec.Steps[i]
		status := models.StepStatusWaiting
		if i == 0 {
			status = models.StepStatusPending
		}

		requiredOutputs, marshalErr := json.Marshal(stepSpec.RequiredOutputs)
		if marshalErr != nil {
			return nil, fmt.Errorf("marshal required_outputs: %w", marshalErr)
		}

		var loopConfigJSON []byte
		if stepSpec.Type == models.StepTypeLoop {
			var verifyAgentID string
			if stepSpec.VerifyStepID != "" {
				for j := range spec.Steps {
					if spec.Steps[j].StepID == stepSpec.VerifyStepID {
						verifyAgentID = spec.Steps[j].AgentID
						break
					}
				}
			}
			cfg := models.LoopConfig{
				SourceStepID:  stepSpec.SourceStepID,
				Workers:       stepSpec.EffectiveWorkers(),
				VerifyStepID:  stepSpec.VerifyStepID,
				VerifyAgentID: verifyAgentID,
				VerifyEach:    stepSpec.VerifyEach,
			}
			loopConfigJSON, marshalErr = json.Marshal(cfg)
			if marshalErr != nil {
				return nil, fmt.Errorf("marshal loop_config: %w", marshalErr)
			}
		}

		// Every step is seeded with its literal, not-yet-resolved
		// input_template so the Step Engine can resolve it in place the
		// moment the step becomes pending (see stepInputTemplates). The
		// first step resolves immediately since it is pending from the
		// start and has no earlier step to wait on.
		input := stepSpec.InputTemplate
		if i == 0 {
			input = engine.ResolveTemplate(input, map[string]string{"TASK": task})
		}

		stepID := NewStepID()
		_, err := tx.ExecContext(context.Background(), `
			INSERT INTO steps (id, run_id, step_index, step_id, agent_id, type, status,
				retry_count, abandoned_count, input, output, loop_config, current_story_id,
				required_outputs, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, '', ?, NULL, ?, 1, ?)
		`, stepID, runID, i, stepSpec.StepID, stepSpec.AgentID, string(stepSpec.Type), string(status),
			input, nullableString(loopConfigJSON), string(requiredOutputs), now)
		if err != nil {
			return nil, fmt.Errorf("insert step %s: %w", stepSpec.StepID, err)
		}

		steps = append(steps, &models.Step{
			ID:              stepID,
			RunID:           runID,
			StepIndex:       i,
			StepID:          stepSpec.StepID,
			AgentID:         stepSpec.AgentID,
			Type:            stepSpec.Type,
			Status:          status,
			Input:           input,
			RequiredOutputs: json.RawMessage(requiredOutputs),
			Version:         1,
			UpdatedAt:       now,
		})
	}

	if _, err := InsertEventTx(tx, models.EventKindRunCreated, runID, "", "",
		fmt.Sprintf("run created for workflow %s (%d steps)", spec.WorkflowID, len(steps)), ""); err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		if _, err := InsertEventTx(tx, models.EventKindStepPending, runID, steps[0].ID, "",
			fmt.Sprintf("step %s pending", steps[0].StepID), ""); err != nil {
			return nil, err
		}
	}

	return &SeededRun{
		Run: &models.Run{
			ID: runID, WorkflowID: spec.WorkflowID, Task: task,
			Status: models.RunStatusRunning, Meta: json.RawMessage("{}"),
			Version: 1, CreatedAt: now, UpdatedAt: now,
		},
		Steps: steps,
	}, nil
}

// SeedRun wraps SeedRunTx in a retried transaction.
func SeedRun(db *sql.DB, task string, spec *models.WorkflowSpec) (*SeededRun, error) {
	var out *SeededRun
	err := Transact(db, func(tx *sql.Tx) error {
		r, err := SeedRunTx(tx, NewRunID(), task, spec)
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// runIsRunningTx reports whether runID is currently in `running` status.
// Used by complete/fail on steps and stories to honor the tie-break rule
// (§4.4 edge cases): once a sibling failure has already failed the run,
// further complete/fail calls on units still in flight are accepted as
// logged no-ops rather than raced against the terminal run.
func runIsRunningTx(tx *sql.Tx, runID string) (bool, error) {
	var status string
	if err := tx.QueryRowContext(context.Background(), `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return false, &models.NotFoundError{Entity: "run", ID: runID}
		}
		return false, err
	}
	return status == string(models.RunStatusRunning), nil
}

// GetRun loads a single run by id.
func GetRun(db *sql.DB, runID string) (*models.Run, error) {
	row := db.QueryRowContext(context.Background(), `
		SELECT id, workflow_id, task, status, meta, version, created_at, updated_at
		FROM runs WHERE id = ?
	`, runID)
	return scanRun(row)
}

func scanRun(row interface{ Scan(dest ...any) error }) (*models.Run, error) {
	var r models.Run
	var meta sql.NullString
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.Task, &r.Status, &meta, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &models.NotFoundError{Entity: "run", ID: ""}
		}
		return nil, err
	}
	if meta.Valid {
		r.Meta = json.RawMessage(meta.String)
	}
	return &r, nil
}

// ListRuns returns runs ordered by created_at ascending (FIFO), optionally
// filtered by status.
func ListRuns(db *sql.DB, status string) ([]*models.Run, error) {
	query := `SELECT id, workflow_id, task, status, meta, version, created_at, updated_at FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// markRunTerminalTx transitions a run to done or failed with a CAS on version,
// provided the run is currently running. Both mark_run_failed and the Step
// Engine's "no next step" advancement share this.
func markRunTerminalTx(tx *sql.Tx, runID string, status models.RunStatus) error {
	res, err := tx.ExecContext(context.Background(), `
		UPDATE runs SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, string(status), time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("mark run %s: %w", status, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if ra == 0 {
		// Already terminal: idempotent no-op per §8 property 6.
		return nil
	}
	kind := models.EventKindRunDone
	if status == models.RunStatusFailed {
		kind = models.EventKindRunFailed
	}
	_, err = InsertEventTx(tx, kind, runID, "", "", fmt.Sprintf("run %s", status), "")
	return err
}

// MarkRunFailedTx implements the compound `mark_run_failed` transaction.
func MarkRunFailedTx(tx *sql.Tx, runID string) error {
	return markRunTerminalTx(tx, runID, models.RunStatusFailed)
}

// MarkRunFailed wraps MarkRunFailedTx in a retried transaction.
func MarkRunFailed(db *sql.DB, runID string) error {
	return Transact(db, func(tx *sql.Tx) error { return MarkRunFailedTx(tx, runID) })
}

// resumeMeta mirrors the subset of Run.Meta the resume_run transaction reads
// and writes.
type resumeMeta struct {
	ResumeCount  int        `json:"resume_count"`
	LastResumeAt *time.Time `json:"last_resume_at,omitempty"`
}

// MaxResumeCount bounds how many times medic may resume the same failed run
// (§4.6, testable property 7).
const MaxResumeCount = 3

// ResumeRunTx implements the compound `resume_run` transaction (§4.1, §4.6
// failed_run_resumable): it resets the run's failed step back to `pending`
// with `retry_count` cleared, bumps `meta.resume_count`, and transitions the
// run back to `running`. Refuses once `meta.resume_count` has reached
// MaxResumeCount, per testable property 7.
func ResumeRunTx(tx *sql.Tx, runID string) error {
	var status string
	var metaStr sql.NullString
	var version int
	err := tx.QueryRowContext(context.Background(),
		`SELECT status, meta, version FROM runs WHERE id = ?`, runID,
	).Scan(&status, &metaStr, &version)
	if err != nil {
		if err == sql.ErrNoRows {
			return &models.NotFoundError{Entity: "run", ID: runID}
		}
		return err
	}
	if status != string(models.RunStatusFailed) {
		return &models.ConflictError{Entity: "run", ID: runID, Reason: "only a failed run can be resumed"}
	}

	var meta resumeMeta
	if metaStr.Valid && metaStr.String != "" {
		_ = json.Unmarshal([]byte(metaStr.String), &meta)
	}
	if meta.ResumeCount >= MaxResumeCount {
		return &models.ExhaustedError{Entity: "run", ID: runID, RetryCount: meta.ResumeCount, Budget: MaxResumeCount}
	}
	if meta.LastResumeAt != nil && time.Since(*meta.LastResumeAt) < models.ResumeCooldown {
		return &models.ConflictError{Entity: "run", ID: runID, Reason: "resume cooldown still in effect"}
	}
	meta.ResumeCount++
	resumedAt := time.Now().UTC()
	meta.LastResumeAt = &resumedAt

	var failedStepID string
	err = tx.QueryRowContext(context.Background(),
		`SELECT id FROM steps WHERE run_id = ? AND status = 'failed' ORDER BY step_index DESC LIMIT 1`, runID,
	).Scan(&failedStepID)
	var failedStoryID string
	if err == sql.ErrNoRows {
		// A loop step itself never transitions to `failed` — only its
		// stories do, cascading the run to failed while the step stays
		// `pending` (see FailStoryTx). Fall back to resetting the story.
		err = tx.QueryRowContext(context.Background(),
			`SELECT id, step_id FROM stories WHERE run_id = ? AND status = 'failed' ORDER BY story_index DESC LIMIT 1`, runID,
		).Scan(&failedStoryID, &failedStepID)
	}
	if err != nil {
		if err == sql.ErrNoRows {
			return &models.NotFoundError{Entity: "failed step or story for run", ID: runID}
		}
		return err
	}

	now := time.Now().UTC()
	newMetaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(context.Background(),
		`UPDATE runs SET status = 'running', meta = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		string(newMetaJSON), now, runID, version)
	if err != nil {
		return fmt.Errorf("resume run: %w", err)
	}
	if ra, _ := res.RowsAffected(); ra == 0 {
		return &models.ConflictError{Entity: "run", ID: runID, Reason: "lost version race resuming run"}
	}

	if failedStoryID != "" {
		if _, err := tx.ExecContext(context.Background(),
			`UPDATE stories SET status = 'pending', retry_count = 0, pending_verify = 0, version = version + 1, updated_at = ? WHERE id = ?`,
			now, failedStoryID,
		); err != nil {
			return fmt.Errorf("reset failed story: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(context.Background(),
			`UPDATE steps SET status = 'pending', retry_count = 0, version = version + 1, updated_at = ? WHERE id = ?`,
			now, failedStepID,
		); err != nil {
			return fmt.Errorf("reset failed step: %w", err)
		}
	}

	_, err = InsertEventTx(tx, models.EventKindRunResumed, runID, failedStepID, failedStoryID,
		fmt.Sprintf("run resumed (resume_count=%d)", meta.ResumeCount), "")
	return err
}

// ResumeRun wraps ResumeRunTx in a retried transaction.
func ResumeRun(db *sql.DB, runID string) error {
	return Transact(db, func(tx *sql.Tx) error { return ResumeRunTx(tx, runID) })
}
