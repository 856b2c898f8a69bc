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

func scanStep(row interface{ Scan(dest ...any) error }) (*models.Step, error) {
	var s models.Step
	var loopConfig, currentStoryID, requiredOutputs sql.NullString
	if err := row.Scan(&s.ID, &s.RunID, &s.StepIndex, &s.StepID, &s.AgentID, &s.Type, &s.Status,
		&s.RetryCount, &s.AbandonedCount, &s.Input, &s.Output, &loopConfig, &currentStoryID,
		&requiredOutputs, &s.Version, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &models.NotFoundError{Entity: "step", ID: ""}
		}
		return nil, err
	}
	if loopConfig.Valid && loopConfig.String != "" {
		var cfg models.LoopConfig
		if err := json.Unmarshal([]byte(loopConfig.String), &cfg); err == nil {
			s.LoopConfig = &cfg
		}
	}
	if currentStoryID.Valid {
		s.CurrentStoryID = currentStoryID.String
	}
	if requiredOutputs.Valid {
		s.RequiredOutputs = json.RawMessage(requiredOutputs.String)
	}
	return &s, nil
}

const stepColumns = `id, run_id, step_index, step_id, agent_id, type, status,
	retry_count, abandoned_count, input, output, loop_config, current_story_id,
	required_outputs, version, updated_at`

// GetStep loads a single step by id.
func GetStep(db *sql.DB, stepID string) (*models.Step, error) {
	row := db.QueryRowContext(context.Background(), `SELECT `+stepColumns+` FROM steps WHERE id = ?`, stepID)
	s, err := scanStep(row)
	if err != nil {
		if nf, ok := err.(*models.NotFoundError); ok {
			nf.ID = stepID
		}
		return nil, err
	}
	return s, nil
}

func getStepTx(tx *sql.Tx, stepID string) (*models.Step, error) {
	row := tx.QueryRowContext(context.Background(), `SELECT `+stepColumns+` FROM steps WHERE id = ?`, stepID)
	s, err := scanStep(row)
	if err != nil {
		if nf, ok := err.(*models.NotFoundError); ok {
			nf.ID = stepID
		}
		return nil, err
	}
	return s, nil
}

// ListStepsForRun returns every step of a run, ordered by step_index.
func ListStepsForRun(db *sql.DB, runID string) ([]*models.Step, error) {
	rows, err := db.QueryContext(context.Background(), `SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func listStepsForRunTx(tx *sql.Tx, runID string) ([]*models.Step, error) {
	rows, err := tx.QueryContext(context.Background(), `SELECT `+stepColumns+` FROM steps WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// resolvedInputFor fully resolves inputTemplate using declared outputs of
// every earlier step in the run (§4.2
// input-resolution rule), with the run's free-form task description always
// available as the implicit TASK key. Earlier steps are merged in
// step_index order so a later redeclaration of the same key wins.
func resolvedInputFor(tx *sql.Tx, runID string, inputTemplate string) (string, error) {
	var task string
	if err := tx.QueryRowContext(context.Background(), `SELECT task FROM runs WHERE id = ?`, runID).Scan(&task); err != nil {
		return "", fmt.Errorf("load run task: %w", err)
	}

	priorSteps, err := listStepsForRunTx(tx, runID)
	if err != nil {
		return "", err
	}
	maps := []map[string]string{{"TASK": task}}
	for _, s := range priorSteps {
		if s.Output == "" {
			continue
		}
		maps = append(maps, engine.ParseOutput(s.Output))
	}
	merged := engine.MergeOutputs(maps...)
	return engine.ResolveTemplate(inputTemplate, merged), nil
}

// advanceRunTx is the Step Engine's advancement rule (§4.3): find the step
// after completedIndex by step_index; if none, mark the run done; otherwise
// resolve its input and transition it to pending (or, for a loop step,
// materialize its stories via the Loop Engine and leave it pending).
func advanceRunTx(tx *sql.Tx, runID string, completedIndex int, specs map[string]string) error {
	var next struct {
		id, stepID, stepIDRow string
		stepIndex             int
		stepType              string
	}
	err := tx.QueryRowContext(context.Background(), `
		SELECT id, step_index, type FROM steps
		WHERE run_id = ? AND step_index > ?
		ORDER BY step_index ASC LIMIT 1
	`, runID, completedIndex).Scan(&next.id, &next.stepIndex, &next.stepType)
	if err == sql.ErrNoRows {
		return markRunTerminalTx(tx, runID, models.RunStatusDone)
	}
	if err != nil {
		return fmt.Errorf("find next step: %w", err)
	}

	template := specs[next.id]
	resolvedInput, err := resolvedInputFor(tx, runID, template)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(context.Background(), `
		UPDATE steps SET status = 'pending', input = ?, version = version + 1, updated_at = ?
		WHERE id = ?
	`, resolvedInput, time.Now().UTC(), next.id); err != nil {
		return fmt.Errorf("advance to next step: %w", err)
	}

	_, err = InsertEventTx(tx, models.EventKindStepPending, runID, next.id, "", "step pending", "")
	if err != nil {
		return err
	}

	if next.stepType == string(models.StepTypeLoop) {
		return dispatchLoopStepTx(tx, runID, next.id)
	}
	return nil
}

// CompleteStepTx implements the compound `complete_step` transaction
// (§4.2): parses raw_output, validates every required key is present and
// non-empty, stores output, transitions the step to done, and advances the
// run. On a missing/invalid output it behaves as fail (§4.2).
func CompleteStepTx(tx *sql.Tx, stepID, rawOutput string) error {
	step, err := getStepTx(tx, stepID)
	if err != nil {
		return err
	}
	if step.Status.IsTerminal() {
		return nil // idempotent no-op, §8 property 6
	}
	if running, err := runIsRunningTx(tx, step.RunID); err != nil {
		return err
	} else if !running {
		_, err := InsertEventTx(tx, models.EventKindStepComplete, step.RunID, stepID, "",
			"complete accepted as no-op: run already terminal", "")
		return err
	}

	parsed := engine.ParseOutput(rawOutput)
	var required []string
	_ = json.Unmarshal(step.RequiredOutputs, &required)
	for _, key := range required {
		if v, ok := parsed[key]; !ok || v == "" {
			return FailStepTx(tx, stepID, fmt.Sprintf("missing required output key %s", key))
		}
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(context.Background(), `
		UPDATE steps SET status = 'done', output = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, rawOutput, now, stepID, step.Version)
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	if ra, _ := res.RowsAffected(); ra == 0 {
		return &models.ConflictError{Entity: "step", ID: stepID, Reason: "lost version race on complete"}
	}

	if _, err := InsertEventTx(tx, models.EventKindStepComplete, step.RunID, stepID, "", "step complete", ""); err != nil {
		return err
	}

	specs, err := stepInputTemplates(tx, step.RunID)
	if err != nil {
		return err
	}
	return advanceRunTx(tx, step.RunID, step.StepIndex, specs)
}

// stepInputTemplates re-reads each step's currently-stored input column as
// its "template" for the remaining, not-yet-pending steps. This trades a
// persisted WorkflowSpec lookup for the simpler invariant that a step's
// input column holds its raw template until the Step Engine resolves it in
// place the moment the step becomes pending — see SeedRunTx, which seeds
// `input` with the spec's literal input_template for every step upfront.
func stepInputTemplates(tx *sql.Tx, runID string) (map[string]string, error) {
	rows, err := tx.QueryContext(context.Background(), `SELECT id, input FROM steps WHERE run_id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var id, input string
		if err := rows.Scan(&id, &input); err != nil {
			return nil, err
		}
		out[id] = input
	}
	return out, rows.Err()
}

// FailStepTx implements the compound `fail_step` transaction (§4.2, §7):
// increments retry_count; below budget it returns to pending, otherwise the
// step and — per policy — the run transition to failed.
func FailStepTx(tx *sql.Tx, stepID, reason string) error {
	step, err := getStepTx(tx, stepID)
	if err != nil {
		return err
	}
	if step.Status.IsTerminal() {
		return nil
	}
	if running, err := runIsRunningTx(tx, step.RunID); err != nil {
		return err
	} else if !running {
		_, err := InsertEventTx(tx, models.EventKindStepFail, step.RunID, stepID, "",
			"fail accepted as no-op: run already terminal", "")
		return err
	}

	budget := models.DefaultRetryBudget
	now := time.Now().UTC()
	newRetryCount := step.RetryCount + 1

	if newRetryCount < budget {
		res, err := tx.ExecContext(context.Background(), `
			UPDATE steps SET status = 'pending', retry_count = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, newRetryCount, now, stepID, step.Version)
		if err != nil {
			return fmt.Errorf("fail step (retry): %w", err)
		}
		if ra, _ := res.RowsAffected(); ra == 0 {
			return &models.ConflictError{Entity: "step", ID: stepID, Reason: "lost version race on fail"}
		}
		_, err = InsertEventTx(tx, models.EventKindStepFail, step.RunID, stepID, "", reason, "")
		return err
	}

	res, err := tx.ExecContext(context.Background(), `
		UPDATE steps SET status = 'failed', retry_count = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, newRetryCount, now, stepID, step.Version)
	if err != nil {
		return fmt.Errorf("fail step (exhausted): %w", err)
	}
	if ra, _ := res.RowsAffected(); ra == 0 {
		return &models.ConflictError{Entity: "step", ID: stepID, Reason: "lost version race on fail"}
	}
	if _, err := InsertEventTx(tx, models.EventKindStepFail, step.RunID, stepID, "", reason, ""); err != nil {
		return err
	}
	return MarkRunFailedTx(tx, step.RunID)
}

// ResetStepTx is medic's remediation primitive for stuck_step/claimed_but_stuck
// (§4.6): resets a running step back to pending and bumps abandoned_count.
// After 5 abandons the step (and its run) are marked failed instead.
func ResetStepTx(tx *sql.Tx, stepID string) error {
	step, err := getStepTx(tx, stepID)
	if err != nil {
		return err
	}
	if step.Status.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	newAbandoned := step.AbandonedCount + 1

	if newAbandoned >= models.MaxMedicAbandons {
		res, err := tx.ExecContext(context.Background(), `
			UPDATE steps SET status = 'failed', abandoned_count = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, newAbandoned, now, stepID, step.Version)
		if err != nil {
			return fmt.Errorf("abandon step to failed: %w", err)
		}
		if ra, _ := res.RowsAffected(); ra == 0 {
			return &models.ConflictError{Entity: "step", ID: stepID, Reason: "lost version race on reset"}
		}
		if _, err := InsertEventTx(tx, models.EventKindStepFail, step.RunID, stepID, "",
			"abandoned_count exceeded medic bound", ""); err != nil {
			return err
		}
		return MarkRunFailedTx(tx, step.RunID)
	}

	res, err := tx.ExecContext(context.Background(), `
		UPDATE steps SET status = 'pending', abandoned_count = ?, current_story_id = NULL, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, newAbandoned, now, stepID, step.Version)
	if err != nil {
		return fmt.Errorf("reset step: %w", err)
	}
	if ra, _ := res.RowsAffected(); ra == 0 {
		return &models.ConflictError{Entity: "step", ID: stepID, Reason: "lost version race on reset"}
	}
	_, err = InsertEventTx(tx, models.EventKindStepReset, step.RunID, stepID, "",
		fmt.Sprintf("medic reset step (abandoned_count=%d)", newAbandoned), "")
	return err
}

// ResetStep wraps ResetStepTx in a retried transaction.
func ResetStep(db *sql.DB, stepID string) error {
	return Transact(db, func(tx *sql.Tx) error { return ResetStepTx(tx, stepID) })
}
