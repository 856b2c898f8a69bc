package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/setfarm/engine/internal/engine"
	"github.com/setfarm/engine/internal/models"
)

const storyColumns = `id, run_id, step_id, story_id, story_index, title, input, status,
	output, retry_count, abandoned_count, pending_verify, version, updated_at`

func scanStory(row interface{ Scan(dest ...any) error }) (*models.Story, error) {
	var s models.Story
	var pendingVerify int
	if err := row.Scan(&s.ID, &s.RunID, &s.StepID, &s.StoryID, &s.StoryIndex, &s.Title, &s.Input,
		&s.Status, &s.Output, &s.RetryCount, &s.AbandonedCount, &pendingVerify, &s.Version, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &models.NotFoundError{Entity: "story", ID: ""}
		}
		return nil, err
	}
	s.PendingVerify = pendingVerify != 0
	return &s, nil
}

func getStoryTx(tx *sql.Tx, storyID string) (*models.Story, error) {
	row := tx.QueryRowContext(context.Background(), `SELECT `+storyColumns+` FROM stories WHERE id = ?`, storyID)
	s, err := scanStory(row)
	if err != nil {
		if nf, ok := err.(*models.NotFoundError); ok {
			nf.ID = storyID
		}
		return nil, err
	}
	return s, nil
}

// GetStory loads a single story by id.
func GetStory(db *sql.DB, storyID string) (*models.Story, error) {
	row := db.QueryRowContext(context.Background(), `SELECT `+storyColumns+` FROM stories WHERE id = ?`, storyID)
	s, err := scanStory(row)
	if err != nil {
		if nf, ok := err.(*models.NotFoundError); ok {
			nf.ID = storyID
		}
		return nil, err
	}
	return s, nil
}

// ListStoriesForStep returns every story of a loop step, in declared order.
func ListStoriesForStep(db *sql.DB, stepID string) ([]*models.Story, error) {
	rows, err := db.QueryContext(context.Background(), `SELECT `+storyColumns+` FROM stories WHERE step_id = ? ORDER BY story_index ASC`, stepID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Story
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func listStoriesForStepTx(tx *sql.Tx, stepID string) ([]*models.Story, error) {
	rows, err := tx.QueryContext(context.Background(), `SELECT `+storyColumns+` FROM stories WHERE step_id = ? ORDER BY story_index ASC`, stepID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Story
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// dispatchLoopStepTx is invoked the moment a loop step first becomes pending
// (§4.4): it reads the source step's output, extracts STORIES_JSON, and
// materializes one Story row per entry, in declared order. The loop step
// itself stays `pending` — it is never claimed directly. An empty stories
// list completes the loop immediately (§4.4 edge case).
func dispatchLoopStepTx(tx *sql.Tx, runID, loopStepRowID string) error {
	step, err := getStepTx(tx, loopStepRowID)
	if err != nil {
		return err
	}
	if step.LoopConfig == nil {
		return &models.InternalError{Invariant: "loop step missing loop_config", Detail: loopStepRowID}
	}

	var sourceOutput string
	err = tx.QueryRowContext(context.Background(),
		`SELECT output FROM steps WHERE run_id = ? AND step_id = ?`, runID, step.LoopConfig.SourceStepID,
	).Scan(&sourceOutput)
	if err != nil {
		if err == sql.ErrNoRows {
			return &models.SpecErrorKind{WorkflowID: runID, Reason: fmt.Sprintf("source_step_id %q not found in run", step.LoopConfig.SourceStepID)}
		}
		return err
	}

	records, err := engine.ExtractStories(engine.ParseOutput(sourceOutput))
	if err != nil {
		return FailStepTx(tx, loopStepRowID, err.Error())
	}

	if _, err := InsertEventTx(tx, models.EventKindStoriesSeeded, runID, loopStepRowID, "",
		fmt.Sprintf("%d stories seeded from %s", len(records), step.LoopConfig.SourceStepID), ""); err != nil {
		return err
	}

	now := time.Now().UTC()
	for i, rec := range records {
		storyRowID := NewStoryID()
		if _, err := tx.ExecContext(context.Background(), `
			INSERT INTO stories (id, run_id, step_id, story_id, story_index, title, input, status,
				retry_count, abandoned_count, pending_verify, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, 0, 0, 1, ?)
		`, storyRowID, runID, loopStepRowID, rec.StoryID, i, rec.Title, rec.Input, now); err != nil {
			return fmt.Errorf("insert story %s: %w", rec.StoryID, err)
		}
	}

	if len(records) == 0 {
		return completeLoopStepTx(tx, step)
	}
	return nil
}

// completeLoopStepTx transitions a loop step to done once every story is
// settled (verified or skipped) and advances the run (§4.4 Loop completion).
func completeLoopStepTx(tx *sql.Tx, step *models.Step) error {
	res, err := tx.ExecContext(context.Background(), `
		UPDATE steps SET status = 'done', output = 'loop complete', version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, time.Now().UTC(), step.ID, step.Version)
	if err != nil {
		return fmt.Errorf("complete loop step: %w", err)
	}
	if ra, _ := res.RowsAffected(); ra == 0 {
		return &models.ConflictError{Entity: "step", ID: step.ID, Reason: "lost version race completing loop"}
	}
	if _, err := InsertEventTx(tx, models.EventKindLoopComplete, step.RunID, step.ID, "", "loop complete", ""); err != nil {
		return err
	}

	specs, err := stepInputTemplates(tx, step.RunID)
	if err != nil {
		return err
	}
	return advanceRunTx(tx, step.RunID, step.StepIndex, specs)
}

// maybeCompleteLoopTx checks whether every story of stepRowID is settled and,
// if so, completes the loop step. Called after every story completion,
// failure, or medic skip.
func maybeCompleteLoopTx(tx *sql.Tx, stepRowID string) error {
	stories, err := listStoriesForStepTx(tx, stepRowID)
	if err != nil {
		return err
	}
	for _, s := range stories {
		if !s.Status.IsSettled() {
			return nil
		}
	}
	step, err := getStepTx(tx, stepRowID)
	if err != nil {
		return err
	}
	if step.Status.IsTerminal() {
		return nil
	}
	return completeLoopStepTx(tx, step)
}

// CompleteStoryTx implements the worker/verifier completion half of the
// two-phase story cycle (§4.4). A plain worker claim (PendingVerify=false)
// on a loop that requires verify_each returns the story to `pending` with
// pending_verify set, awaiting a verifier claim; otherwise (no verify_each,
// or this was the verifier's own completion) the story reaches `verified`
// directly.
func CompleteStoryTx(tx *sql.Tx, storyID, rawOutput string) error {
	story, err := getStoryTx(tx, storyID)
	if err != nil {
		return err
	}
	if story.Status.IsSettled() {
		return nil // idempotent no-op, §8 property 6
	}
	if running, err := runIsRunningTx(tx, story.RunID); err != nil {
		return err
	} else if !running {
		_, err := InsertEventTx(tx, models.EventKindStoryComplete, story.RunID, story.StepID, storyID,
			"complete accepted as no-op: run already terminal", "")
		return err
	}

	step, err := getStepTx(tx, story.StepID)
	if err != nil {
		return err
	}
	verifyEach := step.LoopConfig != nil && step.LoopConfig.VerifyEach

	now := time.Now().UTC()

	if story.PendingVerify {
		res, err := tx.ExecContext(context.Background(), `
			UPDATE stories SET status = 'verified', pending_verify = 0, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, now, storyID, story.Version)
		if err != nil {
			return fmt.Errorf("verify story: %w", err)
		}
		if ra, _ := res.RowsAffected(); ra == 0 {
			return &models.ConflictError{Entity: "story", ID: storyID, Reason: "lost version race on verify"}
		}
		if _, err := InsertEventTx(tx, models.EventKindStoryVerified, story.RunID, step.ID, storyID, "story verified", ""); err != nil {
			return err
		}
		return maybeCompleteLoopTx(tx, step.ID)
	}

	if !verifyEach {
		res, err := tx.ExecContext(context.Background(), `
			UPDATE stories SET status = 'verified', output = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, rawOutput, now, storyID, story.Version)
		if err != nil {
			return fmt.Errorf("complete story: %w", err)
		}
		if ra, _ := res.RowsAffected(); ra == 0 {
			return &models.ConflictError{Entity: "story", ID: storyID, Reason: "lost version race on complete"}
		}
		if _, err := InsertEventTx(tx, models.EventKindStoryComplete, story.RunID, step.ID, storyID, "story complete", ""); err != nil {
			return err
		}
		return maybeCompleteLoopTx(tx, step.ID)
	}

	res, err := tx.ExecContext(context.Background(), `
		UPDATE stories SET status = 'pending', output = ?, pending_verify = 1, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, rawOutput, now, storyID, story.Version)
	if err != nil {
		return fmt.Errorf("submit story for verify: %w", err)
	}
	if ra, _ := res.RowsAffected(); ra == 0 {
		return &models.ConflictError{Entity: "story", ID: storyID, Reason: "lost version race on submit"}
	}
	_, err = InsertEventTx(tx, models.EventKindStoryComplete, story.RunID, step.ID, storyID, "story awaiting verify", "")
	return err
}

// FailStoryTx implements the fail half of the story cycle (§4.4, §7): below
// budget the story returns to pending (clearing pending_verify so the worker
// role redoes it rather than the verifier); at budget it becomes terminal
// `failed`, which also fails the run since the loop can never become fully
// settled around a permanently-failed story.
func FailStoryTx(tx *sql.Tx, storyID, reason string) error {
	story, err := getStoryTx(tx, storyID)
	if err != nil {
		return err
	}
	if story.Status.IsSettled() {
		return nil
	}
	if running, err := runIsRunningTx(tx, story.RunID); err != nil {
		return err
	} else if !running {
		_, err := InsertEventTx(tx, models.EventKindStoryFail, story.RunID, story.StepID, storyID,
			"fail accepted as no-op: run already terminal", "")
		return err
	}

	step, err := getStepTx(tx, story.StepID)
	if err != nil {
		return err
	}

	budget := models.DefaultRetryBudget
	newRetryCount := story.RetryCount + 1
	now := time.Now().UTC()

	if newRetryCount < budget {
		res, err := tx.ExecContext(context.Background(), `
			UPDATE stories SET status = 'pending', retry_count = ?, pending_verify = 0, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, newRetryCount, now, storyID, story.Version)
		if err != nil {
			return fmt.Errorf("fail story (retry): %w", err)
		}
		if ra, _ := res.RowsAffected(); ra == 0 {
			return &models.ConflictError{Entity: "story", ID: storyID, Reason: "lost version race on fail"}
		}
		_, err = InsertEventTx(tx, models.EventKindStoryFail, story.RunID, step.ID, storyID, reason, "")
		return err
	}

	res, err := tx.ExecContext(context.Background(), `
		UPDATE stories SET status = 'failed', retry_count = ?, pending_verify = 0, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, newRetryCount, now, storyID, story.Version)
	if err != nil {
		return fmt.Errorf("fail story (exhausted): %w", err)
	}
	if ra, _ := res.RowsAffected(); ra == 0 {
		return &models.ConflictError{Entity: "story", ID: storyID, Reason: "lost version race on fail"}
	}
	if _, err := InsertEventTx(tx, models.EventKindStoryFail, story.RunID, step.ID, storyID, reason, ""); err != nil {
		return err
	}
	return MarkRunFailedTx(tx, story.RunID)
}

// ResetStoryTx is medic's remediation primitive for orphaned_story (§4.6,
// S6): resets a running story back to pending and bumps abandoned_count.
// After 5 abandons the story is skipped instead, which may complete the loop.
func ResetStoryTx(tx *sql.Tx, storyID string) error {
	story, err := getStoryTx(tx, storyID)
	if err != nil {
		return err
	}
	if story.Status.IsSettled() {
		return nil
	}

	now := time.Now().UTC()
	newAbandoned := story.AbandonedCount + 1

	if newAbandoned >= models.MaxMedicAbandons {
		res, err := tx.ExecContext(context.Background(), `
			UPDATE stories SET status = 'skipped', abandoned_count = ?, pending_verify = 0, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?
		`, newAbandoned, now, storyID, story.Version)
		if err != nil {
			return fmt.Errorf("skip story: %w", err)
		}
		if ra, _ := res.RowsAffected(); ra == 0 {
			return &models.ConflictError{Entity: "story", ID: storyID, Reason: "lost version race on skip"}
		}
		if _, err := InsertEventTx(tx, models.EventKindStorySkipped, story.RunID, story.StepID, storyID,
			"abandoned_count exceeded medic bound, skipped", ""); err != nil {
			return err
		}
		return maybeCompleteLoopTx(tx, story.StepID)
	}

	res, err := tx.ExecContext(context.Background(), `
		UPDATE stories SET status = 'pending', abandoned_count = ?, pending_verify = 0, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, newAbandoned, now, storyID, story.Version)
	if err != nil {
		return fmt.Errorf("reset story: %w", err)
	}
	if ra, _ := res.RowsAffected(); ra == 0 {
		return &models.ConflictError{Entity: "story", ID: storyID, Reason: "lost version race on reset"}
	}
	_, err = InsertEventTx(tx, models.EventKindStoryReset, story.RunID, story.StepID, storyID,
		fmt.Sprintf("medic reset story (abandoned_count=%d)", newAbandoned), "")
	return err
}

// ResetStory wraps ResetStoryTx in a retried transaction.
func ResetStory(db *sql.DB, storyID string) error {
	return Transact(db, func(tx *sql.Tx) error { return ResetStoryTx(tx, storyID) })
}
