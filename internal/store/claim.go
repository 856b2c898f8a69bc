package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/setfarm/engine/internal/models"
)

// ClaimedUnit is what claim() hands back to an agent: either a step or a
// story, identified by Kind. UnitID is the row id to pass to complete/fail.
type ClaimedUnit struct {
	Kind    string `json:"kind"` // "step" | "story"
	UnitID  string `json:"unit_id"`
	RunID   string `json:"run_id"`
	StepID  string `json:"step_id,omitempty"`
	StoryID string `json:"story_id,omitempty"`
	Input   string `json:"input"`
}

// unitPrefix returns the prefix embedded in generatePrefixedID, used to
// dispatch complete/fail calls to the right table without an extra lookup.
func unitPrefix(unitID string) string {
	if i := strings.IndexByte(unitID, '_'); i >= 0 {
		return unitID[:i]
	}
	return unitID
}

// PeekRoleTx answers peek(agent_id): true if an unclaimed unit exists for
// this role across any running run. Pure read, no side effects (§4.2).
func PeekRoleTx(tx *sql.Tx, agentID string) (bool, error) {
	var dummy int
	err := tx.QueryRowContext(context.Background(), `
		SELECT 1 FROM steps s JOIN runs r ON r.id = s.run_id
		WHERE s.status = 'pending' AND s.type != 'loop' AND s.agent_id = ? AND r.status = 'running'
		LIMIT 1
	`, agentID).Scan(&dummy)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, err
	}

	err = tx.QueryRowContext(context.Background(), `
		SELECT 1 FROM stories st
		JOIN steps s ON s.id = st.step_id
		JOIN runs r ON r.id = s.run_id
		WHERE st.status = 'pending' AND r.status = 'running'
		  AND (
		    (st.pending_verify = 0 AND s.agent_id = ?)
		    OR
		    (st.pending_verify = 1 AND json_extract(s.loop_config, '$.verify_agent_id') = ?)
		  )
		LIMIT 1
	`, agentID, agentID).Scan(&dummy)
	if err == nil {
		return true, nil
	}
	if err == sql.ErrNoRows {
		return false, nil
	}
	return false, err
}

// PeekRole wraps PeekRoleTx in a read-only transaction.
func PeekRole(db *sql.DB, agentID string) (bool, error) {
	var has bool
	err := Transact(db, func(tx *sql.Tx) error {
		var err error
		has, err = PeekRoleTx(tx, agentID)
		return err
	})
	return has, err
}

// candidateUnit is one row scanned from the UNION query inside
// ClaimNextForRoleTx, carrying just enough to perform the follow-up CAS
// update against the right table.
type candidateUnit struct {
	kind          string // "step" | "story"
	id            string
	runID         string
	stepID        string
	storyBizID    string
	input         string
	version       int
	runCreatedAt  time.Time
	stepIndex     int
	storyIndex    int
}

// ClaimNextForRoleTx implements claim(agent_id) (§4.2): finds the
// highest-priority eligible unit for this role ordered by
// (run.created_at ASC, step_index ASC, story_index ASC), transitions it to
// running, and returns it. Returns (nil, nil) when there is no work.
func ClaimNextForRoleTx(tx *sql.Tx, agentID string) (*ClaimedUnit, error) {
	candidate, err := findClaimCandidateTx(tx, agentID)
	if err != nil || candidate == nil {
		return nil, err
	}

	now := time.Now().UTC()
	switch candidate.kind {
	case "step":
		res, err := tx.ExecContext(context.Background(), `
			UPDATE steps SET status = 'running', current_story_id = NULL, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ? AND status = 'pending'
		`, now, candidate.id, candidate.version)
		if err != nil {
			return nil, fmt.Errorf("claim step: %w", err)
		}
		if ra, _ := res.RowsAffected(); ra == 0 {
			return nil, nil // lost the race; caller may retry peek/claim
		}
		if _, err := InsertEventTx(tx, models.EventKindStepClaimed, candidate.runID, candidate.id, "",
			fmt.Sprintf("step claimed by %s", agentID), ""); err != nil {
			return nil, err
		}
		return &ClaimedUnit{Kind: "step", UnitID: candidate.id, RunID: candidate.runID, StepID: candidate.id, Input: candidate.input}, nil

	case "story":
		res, err := tx.ExecContext(context.Background(), `
			UPDATE stories SET status = 'running', version = version + 1, updated_at = ?
			WHERE id = ? AND version = ? AND status = 'pending'
		`, now, candidate.id, candidate.version)
		if err != nil {
			return nil, fmt.Errorf("claim story: %w", err)
		}
		if ra, _ := res.RowsAffected(); ra == 0 {
			return nil, nil
		}
		if _, err := tx.ExecContext(context.Background(), `
			UPDATE steps SET current_story_id = ? WHERE id = ?
		`, candidate.id, candidate.stepID); err != nil {
			return nil, fmt.Errorf("stamp current_story_id: %w", err)
		}
		if _, err := InsertEventTx(tx, models.EventKindStoryClaimed, candidate.runID, candidate.stepID, candidate.id,
			fmt.Sprintf("story claimed by %s", agentID), ""); err != nil {
			return nil, err
		}
		return &ClaimedUnit{Kind: "story", UnitID: candidate.id, RunID: candidate.runID, StepID: candidate.stepID,
			StoryID: candidate.storyBizID, Input: candidate.input}, nil
	}
	return nil, &models.InternalError{Invariant: "unknown claim candidate kind", Detail: candidate.kind}
}

func findClaimCandidateTx(tx *sql.Tx, agentID string) (*candidateUnit, error) {
	var step candidateUnit
	step.kind = "step"
	stepErr := tx.QueryRowContext(context.Background(), `
		SELECT s.id, s.run_id, s.input, s.version, r.created_at, s.step_index
		FROM steps s JOIN runs r ON r.id = s.run_id
		WHERE s.status = 'pending' AND s.type != 'loop' AND s.agent_id = ? AND r.status = 'running'
		ORDER BY r.created_at ASC, s.step_index ASC
		LIMIT 1
	`, agentID).Scan(&step.id, &step.runID, &step.input, &step.version, &step.runCreatedAt, &step.stepIndex)
	hasStep := stepErr == nil
	if stepErr != nil && stepErr != sql.ErrNoRows {
		return nil, stepErr
	}

	var story candidateUnit
	story.kind = "story"
	storyErr := tx.QueryRowContext(context.Background(), `
		SELECT st.id, st.run_id, s.id, st.story_id, st.input, st.version, r.created_at, s.step_index, st.story_index
		FROM stories st
		JOIN steps s ON s.id = st.step_id
		JOIN runs r ON r.id = s.run_id
		WHERE st.status = 'pending' AND r.status = 'running'
		  AND (
		    (st.pending_verify = 0 AND s.agent_id = ?)
		    OR
		    (st.pending_verify = 1 AND json_extract(s.loop_config, '$.verify_agent_id') = ?)
		  )
		ORDER BY r.created_at ASC, s.step_index ASC, st.story_index ASC
		LIMIT 1
	`, agentID, agentID).Scan(&story.id, &story.runID, &story.stepID, &story.storyBizID, &story.input,
		&story.version, &story.runCreatedAt, &story.stepIndex, &story.storyIndex)
	hasStory := storyErr == nil
	if storyErr != nil && storyErr != sql.ErrNoRows {
		return nil, storyErr
	}

	switch {
	case !hasStep && !hasStory:
		return nil, nil
	case hasStep && !hasStory:
		return &step, nil
	case !hasStep && hasStory:
		return &story, nil
	default:
		if stepOutranksStory(step, story) {
			return &step, nil
		}
		return &story, nil
	}
}

// stepOutranksStory orders two candidates by (run.created_at, step_index,
// story_index); ties favor the step record (a step candidate's story_index
// is always its zero value).
func stepOutranksStory(step, story candidateUnit) bool {
	if !step.runCreatedAt.Equal(story.runCreatedAt) {
		return step.runCreatedAt.Before(story.runCreatedAt)
	}
	if step.stepIndex != story.stepIndex {
		return step.stepIndex < story.stepIndex
	}
	return step.storyIndex <= story.storyIndex
}

// ClaimNextForRole wraps ClaimNextForRoleTx in a retried transaction.
func ClaimNextForRole(db *sql.DB, agentID string) (*ClaimedUnit, error) {
	var out *ClaimedUnit
	err := Transact(db, func(tx *sql.Tx) error {
		u, err := ClaimNextForRoleTx(tx, agentID)
		if err != nil {
			return err
		}
		out = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteUnitTx dispatches complete(unit_id, raw_output) to the step or
// story compound transaction based on the unit id's prefix.
func CompleteUnitTx(tx *sql.Tx, unitID, rawOutput string) error {
	switch unitPrefix(unitID) {
	case "step":
		return CompleteStepTx(tx, unitID, rawOutput)
	case "story":
		return CompleteStoryTx(tx, unitID, rawOutput)
	default:
		return &models.BadInputError{Field: "unit_id", Reason: "unrecognized unit id prefix"}
	}
}

// CompleteUnit wraps CompleteUnitTx in a retried transaction.
func CompleteUnit(db *sql.DB, unitID, rawOutput string) error {
	return Transact(db, func(tx *sql.Tx) error { return CompleteUnitTx(tx, unitID, rawOutput) })
}

// FailUnitTx dispatches fail(unit_id, reason) to the step or story compound
// transaction based on the unit id's prefix.
func FailUnitTx(tx *sql.Tx, unitID, reason string) error {
	switch unitPrefix(unitID) {
	case "step":
		return FailStepTx(tx, unitID, reason)
	case "story":
		return FailStoryTx(tx, unitID, reason)
	default:
		return &models.BadInputError{Field: "unit_id", Reason: "unrecognized unit id prefix"}
	}
}

// FailUnit wraps FailUnitTx in a retried transaction.
func FailUnit(db *sql.DB, unitID, reason string) error {
	return Transact(db, func(tx *sql.Tx) error { return FailUnitTx(tx, unitID, reason) })
}
