package store

import (
	"context"
	"database/sql"
	"time"
)

// StuckStepRow is one `steps` row whose run is still running but whose own
// claim looks stale enough for medic to consider remediating.
type StuckStepRow struct {
	StepID string
	RunID  string
	AgeMS  int64
}

// FindStuckSteps returns every step with status=running belonging to a
// running run, whose updated_at is older than minAge. The watchdog calls it
// once with ClaimedButStuckThreshold and tells claimed_but_stuck from
// stuck_step by comparing each row's AgeMS with max_role_timeout+StuckGrace
// (§4.6).
func FindStuckSteps(db *sql.DB, minAge time.Duration) ([]StuckStepRow, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	rows, err := db.QueryContext(context.Background(), `
		SELECT s.id, s.run_id, s.updated_at FROM steps s
		JOIN runs r ON r.id = s.run_id
		WHERE s.status = 'running' AND r.status = 'running' AND s.updated_at < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []StuckStepRow
	for rows.Next() {
		var id, runID string
		var updatedAt time.Time
		if err := rows.Scan(&id, &runID, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, StuckStepRow{StepID: id, RunID: runID, AgeMS: time.Since(updatedAt).Milliseconds()})
	}
	return out, rows.Err()
}

// OrphanedStoryRow is a `stories` row stuck in running longer than
// OrphanedStoryThreshold.
type OrphanedStoryRow struct {
	StoryID string
	RunID   string
	StepID  string
	AgeMS   int64
}

// FindOrphanedStories returns every story with status=running whose
// updated_at is older than minAge.
func FindOrphanedStories(db *sql.DB, minAge time.Duration) ([]OrphanedStoryRow, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, run_id, step_id, updated_at FROM stories
		WHERE status = 'running' AND updated_at < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []OrphanedStoryRow
	for rows.Next() {
		var id, runID, stepID string
		var updatedAt time.Time
		if err := rows.Scan(&id, &runID, &stepID, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, OrphanedStoryRow{StoryID: id, RunID: runID, StepID: stepID, AgeMS: time.Since(updatedAt).Milliseconds()})
	}
	return out, rows.Err()
}

// FindDeadRuns returns ids of runs with status=running that have no step in
// {waiting, pending, running} — nothing left that could ever advance them.
func FindDeadRuns(db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT r.id FROM runs r
		WHERE r.status = 'running'
		AND NOT EXISTS (
			SELECT 1 FROM steps s WHERE s.run_id = r.id AND s.status IN ('waiting', 'pending', 'running')
		)
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// StalledRunRow is a running run whose newest step.updated_at is older than
// minAge — nothing has moved in a long time, but unlike FindDeadRuns it
// still has advanceable steps, so medic only alerts (§4.6 stalled_run).
type StalledRunRow struct {
	RunID        string
	NewestStepMS int64
}

// FindStalledRuns returns running runs whose most recently updated step is
// older than minAge.
func FindStalledRuns(db *sql.DB, minAge time.Duration) ([]StalledRunRow, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	rows, err := db.QueryContext(context.Background(), `
		SELECT r.id, MAX(s.updated_at) FROM runs r
		JOIN steps s ON s.run_id = r.id
		WHERE r.status = 'running'
		GROUP BY r.id
		HAVING MAX(s.updated_at) < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []StalledRunRow
	for rows.Next() {
		var id string
		var newest time.Time
		if err := rows.Scan(&id, &newest); err != nil {
			return nil, err
		}
		out = append(out, StalledRunRow{RunID: id, NewestStepMS: time.Since(newest).Milliseconds()})
	}
	return out, rows.Err()
}

// WorkflowRunningCount returns how many runs of workflowID are still
// running, used by orphaned_crons to decide whether a workflow's jobs
// should still exist.
func WorkflowRunningCount(db *sql.DB, workflowID string) (int, error) {
	var n int
	err := db.QueryRowContext(context.Background(), `
		SELECT COUNT(*) FROM runs WHERE workflow_id = ? AND status = 'running'
	`, workflowID).Scan(&n)
	return n, err
}

// DistinctCronWorkflowIDs returns every workflow_id with at least one
// recorded cron job.
func DistinctCronWorkflowIDs(db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(context.Background(), `SELECT DISTINCT workflow_id FROM cron_jobs`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UnclaimedPendingStoryRow is a pending, not-yet-claimed story sitting
// older than some staleness threshold — the signal for stalled_crons
// (nobody is waking up to claim available work).
type UnclaimedPendingStoryRow struct {
	StoryID    string
	RunID      string
	WorkflowID string
	AgeMS      int64
}

// FindStalledPendingStories returns pending (status='pending',
// pending_verify=0) stories belonging to running runs, older than minAge,
// joined through to their workflow_id.
func FindStalledPendingStories(db *sql.DB, minAge time.Duration) ([]UnclaimedPendingStoryRow, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	rows, err := db.QueryContext(context.Background(), `
		SELECT st.id, st.run_id, r.workflow_id, st.updated_at FROM stories st
		JOIN runs r ON r.id = st.run_id
		WHERE st.status = 'pending' AND st.pending_verify = 0
		AND r.status = 'running' AND st.updated_at < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []UnclaimedPendingStoryRow
	for rows.Next() {
		var id, runID, workflowID string
		var updatedAt time.Time
		if err := rows.Scan(&id, &runID, &workflowID, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, UnclaimedPendingStoryRow{StoryID: id, RunID: runID, WorkflowID: workflowID, AgeMS: time.Since(updatedAt).Milliseconds()})
	}
	return out, rows.Err()
}

// FailedRunsWithPendingStories returns the ids of failed runs that still
// have a pending story somewhere in a loop step — work a resume could
// still make progress on (§4.6 failed_run_resumable).
func FailedRunsWithPendingStories(db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT DISTINCT r.id FROM runs r
		JOIN stories st ON st.run_id = r.id
		WHERE r.status = 'failed' AND st.status = 'pending'
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RunWorkflowID looks up a run's workflow_id, used by medic to scope cron
// operations after finding a run-level signal.
func RunWorkflowID(db *sql.DB, runID string) (string, error) {
	var id string
	err := db.QueryRowContext(context.Background(), `SELECT workflow_id FROM runs WHERE id = ?`, runID).Scan(&id)
	return id, err
}
