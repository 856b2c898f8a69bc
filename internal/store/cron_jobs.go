package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CronJobRow mirrors one row of the cron_jobs bookkeeping table: the
// engine's durable record of what it has asked the Cron Gateway to
// schedule. The gateway consults this table to restore jobs after a
// restart (§4.6, crash-recovery).
type CronJobRow struct {
	ID         string
	Name       string
	WorkflowID string
	Role       string
	IntervalMS int64
	AnchorMS   int64
	AgentID    string
	Payload    string
	Enabled    bool
}

// InsertCronJobTx records a newly scheduled cron job. Idempotent by name:
// a duplicate name is silently ignored so repeated "ensure jobs exist"
// calls from the Loop Engine don't fail on the UNIQUE(name) constraint.
func InsertCronJobTx(tx *sql.Tx, id string, job CronJobRow) error {
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO cron_jobs (id, name, workflow_id, role, interval_ms, anchor_ms, agent_id, payload, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING
	`, id, job.Name, job.WorkflowID, job.Role, job.IntervalMS, job.AnchorMS, job.AgentID, job.Payload, job.Enabled)
	if err != nil {
		return fmt.Errorf("insert cron job %s: %w", job.Name, err)
	}
	return nil
}

// ListCronJobsForWorkflow returns every cron job recorded for a workflow.
func ListCronJobsForWorkflow(db *sql.DB, workflowID string) ([]CronJobRow, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, name, workflow_id, role, interval_ms, anchor_ms, agent_id, payload, enabled
		FROM cron_jobs WHERE workflow_id = ? ORDER BY name ASC
	`, workflowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CronJobRow
	for rows.Next() {
		var j CronJobRow
		var enabled int
		if err := rows.Scan(&j.ID, &j.Name, &j.WorkflowID, &j.Role, &j.IntervalMS, &j.AnchorMS, &j.AgentID, &j.Payload, &enabled); err != nil {
			return nil, err
		}
		j.Enabled = enabled != 0
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListAllCronJobs returns every cron job recorded, used at engine startup
// to restore the scheduler's state for any run still `running`.
func ListAllCronJobs(db *sql.DB) ([]CronJobRow, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, name, workflow_id, role, interval_ms, anchor_ms, agent_id, payload, enabled
		FROM cron_jobs ORDER BY workflow_id ASC, name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []CronJobRow
	for rows.Next() {
		var j CronJobRow
		var enabled int
		if err := rows.Scan(&j.ID, &j.Name, &j.WorkflowID, &j.Role, &j.IntervalMS, &j.AnchorMS, &j.AgentID, &j.Payload, &enabled); err != nil {
			return nil, err
		}
		j.Enabled = enabled != 0
		out = append(out, j)
	}
	return out, rows.Err()
}

// DeleteCronJobTx removes a single cron job record by id.
func DeleteCronJobTx(tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(context.Background(), `DELETE FROM cron_jobs WHERE id = ?`, id)
	return err
}

// DeleteCronJobsByPrefixTx removes every cron job whose name starts with
// prefix, returning the count removed.
func DeleteCronJobsByPrefixTx(tx *sql.Tx, prefix string) (int64, error) {
	res, err := tx.ExecContext(context.Background(), `DELETE FROM cron_jobs WHERE name LIKE ? || '%'`, prefix)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteCronJobsByPrefix wraps DeleteCronJobsByPrefixTx in a retried transaction.
func DeleteCronJobsByPrefix(db *sql.DB, prefix string) (int64, error) {
	var n int64
	err := Transact(db, func(tx *sql.Tx) error {
		var err error
		n, err = DeleteCronJobsByPrefixTx(tx, prefix)
		return err
	})
	return n, err
}
