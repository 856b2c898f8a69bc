package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/setfarm/engine/internal/models"
)

// InsertMedicCheckTx records one watchdog pass and trims the table back to
// MaxMedicCheckRetention rows, oldest first.
func InsertMedicCheckTx(tx *sql.Tx, findings []models.MedicFinding) (int64, error) {
	issuesFound := len(findings)
	actionsTaken := 0
	for _, f := range findings {
		if f.Remediated {
			actionsTaken++
		}
	}
	summary := "clean pass"
	if issuesFound > 0 {
		summary = "issues found"
	}
	findingsJSON, err := json.Marshal(findings)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(context.Background(), `
		INSERT INTO medic_checks (checked_at, issues_found, actions_taken, summary, findings_json)
		VALUES (?, ?, ?, ?, ?)
	`, time.Now().UTC(), issuesFound, actionsTaken, summary, string(findingsJSON))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(context.Background(), `
		DELETE FROM medic_checks WHERE id NOT IN (
			SELECT id FROM medic_checks ORDER BY id DESC LIMIT ?
		)
	`, models.MaxMedicCheckRetention); err != nil {
		return 0, err
	}
	return id, nil
}

// InsertMedicCheck wraps InsertMedicCheckTx in a retried transaction.
func InsertMedicCheck(db *sql.DB, findings []models.MedicFinding) (int64, error) {
	var id int64
	err := Transact(db, func(tx *sql.Tx) error {
		var err error
		id, err = InsertMedicCheckTx(tx, findings)
		return err
	})
	return id, err
}

// ListMedicChecks returns the most recent medic_checks rows, newest first.
func ListMedicChecks(db *sql.DB, limit int) ([]*models.MedicCheck, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, checked_at, issues_found, actions_taken, summary, findings_json
		FROM medic_checks ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.MedicCheck
	for rows.Next() {
		c := &models.MedicCheck{}
		var findingsJSON sql.NullString
		if err := rows.Scan(&c.ID, &c.CheckedAt, &c.IssuesFound, &c.ActionsTaken, &c.Summary, &findingsJSON); err != nil {
			return nil, err
		}
		if findingsJSON.Valid {
			c.FindingsJSON = json.RawMessage(findingsJSON.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
