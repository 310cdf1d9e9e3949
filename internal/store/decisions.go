package store

import (
	"database/sql"
	"fmt"
)

// Decision is a row in the live decision log.
type Decision struct {
	ID        int64
	Hash      string
	Kind      string
	Summary   string
	Outcome   string
	CycleID   string
	Flagged   bool
	CreatedAt int64 // unix millis
}

const decisionColumns = `id, content_hash, kind, summary, outcome, cycle_id, flagged, created_at`

func scanDecision(row interface{ Scan(...any) error }) (Decision, error) {
	var d Decision
	var cycleID sql.NullString
	var flagged int
	err := row.Scan(&d.ID, &d.Hash, &d.Kind, &d.Summary, &d.Outcome, &cycleID, &flagged, &d.CreatedAt)
	d.CycleID = cycleID.String
	d.Flagged = flagged != 0
	return d, err
}

func collectDecisions(rows *sql.Rows) ([]Decision, error) {
	defer rows.Close()
	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertDecision appends a decision and sets its ID.
func (tx *Tx) InsertDecision(d *Decision) error {
	flagged := 0
	if d.Flagged {
		flagged = 1
	}
	result, err := tx.Exec(`
		INSERT INTO decisions (content_hash, kind, summary, outcome, cycle_id, flagged, created_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?)
	`, d.Hash, d.Kind, d.Summary, d.Outcome, d.CycleID, flagged, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert decision id: %w", err)
	}
	d.ID = id
	return nil
}

// LatestByHash returns the newest live decision with the given hash created
// at or after since, or nil.
func (tx *Tx) LatestByHash(hash string, since int64) (*Decision, error) {
	row := tx.QueryRow(`SELECT `+decisionColumns+` FROM decisions
		WHERE content_hash = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, hash, since)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest by hash: %w", err)
	}
	return &d, nil
}

// GetDecision returns a live decision by id, or nil.
func (tx *Tx) GetDecision(id int64) (*Decision, error) {
	row := tx.QueryRow(`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return &d, nil
}

// SetOutcome moves a decision from one outcome to another. It reports
// whether a row matched both id and the expected current outcome.
func (tx *Tx) SetOutcome(id int64, from, to string) (bool, error) {
	result, err := tx.Exec(`UPDATE decisions SET outcome = ? WHERE id = ? AND outcome = ?`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("set outcome: %w", err)
	}
	n, _ := result.RowsAffected()
	return n == 1, nil
}

// CountDecisions returns the number of live decisions.
func (tx *Tx) CountDecisions() (int, error) {
	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM decisions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count decisions: %w", err)
	}
	return n, nil
}

// CountDecisionViolations returns the number of live decisions whose outcome
// is a violation.
func (tx *Tx) CountDecisionViolations() (int, error) {
	var n int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM decisions WHERE outcome = 'violation'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return n, nil
}

// OldestDecisions returns up to limit live decisions in chronological order.
func (tx *Tx) OldestDecisions(limit int) ([]Decision, error) {
	rows, err := tx.Query(`SELECT `+decisionColumns+` FROM decisions
		ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("oldest decisions: %w", err)
	}
	return collectDecisions(rows)
}

// RecentDecisions returns up to limit live decisions, newest first.
func (tx *Tx) RecentDecisions(limit int) ([]Decision, error) {
	rows, err := tx.Query(`SELECT `+decisionColumns+` FROM decisions
		ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	return collectDecisions(rows)
}

// DecisionsSince returns live decisions created at or after since, oldest first.
func (tx *Tx) DecisionsSince(since int64) ([]Decision, error) {
	rows, err := tx.Query(`SELECT `+decisionColumns+` FROM decisions
		WHERE created_at >= ? ORDER BY created_at ASC, id ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("decisions since: %w", err)
	}
	return collectDecisions(rows)
}

// PendingBefore returns pending decisions created before the cutoff.
func (tx *Tx) PendingBefore(before int64) ([]Decision, error) {
	rows, err := tx.Query(`SELECT `+decisionColumns+` FROM decisions
		WHERE outcome = 'pending' AND created_at < ? ORDER BY created_at ASC, id ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("pending decisions: %w", err)
	}
	return collectDecisions(rows)
}

// DeleteDecisions removes the given live decisions.
func (tx *Tx) DeleteDecisions(ids []int64) error {
	stmt, err := tx.Prepare(`DELETE FROM decisions WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("delete decision %d: %w", id, err)
		}
	}
	return nil
}
