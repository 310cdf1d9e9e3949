package store

import (
	"database/sql"
	"fmt"
)

// Summary is a compacted range of decisions.
type Summary struct {
	ID             int64
	StartAt        int64
	EndAt          int64
	Count          int
	Description    string
	ViolationCount int
	CreatedAt      int64
}

const summaryColumns = `id, start_at, end_at, record_count, description, violation_count, created_at`

func collectSummaries(rows *sql.Rows) ([]Summary, error) {
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.StartAt, &s.EndAt, &s.Count, &s.Description, &s.ViolationCount, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertSummary stores a summary and sets its ID.
func (tx *Tx) InsertSummary(s *Summary) error {
	result, err := tx.Exec(`
		INSERT INTO summaries (start_at, end_at, record_count, description, violation_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.StartAt, s.EndAt, s.Count, s.Description, s.ViolationCount, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert summary id: %w", err)
	}
	s.ID = id
	return nil
}

// RecentSummaries returns up to limit summaries, newest range first.
func (tx *Tx) RecentSummaries(limit int) ([]Summary, error) {
	rows, err := tx.Query(`SELECT `+summaryColumns+` FROM summaries
		ORDER BY end_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent summaries: %w", err)
	}
	return collectSummaries(rows)
}

// SummariesSince returns summaries whose range ends at or after since,
// oldest first.
func (tx *Tx) SummariesSince(since int64) ([]Summary, error) {
	rows, err := tx.Query(`SELECT `+summaryColumns+` FROM summaries
		WHERE end_at >= ? ORDER BY end_at ASC, id ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("summaries since: %w", err)
	}
	return collectSummaries(rows)
}

// SummaryViolations returns the violation count folded into summaries.
func (tx *Tx) SummaryViolations() (int, error) {
	var n int
	if err := tx.QueryRow(`SELECT COALESCE(SUM(violation_count), 0) FROM summaries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sum summary violations: %w", err)
	}
	return n, nil
}
