package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Pattern is a learned guardrail violation signature.
type Pattern struct {
	ID          string
	Signature   string
	Example     string
	Reason      string
	Source      string
	Occurrences int
	Severity    float64
	FirstSeen   int64
	LastSeen    int64
}

// ListPatterns returns every stored violation pattern.
func (db *DB) ListPatterns(ctx context.Context) ([]Pattern, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, signature, example, reason, source, occurrences, severity, first_seen, last_seen
		FROM violation_patterns ORDER BY first_seen ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var p Pattern
		var reason sql.NullString
		if err := rows.Scan(&p.ID, &p.Signature, &p.Example, &reason, &p.Source,
			&p.Occurrences, &p.Severity, &p.FirstSeen, &p.LastSeen); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.Reason = reason.String
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePattern inserts or replaces a pattern keyed by id.
func (db *DB) SavePattern(ctx context.Context, p Pattern) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO violation_patterns (id, signature, example, reason, source, occurrences, severity, first_seen, last_seen)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			signature = excluded.signature,
			example = excluded.example,
			reason = excluded.reason,
			occurrences = excluded.occurrences,
			severity = excluded.severity,
			last_seen = excluded.last_seen
	`, p.ID, p.Signature, p.Example, p.Reason, p.Source, p.Occurrences, p.Severity, p.FirstSeen, p.LastSeen)
	if err != nil {
		return fmt.Errorf("save pattern: %w", err)
	}
	return nil
}
