package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "decisions: live decision log",
		SQL: `
CREATE TABLE decisions (
    id           INTEGER PRIMARY KEY,
    content_hash TEXT NOT NULL,
    kind         TEXT NOT NULL CHECK (kind IN ('notify', 'post', 'skip', 'blocked')),
    summary      TEXT NOT NULL,
    outcome      TEXT NOT NULL CHECK (outcome IN ('success', 'failure', 'violation', 'pending')),
    cycle_id     TEXT,
    flagged      INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL
);

CREATE INDEX idx_decisions_hash    ON decisions(content_hash, created_at DESC);
CREATE INDEX idx_decisions_created ON decisions(created_at DESC);
`,
	},
	{
		Version:     2,
		Description: "summaries: compacted decision ranges",
		SQL: `
CREATE TABLE summaries (
    id              INTEGER PRIMARY KEY,
    start_at        INTEGER NOT NULL,
    end_at          INTEGER NOT NULL,
    record_count    INTEGER NOT NULL,
    description     TEXT NOT NULL,
    violation_count INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL
);

CREATE INDEX idx_summaries_end ON summaries(end_at DESC);
`,
	},
	{
		Version:     3,
		Description: "violation_patterns: learned guardrail signatures",
		SQL: `
CREATE TABLE violation_patterns (
    id          TEXT PRIMARY KEY,
    signature   TEXT NOT NULL UNIQUE,
    example     TEXT NOT NULL,
    reason      TEXT,
    source      TEXT NOT NULL DEFAULT 'learned',
    occurrences INTEGER NOT NULL DEFAULT 1,
    severity    REAL NOT NULL,
    first_seen  INTEGER NOT NULL,
    last_seen   INTEGER NOT NULL
);
`,
	},
	{
		Version:     4,
		Description: "hormone_state: single-row hormone snapshot",
		SQL: `
CREATE TABLE hormone_state (
    id             INTEGER PRIMARY KEY CHECK (id = 1),
    dopamine       REAL NOT NULL,
    cortisol       REAL NOT NULL,
    energy         REAL NOT NULL,
    ticks          INTEGER NOT NULL DEFAULT 0,
    updated_at     INTEGER NOT NULL,
    replenished_at INTEGER NOT NULL DEFAULT 0
);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
