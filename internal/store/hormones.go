package store

import (
	"context"
	"database/sql"
	"fmt"
)

// HormoneRow is the persisted hormone snapshot.
type HormoneRow struct {
	Dopamine      float64
	Cortisol      float64
	Energy        float64
	Ticks         int
	UpdatedAt     int64
	ReplenishedAt int64
}

// LoadHormones returns the persisted snapshot, or nil if none was saved yet.
func (db *DB) LoadHormones(ctx context.Context) (*HormoneRow, error) {
	var h HormoneRow
	err := db.QueryRowContext(ctx, `
		SELECT dopamine, cortisol, energy, ticks, updated_at, replenished_at
		FROM hormone_state WHERE id = 1
	`).Scan(&h.Dopamine, &h.Cortisol, &h.Energy, &h.Ticks, &h.UpdatedAt, &h.ReplenishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load hormones: %w", err)
	}
	return &h, nil
}

// SaveHormones overwrites the single hormone snapshot row.
func (db *DB) SaveHormones(ctx context.Context, h HormoneRow) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO hormone_state (id, dopamine, cortisol, energy, ticks, updated_at, replenished_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			dopamine = excluded.dopamine,
			cortisol = excluded.cortisol,
			energy = excluded.energy,
			ticks = excluded.ticks,
			updated_at = excluded.updated_at,
			replenished_at = excluded.replenished_at
	`, h.Dopamine, h.Cortisol, h.Energy, h.Ticks, h.UpdatedAt, h.ReplenishedAt)
	if err != nil {
		return fmt.Errorf("save hormones: %w", err)
	}
	return nil
}
