package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err, "OpenMemory")
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db := testDB(t)
	assert.Equal(t, ":memory:", db.Path)
}

func TestOpenFileReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "smolclaw.db")
	ctx := context.Background()

	db, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, db.SaveHormones(ctx, HormoneRow{Dopamine: 0.7, Cortisol: 0.2, Energy: 0.9, UpdatedAt: 1000}))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()

	h, err := db.LoadHormones(ctx)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.InDelta(t, 0.7, h.Dopamine, 1e-9)
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)
	v, err := db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{"schema_versions", "decisions", "summaries", "violation_patterns", "hormone_state"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q not found", table)
	}
}

func TestDecisionConstraints(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.Update(ctx, func(tx *Tx) error {
		return tx.InsertDecision(&Decision{Hash: "h", Kind: "dance", Summary: "x", Outcome: "success", CreatedAt: 1})
	})
	assert.Error(t, err, "invalid kind should be rejected")

	err = db.Update(ctx, func(tx *Tx) error {
		return tx.InsertDecision(&Decision{Hash: "h", Kind: "notify", Summary: "x", Outcome: "maybe", CreatedAt: 1})
	})
	assert.Error(t, err, "invalid outcome should be rejected")
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.Update(ctx, func(tx *Tx) error {
		if err := tx.InsertDecision(&Decision{Hash: "h1", Kind: "notify", Summary: "a", Outcome: "success", CreatedAt: 10}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.CountDecisions()
		return err
	}))
	assert.Zero(t, n, "rolled back insert must not be visible")
}

func TestDecisionQueries(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		for i, kind := range []string{"notify", "post", "skip", "blocked"} {
			outcome := "success"
			if kind == "blocked" {
				outcome = "violation"
			}
			d := &Decision{Hash: kind, Kind: kind, Summary: kind, Outcome: outcome, CreatedAt: int64(100 * (i + 1))}
			if err := tx.InsertDecision(d); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(ctx, func(tx *Tx) error {
		recent, err := tx.RecentDecisions(2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "blocked", recent[0].Kind)
		assert.Equal(t, "skip", recent[1].Kind)

		oldest, err := tx.OldestDecisions(1)
		require.NoError(t, err)
		require.Len(t, oldest, 1)
		assert.Equal(t, "notify", oldest[0].Kind)

		since, err := tx.DecisionsSince(250)
		require.NoError(t, err)
		require.Len(t, since, 2)
		assert.Equal(t, "skip", since[0].Kind)

		latest, err := tx.LatestByHash("post", 150)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, int64(200), latest.CreatedAt)

		latest, err = tx.LatestByHash("post", 201)
		require.NoError(t, err)
		assert.Nil(t, latest)

		v, err := tx.CountDecisionViolations()
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		return nil
	}))
}

func TestSetOutcomeOnlyFromExpected(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	d := &Decision{Hash: "h", Kind: "notify", Summary: "s", Outcome: "pending", CreatedAt: 5}
	require.NoError(t, db.Update(ctx, func(tx *Tx) error { return tx.InsertDecision(d) }))

	require.NoError(t, db.Update(ctx, func(tx *Tx) error {
		ok, err := tx.SetOutcome(d.ID, "pending", "success")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.SetOutcome(d.ID, "pending", "failure")
		require.NoError(t, err)
		assert.False(t, ok, "second transition must not match")
		return nil
	}))
}

func TestPatternsUpsert(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p := Pattern{ID: "p1", Signature: "leak token", Example: "leak sk-abc", Source: "learned", Occurrences: 1, Severity: 0.7, FirstSeen: 1, LastSeen: 1}
	require.NoError(t, db.SavePattern(ctx, p))

	p.Occurrences = 3
	p.Severity = 0.9
	p.LastSeen = 9
	require.NoError(t, db.SavePattern(ctx, p))

	got, err := db.ListPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Occurrences)
	assert.InDelta(t, 0.9, got[0].Severity, 1e-9)
	assert.Equal(t, int64(1), got[0].FirstSeen)
}

func TestHormonesMissing(t *testing.T) {
	db := testDB(t)
	h, err := db.LoadHormones(context.Background())
	require.NoError(t, err)
	assert.Nil(t, h)
}
