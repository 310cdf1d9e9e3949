package hormone

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/smolclaw/internal/store"
)

// Persister stores the hormone snapshot. *store.DB implements it.
type Persister interface {
	LoadHormones(ctx context.Context) (*store.HormoneRow, error)
	SaveHormones(ctx context.Context, h store.HormoneRow) error
}

// Tracker owns the process-wide hormone state. Every mutation is applied
// under one lock and persisted before the lock is released, so a cycle's
// decay+outcome update never interleaves with an operator nudge.
type Tracker struct {
	mu            sync.Mutex
	cfg           Config
	state         State
	replenishedAt time.Time
	persist       Persister
	logger        *zap.Logger
}

// NewTracker loads the persisted snapshot, or starts from Neutral.
func NewTracker(ctx context.Context, cfg Config, p Persister, now time.Time, logger *zap.Logger) (*Tracker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{cfg: cfg, persist: p, logger: logger, state: Neutral(now)}
	if p == nil {
		return t, nil
	}

	row, err := p.LoadHormones(ctx)
	if err != nil {
		return nil, fmt.Errorf("load hormones: %w", err)
	}
	if row == nil {
		t.replenishedAt = now
		return t, t.save(ctx)
	}
	t.state = State{
		Dopamine:  row.Dopamine,
		Cortisol:  row.Cortisol,
		Energy:    row.Energy,
		Ticks:     row.Ticks,
		UpdatedAt: time.UnixMilli(row.UpdatedAt),
	}.clamped()
	if row.ReplenishedAt > 0 {
		t.replenishedAt = time.UnixMilli(row.ReplenishedAt)
	}
	logger.Info("hormones loaded",
		zap.Float64("dopamine", t.state.Dopamine),
		zap.Float64("cortisol", t.state.Cortisol),
		zap.Float64("energy", t.state.Energy))
	return t, nil
}

func (t *Tracker) save(ctx context.Context) error {
	if t.persist == nil {
		return nil
	}
	var replenished int64
	if !t.replenishedAt.IsZero() {
		replenished = t.replenishedAt.UnixMilli()
	}
	return t.persist.SaveHormones(ctx, store.HormoneRow{
		Dopamine:      t.state.Dopamine,
		Cortisol:      t.state.Cortisol,
		Energy:        t.state.Energy,
		Ticks:         t.state.Ticks,
		UpdatedAt:     t.state.UpdatedAt.UnixMilli(),
		ReplenishedAt: replenished,
	})
}

// Config returns the active tuning.
func (t *Tracker) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// SetConfig swaps the tuning; the current reading is kept.
func (t *Tracker) SetConfig(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

// Snapshot returns a copy of the current reading.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Mode returns the current behavior mode.
func (t *Tracker) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ModeFor(t.state, t.cfg.Thresholds)
}

// Params returns control parameters for the current reading.
func (t *Tracker) Params() Params {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ParamsFor(t.state, t.cfg.Thresholds)
}

// Exhausted reports whether the energy budget is spent.
func (t *Tracker) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Exhausted(t.cfg)
}

func (t *Tracker) mutate(ctx context.Context, fn func(State) State) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = fn(t.state)
	if err := t.save(ctx); err != nil {
		return t.state, fmt.Errorf("persist hormones: %w", err)
	}
	return t.state, nil
}

// Settle closes a think cycle: decay for the time since the last update,
// spend energy if an action was taken, then apply the outcome. All three
// happen as one update.
func (t *Tracker) Settle(ctx context.Context, now time.Time, o Outcome, acted bool) (State, error) {
	return t.mutate(ctx, func(s State) State {
		var elapsed time.Duration
		if !s.UpdatedAt.IsZero() {
			elapsed = now.Sub(s.UpdatedAt)
		}
		s = s.Decay(elapsed, t.cfg)
		if acted {
			s = s.Spend(t.cfg)
		}
		s = s.ApplyOutcome(o, t.cfg)
		s.Ticks++
		s.UpdatedAt = now
		return s
	})
}

// Nudge applies an operator override. Deltas are bounded by MaxNudge.
func (t *Tracker) Nudge(ctx context.Context, dDopamine, dCortisol, dEnergy float64) (State, error) {
	return t.mutate(ctx, func(s State) State {
		bound := func(d float64) float64 {
			if t.cfg.MaxNudge <= 0 {
				return d
			}
			if d > t.cfg.MaxNudge {
				return t.cfg.MaxNudge
			}
			if d < -t.cfg.MaxNudge {
				return -t.cfg.MaxNudge
			}
			return d
		}
		return s.Nudge(bound(dDopamine), bound(dCortisol), bound(dEnergy))
	})
}

// Replenish resets the energy budget, e.g. on a quota reset signal.
func (t *Tracker) Replenish(ctx context.Context, now time.Time, level float64) (State, error) {
	return t.mutate(ctx, func(s State) State {
		t.replenishedAt = now
		return s.Replenish(level)
	})
}

// ReplenishIfNewDay refills energy once per local calendar day.
func (t *Tracker) ReplenishIfNewDay(ctx context.Context, now time.Time) (bool, error) {
	t.mu.Lock()
	last := t.replenishedAt
	t.mu.Unlock()

	if !last.IsZero() {
		ly, lm, ld := last.Date()
		ny, nm, nd := now.Date()
		if ly == ny && lm == nm && ld == nd {
			return false, nil
		}
	}
	if _, err := t.Replenish(ctx, now, 1.0); err != nil {
		return true, err
	}
	t.logger.Info("energy replenished for new day")
	return true, nil
}
