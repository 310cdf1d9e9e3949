// Package hormone models the agent's three-axis emotional state.
//
// Dopamine and cortisol relax toward a neutral baseline over time and move
// in response to action outcomes. Energy is a finite action budget: it only
// goes down as actions are taken and is refilled by an external quota reset.
// All axes are saturating values in [0, 1].
package hormone

import (
	"math"
	"time"
)

// Outcome is the result of a think cycle as seen by the hormone system.
type Outcome string

const (
	Success   Outcome = "success"
	Failure   Outcome = "failure"
	Violation Outcome = "violation"
	Pending   Outcome = "pending"
)

// State is a point-in-time hormone reading.
type State struct {
	Dopamine  float64   `json:"dopamine"`
	Cortisol  float64   `json:"cortisol"`
	Energy    float64   `json:"energy"`
	Ticks     int       `json:"ticks"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Thresholds drive the behavior mode policy.
type Thresholds struct {
	Bold      float64 `yaml:"bold"`      // dopamine strictly above
	Defensive float64 `yaml:"defensive"` // cortisol at or above
	Minimal   float64 `yaml:"minimal"`   // energy strictly below
}

// Deltas are per-outcome axis adjustments.
type Deltas struct {
	SuccessDopamine   float64 `yaml:"success_dopamine"`
	SuccessCortisol   float64 `yaml:"success_cortisol"`
	FailureDopamine   float64 `yaml:"failure_dopamine"`
	FailureCortisol   float64 `yaml:"failure_cortisol"`
	ViolationDopamine float64 `yaml:"violation_dopamine"`
	ViolationCortisol float64 `yaml:"violation_cortisol"`
}

// Config parameterizes decay, outcome response and mode thresholds.
type Config struct {
	Baseline      float64       `yaml:"baseline"`
	DecayPeriod   time.Duration `yaml:"decay_period"`
	DopamineDecay float64       `yaml:"dopamine_decay"` // fraction of distance to baseline per period
	CortisolDecay float64       `yaml:"cortisol_decay"`
	EnergyCost    float64       `yaml:"energy_cost"`  // per action taken
	EnergyFloor   float64       `yaml:"energy_floor"` // at or below: no actions
	MaxNudge      float64       `yaml:"max_nudge"`    // per-call operator delta bound
	Thresholds    Thresholds    `yaml:"thresholds"`
	Deltas        Deltas        `yaml:"deltas"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Baseline:      0.5,
		DecayPeriod:   30 * time.Minute,
		DopamineDecay: 0.10,
		CortisolDecay: 0.02,
		EnergyCost:    0.05,
		EnergyFloor:   0.0,
		MaxNudge:      0.3,
		Thresholds: Thresholds{
			Bold:      0.7,
			Defensive: 0.8,
			Minimal:   0.2,
		},
		Deltas: Deltas{
			SuccessDopamine:   0.10,
			SuccessCortisol:   -0.05,
			FailureDopamine:   -0.05,
			FailureCortisol:   0.10,
			ViolationDopamine: -0.10,
			ViolationCortisol: 0.20,
		},
	}
}

// Neutral returns the default starting state.
func Neutral(now time.Time) State {
	return State{Dopamine: 0.5, Cortisol: 0.5, Energy: 1.0, UpdatedAt: now}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func (s State) clamped() State {
	s.Dopamine = clamp(s.Dopamine)
	s.Cortisol = clamp(s.Cortisol)
	s.Energy = clamp(s.Energy)
	return s
}

// relax moves v toward base by the fraction of the gap that rate removes
// over the given number of periods. The factor stays in [0,1], so the
// result never crosses base.
func relax(v, base, rate, periods float64) float64 {
	if rate <= 0 || periods <= 0 {
		return v
	}
	if rate >= 1 {
		return base
	}
	keep := math.Pow(1-rate, periods)
	return base + (v-base)*keep
}

// Decay relaxes dopamine and cortisol toward the baseline for the elapsed
// time. Energy is untouched.
func (s State) Decay(elapsed time.Duration, cfg Config) State {
	if elapsed <= 0 || cfg.DecayPeriod <= 0 {
		return s.clamped()
	}
	periods := float64(elapsed) / float64(cfg.DecayPeriod)
	s.Dopamine = relax(s.Dopamine, cfg.Baseline, cfg.DopamineDecay, periods)
	s.Cortisol = relax(s.Cortisol, cfg.Baseline, cfg.CortisolDecay, periods)
	return s.clamped()
}

// ApplyOutcome adjusts dopamine and cortisol for a finished action.
func (s State) ApplyOutcome(o Outcome, cfg Config) State {
	d := cfg.Deltas
	switch o {
	case Success:
		s.Dopamine += d.SuccessDopamine
		s.Cortisol += d.SuccessCortisol
	case Failure:
		s.Dopamine += d.FailureDopamine
		s.Cortisol += d.FailureCortisol
	case Violation:
		s.Dopamine += d.ViolationDopamine
		s.Cortisol += d.ViolationCortisol
	}
	return s.clamped()
}

// Nudge applies raw operator deltas.
func (s State) Nudge(dDopamine, dCortisol, dEnergy float64) State {
	s.Dopamine += dDopamine
	s.Cortisol += dCortisol
	s.Energy += dEnergy
	return s.clamped()
}

// Spend consumes one action's worth of energy.
func (s State) Spend(cfg Config) State {
	s.Energy -= cfg.EnergyCost
	return s.clamped()
}

// Replenish sets energy to level.
func (s State) Replenish(level float64) State {
	s.Energy = level
	return s.clamped()
}

// Exhausted reports whether no further actions should be taken.
func (s State) Exhausted(cfg Config) bool {
	return s.Energy <= cfg.EnergyFloor
}
