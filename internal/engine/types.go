package engine

import (
	"context"
	"errors"
	"time"

	"github.com/lazypower/smolclaw/internal/collect"
	"github.com/lazypower/smolclaw/internal/guardrail"
	"github.com/lazypower/smolclaw/internal/hormone"
	"github.com/lazypower/smolclaw/internal/memory"
	"github.com/lazypower/smolclaw/internal/sink"
)

// Stage is a think-cycle state.
type Stage string

const (
	StageIdle           Stage = "idle"
	StageCollecting     Stage = "collecting"
	StageDeciding       Stage = "deciding"
	StageGuardrailCheck Stage = "guardrail_check"
	StageActing         Stage = "acting"
	StageBlocked        Stage = "blocked"
	StageRecording      Stage = "recording"
)

// Trigger is what started a cycle.
type Trigger string

const (
	// TriggerTimer cycles wait for a running cycle to finish.
	TriggerTimer Trigger = "timer"
	// TriggerExternal cycles are rejected with ErrCycleBusy instead.
	TriggerExternal Trigger = "external"
)

var (
	ErrCycleBusy          = errors.New("think cycle already running")
	ErrCycleCancelled     = errors.New("think cycle cancelled")
	ErrContextUnavailable = errors.New("context unavailable")
)

// Snapshot is the context a cycle decides on.
type Snapshot = collect.Snapshot

// ContextSource supplies the context snapshot. It may fail or time out;
// the engine then decides on whatever partial snapshot it got.
type ContextSource interface {
	Collect(ctx context.Context) (Snapshot, error)
}

// Sink performs an approved action.
type Sink interface {
	Execute(ctx context.Context, a sink.Action) (sink.Receipt, error)
}

// Candidate is the single action a decider proposes.
type Candidate struct {
	Kind    memory.Kind `json:"kind"`
	Content string      `json:"content,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// DecisionInput is everything a decider sees.
type DecisionInput struct {
	Now      time.Time
	Snapshot Snapshot
	Hormones hormone.State
	Mode     hormone.Mode
	Params   hormone.Params
	Mood     string
	Recent   []memory.Entry
}

// Decider turns context, mood and history into one candidate action.
type Decider interface {
	Decide(ctx context.Context, in DecisionInput) (Candidate, error)
}

// Guard evaluates candidates and learns violations.
type Guard interface {
	Evaluate(ctx context.Context, c guardrail.Candidate) (guardrail.Verdict, error)
	Learn(ctx context.Context, v guardrail.Violation) (guardrail.ViolationPattern, error)
	Patterns() []guardrail.ViolationPattern
}

// CycleResult describes one finished (or abandoned) think cycle.
type CycleResult struct {
	ID        string             `json:"id"`
	Trigger   Trigger            `json:"trigger"`
	Started   time.Time          `json:"started"`
	Finished  time.Time          `json:"finished"`
	Stages    []Stage            `json:"stages"`
	Candidate *Candidate         `json:"candidate,omitempty"`
	Verdict   *guardrail.Verdict `json:"verdict,omitempty"`
	Kind      memory.Kind        `json:"kind,omitempty"`
	Outcome   memory.Outcome     `json:"outcome,omitempty"`
	RecordID  int64              `json:"record_id,omitempty"`
	Receipt   *sink.Receipt      `json:"receipt,omitempty"`
	Duplicate bool               `json:"duplicate,omitempty"`
	Partial   bool               `json:"partial_context,omitempty"`
	Hormones  hormone.State      `json:"hormones"`
	Err       string             `json:"error,omitempty"`
}

// Status is a point-in-time view of the engine. Reading it never waits for
// a running cycle.
type Status struct {
	Hormones          hormone.State  `json:"hormones"`
	Mode              hormone.Mode   `json:"mode"`
	Flags             []hormone.Mode `json:"flags"`
	Label             string         `json:"label"`
	LiveRecords       int            `json:"live_records"`
	Patterns          int            `json:"patterns"`
	Running           bool           `json:"running"`
	Stage             Stage          `json:"stage"`
	Cycles            int            `json:"cycles"`
	LastCycle         *CycleResult   `json:"last_cycle,omitempty"`
	PersistenceError  string         `json:"persistence_error,omitempty"`
	PersistenceFailAt *time.Time     `json:"persistence_failed_at,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
}
