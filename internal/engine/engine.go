// Package engine runs the agent's think cycle: collect context, decide on
// one candidate action, check it against the guardrail, act, record the
// outcome and settle the hormone state. At most one cycle runs at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazypower/smolclaw/internal/guardrail"
	"github.com/lazypower/smolclaw/internal/hormone"
	"github.com/lazypower/smolclaw/internal/memory"
	"github.com/lazypower/smolclaw/internal/sink"
)

// collectGrace is how long a timed-out source gets to return its partial
// snapshot.
const collectGrace = 100 * time.Millisecond

// Config bounds the external calls a cycle makes.
type Config struct {
	ContextTimeout     time.Duration
	ActionTimeout      time.Duration
	RecentWindow       int           // memory entries handed to the decider
	PendingRecoveryAge time.Duration // reservations older than this are stale on start
}

// DefaultConfig returns the stock timeouts.
func DefaultConfig() Config {
	return Config{
		ContextTimeout:     10 * time.Second,
		ActionTimeout:      15 * time.Second,
		RecentWindow:       10,
		PendingRecoveryAge: 10 * time.Minute,
	}
}

// Deps are the engine's collaborators. Context may be nil; every other
// field is required.
type Deps struct {
	Memory   memory.Store
	Guard    Guard
	Hormones *hormone.Tracker
	Context  ContextSource
	Decider  Decider
	Sink     Sink
}

// Engine orchestrates think cycles.
type Engine struct {
	mem      memory.Store
	guard    Guard
	hormones *hormone.Tracker
	source   ContextSource
	decider  Decider
	sink     Sink
	logger   *zap.Logger
	now      func() time.Time

	// lock is the cycle lock: a token is held from Collecting through
	// Recording.
	lock chan struct{}

	mu         sync.Mutex
	cfg        Config
	running    bool
	stage      Stage
	cycles     int
	last       *CycleResult
	persistErr error
	persistAt  time.Time
	startedAt  time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine.
func New(cfg Config, d Deps, opts ...Option) (*Engine, error) {
	switch {
	case d.Memory == nil:
		return nil, errors.New("engine: memory is required")
	case d.Guard == nil:
		return nil, errors.New("engine: guard is required")
	case d.Hormones == nil:
		return nil, errors.New("engine: hormone tracker is required")
	case d.Decider == nil:
		return nil, errors.New("engine: decider is required")
	case d.Sink == nil:
		return nil, errors.New("engine: sink is required")
	}
	e := &Engine{
		mem:      d.Memory,
		guard:    d.Guard,
		hormones: d.Hormones,
		source:   d.Context,
		decider:  d.Decider,
		sink:     d.Sink,
		logger:   zap.NewNop(),
		now:      time.Now,
		lock:     make(chan struct{}, 1),
		cfg:      cfg,
		stage:    StageIdle,
	}
	for _, o := range opts {
		o(e)
	}
	e.startedAt = e.now()
	return e, nil
}

// Config returns the active settings.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetConfig replaces the settings; a running cycle keeps the ones it
// started with.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) acquire(ctx context.Context, trig Trigger) error {
	if trig == TriggerExternal {
		select {
		case e.lock <- struct{}{}:
			return nil
		default:
			return ErrCycleBusy
		}
	}
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w while waiting for the cycle lock: %v", ErrCycleCancelled, ctx.Err())
	}
}

func (e *Engine) release() { <-e.lock }

// cycleRun carries one cycle's working state.
type cycleRun struct {
	res *CycleResult
	cfg Config
	log *zap.Logger

	settle  bool
	outcome hormone.Outcome
	acted   bool
}

// settleWith marks how hormones close out this cycle.
func (r *cycleRun) settleWith(o hormone.Outcome, acted bool) {
	r.settle, r.outcome, r.acted = true, o, acted
}

// RunCycle runs one think cycle. External triggers fail fast with
// ErrCycleBusy while another cycle holds the lock; timer triggers wait for
// it. Cancelling ctx stops the cycle at the next stage boundary before
// Acting; once Acting has begun the cycle always reaches Recording.
//
// The returned result is non-nil whenever the lock was acquired, even when
// an error is returned.
func (e *Engine) RunCycle(ctx context.Context, trig Trigger) (*CycleResult, error) {
	if err := e.acquire(ctx, trig); err != nil {
		return nil, err
	}
	defer e.release()

	run := &cycleRun{
		res: &CycleResult{ID: uuid.NewString(), Trigger: trig, Started: e.now()},
		cfg: e.Config(),
	}
	run.log = e.logger.With(zap.String("cycle_id", run.res.ID), zap.String("trigger", string(trig)))

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			run.res.Err = fmt.Sprintf("panic: %v", r)
			e.finish(run.res)
			panic(r)
		}
		e.finish(run.res)
	}()

	err := e.cycle(ctx, run)
	if run.settle {
		if serr := e.settle(context.WithoutCancel(ctx), run); serr != nil && err == nil {
			err = serr
		}
	}
	if err != nil {
		run.res.Err = err.Error()
		if errors.Is(err, ErrCycleCancelled) {
			run.log.Info("cycle cancelled", zap.Error(err))
		} else {
			run.log.Error("cycle failed", zap.Error(err))
		}
		return run.res, err
	}

	run.log.Info("cycle complete",
		zap.String("kind", string(run.res.Kind)),
		zap.String("outcome", string(run.res.Outcome)),
		zap.Bool("duplicate", run.res.Duplicate))
	return run.res, nil
}

func (e *Engine) finish(res *CycleResult) {
	res.Finished = e.now()
	e.mu.Lock()
	e.running = false
	e.stage = StageIdle
	e.cycles++
	e.last = res
	e.mu.Unlock()
}

// enter moves to the next stage unless the cycle was cancelled.
func (e *Engine) enter(ctx context.Context, run *cycleRun, s Stage) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w before %s: %v", ErrCycleCancelled, s, err)
	}
	e.setStage(run, s)
	return nil
}

func (e *Engine) setStage(run *cycleRun, s Stage) {
	run.res.Stages = append(run.res.Stages, s)
	e.mu.Lock()
	e.stage = s
	e.mu.Unlock()
	run.log.Debug("stage", zap.String("stage", string(s)))
}

func (e *Engine) cycle(ctx context.Context, run *cycleRun) error {
	if err := e.enter(ctx, run, StageCollecting); err != nil {
		return err
	}
	snap := e.collect(ctx, run)
	run.res.Partial = snap.Partial

	if err := e.enter(ctx, run, StageDeciding); err != nil {
		return err
	}
	cand := e.decide(ctx, run, snap)
	run.res.Candidate = &cand

	if !cand.Kind.Acts() {
		if err := e.enter(ctx, run, StageRecording); err != nil {
			return err
		}
		run.settleWith(hormone.Pending, false)
		return e.record(context.WithoutCancel(ctx), run, memory.Decision{
			Kind:    memory.KindSkip,
			Summary: skipSummary(cand),
			Outcome: memory.OutcomeSuccess,
			CycleID: run.res.ID,
		})
	}

	if err := e.enter(ctx, run, StageGuardrailCheck); err != nil {
		return err
	}
	verdict, err := e.guard.Evaluate(ctx, guardrail.Candidate{Kind: string(cand.Kind), Content: cand.Content})
	if err != nil {
		// Without a verdict nothing may reach the sink.
		run.log.Error("guardrail evaluation failed, skipping action", zap.Error(err))
		skip := Candidate{Kind: memory.KindSkip, Reason: "guardrail unavailable"}
		run.res.Candidate = &skip
		e.setStage(run, StageRecording)
		run.settleWith(hormone.Pending, false)
		return e.record(context.WithoutCancel(ctx), run, memory.Decision{
			Kind:    memory.KindSkip,
			Summary: skipSummary(skip),
			Outcome: memory.OutcomeSuccess,
			CycleID: run.res.ID,
		})
	}
	run.res.Verdict = &verdict

	if verdict.Decision == guardrail.Blocked {
		e.setStage(run, StageBlocked)
		fields := []zap.Field{zap.String("kind", string(cand.Kind)), zap.String("reason", verdict.Reason)}
		if verdict.Pattern != nil {
			fields = append(fields, zap.String("pattern", verdict.Pattern.ID))
		}
		run.log.Warn("candidate blocked by guardrail", fields...)

		// Blocked content may carry a secret; only the redacted form is
		// kept or reported.
		shown := cand
		shown.Content = guardrail.Redact(cand.Content)
		run.res.Candidate = &shown

		// A block is always recorded, even if the cycle was cancelled.
		e.setStage(run, StageRecording)
		run.settleWith(hormone.Violation, false)
		return e.record(context.WithoutCancel(ctx), run, memory.Decision{
			Kind:    memory.KindBlocked,
			Summary: shown.Content,
			Outcome: memory.OutcomeViolation,
			CycleID: run.res.ID,
			Flagged: true,
		})
	}

	flagged := verdict.Decision == guardrail.Flagged
	if flagged {
		run.log.Warn("candidate flagged by guardrail",
			zap.String("kind", string(cand.Kind)),
			zap.String("reason", verdict.Reason),
			zap.Float64("similarity", verdict.Similarity))
	}

	if err := e.enter(ctx, run, StageActing); err != nil {
		return err
	}
	return e.act(context.WithoutCancel(ctx), run, cand, flagged)
}

func (e *Engine) collect(ctx context.Context, run *cycleRun) Snapshot {
	if e.source == nil {
		return Snapshot{Partial: true}
	}

	cctx, cancel := context.WithTimeout(ctx, run.cfg.ContextTimeout)
	defer cancel()

	type result struct {
		snap Snapshot
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := e.source.Collect(cctx)
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			run.log.Warn("context collection incomplete", zap.Error(r.err))
			r.snap.Partial = true
		}
		return r.snap
	case <-cctx.Done():
	}

	// A source that honours the deadline hands back what it gathered so far.
	select {
	case r := <-ch:
		run.log.Warn("context collection timed out, using partial snapshot", zap.Error(r.err))
		r.snap.Partial = true
		return r.snap
	case <-time.After(collectGrace):
		run.log.Warn("context collection abandoned",
			zap.Error(fmt.Errorf("%w: %v", ErrContextUnavailable, cctx.Err())))
		return Snapshot{Partial: true}
	}
}

func (e *Engine) decide(ctx context.Context, run *cycleRun, snap Snapshot) Candidate {
	now := e.now()
	if _, err := e.hormones.ReplenishIfNewDay(ctx, now); err != nil {
		run.log.Warn("energy replenish not persisted", zap.Error(err))
	}
	if e.hormones.Exhausted() {
		return Candidate{Kind: memory.KindSkip, Reason: "energy exhausted"}
	}

	state := e.hormones.Snapshot()
	params := e.hormones.Params()
	in := DecisionInput{
		Now:      now,
		Snapshot: snap,
		Hormones: state,
		Mode:     params.Mode,
		Params:   params,
		Mood:     hormone.Label(state),
		Recent:   e.recent(ctx, run),
	}

	cand, err := e.decider.Decide(ctx, in)
	if err != nil {
		run.log.Warn("decider failed, skipping", zap.Error(err))
		return Candidate{Kind: memory.KindSkip, Reason: "decider error"}
	}
	switch cand.Kind {
	case memory.KindNotify, memory.KindPost:
		if strings.TrimSpace(cand.Content) == "" {
			return Candidate{Kind: memory.KindSkip, Reason: "empty content"}
		}
	case memory.KindSkip:
	default:
		run.log.Warn("decider returned an invalid kind, skipping", zap.String("kind", string(cand.Kind)))
		return Candidate{Kind: memory.KindSkip, Reason: "invalid kind"}
	}
	run.log.Debug("decided",
		zap.String("kind", string(cand.Kind)),
		zap.String("mode", params.Mode.String()),
		zap.String("reason", cand.Reason))
	return cand
}

func (e *Engine) recent(ctx context.Context, run *cycleRun) []memory.Entry {
	var out []memory.Entry
	for entry, err := range e.mem.QueryRecent(ctx, run.cfg.RecentWindow) {
		if err != nil {
			run.log.Warn("recent memory unavailable", zap.Error(err))
			break
		}
		out = append(out, entry)
	}
	return out
}

// act performs a notify or post. The decision is reserved as a pending
// record first, so a duplicate is caught before any side effect and a crash
// mid-action leaves a trace for RecoverPending.
func (e *Engine) act(ctx context.Context, run *cycleRun, cand Candidate, flagged bool) error {
	run.res.Kind = cand.Kind
	rec, err := e.mem.Record(ctx, memory.Decision{
		Kind:    cand.Kind,
		Summary: cand.Content,
		Outcome: memory.OutcomePending,
		CycleID: run.res.ID,
		Flagged: flagged,
	})
	if errors.Is(err, memory.ErrDuplicateDecision) {
		e.setStage(run, StageRecording)
		run.res.Duplicate = true
		run.settleWith(hormone.Pending, false)
		run.log.Info("duplicate action, nothing sent", zap.String("kind", string(cand.Kind)), zap.Error(err))
		return nil
	}
	if err != nil {
		e.setStage(run, StageRecording)
		e.persistFailed(err, run.log)
		run.settleWith(hormone.Pending, false)
		return fmt.Errorf("reserve %s: %w", cand.Kind, err)
	}
	run.res.RecordID = rec.ID

	actx := ctx
	if run.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, run.cfg.ActionTimeout)
		defer cancel()
	}
	outcome := memory.OutcomeSuccess
	receipt, err := e.sink.Execute(actx, sink.Action{CycleID: run.res.ID, Kind: string(cand.Kind), Content: cand.Content})
	var ae *sink.ActionError
	switch {
	case err != nil && errors.As(err, &ae) && ae.PartlyDelivered():
		// Parts already reached the channel, so it counts as delivered and
		// is never retried.
		run.log.Warn("action partly delivered",
			zap.String("kind", string(cand.Kind)),
			zap.Int("delivered", ae.Delivered),
			zap.Int("parts", ae.Total),
			zap.Error(err))
	case err != nil:
		outcome = memory.OutcomeFailure
		run.log.Warn("action failed",
			zap.String("kind", string(cand.Kind)),
			zap.Bool("rate_limited", errors.Is(err, sink.ErrRateLimited)),
			zap.Error(err))
	default:
		run.res.Receipt = &receipt
		run.log.Info("action delivered",
			zap.String("kind", string(cand.Kind)),
			zap.String("channel", receipt.Channel),
			zap.String("receipt", receipt.ID))
	}

	e.setStage(run, StageRecording)
	run.settleWith(hormoneOutcome(outcome), true)
	if err := e.mem.Resolve(ctx, rec.ID, outcome); err != nil {
		e.persistFailed(err, run.log)
		return fmt.Errorf("resolve record %d: %w", rec.ID, err)
	}
	run.res.Outcome = outcome
	e.persistOK(run.log)
	return nil
}

// record writes a decision that has no side effect of its own.
func (e *Engine) record(ctx context.Context, run *cycleRun, d memory.Decision) error {
	run.res.Kind = d.Kind
	rec, err := e.mem.Record(ctx, d)
	if errors.Is(err, memory.ErrDuplicateDecision) {
		run.res.Duplicate = true
		if d.Kind == memory.KindBlocked {
			// The earlier record stands for the repeat, but the violation
			// still counts: the pattern occurrence was bumped by Evaluate.
			run.res.Outcome = d.Outcome
			fields := []zap.Field{zap.Error(err)}
			if v := run.res.Verdict; v != nil && v.Pattern != nil {
				fields = append(fields, zap.String("pattern", v.Pattern.ID), zap.Int("occurrences", v.Pattern.Occurrences))
			}
			run.log.Warn("repeated blocked candidate", fields...)
			return nil
		}
		run.settleWith(hormone.Pending, false)
		run.log.Debug("duplicate decision, nothing recorded", zap.String("kind", string(d.Kind)))
		return nil
	}
	if err != nil {
		e.persistFailed(err, run.log)
		return fmt.Errorf("record %s: %w", d.Kind, err)
	}
	run.res.RecordID = rec.ID
	run.res.Outcome = d.Outcome
	e.persistOK(run.log)
	return nil
}

func (e *Engine) settle(ctx context.Context, run *cycleRun) error {
	s, err := e.hormones.Settle(ctx, e.now(), run.outcome, run.acted)
	run.res.Hormones = s
	if err != nil {
		e.persistFailed(err, run.log)
		return err
	}
	return nil
}

func hormoneOutcome(o memory.Outcome) hormone.Outcome {
	switch o {
	case memory.OutcomeSuccess:
		return hormone.Success
	case memory.OutcomeFailure:
		return hormone.Failure
	case memory.OutcomeViolation:
		return hormone.Violation
	}
	return hormone.Pending
}

func skipSummary(c Candidate) string {
	if c.Reason == "" {
		return "skip: nothing actionable"
	}
	return "skip: " + c.Reason
}

func (e *Engine) persistFailed(err error, log *zap.Logger) {
	e.mu.Lock()
	e.persistErr = err
	e.persistAt = e.now()
	e.mu.Unlock()
	log.Error("persistence failure", zap.Error(err))
}

func (e *Engine) persistOK(log *zap.Logger) {
	e.mu.Lock()
	recovered := e.persistErr != nil
	e.persistErr = nil
	e.mu.Unlock()
	if recovered {
		log.Info("persistence recovered")
	}
}

// Status returns a snapshot of the engine without taking the cycle lock.
func (e *Engine) Status(ctx context.Context) Status {
	h := e.hormones.Snapshot()
	th := e.hormones.Config().Thresholds

	e.mu.Lock()
	st := Status{
		Running:   e.running,
		Stage:     e.stage,
		Cycles:    e.cycles,
		StartedAt: e.startedAt,
	}
	if e.last != nil {
		last := *e.last
		st.LastCycle = &last
	}
	if e.persistErr != nil {
		at := e.persistAt
		st.PersistenceError = e.persistErr.Error()
		st.PersistenceFailAt = &at
	}
	e.mu.Unlock()

	st.Hormones = h
	st.Mode = hormone.ModeFor(h, th)
	st.Flags = hormone.Flags(h, th)
	if st.Flags == nil {
		st.Flags = []hormone.Mode{}
	}
	st.Label = hormone.Label(h)
	st.Patterns = len(e.guard.Patterns())

	n, err := e.mem.CountLive(ctx)
	if err != nil {
		e.logger.Warn("status: count live records", zap.Error(err))
		n = -1
	}
	st.LiveRecords = n
	return st
}

// RecoverPending resolves reservations left pending by an interrupted
// process as failures. It waits for any running cycle.
func (e *Engine) RecoverPending(ctx context.Context) (int, error) {
	if err := e.acquire(ctx, TriggerTimer); err != nil {
		return 0, err
	}
	defer e.release()

	cutoff := e.now().Add(-e.Config().PendingRecoveryAge)
	stale, err := e.mem.PendingBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}

	n := 0
	for _, r := range stale {
		if err := e.mem.Resolve(ctx, r.ID, memory.OutcomeFailure); err != nil {
			if errors.Is(err, memory.ErrOutcomeFinal) || errors.Is(err, memory.ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("resolve pending %d: %w", r.ID, err)
		}
		n++
		e.logger.Warn("interrupted action marked failed",
			zap.Int64("record", r.ID),
			zap.String("kind", string(r.Kind)),
			zap.String("cycle_id", r.CycleID))
	}
	return n, nil
}

// Nudge applies an operator override to the hormone state.
func (e *Engine) Nudge(ctx context.Context, dDopamine, dCortisol, dEnergy float64) (hormone.State, error) {
	s, err := e.hormones.Nudge(ctx, dDopamine, dCortisol, dEnergy)
	if err == nil {
		e.logger.Info("hormones nudged",
			zap.Float64("dopamine", s.Dopamine),
			zap.Float64("cortisol", s.Cortisol),
			zap.Float64("energy", s.Energy))
	}
	return s, err
}

// Replenish resets the energy budget.
func (e *Engine) Replenish(ctx context.Context, level float64) (hormone.State, error) {
	return e.hormones.Replenish(ctx, e.now(), level)
}

// Learn feeds an externally reported violation to the guardrail. It is safe
// while a cycle is running.
func (e *Engine) Learn(ctx context.Context, v guardrail.Violation) (guardrail.ViolationPattern, error) {
	return e.guard.Learn(ctx, v)
}

// Patterns lists learned violation patterns.
func (e *Engine) Patterns() []guardrail.ViolationPattern {
	return e.guard.Patterns()
}

// Recent yields the newest n memory entries.
func (e *Engine) Recent(ctx context.Context, n int) iter.Seq2[memory.Entry, error] {
	return e.mem.QueryRecent(ctx, n)
}

// Compact applies the memory compaction policy now.
func (e *Engine) Compact(ctx context.Context) (*memory.SummaryRecord, error) {
	return e.mem.Compact(ctx)
}
