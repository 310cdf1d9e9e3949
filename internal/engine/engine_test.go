package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lazypower/smolclaw/internal/collect"
	"github.com/lazypower/smolclaw/internal/guardrail"
	"github.com/lazypower/smolclaw/internal/hormone"
	"github.com/lazypower/smolclaw/internal/memory"
	"github.com/lazypower/smolclaw/internal/sink"
	"github.com/lazypower/smolclaw/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubSource struct {
	snap    Snapshot
	err     error
	block   bool
	started chan struct{}
}

func (s *stubSource) Collect(ctx context.Context) (Snapshot, error) {
	if s.started != nil {
		close(s.started)
	}
	if s.block {
		<-ctx.Done()
		return Snapshot{}, ctx.Err()
	}
	return s.snap, s.err
}

type fakeSink struct {
	mu      sync.Mutex
	calls   []sink.Action
	ctxErrs []error
	err     error
	started chan struct{}
	gate    chan struct{}
}

func (f *fakeSink) Execute(ctx context.Context, a sink.Action) (sink.Receipt, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	if f.err != nil {
		return sink.Receipt{}, f.err
	}
	return sink.Receipt{ID: "r-" + a.CycleID, Channel: "fake"}, nil
}

func (f *fakeSink) Calls() []sink.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sink.Action(nil), f.calls...)
}

type deciderFunc func(ctx context.Context, in DecisionInput) (Candidate, error)

func (f deciderFunc) Decide(ctx context.Context, in DecisionInput) (Candidate, error) {
	return f(ctx, in)
}

type harness struct {
	engine  *Engine
	clock   *clock
	db      *store.DB
	mem     *memory.Memory
	guarded *guardrail.GuardedMemory
	policy  *guardrail.Policy
	tracker *hormone.Tracker
	source  *stubSource
	sink    *fakeSink
}

type harnessOpt func(*Deps)

func withDecider(d Decider) harnessOpt {
	return func(deps *Deps) { deps.Decider = d }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// Monday 09:00, outside the default quiet hours.
	c := &clock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	mem := memory.New(db, memory.DefaultConfig(), memory.WithClock(c.Now), memory.WithLogger(logger))
	pol, err := guardrail.NewPolicy(ctx, guardrail.DefaultConfig(), db, guardrail.WithClock(c.Now), guardrail.WithLogger(logger))
	require.NoError(t, err)
	guarded := guardrail.NewGuardedMemory(mem, pol)
	tr, err := hormone.NewTracker(ctx, hormone.DefaultConfig(), db, c.Now(), logger)
	require.NoError(t, err)

	h := &harness{
		clock:   c,
		db:      db,
		mem:     mem,
		guarded: guarded,
		policy:  pol,
		tracker: tr,
		source:  &stubSource{snap: Snapshot{Repo: "/src/smolclaw", Uncommitted: 5}},
		sink:    &fakeSink{},
	}
	deps := Deps{
		Memory:   guarded,
		Guard:    guarded,
		Hormones: tr,
		Context:  h.source,
		Decider:  &RuleDecider{QuietStart: 23, QuietEnd: 7},
		Sink:     h.sink,
	}
	for _, o := range opts {
		o(&deps)
	}
	h.engine, err = New(DefaultConfig(), deps, WithClock(c.Now), WithLogger(logger))
	require.NoError(t, err)
	return h
}

func (h *harness) live(t *testing.T) int {
	t.Helper()
	n, err := h.mem.CountLive(context.Background())
	require.NoError(t, err)
	return n
}

func (h *harness) latest(t *testing.T) *memory.DecisionRecord {
	t.Helper()
	for e, err := range h.mem.QueryRecent(context.Background(), 1) {
		require.NoError(t, err)
		return e.Record
	}
	return nil
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestScenarioNotifyApproved(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.RunCycle(context.Background(), TriggerExternal)
	require.NoError(t, err)

	assert.Equal(t, []Stage{StageCollecting, StageDeciding, StageGuardrailCheck, StageActing, StageRecording}, res.Stages)
	assert.Equal(t, memory.KindNotify, res.Kind)
	assert.Equal(t, memory.OutcomeSuccess, res.Outcome)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, guardrail.Approved, res.Verdict.Decision)
	require.NotNil(t, res.Receipt)

	calls := h.sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "notify", calls[0].Kind)
	assert.Equal(t, "5 uncommitted changes in smolclaw", calls[0].Content)

	rec := h.latest(t)
	require.NotNil(t, rec)
	assert.Equal(t, res.RecordID, rec.ID)
	assert.Equal(t, memory.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, res.ID, rec.CycleID)

	s := h.tracker.Snapshot()
	assert.InDelta(t, 0.6, s.Dopamine, 1e-9, "dopamine rises")
	assert.InDelta(t, 0.45, s.Cortisol, 1e-9, "cortisol falls")
	assert.InDelta(t, 0.95, s.Energy, 1e-9, "one action spent")
	assert.Equal(t, s, res.Hormones)
}

func TestScenarioLearnedPatternBlocked(t *testing.T) {
	nudges := map[string][3]float64{
		"neutral":   {0, 0, 0},
		"bold":      {0.3, 0, 0},
		"defensive": {0, 0.3, 0},
	}
	for name, n := range nudges {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			_, err := h.engine.Nudge(ctx, n[0], n[1], n[2])
			require.NoError(t, err)
			_, err = h.engine.Learn(ctx, guardrail.Violation{Content: "5 uncommitted changes in smolclaw", Reason: "leaks repo name"})
			require.NoError(t, err)
			before := h.tracker.Snapshot()

			res, err := h.engine.RunCycle(ctx, TriggerExternal)
			require.NoError(t, err)

			assert.Equal(t, []Stage{StageCollecting, StageDeciding, StageGuardrailCheck, StageBlocked, StageRecording}, res.Stages)
			assert.Equal(t, memory.KindBlocked, res.Kind)
			assert.Equal(t, memory.OutcomeViolation, res.Outcome)
			assert.Empty(t, h.sink.Calls(), "blocked actions never reach the sink")

			rec := h.latest(t)
			require.NotNil(t, rec)
			assert.Equal(t, memory.KindBlocked, rec.Kind)
			assert.True(t, rec.Flagged)

			after := h.tracker.Snapshot()
			assert.Greater(t, after.Cortisol, before.Cortisol)
			assert.Equal(t, before.Energy, after.Energy, "nothing was sent")
		})
	}
}

func TestScenarioDuplicateIsNoop(t *testing.T) {
	ctx := context.Background()
	always := deciderFunc(func(ctx context.Context, in DecisionInput) (Candidate, error) {
		return Candidate{Kind: memory.KindNotify, Content: "5 uncommitted changes in smolclaw"}, nil
	})
	h := newHarness(t, withDecider(always))

	_, err := h.engine.RunCycle(ctx, TriggerExternal)
	require.NoError(t, err)
	first := h.tracker.Snapshot()

	h.clock.Advance(10 * time.Minute)
	res, err := h.engine.RunCycle(ctx, TriggerExternal)
	require.NoError(t, err)

	assert.True(t, res.Duplicate)
	assert.Zero(t, res.RecordID)
	assert.Len(t, h.sink.Calls(), 1, "no second side effect")
	assert.Equal(t, 1, h.live(t))

	// Only time passed: decay, no spend, no outcome.
	want := first.Decay(10*time.Minute, h.tracker.Config())
	got := h.tracker.Snapshot()
	assert.InDelta(t, want.Dopamine, got.Dopamine, 1e-9)
	assert.InDelta(t, want.Cortisol, got.Cortisol, 1e-9)
	assert.Equal(t, first.Energy, got.Energy)
}

func TestSinkFailureRecordedAsFailure(t *testing.T) {
	h := newHarness(t)
	h.sink.err = &sink.ActionError{Channel: "fake", Kind: sink.RateLimited, Status: 429, Err: errors.New("slow down")}

	res, err := h.engine.RunCycle(context.Background(), TriggerExternal)
	require.NoError(t, err, "a failed action is an outcome, not a cycle error")
	assert.Equal(t, memory.OutcomeFailure, res.Outcome)
	assert.Len(t, h.sink.Calls(), 1, "no retry within the cycle")
	assert.Equal(t, memory.OutcomeFailure, h.latest(t).Outcome)

	s := h.tracker.Snapshot()
	assert.InDelta(t, 0.45, s.Dopamine, 1e-9)
	assert.InDelta(t, 0.6, s.Cortisol, 1e-9)

	// The next cycle reconsiders and retries once.
	h.sink.err = nil
	res, err = h.engine.RunCycle(context.Background(), TriggerExternal)
	require.NoError(t, err)
	assert.Equal(t, memory.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "5 uncommitted changes in smolclaw (retry)", h.sink.Calls()[1].Content)
}

func TestExternalTriggerBusy(t *testing.T) {
	h := newHarness(t)
	h.sink.started = make(chan struct{})
	h.sink.gate = make(chan struct{})

	type out struct {
		res *CycleResult
		err error
	}
	first := make(chan out, 1)
	go func() {
		res, err := h.engine.RunCycle(context.Background(), TriggerExternal)
		first <- out{res, err}
	}()
	<-h.sink.started

	_, err := h.engine.RunCycle(context.Background(), TriggerExternal)
	assert.ErrorIs(t, err, ErrCycleBusy)

	st := h.engine.Status(context.Background())
	assert.True(t, st.Running)
	assert.Equal(t, StageActing, st.Stage)

	// A timer trigger queues behind the running cycle.
	queued := make(chan out, 1)
	go func() {
		res, err := h.engine.RunCycle(context.Background(), TriggerTimer)
		queued <- out{res, err}
	}()
	select {
	case <-queued:
		t.Fatal("timer cycle ran while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.sink.gate)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, memory.OutcomeSuccess, got.res.Outcome, "the original cycle completes normally")

	q := <-queued
	require.NoError(t, q.err)
	assert.Equal(t, memory.KindSkip, q.res.Kind, "already handled")

	st = h.engine.Status(context.Background())
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.Cycles)
}

func TestCancelDuringCollecting(t *testing.T) {
	h := newHarness(t)
	h.source.block = true
	h.source.started = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.source.started
		cancel()
	}()

	res, err := h.engine.RunCycle(ctx, TriggerExternal)
	require.ErrorIs(t, err, ErrCycleCancelled)
	assert.Equal(t, []Stage{StageCollecting}, res.Stages)
	assert.Empty(t, h.sink.Calls())
	assert.Zero(t, h.live(t))
	assert.Equal(t, 0, h.tracker.Snapshot().Ticks, "hormones untouched")

	// The lock was released.
	h.source.block = false
	h.source.started = nil
	_, err = h.engine.RunCycle(context.Background(), TriggerExternal)
	assert.NoError(t, err)
}

func TestCancelAfterActingStillRecords(t *testing.T) {
	h := newHarness(t)
	h.sink.started = make(chan struct{})
	h.sink.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-h.sink.started
		cancel()
		close(h.sink.gate)
	}()

	res, err := h.engine.RunCycle(ctx, TriggerExternal)
	require.NoError(t, err)
	assert.Equal(t, memory.OutcomeSuccess, res.Outcome)
	assert.Equal(t, StageRecording, res.Stages[len(res.Stages)-1])
	assert.NoError(t, h.sink.ctxErrs[0], "the side effect is not cancelled")
	assert.Equal(t, memory.OutcomeSuccess, h.latest(t).Outcome)
}

func TestContextTimeoutDegrades(t *testing.T) {
	h := newHarness(t)
	h.source.block = true
	cfg := h.engine.Config()
	cfg.ContextTimeout = 20 * time.Millisecond
	h.engine.SetConfig(cfg)

	res, err := h.engine.RunCycle(context.Background(), TriggerExternal)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, memory.KindSkip, res.Kind, "no signal")
	assert.Equal(t, "nothing actionable", res.Candidate.Reason)
}

func TestContextErrorIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.source.err = errors.New("git exploded")

	res, err := h.engine.RunCycle(context.Background(), TriggerExternal)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, memory.KindNotify, res.Kind, "the partial snapshot is still used")
}

func TestDeciderErrorSkips(t *testing.T) {
	boom := deciderFunc(func(ctx context.Context, in DecisionInput) (Candidate, error) {
		return Candidate{}, errors.New("model offline")
	})
	h := newHarness(t, withDecider(boom))

	res, err := h.engine.RunCycle(context.Background(), TriggerExternal)
	require.NoError(t, err)
	assert.Equal(t, memory.KindSkip, res.Kind)
	assert.Equal(t, []Stage{StageCollecting, StageDeciding, StageRecording}, res.Stages)
	assert.Equal(t, "skip: decider error", h.latest(t).Summary)

	s := h.tracker.Snapshot()
	assert.Equal(t, 0.5, s.Dopamine)
	assert.Equal(t, 1.0, s.Energy)
}

func TestInvalidKindSkips(t *testing.T) {
	sneaky := deciderFunc(func(ctx context.Context, in DecisionInput) (Candidate, error) {
		return Candidate{Kind: memory.KindBlocked, Content: "x"}, nil
	})
	h := newHarness(t, withDecider(sneaky))

	res, err := h.engine.RunCycle(context.Background(), TriggerExternal)
	require.NoError(t, err)
	assert.Equal(t, memory.KindSkip, res.Kind)
	assert.Empty(t, h.sink.Calls())
}

func TestExhaustedEnergySkips(t *testing.T) {
	ctx := context.Background()
	called := false
	d := deciderFunc(func(ctx context.Context, in DecisionInput) (Candidate, error) {
		called = true
		return Candidate{Kind: memory.KindNotify, Content: "hi"}, nil
	})
	h := newHarness(t, withDecider(d))
	for range 4 {
		_, err := h.engine.Nudge(ctx, 0, 0, -0.3)
		require.NoError(t, err)
	}

	res, err := h.engine.RunCycle(ctx, TriggerExternal)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, "energy exhausted", res.Candidate.Reason)

	// A new day refills the budget.
	h.clock.Advance(24 * time.Hour)
	res, err = h.engine.RunCycle(ctx, TriggerExternal)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, memory.KindNotify, res.Kind)
}

type failingMemory struct {
	memory.Store
}

func (f failingMemory) Record(ctx context.Context, d memory.Decision) (*memory.DecisionRecord, error) {
	return nil, &memory.PersistenceError{Op: "record", Err: errors.New("disk full")}
}

func TestPersistenceFailureRaisesStatusFlag(t *testing.T) {
	h := newHarness(t, func(deps *Deps) {
		deps.Memory = failingMemory{Store: deps.Memory}
	})

	res, err := h.engine.RunCycle(context.Background(), TriggerExternal)
	require.Error(t, err)
	assert.True(t, memory.IsPersistence(err))
	assert.NotEmpty(t, res.Err)
	assert.Empty(t, h.sink.Calls(), "nothing is sent without a reservation")

	st := h.engine.Status(context.Background())
	assert.Contains(t, st.PersistenceError, "disk full")
	require.NotNil(t, st.PersistenceFailAt)
	require.NotNil(t, st.LastCycle)
	assert.NotEmpty(t, st.LastCycle.Err)
}

func TestRecoverPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	rec, err := h.mem.Record(ctx, memory.Decision{Kind: memory.KindPost, Summary: "interrupted post", Outcome: memory.OutcomePending})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)
	fresh, err := h.mem.Record(ctx, memory.Decision{Kind: memory.KindPost, Summary: "in flight", Outcome: memory.OutcomePending})
	require.NoError(t, err)

	n, err := h.engine.RecoverPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	outcomes := map[int64]memory.Outcome{}
	for e, err := range h.mem.QueryRecent(ctx, 5) {
		require.NoError(t, err)
		outcomes[e.Record.ID] = e.Record.Outcome
	}
	assert.Equal(t, memory.OutcomeFailure, outcomes[rec.ID])
	assert.Equal(t, memory.OutcomePending, outcomes[fresh.ID])
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t)
	st := h.engine.Status(context.Background())
	assert.Equal(t, hormone.ModeNeutral, st.Mode)
	assert.Equal(t, "balanced", st.Label)
	assert.Empty(t, st.Flags)
	assert.Nil(t, st.LastCycle)
	assert.Equal(t, StageIdle, st.Stage)

	_, err := h.engine.RunCycle(context.Background(), TriggerExternal)
	require.NoError(t, err)

	st = h.engine.Status(context.Background())
	assert.Equal(t, 1, st.LiveRecords)
	require.NotNil(t, st.LastCycle)
	assert.Equal(t, memory.OutcomeSuccess, st.LastCycle.Outcome)
	assert.Empty(t, st.PersistenceError)
}

func TestLearnDuringCycle(t *testing.T) {
	h := newHarness(t)
	h.sink.started = make(chan struct{})
	h.sink.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.RunCycle(context.Background(), TriggerExternal)
		done <- err
	}()
	<-h.sink.started

	_, err := h.engine.Learn(context.Background(), guardrail.Violation{Content: "posted the staging password"})
	require.NoError(t, err)
	close(h.sink.gate)
	require.NoError(t, <-done)
	assert.Len(t, h.engine.Patterns(), 1)
}

func TestRepeatedBlockStillCounts(t *testing.T) {
	ctx := context.Background()
	always := deciderFunc(func(ctx context.Context, in DecisionInput) (Candidate, error) {
		return Candidate{Kind: memory.KindNotify, Content: "5 uncommitted changes in smolclaw"}, nil
	})
	h := newHarness(t, withDecider(always))
	_, err := h.engine.Learn(ctx, guardrail.Violation{Content: "5 uncommitted changes in smolclaw", Reason: "leaks repo name"})
	require.NoError(t, err)

	first, err := h.engine.RunCycle(ctx, TriggerExternal)
	require.NoError(t, err)
	require.Equal(t, memory.KindBlocked, first.Kind)
	afterFirst := h.tracker.Snapshot()

	h.clock.Advance(30 * time.Minute)
	second, err := h.engine.RunCycle(ctx, TriggerExternal)
	require.NoError(t, err)

	assert.Equal(t, memory.KindBlocked, second.Kind)
	assert.Equal(t, memory.OutcomeViolation, second.Outcome)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, h.live(t), "the first record stands for the repeat")
	assert.Empty(t, h.sink.Calls())

	afterSecond := h.tracker.Snapshot()
	assert.Greater(t, afterSecond.Cortisol, afterFirst.Cortisol, "the repeat violation raises cortisol again")
	assert.Less(t, afterSecond.Dopamine, afterFirst.Dopamine)

	pats := h.engine.Patterns()
	require.Len(t, pats, 1)
	assert.Equal(t, 3, pats[0].Occurrences, "learned once, blocked twice")
}

func TestBlockedSecretIsRedacted(t *testing.T) {
	ctx := context.Background()
	const secret = "sk-abcdefghijklmnopqrstuvwxyz0123"
	leaky := deciderFunc(func(ctx context.Context, in DecisionInput) (Candidate, error) {
		return Candidate{Kind: memory.KindPost, Content: "deploy key " + secret}, nil
	})
	h := newHarness(t, withDecider(leaky))

	res, err := h.engine.RunCycle(ctx, TriggerExternal)
	require.NoError(t, err)
	require.Equal(t, memory.KindBlocked, res.Kind)
	assert.Empty(t, h.sink.Calls())
	assert.Equal(t, "deploy key [redacted]", res.Candidate.Content)

	n := 0
	for e, err := range h.engine.Recent(ctx, 10) {
		require.NoError(t, err)
		require.NotNil(t, e.Record)
		assert.NotContains(t, e.Record.Summary, secret)
		n++
	}
	assert.Equal(t, 1, n)

	for _, p := range h.engine.Patterns() {
		assert.NotContains(t, p.Example, secret)
		assert.NotContains(t, p.Signature, "abcdefghij")
	}
}

type fastCollector struct{ snap Snapshot }

func (fastCollector) Name() string { return "fast" }

func (f fastCollector) Collect(ctx context.Context) (Snapshot, error) { return f.snap, nil }

type slowCollector struct{}

func (slowCollector) Name() string { return "slow" }

func (slowCollector) Collect(ctx context.Context) (Snapshot, error) {
	<-ctx.Done()
	return Snapshot{}, ctx.Err()
}

func TestContextTimeoutKeepsFinishedCollectors(t *testing.T) {
	multi := collect.NewMulti(fastCollector{Snapshot{Repo: "/src/smolclaw", Uncommitted: 5}}, slowCollector{})
	h := newHarness(t, func(d *Deps) { d.Context = multi })
	cfg := h.engine.Config()
	cfg.ContextTimeout = 20 * time.Millisecond
	h.engine.SetConfig(cfg)

	res, err := h.engine.RunCycle(context.Background(), TriggerExternal)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, memory.KindNotify, res.Kind, "what the fast collector found is still used")
	assert.Equal(t, "5 uncommitted changes in smolclaw", res.Candidate.Content)
}

func TestPartlyDeliveredIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.sink.err = &sink.ActionError{Channel: "fake", Kind: sink.Failed, Status: 502, Err: errors.New("bad gateway"), Delivered: 1, Total: 2}

	res, err := h.engine.RunCycle(context.Background(), TriggerExternal)
	require.NoError(t, err)
	assert.Equal(t, memory.OutcomeSuccess, res.Outcome)
	assert.Nil(t, res.Receipt)
	assert.Equal(t, memory.OutcomeSuccess, h.latest(t).Outcome)

	h.sink.err = nil
	h.clock.Advance(10 * time.Minute)
	_, err = h.engine.RunCycle(context.Background(), TriggerExternal)
	require.NoError(t, err)
	assert.Len(t, h.sink.Calls(), 1, "delivered parts are not sent again")
}
