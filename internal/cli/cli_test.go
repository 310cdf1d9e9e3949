package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/lazypower/smolclaw/internal/config"
	"github.com/lazypower/smolclaw/internal/engine"
	"github.com/lazypower/smolclaw/internal/guardrail"
	"github.com/lazypower/smolclaw/internal/hormone"
	"github.com/lazypower/smolclaw/internal/memory"
	"github.com/lazypower/smolclaw/internal/sink"
	"github.com/lazypower/smolclaw/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBuildAgentRunsCycle(t *testing.T) {
	dir := t.TempDir()
	tasks := filepath.Join(dir, "TODO.md")
	require.NoError(t, os.WriteFile(tasks, []byte("- [ ] water plants\n- [x] done already\n- [ ] ship release\n"), 0o644))

	cfg := config.Default()
	cfg.Collect.RepoPath = ""
	cfg.Collect.TaskFile = tasks
	cfg.Engine.QuietStart, cfg.Engine.QuietEnd = 0, 0

	a, err := buildAgent(context.Background(), cfg, testDB(t), zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := a.engine.RunCycle(context.Background(), engine.TriggerExternal)
	require.NoError(t, err)
	assert.Equal(t, memory.KindNotify, res.Kind)
	assert.Equal(t, memory.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "2 pending tasks, next up: water plants", res.Candidate.Content)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, "dry-run", res.Receipt.Channel)
}

func TestNewSink(t *testing.T) {
	logger := zap.NewNop()

	_, ok := newSink(config.SinkConfig{DryRun: true, WebhookURL: "http://example.invalid"}, logger).(*sink.DryRun)
	assert.True(t, ok, "dry run wins over configured channels")

	r, ok := newSink(config.SinkConfig{WebhookURL: "http://example.invalid/hook", Timeout: time.Second}, logger).(*sink.Router)
	require.True(t, ok)
	assert.IsType(t, &sink.Webhook{}, r.Notify)
	assert.IsType(t, &sink.DryRun{}, r.Post)

	r = newSink(config.SinkConfig{PostURL: "http://example.invalid/post", PostToken: "t"}, logger).(*sink.Router)
	assert.IsType(t, &sink.DryRun{}, r.Notify)
	assert.IsType(t, &sink.Poster{}, r.Post)
}

func TestNewDecider(t *testing.T) {
	cfg := config.Default()
	d, err := newDecider(cfg, zap.NewNop())
	require.NoError(t, err)
	rd, ok := d.(*engine.RuleDecider)
	require.True(t, ok)
	assert.Equal(t, 23, rd.QuietStart)
	assert.Equal(t, 7, rd.QuietEnd)

	cfg.Engine.Decider = "llm"
	_, err = newDecider(cfg, zap.NewNop())
	assert.Error(t, err, "no provider configured")

	cfg.LLM.Provider = "ollama"
	cfg.LLM.OllamaModel = "llama3"
	d, err = newDecider(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &engine.LLMDecider{}, d)
}

func TestApplyReload(t *testing.T) {
	cfg := config.Default()
	a, err := buildAgent(context.Background(), cfg, testDB(t), zap.NewNop())
	require.NoError(t, err)
	sched := engine.NewScheduler(a.engine, cfg.Engine.Interval, nil)
	level := zap.NewAtomicLevelAt(zap.InfoLevel)

	next := config.Default()
	next.Engine.Interval = 5 * time.Minute
	next.Engine.ActionTimeout = time.Second
	next.Hormones.MaxNudge = 0.1
	next.Guardrail.BlockSeverity = 0.9
	next.Logging.Level = "debug"
	a.apply(next, sched, level, zap.NewNop())

	assert.Equal(t, 5*time.Minute, sched.Interval())
	assert.Equal(t, time.Second, a.engine.Config().ActionTimeout)
	assert.Equal(t, 0.1, a.tracker.Config().MaxNudge)
	assert.Equal(t, zap.DebugLevel, level.Level())

	// A nudge is now bounded by the reloaded limit.
	h, err := a.engine.Nudge(context.Background(), 0.3, 0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, h.Dopamine, 1e-9)
}

func TestNewLogger(t *testing.T) {
	l, level, err := newLogger(config.LoggingConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, zap.WarnLevel, level.Level())
	assert.NotNil(t, l)

	_, _, err = newLogger(config.LoggingConfig{Level: "loud", Format: "console"})
	assert.Error(t, err)
}

func TestPrintCycle(t *testing.T) {
	var buf bytes.Buffer
	printCycle(&buf, &engine.CycleResult{
		ID:        "c-1",
		Stages:    []engine.Stage{engine.StageCollecting, engine.StageDeciding, engine.StageGuardrailCheck, engine.StageBlocked, engine.StageRecording},
		Candidate: &engine.Candidate{Kind: memory.KindPost, Content: "hello", Reason: "bold"},
		Verdict:   &guardrail.Verdict{Decision: guardrail.Blocked, Reason: "matches learned pattern"},
		Kind:      memory.KindBlocked,
		Outcome:   memory.OutcomeViolation,
		Hormones:  hormone.State{Dopamine: 0.4, Cortisol: 0.7, Energy: 1},
	})
	out := buf.String()
	assert.Contains(t, out, "collecting -> deciding -> guardrail_check -> blocked -> recording")
	assert.Contains(t, out, `decided: post "hello" (bold)`)
	assert.Contains(t, out, "verdict: blocked, matches learned pattern")
	assert.Contains(t, out, "outcome: violation")
	assert.Contains(t, out, "dopamine 0.40  cortisol 0.70  energy 1.00")
}

func TestPrintStatusWarnsOnPersistence(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, engine.Status{
		Label:            "anxious",
		Mode:             hormone.ModeNeutral,
		PersistenceError: "persist record: disk full",
	})
	assert.Contains(t, buf.String(), "mood:     anxious (neutral)")
	assert.Contains(t, buf.String(), "persistence failing: persist record: disk full")
}
