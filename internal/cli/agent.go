package cli

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/smolclaw/internal/collect"
	"github.com/lazypower/smolclaw/internal/config"
	"github.com/lazypower/smolclaw/internal/engine"
	"github.com/lazypower/smolclaw/internal/guardrail"
	"github.com/lazypower/smolclaw/internal/hormone"
	"github.com/lazypower/smolclaw/internal/llm"
	"github.com/lazypower/smolclaw/internal/memory"
	"github.com/lazypower/smolclaw/internal/sink"
	"github.com/lazypower/smolclaw/internal/store"
)

// agent is the wired service: the engine and the components whose tuning
// can change at runtime.
type agent struct {
	engine  *engine.Engine
	tracker *hormone.Tracker
	policy  *guardrail.Policy
}

func buildAgent(ctx context.Context, cfg config.Config, db *store.DB, logger *zap.Logger) (*agent, error) {
	tracker, err := hormone.NewTracker(ctx, cfg.Hormones, db, time.Now(), logger.Named("hormone"))
	if err != nil {
		return nil, err
	}
	mem := memory.New(db, cfg.Memory, memory.WithLogger(logger.Named("memory")))
	policy, err := guardrail.NewPolicy(ctx, cfg.Guardrail, db, guardrail.WithLogger(logger.Named("guardrail")))
	if err != nil {
		return nil, err
	}
	guarded := guardrail.NewGuardedMemory(mem, policy)

	decider, err := newDecider(cfg, logger)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engineConfig(cfg.Engine), engine.Deps{
		Memory:   guarded,
		Guard:    guarded,
		Hormones: tracker,
		Context:  newSource(cfg.Collect),
		Decider:  decider,
		Sink:     newSink(cfg.Sink, logger.Named("sink")),
	}, engine.WithLogger(logger.Named("engine")))
	if err != nil {
		return nil, err
	}
	return &agent{engine: eng, tracker: tracker, policy: policy}, nil
}

func engineConfig(c config.EngineConfig) engine.Config {
	return engine.Config{
		ContextTimeout:     c.ContextTimeout,
		ActionTimeout:      c.ActionTimeout,
		RecentWindow:       c.RecentWindow,
		PendingRecoveryAge: c.PendingRecoveryAge,
	}
}

func newSource(c config.CollectConfig) engine.ContextSource {
	cs := []collect.Collector{&collect.Clock{}}
	if c.RepoPath != "" {
		cs = append(cs, &collect.Git{Path: c.RepoPath})
	}
	if c.TaskFile != "" {
		cs = append(cs, &collect.Tasks{Path: c.TaskFile})
	}
	return collect.NewMulti(cs...)
}

// newSink routes notify to the webhook and post to the poster. Dry-run mode,
// or a channel with nothing configured, only logs.
func newSink(c config.SinkConfig, logger *zap.Logger) engine.Sink {
	dry := sink.NewDryRun(logger)
	if c.DryRun {
		logger.Info("dry-run mode, actions are logged only")
		return dry
	}

	r := &sink.Router{Notify: dry, Post: dry}
	if c.WebhookURL != "" {
		r.Notify = sink.NewWebhook(c.WebhookURL, c.Timeout, logger)
	} else {
		logger.Warn("no webhook configured, notifications are logged only")
	}
	if c.PostURL != "" {
		r.Post = sink.NewPoster(c.PostURL, c.PostToken, c.Timeout)
	} else {
		logger.Warn("no post endpoint configured, posts are logged only")
	}
	return r
}

func newDecider(cfg config.Config, logger *zap.Logger) (engine.Decider, error) {
	if cfg.Engine.Decider != "llm" {
		return &engine.RuleDecider{QuietStart: cfg.Engine.QuietStart, QuietEnd: cfg.Engine.QuietEnd}, nil
	}
	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm decider: %w", err)
	}
	logger.Info("llm decider", zap.String("provider", cfg.LLM.Provider), zap.String("model", cfg.LLM.Model))
	return engine.NewLLMDecider(client, logger.Named("llm")), nil
}

// apply pushes runtime-tunable settings from a reloaded config.
func (a *agent) apply(cfg config.Config, sched *engine.Scheduler, level zap.AtomicLevel, logger *zap.Logger) {
	a.engine.SetConfig(engineConfig(cfg.Engine))
	a.tracker.SetConfig(cfg.Hormones)
	a.policy.SetConfig(cfg.Guardrail)
	sched.SetInterval(cfg.Engine.Interval)
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		logger.Warn("ignoring log level", zap.String("level", cfg.Logging.Level), zap.Error(err))
	}
}
