package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lazypower/smolclaw/internal/guardrail"
	"github.com/lazypower/smolclaw/internal/hormone"
	"github.com/lazypower/smolclaw/internal/memory"
)

// Config holds all smolclaw configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Logging   LoggingConfig    `yaml:"logging"`
	Hormones  hormone.Config   `yaml:"hormones"`
	Memory    memory.Config    `yaml:"memory"`
	Guardrail guardrail.Config `yaml:"guardrail"`
	Engine    EngineConfig     `yaml:"engine"`
	Collect   CollectConfig    `yaml:"collect"`
	Sink      SinkConfig       `yaml:"sink"`
	LLM       LLMConfig        `yaml:"llm"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // empty: ~/.smolclaw/smolclaw.db
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

type EngineConfig struct {
	Interval           time.Duration `yaml:"interval"`
	ContextTimeout     time.Duration `yaml:"context_timeout"`
	ActionTimeout      time.Duration `yaml:"action_timeout"`
	RecentWindow       int           `yaml:"recent_window"` // memory entries handed to the decider
	QuietStart         int           `yaml:"quiet_start"`   // hour of day, inclusive
	QuietEnd           int           `yaml:"quiet_end"`     // hour of day, exclusive; equal to start disables
	PendingRecoveryAge time.Duration `yaml:"pending_recovery_age"`
	Decider            string        `yaml:"decider"` // "rule" or "llm"
}

type CollectConfig struct {
	RepoPath string `yaml:"repo_path"`
	TaskFile string `yaml:"task_file"`
}

type SinkConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	PostURL    string        `yaml:"post_url"`
	PostToken  string        `yaml:"post_token"`
	DryRun     bool          `yaml:"dry_run"`
	Timeout    time.Duration `yaml:"timeout"`
}

type LLMConfig struct {
	Provider     string `yaml:"provider"` // "anthropic", "ollama"
	Model        string `yaml:"model"`
	OllamaURL    string `yaml:"ollama_url"`
	OllamaModel  string `yaml:"ollama_model"`
	AnthropicKey string `yaml:"anthropic_key"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Hormones:  hormone.DefaultConfig(),
		Memory:    memory.DefaultConfig(),
		Guardrail: guardrail.DefaultConfig(),
		Engine: EngineConfig{
			Interval:           30 * time.Minute,
			ContextTimeout:     10 * time.Second,
			ActionTimeout:      15 * time.Second,
			RecentWindow:       10,
			QuietStart:         23,
			QuietEnd:           7,
			PendingRecoveryAge: 10 * time.Minute,
			Decider:            "rule",
		},
		Collect: CollectConfig{
			RepoPath: ".",
		},
		Sink: SinkConfig{
			DryRun:  true,
			Timeout: 10 * time.Second,
		},
		LLM: LLMConfig{
			Model:     "claude-haiku-4-5-20251001",
			OllamaURL: "http://localhost:11434",
		},
	}
}

// DefaultPath returns ~/.smolclaw/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".smolclaw", "config.yaml"), nil
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SMOLCLAW_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("SMOLCLAW_WEBHOOK_URL"); v != "" {
		c.Sink.WebhookURL = v
	}
	if v := os.Getenv("SMOLCLAW_POST_URL"); v != "" {
		c.Sink.PostURL = v
	}
	if v := os.Getenv("SMOLCLAW_POST_TOKEN"); v != "" {
		c.Sink.PostToken = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.LLM.AnthropicKey == "" {
		c.LLM.AnthropicKey = v
	}
	if v := os.Getenv("SMOLCLAW_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q: want debug, info, warn or error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q: want json or console", c.Logging.Format))
	}
	if c.Engine.Interval < time.Second {
		errs = append(errs, fmt.Errorf("engine.interval %s is too short", c.Engine.Interval))
	}
	if c.Engine.QuietStart < 0 || c.Engine.QuietStart > 23 || c.Engine.QuietEnd < 0 || c.Engine.QuietEnd > 23 {
		errs = append(errs, errors.New("engine.quiet_start and quiet_end must be hours 0-23"))
	}
	switch c.Engine.Decider {
	case "rule", "llm":
	default:
		errs = append(errs, fmt.Errorf("engine.decider %q: want rule or llm", c.Engine.Decider))
	}
	if c.Memory.CompactThreshold <= 0 {
		errs = append(errs, errors.New("memory.compact_threshold must be positive"))
	}
	if c.Memory.CompactTail < 0 || c.Memory.CompactTail >= c.Memory.CompactThreshold {
		errs = append(errs, errors.New("memory.compact_tail must be below compact_threshold"))
	}
	if c.Hormones.DecayPeriod <= 0 {
		errs = append(errs, errors.New("hormones.decay_period must be positive"))
	}
	if g := c.Guardrail; g.PartialMatch > g.FullMatch {
		errs = append(errs, errors.New("guardrail.partial_match must not exceed full_match"))
	}
	return errors.Join(errs...)
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
