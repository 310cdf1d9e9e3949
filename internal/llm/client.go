package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lazypower/smolclaw/internal/config"
)

// Client completes one request against a language model provider.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request is a single completion. System holds the standing instructions and
// Prompt the per-cycle context. With JSON set the provider is asked to answer
// with exactly one JSON object.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
	JSON      bool
}

// Response holds the result of an LLM completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

var (
	// ErrEmptyResponse means the provider answered without any text.
	ErrEmptyResponse = errors.New("empty completion")
	// ErrTruncated means the answer hit the token limit and is incomplete.
	ErrTruncated = errors.New("completion truncated at token limit")
	// ErrNoDecision means the text holds no usable decision object.
	ErrNoDecision = errors.New("no decision in completion")
	// ErrUnknownKind means the decision names an action the agent cannot take.
	ErrUnknownKind = errors.New("unknown decision kind")
)

// APIError is a non-success answer from a provider.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api status %d: %s", e.Provider, e.Status, e.Body)
}

// Temporary reports whether the same request may succeed later.
func (e *APIError) Temporary() bool {
	return e.Status == 429 || e.Status >= 500
}

const (
	defaultAnthropicModel = "claude-haiku-4-5-20251001"
	defaultOllamaURL      = "http://localhost:11434"
	defaultOllamaModel    = "llama3.2"
	requestTimeout        = 60 * time.Second
)

// NewClient creates the decision model client for cfg.Provider.
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or llm.anthropic_key")
		}
		return NewAnthropic(cfg.AnthropicKey, orDefault(cfg.Model, defaultAnthropicModel)), nil
	case "ollama":
		return NewOllama(orDefault(cfg.OllamaURL, defaultOllamaURL), orDefault(cfg.OllamaModel, defaultOllamaModel)), nil
	case "":
		return nil, fmt.Errorf("llm.provider is not set")
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
