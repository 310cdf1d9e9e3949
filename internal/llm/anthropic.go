package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const anthropicAPI = "https://api.anthropic.com/v1/messages"

// Anthropic calls the Anthropic Messages API.
type Anthropic struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// NewAnthropic creates a Messages API client for model.
func NewAnthropic(apiKey, model string) *Anthropic {
	return &Anthropic{
		apiKey:   apiKey,
		model:    model,
		endpoint: anthropicAPI,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

// SetEndpoint points the client at a different Messages API URL.
func (a *Anthropic) SetEndpoint(url string) {
	a.endpoint = url
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends req as one user turn. A JSON request prefills the
// assistant turn with "{" so the reply continues a JSON object; the brace is
// put back in front of the returned content.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	msgs := []anthropicMessage{{Role: "user", Content: req.Prompt}}
	if req.JSON {
		msgs = append(msgs, anthropicMessage{Role: "assistant", Content: "{"})
	}
	payload := map[string]any{
		"model":       a.model,
		"max_tokens":  maxTokens(req),
		"temperature": 0.3,
		"messages":    msgs,
	}
	if req.System != "" {
		payload["system"] = req.System
	}

	header := http.Header{}
	header.Set("x-api-key", a.apiKey)
	header.Set("anthropic-version", "2023-06-01")
	body, err := postJSON(ctx, a.client, "anthropic", a.endpoint, header, payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var text strings.Builder
	for _, c := range result.Content {
		if c.Type == "" || c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}
	if result.StopReason == "max_tokens" {
		return nil, fmt.Errorf("anthropic: %w", ErrTruncated)
	}

	content := text.String()
	if req.JSON && !strings.HasPrefix(strings.TrimSpace(content), "{") {
		content = "{" + content
	}
	return &Response{
		Content:    content,
		Provider:   "anthropic",
		TokensUsed: result.Usage.InputTokens + result.Usage.OutputTokens,
	}, nil
}

func maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return 512
}
