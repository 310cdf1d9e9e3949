package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Ollama calls a local Ollama instance.
type Ollama struct {
	url    string
	model  string
	client *http.Client
}

// NewOllama creates a client for model served at url.
func NewOllama(url, model string) *Ollama {
	return &Ollama{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		client: &http.Client{Timeout: requestTimeout},
	}
}

// Complete sends req to the generate endpoint. A JSON request switches on
// Ollama's JSON output mode, which constrains sampling to valid JSON.
func (o *Ollama) Complete(ctx context.Context, req Request) (*Response, error) {
	payload := map[string]any{
		"model":  o.model,
		"prompt": req.Prompt,
		"stream": false,
		"options": map[string]any{
			"temperature": 0.3,
			"num_predict": maxTokens(req),
		},
	}
	if req.System != "" {
		payload["system"] = req.System
	}
	if req.JSON {
		payload["format"] = "json"
	}

	body, err := postJSON(ctx, o.client, "ollama", o.url+"/api/generate", nil, payload)
	if err != nil {
		return nil, err
	}

	var result struct {
		Response        string `json:"response"`
		DoneReason      string `json:"done_reason"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		EvalCount       int    `json:"eval_count"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(result.Response) == "" {
		return nil, fmt.Errorf("ollama: %w", ErrEmptyResponse)
	}
	if result.DoneReason == "length" {
		return nil, fmt.Errorf("ollama: %w", ErrTruncated)
	}

	return &Response{
		Content:    result.Response,
		Provider:   "ollama",
		TokensUsed: result.PromptEvalCount + result.EvalCount,
	}, nil
}
