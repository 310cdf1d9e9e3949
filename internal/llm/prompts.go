package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// PromptInput is what the decision prompt is built from.
type PromptInput struct {
	Mode           string
	Mood           string
	Instruction    string
	ResponseLength string
	Context        []string // one observation per line
	Recent         []string // recent decisions, newest first
}

// decisionSystem is the standing instruction for every decision request.
const decisionSystem = `You are a small personal agent deciding whether to act right now.

Pick exactly one action:
- notify: send the user a short, useful nudge about the current context
- post: publish a short public update about recent work (never secrets, internal hosts or personal data)
- skip: do nothing this cycle

Rules:
- Prefer skip when nothing changed or a recent decision already covered it
- Never repeat a recent decision verbatim
- Answer with ONLY this JSON object, no other text:
{"kind": "notify|post|skip", "content": "message text, empty for skip", "reason": "one short sentence"}`

// DecisionPrompt renders the per-cycle part of a decision request.
func DecisionPrompt(in PromptInput) string {
	ctxLines := "(no signal)"
	if len(in.Context) > 0 {
		ctxLines = "- " + strings.Join(in.Context, "\n- ")
	}
	recent := "(none)"
	if len(in.Recent) > 0 {
		recent = "- " + strings.Join(in.Recent, "\n- ")
	}

	return fmt.Sprintf(`MOOD: %s (behavior mode: %s)
GUIDANCE: %s
RESPONSE LENGTH: %s

CURRENT CONTEXT:
%s

RECENT DECISIONS:
%s`,
		in.Mood, in.Mode, in.Instruction, in.ResponseLength, ctxLines, recent)
}

// DecisionRequest builds the JSON-mode request for one decision.
func DecisionRequest(in PromptInput) Request {
	return Request{
		System:    decisionSystem,
		Prompt:    DecisionPrompt(in),
		MaxTokens: 512,
		JSON:      true,
	}
}

// Decision is the model's parsed answer.
type Decision struct {
	Kind    string `json:"kind"`
	Content string `json:"content"`
	Reason  string `json:"reason"`
}

// Decide asks c for one decision and validates the answer. Failures wrap
// ErrEmptyResponse, ErrTruncated, ErrNoDecision, ErrUnknownKind or an
// *APIError, so callers can tell a broken model from an unreachable one.
func Decide(ctx context.Context, c Client, in PromptInput) (Decision, *Response, error) {
	resp, err := c.Complete(ctx, DecisionRequest(in))
	if err != nil {
		return Decision{}, nil, err
	}
	d, err := ParseDecision(resp.Content)
	if err != nil {
		return Decision{}, resp, err
	}
	switch d.Kind {
	case "notify", "post":
		if d.Content == "" {
			return Decision{}, resp, fmt.Errorf("%w: %s without content", ErrNoDecision, d.Kind)
		}
	case "skip":
	default:
		return Decision{}, resp, fmt.Errorf("%w: %q", ErrUnknownKind, d.Kind)
	}
	return d, resp, nil
}

// ParseDecision extracts the JSON object from a completion. The response
// may be wrapped in markdown code fences or other text.
func ParseDecision(content string) (Decision, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Decision{}, ErrEmptyResponse
	}

	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Decision{}, fmt.Errorf("%w: no JSON object found", ErrNoDecision)
	}

	var d Decision
	if err := json.Unmarshal([]byte(content[start:end+1]), &d); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrNoDecision, err)
	}
	d.Kind = strings.ToLower(strings.TrimSpace(d.Kind))
	d.Content = strings.TrimSpace(d.Content)
	return d, nil
}
