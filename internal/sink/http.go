package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	webhookLimit = 2000 // chat message size limit
	postLimit    = 280
)

// Webhook sends notifications to a Discord-style chat webhook.
type Webhook struct {
	url    string
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewWebhook creates a notifier posting to url.
func NewWebhook(url string, timeout time.Duration, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		now:    time.Now,
	}
}

// Execute delivers a.Content, split into as many messages as the webhook
// size limit requires.
func (w *Webhook) Execute(ctx context.Context, a Action) (Receipt, error) {
	chunks := split(a.Content, webhookLimit)
	for i, c := range chunks {
		if _, err := send(ctx, w.client, "webhook", w.url, "", map[string]string{"content": c}); err != nil {
			var ae *ActionError
			if len(chunks) > 1 && errors.As(err, &ae) {
				ae.Delivered, ae.Total = i, len(chunks)
			}
			return Receipt{}, err
		}
		w.logger.Debug("webhook chunk sent",
			zap.String("cycle_id", a.CycleID),
			zap.Int("chunk", i+1),
			zap.Int("chunks", len(chunks)))
	}
	return Receipt{ID: uuid.NewString(), Channel: "webhook", At: w.now()}, nil
}

// Poster publishes short public posts as JSON to an HTTP endpoint.
type Poster struct {
	url    string
	token  string
	client *http.Client
	now    func() time.Time
}

// NewPoster creates a poster for url, authenticating with a bearer token
// when one is set.
func NewPoster(url, token string, timeout time.Duration) *Poster {
	return &Poster{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Execute publishes a.Content truncated to the post length limit.
func (p *Poster) Execute(ctx context.Context, a Action) (Receipt, error) {
	body, err := send(ctx, p.client, "poster", p.url, p.token, map[string]string{
		"text":     truncate(a.Content, postLimit),
		"cycle_id": a.CycleID,
	})
	if err != nil {
		return Receipt{}, err
	}

	r := Receipt{Channel: "poster", At: p.now()}
	var resp struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(body, &resp) == nil && resp.ID != "" {
		r.ID = resp.ID
	} else {
		r.ID = uuid.NewString()
	}
	return r, nil
}

func send(ctx context.Context, client *http.Client, channel, url, token string, payload any) ([]byte, error) {
	fail := func(status int, err error) error {
		kind := Failed
		if status == http.StatusTooManyRequests {
			kind = RateLimited
		}
		return &ActionError{Channel: channel, Kind: kind, Status: status, Err: err}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fail(0, fmt.Errorf("marshal payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fail(0, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fail(0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fail(resp.StatusCode, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}
	return body, nil
}

// split breaks s into pieces of at most limit runes, preferring to cut at
// a newline in the second half of a piece.
func split(s string, limit int) []string {
	r := []rune(s)
	if len(r) <= limit {
		return []string{s}
	}
	var out []string
	for len(r) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if r[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
