// Package client talks to a running smolclaw server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/lazypower/smolclaw/internal/engine"
	"github.com/lazypower/smolclaw/internal/guardrail"
	"github.com/lazypower/smolclaw/internal/hormone"
	"github.com/lazypower/smolclaw/internal/memory"
)

const (
	defaultServerURL = "http://127.0.0.1:37778"
	// A triggered cycle runs synchronously and may wait on the sink.
	httpTimeout = 60 * time.Second
)

// ErrBusy is returned by Trigger when a cycle is already running.
var ErrBusy = errors.New("a think cycle is already running")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, errorMessage(e.Body))
}

// Client talks to the smolclaw server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL falls back to
// SMOLCLAW_URL, then http://127.0.0.1:37778.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("SMOLCLAW_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: data}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func errorMessage(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(data))
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}

// Status fetches the engine status.
func (c *Client) Status(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// Trigger runs a think cycle now and returns its result. A cycle that
// fails part way still returns its result alongside the error.
func (c *Client) Trigger(ctx context.Context) (*engine.CycleResult, error) {
	var res engine.CycleResult
	err := c.do(ctx, http.MethodPost, "/api/cycle", struct{}{}, &res)
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusConflict:
			return nil, ErrBusy
		case http.StatusInternalServerError:
			if json.Unmarshal(se.Body, &res) == nil && res.ID != "" {
				return &res, fmt.Errorf("cycle %s: %s", res.ID, res.Err)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Nudge applies operator hormone deltas.
func (c *Client) Nudge(ctx context.Context, dDopamine, dCortisol, dEnergy float64) (hormone.State, error) {
	in := map[string]float64{"dopamine": dDopamine, "cortisol": dCortisol, "energy": dEnergy}
	var out struct {
		Hormones hormone.State `json:"hormones"`
	}
	err := c.do(ctx, http.MethodPost, "/api/hormones/nudge", in, &out)
	return out.Hormones, err
}

// Replenish resets energy to level.
func (c *Client) Replenish(ctx context.Context, level float64) (hormone.State, error) {
	var out struct {
		Hormones hormone.State `json:"hormones"`
	}
	err := c.do(ctx, http.MethodPost, "/api/hormones/replenish", map[string]float64{"level": level}, &out)
	return out.Hormones, err
}

// Recent fetches the newest n memory entries.
func (c *Client) Recent(ctx context.Context, n int) ([]memory.Entry, error) {
	q := url.Values{"n": {strconv.Itoa(n)}}
	var out struct {
		Entries []memory.Entry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "/api/memory/recent?"+q.Encode(), nil, &out)
	return out.Entries, err
}

// Learn reports a violation.
func (c *Client) Learn(ctx context.Context, v guardrail.Violation) (guardrail.ViolationPattern, error) {
	var p guardrail.ViolationPattern
	err := c.do(ctx, http.MethodPost, "/api/violations", v, &p)
	return p, err
}

// Violations lists learned patterns.
func (c *Client) Violations(ctx context.Context) ([]guardrail.ViolationPattern, error) {
	var out struct {
		Patterns []guardrail.ViolationPattern `json:"patterns"`
	}
	err := c.do(ctx, http.MethodGet, "/api/violations", nil, &out)
	return out.Patterns, err
}
