package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lazypower/smolclaw/internal/engine"
	"github.com/lazypower/smolclaw/internal/guardrail"
	"github.com/lazypower/smolclaw/internal/hormone"
	"github.com/lazypower/smolclaw/internal/memory"
)

func testClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func TestStatusDecodesModes(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(engine.Status{
			Mode:        hormone.ModeDefensive,
			Flags:       []hormone.Mode{hormone.ModeDefensive, hormone.ModeMinimal},
			Label:       "defensive",
			LiveRecords: 7,
		})
	})

	st, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Mode != hormone.ModeDefensive {
		t.Errorf("mode = %v, want defensive", st.Mode)
	}
	if len(st.Flags) != 2 || st.Flags[1] != hormone.ModeMinimal {
		t.Errorf("flags = %v", st.Flags)
	}
	if st.LiveRecords != 7 {
		t.Errorf("live = %d, want 7", st.LiveRecords)
	}
}

func TestTrigger(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		body    any
		wantErr error
		wantRes bool
	}{
		{"ok", http.StatusOK, engine.CycleResult{ID: "c1", Outcome: memory.OutcomeSuccess}, nil, true},
		{"busy", http.StatusConflict, map[string]string{"error": "think cycle already running"}, ErrBusy, false},
		{"failed cycle", http.StatusInternalServerError, engine.CycleResult{ID: "c2", Err: "disk full"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/api/cycle" {
					http.NotFound(w, r)
					return
				}
				w.WriteHeader(tt.code)
				json.NewEncoder(w).Encode(tt.body)
			})

			res, err := c.Trigger(context.Background())
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if tt.code >= 400 && err == nil {
				t.Fatal("expected an error")
			}
			if (res != nil) != tt.wantRes {
				t.Fatalf("result = %+v, want present=%v", res, tt.wantRes)
			}
		})
	}
}

func TestNudgeSendsDeltas(t *testing.T) {
	var got map[string]float64
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{"hormones": hormone.State{Dopamine: 0.8, Cortisol: 0.5, Energy: 1}})
	})

	st, err := c.Nudge(context.Background(), 0.3, 0, 0)
	if err != nil {
		t.Fatalf("Nudge: %v", err)
	}
	if got["dopamine"] != 0.3 {
		t.Errorf("sent dopamine = %v, want 0.3", got["dopamine"])
	}
	if st.Dopamine != 0.8 {
		t.Errorf("dopamine = %v, want 0.8", st.Dopamine)
	}
}

func TestRecentAndLearn(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/memory/recent":
			if r.URL.Query().Get("n") != "3" {
				http.Error(w, `{"error":"bad n"}`, http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"entries": []memory.Entry{
				{Record: &memory.DecisionRecord{ID: 1, Kind: memory.KindSkip}},
			}})
		case "/api/violations":
			var v guardrail.Violation
			json.NewDecoder(r.Body).Decode(&v)
			if v.Content == "" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "content required"})
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(guardrail.ViolationPattern{ID: "p1", Example: v.Content})
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()

	entries, err := c.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Record.Kind != memory.KindSkip {
		t.Errorf("entries = %+v", entries)
	}

	p, err := c.Learn(ctx, guardrail.Violation{Content: "leaked a token"})
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if p.ID != "p1" {
		t.Errorf("id = %q, want p1", p.ID)
	}

	_, err = c.Learn(ctx, guardrail.Violation{})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 StatusError", err)
	}
	if se.Error() != "POST /api/violations: status 400: content required" {
		t.Errorf("message = %q", se.Error())
	}
}

func TestHealthy(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	if !c.Healthy(context.Background()) {
		t.Error("expected healthy")
	}

	down := New("http://127.0.0.1:1")
	if down.Healthy(context.Background()) {
		t.Error("expected unreachable server to be unhealthy")
	}
}
