package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/smolclaw/internal/engine"
	"github.com/lazypower/smolclaw/internal/guardrail"
	"github.com/lazypower/smolclaw/internal/memory"
)

const (
	defaultRecent = 10
	maxRecent     = 200
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Status(r.Context()))
}

// handleCycle runs an external-trigger cycle synchronously. A cycle already
// in progress is reported as 409 rather than queued.
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	res, err := s.agent.RunCycle(r.Context(), engine.TriggerExternal)
	switch {
	case errors.Is(err, engine.ErrCycleBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil && res == nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.logger.Warn("triggered cycle failed", zap.String("cycle_id", res.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Dopamine float64 `json:"dopamine"`
		Cortisol float64 `json:"cortisol"`
		Energy   float64 `json:"energy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	st, err := s.agent.Nudge(r.Context(), req.Dopamine, req.Cortisol, req.Energy)
	if err != nil {
		// The in-memory state moved even if persisting it failed.
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "hormones": st})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hormones": st})
}

func (s *Server) handleReplenish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level *float64 `json:"level"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	level := 1.0
	if req.Level != nil {
		level = *req.Level
	}
	if level < 0 || level > 1 {
		writeError(w, http.StatusBadRequest, "level must be within [0, 1]")
		return
	}

	st, err := s.agent.Replenish(r.Context(), level)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "hormones": st})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hormones": st})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	n := defaultRecent
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = min(parsed, maxRecent)
	}

	entries := []memory.Entry{}
	for e, err := range s.agent.Recent(r.Context(), n) {
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	sum, err := s.agent.Compact(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"compacted": sum != nil, "summary": sum})
}

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	patterns := s.agent.Patterns()
	if patterns == nil {
		patterns = []guardrail.ViolationPattern{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(patterns), "patterns": patterns})
}

func (s *Server) handleLearnViolation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content  string  `json:"content"`
		Reason   string  `json:"reason"`
		Severity float64 `json:"severity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	if req.Severity < 0 || req.Severity > 1 {
		writeError(w, http.StatusBadRequest, "severity must be within [0, 1]")
		return
	}

	p, err := s.agent.Learn(r.Context(), guardrail.Violation{
		Content:  req.Content,
		Reason:   req.Reason,
		Severity: req.Severity,
		Source:   "operator",
	})
	if errors.Is(err, guardrail.ErrEmptyViolation) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("violation learned", zap.String("pattern", p.ID), zap.Int("occurrences", p.Occurrences))
	writeJSON(w, http.StatusCreated, p)
}
