package server

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/smolclaw/internal/engine"
	"github.com/lazypower/smolclaw/internal/guardrail"
	"github.com/lazypower/smolclaw/internal/hormone"
	"github.com/lazypower/smolclaw/internal/memory"
	"github.com/lazypower/smolclaw/internal/store"
)

// Agent is the engine surface the API exposes. *engine.Engine implements it.
type Agent interface {
	RunCycle(ctx context.Context, trig engine.Trigger) (*engine.CycleResult, error)
	Status(ctx context.Context) engine.Status
	Nudge(ctx context.Context, dDopamine, dCortisol, dEnergy float64) (hormone.State, error)
	Replenish(ctx context.Context, level float64) (hormone.State, error)
	Recent(ctx context.Context, n int) iter.Seq2[memory.Entry, error]
	Compact(ctx context.Context) (*memory.SummaryRecord, error)
	Learn(ctx context.Context, v guardrail.Violation) (guardrail.ViolationPattern, error)
	Patterns() []guardrail.ViolationPattern
}

// Server is the smolclaw HTTP admin API.
type Server struct {
	agent   Agent
	db      *store.DB
	logger  *zap.Logger
	router  chi.Router
	version string
	started time.Time
}

// New creates a Server. db is only used for the health check and may be nil.
func New(agent Agent, db *store.DB, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		agent:   agent,
		db:      db,
		logger:  logger,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Post("/cycle", s.handleCycle)

		r.Route("/hormones", func(r chi.Router) {
			r.Post("/nudge", s.handleNudge)
			r.Post("/replenish", s.handleReplenish)
		})

		r.Route("/memory", func(r chi.Router) {
			r.Get("/recent", s.handleRecent)
			r.Post("/compact", s.handleCompact)
		})

		r.Get("/violations", s.handleListViolations)
		r.Post("/violations", s.handleLearnViolation)
	})

	s.router = r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
	}
	if s.db != nil {
		body["db"] = s.db.PingContext(r.Context()) == nil
		body["db_path"] = s.db.Path
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
