package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/smolclaw/internal/hormone"
	"github.com/lazypower/smolclaw/internal/llm"
	"github.com/lazypower/smolclaw/internal/memory"
)

// retryMarker is appended to a candidate whose identical predecessor failed
// recently. The content hash changes, so the retry is not a duplicate; a
// second failure makes the retry itself a duplicate until the window ends.
const retryMarker = " (retry)"

// RuleDecider is the built-in decision function.
type RuleDecider struct {
	QuietStart int // hour of day, inclusive
	QuietEnd   int // hour of day, exclusive; equal to QuietStart disables
}

func (d *RuleDecider) quiet(hour int) bool {
	switch {
	case d.QuietStart == d.QuietEnd:
		return false
	case d.QuietStart < d.QuietEnd:
		return hour >= d.QuietStart && hour < d.QuietEnd
	default:
		return hour >= d.QuietStart || hour < d.QuietEnd
	}
}

// Decide proposes a notification for uncommitted work or open tasks, and
// in bold mode a post about today's commits. Bold mode puts the post first;
// defensive mode never posts.
func (d *RuleDecider) Decide(ctx context.Context, in DecisionInput) (Candidate, error) {
	if d.quiet(in.Now.Hour()) {
		return Candidate{Kind: memory.KindSkip, Reason: "quiet hours"}, nil
	}

	s := in.Snapshot
	var notes []Candidate
	if s.Uncommitted > 0 {
		notes = append(notes, Candidate{
			Kind:    memory.KindNotify,
			Content: fmt.Sprintf("%d uncommitted changes in %s", s.Uncommitted, s.RepoName()),
			Reason:  "uncommitted work",
		})
	}
	if s.PendingTasks > 0 {
		msg := fmt.Sprintf("%d pending tasks", s.PendingTasks)
		if len(s.Tasks) > 0 {
			msg += ", next up: " + s.Tasks[0]
		}
		notes = append(notes, Candidate{Kind: memory.KindNotify, Content: msg, Reason: "open tasks"})
	}

	var cands []Candidate
	if in.Mode == hormone.ModeBold && s.CommitsToday > 0 {
		post := fmt.Sprintf("Shipped %d commits on %s today. Latest: %s", s.CommitsToday, s.RepoName(), s.LastCommit)
		cands = append(cands, Candidate{Kind: memory.KindPost, Content: post, Reason: "bold mode with fresh commits"})
	}
	cands = append(cands, notes...)

	for _, c := range cands {
		switch lastOutcome(in.Recent, c) {
		case memory.OutcomeSuccess, memory.OutcomePending, memory.OutcomeViolation:
			continue
		case memory.OutcomeFailure:
			c.Content += retryMarker
			c.Reason += ", retrying after failure"
		}
		return c, nil
	}
	if len(cands) > 0 {
		return Candidate{Kind: memory.KindSkip, Reason: "already handled"}, nil
	}
	return Candidate{Kind: memory.KindSkip, Reason: "nothing actionable"}, nil
}

// lastOutcome is the outcome of the newest recent record with c's content,
// or "" if there is none.
func lastOutcome(recent []memory.Entry, c Candidate) memory.Outcome {
	hash := memory.ContentHash(c.Kind, c.Content)
	for _, e := range recent {
		if e.Record != nil && e.Record.Hash == hash {
			return e.Record.Outcome
		}
	}
	return ""
}

// LLMDecider asks a language model for the candidate action.
type LLMDecider struct {
	client llm.Client
	logger *zap.Logger
}

// NewLLMDecider wraps client.
func NewLLMDecider(client llm.Client, logger *zap.Logger) *LLMDecider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMDecider{client: client, logger: logger}
}

// Decide prompts the model with the snapshot, mood and recent decisions.
func (d *LLMDecider) Decide(ctx context.Context, in DecisionInput) (Candidate, error) {
	out, resp, err := llm.Decide(ctx, d.client, llm.PromptInput{
		Mode:           in.Mode.String(),
		Mood:           in.Mood,
		Instruction:    in.Params.Instruction,
		ResponseLength: in.Params.ResponseLength,
		Context:        in.Snapshot.Lines(),
		Recent:         describe(in.Recent),
	})
	if err != nil {
		d.logFailure(resp, err)
		return Candidate{}, fmt.Errorf("llm decide: %w", err)
	}
	d.logger.Debug("llm decision",
		zap.String("provider", resp.Provider),
		zap.Int("tokens", resp.TokensUsed),
		zap.String("kind", out.Kind))

	kind := memory.Kind(out.Kind)
	if kind == memory.KindPost && in.Mode == hormone.ModeDefensive {
		return Candidate{Kind: memory.KindSkip, Reason: "defensive mode suppresses posts"}, nil
	}
	return Candidate{Kind: kind, Content: out.Content, Reason: out.Reason}, nil
}

// logFailure separates an unreachable model from one that answered badly.
func (d *LLMDecider) logFailure(resp *llm.Response, err error) {
	var apiErr *llm.APIError
	switch {
	case errors.As(err, &apiErr):
		d.logger.Warn("llm provider rejected request",
			zap.String("provider", apiErr.Provider),
			zap.Int("status", apiErr.Status),
			zap.Bool("temporary", apiErr.Temporary()))
	case errors.Is(err, llm.ErrNoDecision), errors.Is(err, llm.ErrUnknownKind),
		errors.Is(err, llm.ErrEmptyResponse), errors.Is(err, llm.ErrTruncated):
		fields := []zap.Field{zap.Error(err)}
		if resp != nil {
			fields = append(fields, zap.String("provider", resp.Provider), zap.Int("tokens", resp.TokensUsed))
		}
		d.logger.Warn("llm answer unusable", fields...)
	default:
		d.logger.Warn("llm unavailable", zap.Error(err))
	}
}

func describe(entries []memory.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.Record != nil:
			r := e.Record
			out = append(out, fmt.Sprintf("%s %s (%s): %s",
				r.Timestamp.Format("Jan 2 15:04"), r.Kind, r.Outcome, strings.TrimSpace(r.Summary)))
		case e.Summary != nil:
			out = append(out, fmt.Sprintf("summary of %d older decisions: %s", e.Summary.Count, e.Summary.Description))
		}
	}
	return out
}
