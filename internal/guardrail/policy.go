// Package guardrail detects and learns policy violations. Every candidate
// action is evaluated against built-in dangerous patterns and against
// signatures learned from reported violations before it may cause a side
// effect.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazypower/smolclaw/internal/store"
)

// Decision is the evaluation outcome.
type Decision string

const (
	Approved Decision = "approved"
	Flagged  Decision = "flagged"
	Blocked  Decision = "blocked"
)

// ErrEmptyViolation is returned by Learn for content with no signature.
var ErrEmptyViolation = errors.New("violation content is empty")

// ViolationPattern is a learned dangerous signature.
type ViolationPattern struct {
	ID          string    `json:"id"`
	Signature   string    `json:"signature"`
	Example     string    `json:"example"`
	Reason      string    `json:"reason,omitempty"`
	Source      string    `json:"source"`
	Occurrences int       `json:"occurrences"`
	Severity    float64   `json:"severity"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Candidate is an action about to be taken.
type Candidate struct {
	Kind    string
	Content string
}

// Violation is a report that some content broke policy.
type Violation struct {
	Content  string  `json:"content"`
	Reason   string  `json:"reason,omitempty"`
	Severity float64 `json:"severity,omitempty"` // 0 means the configured default
	Source   string  `json:"source,omitempty"`
}

// Verdict is the result of Evaluate.
type Verdict struct {
	Decision   Decision          `json:"decision"`
	Pattern    *ViolationPattern `json:"pattern,omitempty"`
	Rule       string            `json:"rule,omitempty"`
	Similarity float64           `json:"similarity"`
	Reason     string            `json:"reason,omitempty"`
}

// Config tunes matching.
type Config struct {
	BlockSeverity   float64 `yaml:"block_severity"`   // block at or above
	FullMatch       float64 `yaml:"full_match"`       // similarity counted as a match
	PartialMatch    float64 `yaml:"partial_match"`    // similarity that flags
	LearnedSeverity float64 `yaml:"learned_severity"` // default for new patterns
	SeverityStep    float64 `yaml:"severity_step"`    // added per repeat report
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		BlockSeverity:   0.5,
		FullMatch:       0.8,
		PartialMatch:    0.5,
		LearnedSeverity: 0.7,
		SeverityStep:    0.1,
	}
}

// minContainWords is the smallest learned pattern that may match by
// containment inside a longer candidate.
const minContainWords = 4

// Persister stores patterns. *store.DB implements it.
type Persister interface {
	ListPatterns(ctx context.Context) ([]store.Pattern, error)
	SavePattern(ctx context.Context, p store.Pattern) error
}

// Policy holds the learned pattern table.
type Policy struct {
	mu       sync.RWMutex
	cfg      Config
	patterns []ViolationPattern
	persist  Persister
	now      func() time.Time
	logger   *zap.Logger
}

// Option customizes a Policy.
type Option func(*Policy)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

// NewPolicy loads stored patterns. A nil persister keeps patterns in memory.
func NewPolicy(ctx context.Context, cfg Config, persist Persister, opts ...Option) (*Policy, error) {
	p := &Policy{
		cfg:     cfg,
		persist: persist,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	if persist == nil {
		return p, nil
	}

	rows, err := persist.ListPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	for _, r := range rows {
		p.patterns = append(p.patterns, ViolationPattern{
			ID:          r.ID,
			Signature:   r.Signature,
			Example:     r.Example,
			Reason:      r.Reason,
			Source:      r.Source,
			Occurrences: r.Occurrences,
			Severity:    r.Severity,
			FirstSeen:   time.UnixMilli(r.FirstSeen),
			LastSeen:    time.UnixMilli(r.LastSeen),
		})
	}
	return p, nil
}

// SetConfig swaps the matching thresholds.
func (p *Policy) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// Patterns returns a copy of the pattern table, most severe first.
func (p *Policy) Patterns() []ViolationPattern {
	p.mu.RLock()
	out := make([]ViolationPattern, len(p.patterns))
	copy(out, p.patterns)
	p.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Severity > out[j].Severity })
	return out
}

func score(patternSig, candidateSig string) float64 {
	s := Similarity(patternSig, candidateSig)
	if len(strings.Fields(patternSig)) >= minContainWords {
		s = math.Max(s, containment(patternSig, candidateSig))
	}
	return s
}

// Evaluate checks a candidate. It runs on a snapshot of the pattern table,
// so a concurrent Learn never changes a verdict mid-evaluation. A blocked
// match counts as another occurrence of the pattern.
func (p *Policy) Evaluate(ctx context.Context, c Candidate) (Verdict, error) {
	p.mu.RLock()
	cfg := p.cfg
	snapshot := make([]ViolationPattern, len(p.patterns))
	copy(snapshot, p.patterns)
	p.mu.RUnlock()

	sig := Signature(Redact(c.Content))

	var best *ViolationPattern
	bestScore := 0.0
	for i := range snapshot {
		if s := score(snapshot[i].Signature, sig); s > bestScore {
			best, bestScore = &snapshot[i], s
		}
	}

	if best != nil && bestScore >= cfg.FullMatch && best.Severity >= cfg.BlockSeverity {
		updated, err := p.observe(ctx, best.ID)
		if err != nil {
			p.logger.Warn("guardrail: record occurrence failed", zap.Error(err))
			updated = *best
		}
		return Verdict{
			Decision:   Blocked,
			Pattern:    &updated,
			Similarity: bestScore,
			Reason:     fmt.Sprintf("matches learned violation %s", best.ID),
		}, nil
	}

	if r, ok := matchRules(c.Content); ok {
		if r.Severity >= cfg.BlockSeverity {
			learned, err := p.Learn(ctx, Violation{
				Content:  c.Content,
				Reason:   "built-in rule " + r.Name,
				Severity: r.Severity,
				Source:   "rule:" + r.Name,
			})
			v := Verdict{Decision: Blocked, Rule: r.Name, Similarity: 1, Reason: "built-in rule " + r.Name}
			if err != nil {
				p.logger.Warn("guardrail: learn from rule failed", zap.String("rule", r.Name), zap.Error(err))
			} else {
				v.Pattern = &learned
			}
			return v, nil
		}
		return Verdict{Decision: Flagged, Rule: r.Name, Similarity: 1, Reason: "low-severity rule " + r.Name}, nil
	}

	if best != nil && bestScore >= cfg.PartialMatch {
		pat := *best
		return Verdict{
			Decision:   Flagged,
			Pattern:    &pat,
			Similarity: bestScore,
			Reason:     fmt.Sprintf("resembles violation %s", best.ID),
		}, nil
	}

	return Verdict{Decision: Approved, Similarity: bestScore}, nil
}

func (p *Policy) observe(ctx context.Context, id string) (ViolationPattern, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.patterns {
		if p.patterns[i].ID != id {
			continue
		}
		p.patterns[i].Occurrences++
		p.patterns[i].LastSeen = p.now()
		return p.patterns[i], p.save(ctx, p.patterns[i])
	}
	return ViolationPattern{}, fmt.Errorf("pattern %s no longer present", id)
}

// Learn records a reported violation: the closest existing pattern at full
// similarity is reinforced, otherwise a new pattern is created. Safe to call
// at any time, including while a cycle is evaluating.
func (p *Policy) Learn(ctx context.Context, v Violation) (ViolationPattern, error) {
	sig := Signature(Redact(v.Content))
	if sig == "" {
		return ViolationPattern{}, fmt.Errorf("learn: %w", ErrEmptyViolation)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	sev := v.Severity
	if sev <= 0 {
		sev = p.cfg.LearnedSeverity
	}

	bestIdx, bestSim := -1, 0.0
	for i := range p.patterns {
		if s := Similarity(p.patterns[i].Signature, sig); s > bestSim {
			bestIdx, bestSim = i, s
		}
	}

	if bestIdx >= 0 && bestSim >= p.cfg.FullMatch {
		pat := &p.patterns[bestIdx]
		pat.Occurrences++
		// An explicit severity raises the floor; otherwise each report
		// only adds one step.
		base := pat.Severity
		if v.Severity > 0 {
			base = math.Max(base, v.Severity)
		}
		pat.Severity = math.Min(1, base+p.cfg.SeverityStep)
		pat.LastSeen = now
		if v.Reason != "" {
			pat.Reason = v.Reason
		}
		p.logger.Info("guardrail: reinforced pattern",
			zap.String("pattern", pat.ID),
			zap.Int("occurrences", pat.Occurrences),
			zap.Float64("severity", pat.Severity))
		return *pat, p.save(ctx, *pat)
	}

	source := v.Source
	if source == "" {
		source = "learned"
	}
	pat := ViolationPattern{
		ID:          uuid.NewString(),
		Signature:   sig,
		Example:     Redact(v.Content),
		Reason:      v.Reason,
		Source:      source,
		Occurrences: 1,
		Severity:    math.Min(1, sev),
		FirstSeen:   now,
		LastSeen:    now,
	}
	p.patterns = append(p.patterns, pat)
	p.logger.Info("guardrail: learned pattern",
		zap.String("pattern", pat.ID),
		zap.String("source", source),
		zap.Float64("severity", pat.Severity))
	return pat, p.save(ctx, pat)
}

func (p *Policy) save(ctx context.Context, v ViolationPattern) error {
	if p.persist == nil {
		return nil
	}
	err := p.persist.SavePattern(ctx, store.Pattern{
		ID:          v.ID,
		Signature:   v.Signature,
		Example:     v.Example,
		Reason:      v.Reason,
		Source:      v.Source,
		Occurrences: v.Occurrences,
		Severity:    v.Severity,
		FirstSeen:   v.FirstSeen.UnixMilli(),
		LastSeen:    v.LastSeen.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("save pattern %s: %w", v.ID, err)
	}
	return nil
}
