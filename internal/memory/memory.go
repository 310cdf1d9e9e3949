// Package memory implements the agent's decision log: an append-only,
// deduplicated record of think-cycle decisions that folds its oldest entries
// into summaries once it grows past a threshold.
package memory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/smolclaw/internal/store"
)

// Config holds the dedup and compaction policy.
type Config struct {
	DedupWindow      time.Duration `yaml:"dedup_window"`
	CompactThreshold int           `yaml:"compact_threshold"`
	CompactTail      int           `yaml:"compact_tail"`
}

// DefaultConfig returns a rolling 24h dedup window and compaction above
// 100 live records down to the 20 most recent.
func DefaultConfig() Config {
	return Config{
		DedupWindow:      24 * time.Hour,
		CompactThreshold: 100,
		CompactTail:      20,
	}
}

// Memory is the plain Store variant backed by SQLite.
type Memory struct {
	db     *store.DB
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	// mu serializes writers (record + compaction as one unit) against
	// readers, so a query sees the log either before or after a fold.
	mu sync.RWMutex
}

// Option customizes a Memory.
type Option func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Memory) { m.logger = l }
}

// New creates a Memory over db.
func New(db *store.DB, cfg Config, opts ...Option) *Memory {
	m := &Memory{
		db:     db,
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

var _ Store = (*Memory)(nil)

func toRecord(d store.Decision) *DecisionRecord {
	return &DecisionRecord{
		ID:        d.ID,
		Hash:      d.Hash,
		Timestamp: time.UnixMilli(d.CreatedAt),
		Kind:      Kind(d.Kind),
		Summary:   d.Summary,
		Outcome:   Outcome(d.Outcome),
		CycleID:   d.CycleID,
		Flagged:   d.Flagged,
	}
}

func toSummary(s store.Summary) *SummaryRecord {
	return &SummaryRecord{
		ID:             s.ID,
		Start:          time.UnixMilli(s.StartAt),
		End:            time.UnixMilli(s.EndAt),
		Count:          s.Count,
		Description:    s.Description,
		ViolationCount: s.ViolationCount,
	}
}

// Record appends a decision. Within one transaction it rejects duplicates
// of a live record inside the dedup window, inserts, and compacts if the
// live count crossed the threshold. Either all of that commits or none of
// it is visible.
func (m *Memory) Record(ctx context.Context, d Decision) (*DecisionRecord, error) {
	if !d.Kind.Valid() {
		return nil, fmt.Errorf("record: invalid kind %q", d.Kind)
	}
	if !d.Outcome.Valid() {
		return nil, fmt.Errorf("record: invalid outcome %q", d.Outcome)
	}

	now := m.now()
	hash := ContentHash(d.Kind, d.Summary)

	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		rec     *DecisionRecord
		dup     *store.Decision
		summary *SummaryRecord
	)
	err := m.db.Update(ctx, func(tx *store.Tx) error {
		if m.cfg.DedupWindow > 0 {
			existing, err := tx.LatestByHash(hash, now.Add(-m.cfg.DedupWindow).UnixMilli())
			if err != nil {
				return err
			}
			if existing != nil {
				dup = existing
				return ErrDuplicateDecision
			}
		}

		row := &store.Decision{
			Hash:      hash,
			Kind:      string(d.Kind),
			Summary:   d.Summary,
			Outcome:   string(d.Outcome),
			CycleID:   d.CycleID,
			Flagged:   d.Flagged,
			CreatedAt: now.UnixMilli(),
		}
		if err := tx.InsertDecision(row); err != nil {
			return err
		}
		rec = toRecord(*row)

		s, err := m.compactTx(tx, now)
		if err != nil {
			return fmt.Errorf("compact: %w", err)
		}
		summary = s
		return nil
	})
	if errors.Is(err, ErrDuplicateDecision) {
		m.logger.Debug("duplicate decision rejected",
			zap.String("hash", hash[:12]),
			zap.Int64("existing_id", dup.ID))
		return nil, fmt.Errorf("%w: matches record %d from %s",
			ErrDuplicateDecision, dup.ID, time.UnixMilli(dup.CreatedAt).Format(time.RFC3339))
	}
	if err != nil {
		return nil, &PersistenceError{Op: "record", Err: err}
	}

	if summary != nil {
		m.logger.Info("memory compacted",
			zap.Int("folded", summary.Count),
			zap.Int("violations", summary.ViolationCount))
	}
	return rec, nil
}

// Resolve performs the single permitted transition of a record from
// pending to a terminal outcome.
func (m *Memory) Resolve(ctx context.Context, id int64, o Outcome) error {
	if !o.Terminal() {
		return fmt.Errorf("resolve: %q is not a terminal outcome", o)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.db.Update(ctx, func(tx *store.Tx) error {
		d, err := tx.GetDecision(id)
		if err != nil {
			return err
		}
		if d == nil {
			return ErrNotFound
		}
		if Outcome(d.Outcome) != OutcomePending {
			return ErrOutcomeFinal
		}
		if _, err := tx.SetOutcome(id, string(OutcomePending), string(o)); err != nil {
			return err
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrOutcomeFinal) {
		return fmt.Errorf("resolve %d: %w", id, err)
	}
	if err != nil {
		return &PersistenceError{Op: "resolve", Err: err}
	}
	return nil
}

// Compact applies the compaction policy now. It returns the new summary, or
// nil when the live count is within the threshold. Running it twice with no
// record in between never produces a second summary.
func (m *Memory) Compact(ctx context.Context) (*SummaryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var summary *SummaryRecord
	err := m.db.Update(ctx, func(tx *store.Tx) error {
		s, err := m.compactTx(tx, m.now())
		summary = s
		return err
	})
	if err != nil {
		return nil, &PersistenceError{Op: "compact", Err: err}
	}
	return summary, nil
}

func (m *Memory) compactTx(tx *store.Tx, now time.Time) (*SummaryRecord, error) {
	count, err := tx.CountDecisions()
	if err != nil {
		return nil, err
	}
	if count <= m.cfg.CompactThreshold {
		return nil, nil
	}

	tail := max(m.cfg.CompactTail, 0)
	fold := count - tail
	if fold <= 0 {
		return nil, nil
	}

	rows, err := tx.OldestDecisions(fold)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	s := &store.Summary{
		StartAt:   rows[0].CreatedAt,
		EndAt:     rows[len(rows)-1].CreatedAt,
		Count:     len(rows),
		CreatedAt: now.UnixMilli(),
	}
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
		if r.Outcome == string(OutcomeViolation) {
			s.ViolationCount++
		}
	}
	s.Description = digest(rows)

	if err := tx.InsertSummary(s); err != nil {
		return nil, err
	}
	if err := tx.DeleteDecisions(ids); err != nil {
		return nil, err
	}
	return toSummary(*s), nil
}

const digestSamples = 3

// digest renders a folded run as per-kind and per-outcome counts plus the
// last few summaries.
func digest(rows []store.Decision) string {
	kinds := map[string]int{}
	outcomes := map[string]int{}
	for _, r := range rows {
		kinds[r.Kind]++
		outcomes[r.Outcome]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d decisions (%s); outcomes (%s)", len(rows),
		counts(kinds, []string{"notify", "post", "skip", "blocked"}),
		counts(outcomes, []string{"success", "failure", "violation", "pending"}))

	var samples []string
	for i := len(rows) - 1; i >= 0 && len(samples) < digestSamples; i-- {
		if rows[i].Kind == string(KindSkip) {
			continue
		}
		samples = append(samples, truncate(rows[i].Summary, 80))
	}
	if len(samples) > 0 {
		b.WriteString("; latest: ")
		b.WriteString(strings.Join(samples, " | "))
	}
	return b.String()
}

func counts(m map[string]int, order []string) string {
	parts := make([]string, 0, len(order))
	for _, k := range order {
		if m[k] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
		}
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// QueryRecent yields up to n entries (records and summaries), newest first.
// The query runs when the sequence is ranged over, and each range re-runs
// it.
func (m *Memory) QueryRecent(ctx context.Context, n int) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if n <= 0 {
			return
		}
		var entries []Entry
		err := m.read(ctx, func(tx *store.Tx) error {
			recs, err := tx.RecentDecisions(n)
			if err != nil {
				return err
			}
			sums, err := tx.RecentSummaries(n)
			if err != nil {
				return err
			}
			entries = merge(recs, sums)
			sort.SliceStable(entries, func(i, j int) bool {
				return entries[i].At().After(entries[j].At())
			})
			if len(entries) > n {
				entries = entries[:n]
			}
			return nil
		})
		emit(entries, err, yield)
	}
}

// QuerySince yields records created at or after since, plus summaries whose
// range ends at or after since, in chronological order.
func (m *Memory) QuerySince(ctx context.Context, since time.Time) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var entries []Entry
		err := m.read(ctx, func(tx *store.Tx) error {
			recs, err := tx.DecisionsSince(since.UnixMilli())
			if err != nil {
				return err
			}
			sums, err := tx.SummariesSince(since.UnixMilli())
			if err != nil {
				return err
			}
			entries = merge(recs, sums)
			sort.SliceStable(entries, func(i, j int) bool {
				return entries[i].At().Before(entries[j].At())
			})
			return nil
		})
		emit(entries, err, yield)
	}
}

func merge(recs []store.Decision, sums []store.Summary) []Entry {
	out := make([]Entry, 0, len(recs)+len(sums))
	for _, s := range sums {
		out = append(out, Entry{Summary: toSummary(s)})
	}
	for _, r := range recs {
		out = append(out, Entry{Record: toRecord(r)})
	}
	return out
}

func emit(entries []Entry, err error, yield func(Entry, error) bool) {
	if err != nil {
		yield(Entry{}, &PersistenceError{Op: "query", Err: err})
		return
	}
	for _, e := range entries {
		if !yield(e, nil) {
			return
		}
	}
}

func (m *Memory) read(ctx context.Context, fn func(tx *store.Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db.View(ctx, fn)
}

// CountLive returns the number of non-summarized records.
func (m *Memory) CountLive(ctx context.Context) (int, error) {
	var n int
	err := m.read(ctx, func(tx *store.Tx) error {
		var err error
		n, err = tx.CountDecisions()
		return err
	})
	return n, err
}

// Summaries returns every summary, oldest first.
func (m *Memory) Summaries(ctx context.Context) ([]SummaryRecord, error) {
	var out []SummaryRecord
	err := m.read(ctx, func(tx *store.Tx) error {
		sums, err := tx.SummariesSince(0)
		if err != nil {
			return err
		}
		for _, s := range sums {
			out = append(out, *toSummary(s))
		}
		return nil
	})
	return out, err
}

// ViolationTotal is the historical violation count: folded plus live.
func (m *Memory) ViolationTotal(ctx context.Context) (int, error) {
	var total int
	err := m.read(ctx, func(tx *store.Tx) error {
		folded, err := tx.SummaryViolations()
		if err != nil {
			return err
		}
		live, err := tx.CountDecisionViolations()
		if err != nil {
			return err
		}
		total = folded + live
		return nil
	})
	return total, err
}

// PendingBefore lists records still pending that were created before t.
func (m *Memory) PendingBefore(ctx context.Context, t time.Time) ([]DecisionRecord, error) {
	var out []DecisionRecord
	err := m.read(ctx, func(tx *store.Tx) error {
		rows, err := tx.PendingBefore(t.UnixMilli())
		if err != nil {
			return err
		}
		for _, r := range rows {
			out = append(out, *toRecord(r))
		}
		return nil
	})
	return out, err
}
