package guardrail

import (
	"context"

	"go.uber.org/zap"

	"github.com/lazypower/smolclaw/internal/memory"
)

// GuardedMemory is the guardrail-aware memory variant. It stores decisions
// exactly like the wrapped store and additionally feeds violations it sees
// into the policy.
type GuardedMemory struct {
	memory.Store
	*Policy
}

// NewGuardedMemory layers policy over m.
func NewGuardedMemory(m memory.Store, p *Policy) *GuardedMemory {
	return &GuardedMemory{Store: m, Policy: p}
}

var _ memory.Store = (*GuardedMemory)(nil)

// Record stores d. A non-blocked decision recorded with a violation outcome
// means the content slipped past evaluation, so it is learned as a new
// pattern. Blocked decisions already matched one.
func (g *GuardedMemory) Record(ctx context.Context, d memory.Decision) (*memory.DecisionRecord, error) {
	rec, err := g.Store.Record(ctx, d)
	if err != nil {
		return nil, err
	}
	if d.Outcome == memory.OutcomeViolation && d.Kind != memory.KindBlocked {
		if _, err := g.Learn(ctx, Violation{Content: d.Summary, Reason: "recorded as violation"}); err != nil {
			g.logger.Warn("guardrail: learn from record failed",
				zap.Int64("record", rec.ID), zap.Error(err))
		}
	}
	return rec, nil
}
