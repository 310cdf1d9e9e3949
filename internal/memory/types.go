package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
)

// Kind is the type of decision a think cycle produced.
type Kind string

const (
	KindNotify  Kind = "notify"
	KindPost    Kind = "post"
	KindSkip    Kind = "skip"
	KindBlocked Kind = "blocked"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindNotify, KindPost, KindSkip, KindBlocked:
		return true
	}
	return false
}

// Acts reports whether the kind has an external side effect.
func (k Kind) Acts() bool {
	return k == KindNotify || k == KindPost
}

// Outcome is the result recorded for a decision.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeViolation Outcome = "violation"
	OutcomePending   Outcome = "pending"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeViolation, OutcomePending:
		return true
	}
	return false
}

// Terminal reports whether o is a final outcome.
func (o Outcome) Terminal() bool {
	return o.Valid() && o != OutcomePending
}

var (
	// ErrDuplicateDecision is returned when identical content was already
	// recorded inside the dedup window. No record is written.
	ErrDuplicateDecision = errors.New("duplicate decision")
	// ErrOutcomeFinal is returned when resolving a record that is no
	// longer pending.
	ErrOutcomeFinal = errors.New("decision outcome already final")
	// ErrNotFound is returned for an unknown live record.
	ErrNotFound = errors.New("decision not found")
)

// PersistenceError wraps a storage failure. When it is returned nothing
// from the failed call is visible.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// Decision is the input to Record.
type Decision struct {
	Kind    Kind
	Summary string
	Outcome Outcome
	CycleID string
	Flagged bool
}

// DecisionRecord is a live entry in the decision log.
type DecisionRecord struct {
	ID        int64     `json:"id"`
	Hash      string    `json:"content_hash"`
	Timestamp time.Time `json:"timestamp"`
	Kind      Kind      `json:"kind"`
	Summary   string    `json:"summary"`
	Outcome   Outcome   `json:"outcome"`
	CycleID   string    `json:"cycle_id,omitempty"`
	Flagged   bool      `json:"flagged,omitempty"`
}

// SummaryRecord replaces a folded run of the oldest decisions.
type SummaryRecord struct {
	ID             int64     `json:"id"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Count          int       `json:"count"`
	Description    string    `json:"description"`
	ViolationCount int       `json:"violation_count"`
}

// Entry is one item in a query sequence: exactly one of Record or Summary
// is set.
type Entry struct {
	Record  *DecisionRecord `json:"record,omitempty"`
	Summary *SummaryRecord  `json:"summary,omitempty"`
}

// At is the entry's position in time. Summaries sort by the end of the
// range they cover.
func (e Entry) At() time.Time {
	if e.Record != nil {
		return e.Record.Timestamp
	}
	if e.Summary != nil {
		return e.Summary.End
	}
	return time.Time{}
}

// Store is the memory capability set shared by the plain and the
// guardrail-aware variants.
type Store interface {
	Record(ctx context.Context, d Decision) (*DecisionRecord, error)
	Resolve(ctx context.Context, id int64, o Outcome) error
	QueryRecent(ctx context.Context, n int) iter.Seq2[Entry, error]
	QuerySince(ctx context.Context, since time.Time) iter.Seq2[Entry, error]
	CountLive(ctx context.Context) (int, error)
	Compact(ctx context.Context) (*SummaryRecord, error)
	PendingBefore(ctx context.Context, t time.Time) ([]DecisionRecord, error)
}

// ContentHash fingerprints a decision's semantic content: kind plus the
// summary with case and whitespace normalized.
func ContentHash(kind Kind, summary string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(summary)), " ")
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + norm))
	return hex.EncodeToString(sum[:])
}
