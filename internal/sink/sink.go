// Package sink delivers approved actions to the outside world: chat
// notifications and public posts.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Action is one side effect to perform.
type Action struct {
	CycleID string `json:"cycle_id"`
	Kind    string `json:"kind"` // "notify" or "post"
	Content string `json:"content"`
}

// Receipt confirms a delivered action.
type Receipt struct {
	ID      string    `json:"id"`
	Channel string    `json:"channel"`
	At      time.Time `json:"at"`
}

// ErrRateLimited matches an ActionError caused by the remote throttling us.
var ErrRateLimited = errors.New("rate limited")

// ErrorKind separates throttling from other delivery failures.
type ErrorKind string

const (
	Failed      ErrorKind = "failed"
	RateLimited ErrorKind = "rate_limited"
)

// ActionError is a failed delivery.
type ActionError struct {
	Channel string
	Kind    ErrorKind
	Status  int // HTTP status, 0 if the request never completed
	Err     error

	// Delivered of Total message parts reached the channel before the
	// failure. Both are zero for single-part deliveries.
	Delivered int
	Total     int
}

func (e *ActionError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Channel, e.Kind, e.Err)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s %s (status %d): %v", e.Channel, e.Kind, e.Status, e.Err)
	}
	if e.Total > 1 {
		msg += fmt.Sprintf(" after %d of %d parts", e.Delivered, e.Total)
	}
	return msg
}

// PartlyDelivered reports whether some of the message already reached the
// channel, so sending it again would repeat those parts.
func (e *ActionError) PartlyDelivered() bool { return e.Delivered > 0 }

func (e *ActionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrRateLimited) true for throttled deliveries.
func (e *ActionError) Is(target error) bool {
	return target == ErrRateLimited && e.Kind == RateLimited
}

// Executor performs actions.
type Executor interface {
	Execute(ctx context.Context, a Action) (Receipt, error)
}

// Router dispatches notify actions to Notify and post actions to Post.
type Router struct {
	Notify Executor
	Post   Executor
}

// Execute routes a by kind.
func (r *Router) Execute(ctx context.Context, a Action) (Receipt, error) {
	var ex Executor
	switch a.Kind {
	case "notify":
		ex = r.Notify
	case "post":
		ex = r.Post
	}
	if ex == nil {
		return Receipt{}, &ActionError{Channel: "router", Kind: Failed, Err: fmt.Errorf("no sink configured for %q", a.Kind)}
	}
	return ex.Execute(ctx, a)
}

// DryRun logs actions instead of delivering them.
type DryRun struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewDryRun creates a logging-only sink.
func NewDryRun(logger *zap.Logger) *DryRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DryRun{logger: logger, now: time.Now}
}

// Execute logs a and always succeeds.
func (d *DryRun) Execute(ctx context.Context, a Action) (Receipt, error) {
	r := Receipt{ID: uuid.NewString(), Channel: "dry-run", At: d.now()}
	d.logger.Info("dry-run action",
		zap.String("cycle_id", a.CycleID),
		zap.String("kind", a.Kind),
		zap.String("content", a.Content),
		zap.String("receipt", r.ID))
	return r, nil
}
