package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Runner runs one think cycle. *Engine implements it.
type Runner interface {
	RunCycle(ctx context.Context, trig Trigger) (*CycleResult, error)
}

// Scheduler feeds timer ticks and kicks into a single-slot mailbox drained
// by one consumer goroutine, so cycles never overlap and a burst of
// triggers collapses into one pending cycle.
type Scheduler struct {
	runner Runner
	logger *zap.Logger

	mailbox chan struct{}
	retune  chan struct{}

	mu       sync.Mutex
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler creates a scheduler firing every interval.
func NewScheduler(r Runner, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:   r,
		logger:   logger,
		mailbox:  make(chan struct{}, 1),
		retune:   make(chan struct{}, 1),
		interval: interval,
	}
}

// Interval returns the current tick interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetInterval changes the tick interval; the next tick is a full interval
// from now.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	changed := d != s.interval
	s.interval = d
	s.mu.Unlock()
	if !changed {
		return
	}
	select {
	case s.retune <- struct{}{}:
	default:
	}
	s.logger.Info("scheduler interval changed", zap.Duration("interval", d))
}

// Kick queues a cycle. It returns false when one is already queued, in
// which case the kick coalesces with it.
func (s *Scheduler) Kick() bool {
	select {
	case s.mailbox <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run schedules cycles until ctx is done. A running cycle is asked to stop
// at its next stage boundary and Run returns after it has.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.tick(ctx)
	}()

	s.logger.Info("scheduler started", zap.Duration("interval", s.Interval()))
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-s.mailbox:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	t := time.NewTicker(s.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.retune:
			t.Reset(s.Interval())
		case <-t.C:
			s.Kick()
		}
	}
}

// runOnce runs a cycle and contains any failure, panics included, so the
// loop keeps going.
func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("think cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	if _, err := s.runner.RunCycle(ctx, TriggerTimer); err != nil && !errors.Is(err, ErrCycleCancelled) {
		s.logger.Warn("scheduled cycle failed", zap.Error(err))
	}
}

// Start runs the scheduler in the background until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Stop halts a scheduler started with Start and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
