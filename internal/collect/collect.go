// Package collect gathers the context snapshot a think cycle decides on:
// repository state, pending tasks and the time of day.
package collect

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Snapshot is what the agent knows about the world at the start of a cycle.
type Snapshot struct {
	At           time.Time    `json:"at"`
	Hour         int          `json:"hour"`
	Weekday      time.Weekday `json:"weekday"`
	Repo         string       `json:"repo,omitempty"`
	Uncommitted  int          `json:"uncommitted"`
	CommitsToday int          `json:"commits_today"`
	LastCommit   string       `json:"last_commit,omitempty"`
	PendingTasks int          `json:"pending_tasks"`
	Tasks        []string     `json:"tasks,omitempty"`
	Partial      bool         `json:"partial,omitempty"`
}

// Empty reports whether the snapshot carries no actionable signal.
func (s Snapshot) Empty() bool {
	return s.Uncommitted == 0 && s.CommitsToday == 0 && s.PendingTasks == 0
}

// RepoName is the last path element of the repository, for messages.
func (s Snapshot) RepoName() string {
	if s.Repo == "" {
		return "the repo"
	}
	return filepath.Base(s.Repo)
}

// Lines renders the snapshot as short observations.
func (s Snapshot) Lines() []string {
	var out []string
	if !s.At.IsZero() {
		out = append(out, fmt.Sprintf("It is %s, %02d:00", s.Weekday, s.Hour))
	}
	if s.Uncommitted > 0 {
		out = append(out, fmt.Sprintf("%d uncommitted changes in %s", s.Uncommitted, s.RepoName()))
	}
	if s.CommitsToday > 0 {
		out = append(out, fmt.Sprintf("%d commits today in %s, latest: %s", s.CommitsToday, s.RepoName(), s.LastCommit))
	}
	if s.PendingTasks > 0 {
		out = append(out, fmt.Sprintf("%d pending tasks", s.PendingTasks))
		for _, t := range s.Tasks {
			out = append(out, "  task: "+t)
		}
	}
	if s.Partial {
		out = append(out, "(some context sources were unavailable)")
	}
	return out
}

// merge copies the fields o set into s.
func (s *Snapshot) merge(o Snapshot) {
	if !o.At.IsZero() {
		s.At, s.Hour, s.Weekday = o.At, o.Hour, o.Weekday
	}
	if o.Repo != "" {
		s.Repo = o.Repo
	}
	s.Uncommitted += o.Uncommitted
	s.CommitsToday += o.CommitsToday
	if o.LastCommit != "" {
		s.LastCommit = o.LastCommit
	}
	s.PendingTasks += o.PendingTasks
	s.Tasks = append(s.Tasks, o.Tasks...)
	s.Partial = s.Partial || o.Partial
}

// Collector contributes part of a snapshot.
type Collector interface {
	Name() string
	Collect(ctx context.Context) (Snapshot, error)
}

// Multi runs collectors concurrently under one deadline and merges what
// they return. A failing collector marks the result partial; the others
// still contribute.
type Multi struct {
	collectors []Collector
}

// NewMulti combines collectors.
func NewMulti(cs ...Collector) *Multi {
	return &Multi{collectors: cs}
}

// Collect returns the merged snapshot and, if any collector failed, the
// joined errors alongside it. When ctx ends first, Collect returns at once
// with what the finished collectors produced; stragglers are reported as
// ctx errors and their late results are dropped.
func (m *Multi) Collect(ctx context.Context) (Snapshot, error) {
	var (
		mu      sync.Mutex
		closed  bool
		done    = make([]bool, len(m.collectors))
		results = make([]Snapshot, len(m.collectors))
		errs    = make([]error, len(m.collectors))
	)

	var g errgroup.Group
	for i, c := range m.collectors {
		g.Go(func() error {
			s, err := c.Collect(ctx)
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return nil
			}
			done[i], results[i] = true, s
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", c.Name(), err)
			}
			return nil
		})
	}
	finished := make(chan struct{})
	go func() {
		g.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	closed = true
	var out Snapshot
	for i, c := range m.collectors {
		if !done[i] {
			errs[i] = fmt.Errorf("%s: %w", c.Name(), ctx.Err())
		}
		out.merge(results[i])
		if errs[i] != nil {
			out.Partial = true
		}
	}
	return out, errors.Join(errs...)
}
