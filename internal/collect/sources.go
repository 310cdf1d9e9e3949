package collect

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Git reports uncommitted changes and today's commits in a repository.
type Git struct {
	Path string
	Now  func() time.Time
}

func (g *Git) Name() string { return "git" }

func (g *Git) git(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.Path}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Collect shells out to git. A directory that is not a repository is an
// error.
func (g *Git) Collect(ctx context.Context) (Snapshot, error) {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	s := Snapshot{Repo: g.Path}

	status, err := g.git(ctx, "status", "--porcelain")
	if err != nil {
		return Snapshot{}, err
	}
	s.Uncommitted = countLines(status)

	t := now()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	log, err := g.git(ctx, "log", "--since="+midnight.Format("2006-01-02 15:04:05 -0700"), "--format=%s")
	if err != nil {
		// A fresh repository has no HEAD yet; status alone still counts.
		s.Partial = true
		return s, nil
	}
	s.CommitsToday = countLines(log)
	if s.CommitsToday > 0 {
		first, _, _ := strings.Cut(string(log), "\n")
		s.LastCommit = strings.TrimSpace(first)
	}
	return s, nil
}

func countLines(b []byte) int {
	n := 0
	for _, l := range bytes.Split(b, []byte("\n")) {
		if len(bytes.TrimSpace(l)) > 0 {
			n++
		}
	}
	return n
}

var openTaskRe = regexp.MustCompile(`^\s*[-*+]\s+\[ \]\s+(.+)$`)

// maxListedTasks bounds how many task titles a snapshot carries.
const maxListedTasks = 3

// Tasks counts unchecked "- [ ]" items in a markdown file.
type Tasks struct {
	Path string
}

func (t *Tasks) Name() string { return "tasks" }

func (t *Tasks) Collect(ctx context.Context) (Snapshot, error) {
	f, err := os.Open(t.Path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open task file: %w", err)
	}
	defer f.Close()

	var s Snapshot
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, err
		}
		m := openTaskRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		s.PendingTasks++
		if len(s.Tasks) < maxListedTasks {
			s.Tasks = append(s.Tasks, strings.TrimSpace(m[1]))
		}
	}
	if err := sc.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("read task file: %w", err)
	}
	return s, nil
}

// Clock stamps the snapshot with the current time.
type Clock struct {
	Now func() time.Time
}

func (c *Clock) Name() string { return "clock" }

func (c *Clock) Collect(ctx context.Context) (Snapshot, error) {
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	return Snapshot{At: now, Hour: now.Hour(), Weekday: now.Weekday()}, nil
}
