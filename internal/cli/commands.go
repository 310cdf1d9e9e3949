package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/smolclaw/internal/client"
	"github.com/lazypower/smolclaw/internal/engine"
	"github.com/lazypower/smolclaw/internal/guardrail"
	"github.com/lazypower/smolclaw/internal/hormone"
	"github.com/lazypower/smolclaw/internal/memory"
)

const requestTimeout = 90 * time.Second

func withClient(fn func(ctx context.Context, c *client.Client, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		return fn(ctx, client.New(serverURL), cmd.OutOrStdout(), args)
	}
}

func printHormones(out io.Writer, h hormone.State) {
	fmt.Fprintf(out, "dopamine %.2f  cortisol %.2f  energy %.2f\n", h.Dopamine, h.Cortisol, h.Energy)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show hormones, mode and engine state",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		printStatus(out, st)
		return nil
	}),
}

func printStatus(out io.Writer, st engine.Status) {
	fmt.Fprintf(out, "mood:     %s (%s)\n", st.Label, st.Mode)
	fmt.Fprint(out, "hormones: ")
	printHormones(out, st.Hormones)
	if len(st.Flags) > 1 {
		names := make([]string, len(st.Flags))
		for i, f := range st.Flags {
			names[i] = f.String()
		}
		fmt.Fprintf(out, "flags:    %s\n", strings.Join(names, ", "))
	}
	stage := string(st.Stage)
	if !st.Running {
		stage = "idle"
	}
	fmt.Fprintf(out, "engine:   %s, %d cycles since %s\n", stage, st.Cycles, st.StartedAt.Format(time.DateTime))
	fmt.Fprintf(out, "memory:   %d live records, %d violation patterns\n", st.LiveRecords, st.Patterns)
	if st.LastCycle != nil {
		lc := st.LastCycle
		fmt.Fprintf(out, "last:     %s %s", lc.Finished.Format(time.TimeOnly), lc.Kind)
		if lc.Outcome != "" {
			fmt.Fprintf(out, " (%s)", lc.Outcome)
		}
		if lc.Err != "" {
			fmt.Fprintf(out, " error: %s", lc.Err)
		}
		fmt.Fprintln(out)
	}
	if st.PersistenceError != "" {
		fmt.Fprintf(out, "WARNING:  persistence failing: %s\n", st.PersistenceError)
	}
}

// --- trigger ---

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run a think cycle now",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
		res, err := c.Trigger(ctx)
		if errors.Is(err, client.ErrBusy) {
			fmt.Fprintln(out, "A think cycle is already running; try again shortly.")
			return nil
		}
		if res != nil {
			printCycle(out, res)
		}
		return err
	}),
}

func printCycle(out io.Writer, res *engine.CycleResult) {
	fmt.Fprintf(out, "cycle %s\n", res.ID)
	stages := make([]string, len(res.Stages))
	for i, s := range res.Stages {
		stages[i] = string(s)
	}
	fmt.Fprintf(out, "  stages:  %s\n", strings.Join(stages, " -> "))
	if c := res.Candidate; c != nil {
		fmt.Fprintf(out, "  decided: %s", c.Kind)
		if c.Content != "" {
			fmt.Fprintf(out, " %q", c.Content)
		}
		if c.Reason != "" {
			fmt.Fprintf(out, " (%s)", c.Reason)
		}
		fmt.Fprintln(out)
	}
	if v := res.Verdict; v != nil {
		fmt.Fprintf(out, "  verdict: %s", v.Decision)
		if v.Reason != "" {
			fmt.Fprintf(out, ", %s", v.Reason)
		}
		fmt.Fprintln(out)
	}
	switch {
	case res.Duplicate:
		fmt.Fprintln(out, "  outcome: duplicate, nothing sent")
	case res.Outcome != "":
		fmt.Fprintf(out, "  outcome: %s\n", res.Outcome)
	}
	if res.Partial {
		fmt.Fprintln(out, "  note:    context was incomplete")
	}
	fmt.Fprint(out, "  ")
	printHormones(out, res.Hormones)
}

// --- nudge / replenish ---

var (
	nudgeDopamine float64
	nudgeCortisol float64
	nudgeEnergy   float64
)

var nudgeCmd = &cobra.Command{
	Use:   "nudge",
	Short: "Adjust the hormone state by hand",
	Long:  "Adds the given deltas to the hormone axes. Each delta is bounded by hormones.max_nudge on the server.",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
		if nudgeDopamine == 0 && nudgeCortisol == 0 && nudgeEnergy == 0 {
			return errors.New("nothing to nudge: pass --dopamine, --cortisol or --energy")
		}
		h, err := c.Nudge(ctx, nudgeDopamine, nudgeCortisol, nudgeEnergy)
		if err != nil {
			return err
		}
		printHormones(out, h)
		return nil
	}),
}

var replenishLevel float64

var replenishCmd = &cobra.Command{
	Use:   "replenish",
	Short: "Reset the energy budget",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
		h, err := c.Replenish(ctx, replenishLevel)
		if err != nil {
			return err
		}
		printHormones(out, h)
		return nil
	}),
}

// --- learn / violations ---

var (
	learnReason   string
	learnSeverity float64
)

var learnCmd = &cobra.Command{
	Use:   "learn [content]",
	Short: "Report content that must never be sent",
	Args:  cobra.MinimumNArgs(1),
	RunE: withClient(func(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
		p, err := c.Learn(ctx, guardrail.Violation{
			Content:  strings.Join(args, " "),
			Reason:   learnReason,
			Severity: learnSeverity,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "pattern %s: severity %.2f, seen %d times\n", p.ID, p.Severity, p.Occurrences)
		return nil
	}),
}

var violationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "List learned violation patterns",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
		ps, err := c.Violations(ctx)
		if err != nil {
			return err
		}
		if len(ps) == 0 {
			fmt.Fprintln(out, "No violation patterns learned.")
			return nil
		}
		for _, p := range ps {
			fmt.Fprintf(out, "%.2f  x%-3d %-10s %s\n", p.Severity, p.Occurrences, p.Source, p.Example)
		}
		return nil
	}),
}

// --- recent ---

var recentLimit int

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show recent decisions and summaries",
	Args:  cobra.NoArgs,
	RunE: withClient(func(ctx context.Context, c *client.Client, out io.Writer, args []string) error {
		entries, err := c.Recent(ctx, recentLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(out, "No decisions yet.")
			return nil
		}
		for _, e := range entries {
			printEntry(out, e)
		}
		return nil
	}),
}

func printEntry(out io.Writer, e memory.Entry) {
	switch {
	case e.Record != nil:
		r := e.Record
		flag := ""
		if r.Flagged {
			flag = " [flagged]"
		}
		fmt.Fprintf(out, "%s  %-7s %-9s %s%s\n", r.Timestamp.Format(time.DateTime), r.Kind, r.Outcome, r.Summary, flag)
	case e.Summary != nil:
		s := e.Summary
		fmt.Fprintf(out, "%s  summary of %d decisions since %s: %s\n",
			s.End.Format(time.DateTime), s.Count, s.Start.Format(time.DateTime), s.Description)
	}
}

func init() {
	nudgeCmd.Flags().Float64Var(&nudgeDopamine, "dopamine", 0, "dopamine delta")
	nudgeCmd.Flags().Float64Var(&nudgeCortisol, "cortisol", 0, "cortisol delta")
	nudgeCmd.Flags().Float64Var(&nudgeEnergy, "energy", 0, "energy delta")

	replenishCmd.Flags().Float64Var(&replenishLevel, "level", 1.0, "energy level to reset to")

	learnCmd.Flags().StringVar(&learnReason, "reason", "", "why the content is a violation")
	learnCmd.Flags().Float64Var(&learnSeverity, "severity", 0, "severity in (0, 1]; 0 uses the configured default")

	recentCmd.Flags().IntVarP(&recentLimit, "limit", "n", 10, "number of entries")
}
