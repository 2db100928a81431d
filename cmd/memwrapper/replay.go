package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/memwrapper/mem-wrapper/internal/auditstore"
	"github.com/memwrapper/mem-wrapper/internal/toolevent"
	"github.com/memwrapper/mem-wrapper/internal/wrapconfig"
)

var replayUnminedOnly bool

var replayCmd = &cobra.Command{
	Use:   "replay [run-id]",
	Short: "Print a past run's recorded tool events from the local audit store",
	Long: `replay reads a run's events back out of the local SQLite audit store and
prints them in order. With no run-id, it lists runs still pending for the
memory-service miner.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayUnminedOnly, "unmined", false, "List unmined runs instead of replaying one")
}

// Same palette approverui uses for its approval prompt (accent orange,
// plain text, muted gray, deny red), reused here so replay output and the
// live approval prompt read as one tool.
const (
	replayAccentColor = lipgloss.Color("208")
	replayTextColor   = lipgloss.Color("15")
	replayMutedColor  = lipgloss.Color("245")
	replayDenyColor   = lipgloss.Color("9")
)

var (
	replayRunIDStyle = lipgloss.NewStyle().Foreground(replayAccentColor).Bold(true)
	replayToolStyle  = lipgloss.NewStyle().Foreground(replayTextColor).Bold(true)
	replayErrStyle   = lipgloss.NewStyle().Foreground(replayDenyColor)
	replayMutedStyle = lipgloss.NewStyle().Foreground(replayMutedColor)
)

func runReplay(cmd *cobra.Command, args []string) error {
	dir, err := wrapconfig.ConfigDir()
	if err != nil {
		return fatalf("resolve config dir: %w", err)
	}
	store, err := auditstore.Open(dir + "/audit.db")
	if err != nil {
		return fatalf("open audit store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if len(args) == 0 || replayUnminedOnly {
		runIDs, err := store.UnminedRuns(ctx, 50)
		if err != nil {
			return fatalf("list unmined runs: %w", err)
		}
		if len(runIDs) == 0 {
			fmt.Println(replayMutedStyle.Render("no unmined runs"))
			return nil
		}
		for _, id := range runIDs {
			fmt.Println(id)
		}
		return nil
	}

	events, err := store.LoadEvents(ctx, args[0])
	if err != nil {
		return fatalf("load events for %s: %w", args[0], err)
	}
	if len(events) == 0 {
		fmt.Println(replayMutedStyle.Render(fmt.Sprintf("no events recorded for run %s", args[0])))
		return nil
	}

	fmt.Println(replayRunIDStyle.Render("run " + args[0]))
	for _, ev := range events {
		fmt.Println(formatReplayEvent(ev))
	}
	return nil
}

// formatReplayEvent renders a single event as one line: the tool name in
// replayToolStyle, failures in replayErrStyle, the rationale in
// replayMutedStyle.
func formatReplayEvent(ev toolevent.Event) string {
	tool := replayToolStyle.Render(ev.Tool)
	switch {
	case ev.Error != "":
		return fmt.Sprintf("  %s %s  %s", replayErrStyle.Render("✗"), tool, replayErrStyle.Render(ev.Error))
	case ev.Rationale != "":
		return fmt.Sprintf("  %s %s (%s)  %s", bulletFor(ev), tool, ev.Action, replayMutedStyle.Render(ev.Rationale))
	default:
		return fmt.Sprintf("  %s %s (%s)", bulletFor(ev), tool, ev.Action)
	}
}

func bulletFor(ev toolevent.Event) string {
	if ev.Success {
		return "✓"
	}
	return "-"
}
