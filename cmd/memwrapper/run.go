package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/memwrapper/mem-wrapper/internal/approverui"
	"github.com/memwrapper/mem-wrapper/internal/auditlog"
	"github.com/memwrapper/mem-wrapper/internal/auditstore"
	"github.com/memwrapper/mem-wrapper/internal/memoryclient"
	"github.com/memwrapper/mem-wrapper/internal/orchestrate"
	"github.com/memwrapper/mem-wrapper/internal/procsignal"
	"github.com/memwrapper/mem-wrapper/internal/qualitygate"
	"github.com/memwrapper/mem-wrapper/internal/runid"
	"github.com/memwrapper/mem-wrapper/internal/supervisor"
	"github.com/memwrapper/mem-wrapper/internal/wrapconfig"
)

var (
	runQuery   string
	runSummary string
	runTags    []string
	runNoAudit bool
)

var runCmd = &cobra.Command{
	Use:   "run -- <agent-cmd...>",
	Short: "Supervise a child agent process to completion",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runQuery, "query", "", "Pre-run memory search query (defaults to the agent command line)")
	runCmd.Flags().StringVar(&runSummary, "summary", "", "Candidate summary to persist if the run is worth keeping (defaults to a generated one-liner)")
	runCmd.Flags().StringSliceVar(&runTags, "tag", nil, "Tags to attach to a persisted memory candidate")
	runCmd.Flags().BoolVar(&runNoAudit, "no-audit-store", false, "Skip local SQLite persistence of this run")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := wrapconfig.Load()
	if err != nil {
		return fatalf("load config: %w", err)
	}
	if len(cfg.Command) == 0 {
		cfg.Command = args
	}

	ctx, stop := procsignal.NotifyContext()
	defer stop()

	slot := runid.New(uuid.NewString())

	auditOut, closeAudit, err := openAuditSink(cfg.Audit.Path)
	if err != nil {
		return fatalf("open audit log: %w", err)
	}
	defer closeAudit()

	limiter := rate.NewLimiter(rate.Limit(cfg.Audit.EventsPerSec), cfg.Audit.BurstSize)
	audit := auditlog.New(auditOut, slot, limiter)

	deps := supervisor.Dependencies{
		Policy:  cfg.PolicyFunc(),
		Audit:   audit,
		RunID:   slot,
		Metrics: supervisor.NewMetrics(),
	}
	if cfg.Approver.Enabled {
		deps.Approver = approverui.New()
	}

	sup := supervisor.New(cfg.SupervisorConfig(), deps)

	var memClient *memoryclient.Client
	if cfg.Memory.Enabled {
		memClient = memoryclient.New(cfg.Memory.BaseURL, cfg.Memory.APIKey)
	}

	eng := orchestrate.New(sup, memClient, orchestrate.MemoryConfig{
		Enabled:     cfg.Memory.Enabled,
		SearchLimit: cfg.Memory.SearchLimit,
		ScoreFloor:  cfg.Memory.ScoreFloor,
	}, qualitygate.DefaultConfig(), slog.Default())

	query := runQuery
	if query == "" {
		query = joinArgs(cfg.Command)
	}

	childCmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	res := eng.Run(ctx, childCmd, os.Stdout, os.Stderr, query, runSummary, runTags)

	if !runNoAudit {
		if storeErr := persistToAuditStore(slot.Current(), res.Outcome); storeErr != nil {
			fmt.Fprintf(os.Stderr, "mem-wrapper: audit store write failed: %v\n", storeErr)
		}
	}

	fmt.Fprintln(os.Stderr, orchestrate.DescribeOutcome(res.Outcome))
	os.Exit(res.Outcome.ExitCode)
	return nil
}

// openAuditSink opens the configured audit destination. "-" (or empty)
// means stderr, matching the reference config's "config file missing is
// fine" tolerance for optional settings.
func openAuditSink(path string) (*os.File, func(), error) {
	if path == "" || path == "-" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func persistToAuditStore(runID string, outcome supervisor.Outcome) error {
	dir, err := wrapconfig.ConfigDir()
	if err != nil {
		return err
	}
	store, err := auditstore.Open(dir + "/audit.db")
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return store.RecordRun(ctx, runID, time.Now().Add(-outcome.Duration), outcome)
}
