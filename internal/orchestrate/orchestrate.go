// Package orchestrate wires internal/memoryclient and internal/qualitygate
// into the supervision loop's pre-run and post-run hooks (§2 expansion:
// "Glue lives in ... internal/orchestrate (the pre-run memory search /
// post-run quality-gate hooks the engine exposes)").
//
// It does not change anything about how internal/supervisor runs a child:
// Engine.Run wraps one supervisor.Supervisor.Run call with a memory search
// before it and a quality-gate evaluation plus an optional memory record
// after it, exactly the "search before, judge and maybe persist after"
// shape described for the memory service and quality gate collaborators.
package orchestrate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/memwrapper/mem-wrapper/internal/memoryclient"
	"github.com/memwrapper/mem-wrapper/internal/qualitygate"
	"github.com/memwrapper/mem-wrapper/internal/supervisor"
)

// MemoryConfig controls whether and how the pre-run search and post-run
// record happen.
type MemoryConfig struct {
	Enabled     bool
	SearchLimit int
	ScoreFloor  float64
}

// Engine pairs a supervisor.Supervisor with the memory-service and
// quality-gate collaborators.
type Engine struct {
	Supervisor *supervisor.Supervisor
	Memory     *memoryclient.Client
	MemoryCfg  MemoryConfig
	QualityCfg qualitygate.Config
	Logger     *slog.Logger
}

// New builds an Engine. logger may be nil, in which case slog.Default() is
// used.
func New(sup *supervisor.Supervisor, mem *memoryclient.Client, memCfg MemoryConfig, qualityCfg qualitygate.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Supervisor: sup, Memory: mem, MemoryCfg: memCfg, QualityCfg: qualityCfg, Logger: logger}
}

// Result is a completed run's outcome plus what the orchestration layer did
// around it.
type Result struct {
	Outcome      supervisor.Outcome
	PriorMatches []memoryclient.Match
	GateDecision qualitygate.Decision
	RecordedID   string
	SearchErr    error
	RecordErr    error
}

// Run performs the pre-run memory search (best-effort: a search failure
// never blocks the run), supervises cmd to completion, then evaluates the
// quality gate and records the run if it clears the bar (also best-effort).
//
// query is the text used for the pre-run search (typically the child
// command's invocation summary or a caller-supplied task description).
// summary is what gets persisted as the candidate's summary text if the
// quality gate decides to keep the run.
func (e *Engine) Run(ctx context.Context, cmd *exec.Cmd, parentStdout, parentStderr io.Writer, query, summary string, tags []string) Result {
	var res Result

	if e.MemoryCfg.Enabled && e.Memory != nil {
		searchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		matches, err := e.Memory.Search(searchCtx, query, e.MemoryCfg.SearchLimit, e.MemoryCfg.ScoreFloor)
		cancel()
		if err != nil {
			res.SearchErr = err
			e.Logger.Warn("orchestrate: pre-run memory search failed", "error", err)
		} else {
			res.PriorMatches = matches
		}
	}

	outcome, err := e.Supervisor.Run(ctx, cmd, parentStdout, parentStderr)
	res.Outcome = outcome
	if err != nil {
		// A Run error means the child never ran meaningfully enough to be a
		// quality-gate candidate.
		return res
	}

	priorPaths := matchSummaryPaths(res.PriorMatches)
	sig := qualitygate.CollectSignals(outcome.Reason, outcome.Correlation, outcome.Events, priorPaths)
	res.GateDecision = qualitygate.Evaluate(e.QualityCfg, sig)

	if res.GateDecision.Persist && e.MemoryCfg.Enabled && e.Memory != nil {
		if summary == "" {
			summary = DescribeOutcome(outcome)
		}
		cand := qualitygate.BuildCandidate(outcome.EffectiveRunID, summary, res.GateDecision, tags)
		recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		id, err := e.Memory.Record(recordCtx, cand)
		cancel()
		if err != nil {
			res.RecordErr = err
			e.Logger.Warn("orchestrate: post-run memory record failed", "error", err)
		} else {
			res.RecordedID = id
		}
	}

	return res
}

// matchSummaryPaths pulls a rough "already known" path set out of prior
// search matches' summaries: every space-separated token containing "/".
// This is a simpler heuristic than the one qualitygate applies to tool args.
func matchSummaryPaths(matches []memoryclient.Match) map[string]struct{} {
	if len(matches) == 0 {
		return nil
	}
	out := map[string]struct{}{}
	for _, m := range matches {
		for _, tok := range strings.Split(m.Summary, " ") {
			if strings.Contains(tok, "/") {
				out[tok] = struct{}{}
			}
		}
	}
	return out
}

// DescribeOutcome renders a short human-readable line for a completed run,
// useful as the default candidate summary when the caller has none.
func DescribeOutcome(o supervisor.Outcome) string {
	return fmt.Sprintf("run %s finished (%s) in %s with %d tool request(s), %d failed",
		o.EffectiveRunID, o.Reason, o.Duration.Round(time.Millisecond), o.Correlation.TotalRequests, o.Correlation.FailedResults)
}
