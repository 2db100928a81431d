// Package qualitygate decides, after a supervised run finishes, whether that
// run is worth persisting to the memory service as a candidate (§4 "simple
// heuristic signals — tool failure rate, novel file paths touched, presence
// of a rationale field").
//
// The weighted-signal shape — several independent, normalised [0,1] signals
// combined into one score and thresholded — is grounded on the decay/BM25
// scoring idiom in the reference term-llm codebase's memory store
// (internal/memory/store.go's RecalcDecayScores combines a time-decay signal
// with a pinned override the same way this package combines failure rate,
// novelty and rationale-presence signals with a pass/fail threshold).
package qualitygate

import (
	"strings"

	"github.com/memwrapper/mem-wrapper/internal/memoryclient"
	"github.com/memwrapper/mem-wrapper/internal/supervisor"
	"github.com/memwrapper/mem-wrapper/internal/toolevent"
)

// Signals are the raw per-run measurements the gate scores against.
type Signals struct {
	// TotalRequests and FailedResults come directly from the run's
	// correlation stats.
	TotalRequests int
	FailedResults int
	// NovelPaths counts distinct file-ish paths touched by tool args that
	// were not already present in priorPaths (the paths the pre-run memory
	// search already knew about).
	NovelPaths int
	// HasRationale is true if any tool-use event in the run carried a
	// non-empty rationale field.
	HasRationale bool
	// Outcome is the run's terminal reason; only ReasonNormal runs are
	// eligible (a stalled or forcibly killed run is never a good memory).
	Outcome supervisor.Reason
}

// Config tunes the gate's weights and threshold.
type Config struct {
	// FailureRateWeight, NoveltyWeight and RationaleWeight are combined as a
	// weighted sum of their normalised [0,1] signal values.
	FailureRateWeight float64
	NoveltyWeight     float64
	RationaleWeight   float64
	// Threshold is the minimum weighted score for a run to be a candidate.
	Threshold float64
	// MaxNoveltyPaths normalises NovelPaths onto [0,1] (capped at 1.0).
	MaxNoveltyPaths int
}

// DefaultConfig favours runs with a clean tool-failure record, some novel
// file activity, and an explicit rationale, with novelty weighted slightly
// above the other two signals.
func DefaultConfig() Config {
	return Config{
		FailureRateWeight: 0.35,
		NoveltyWeight:     0.4,
		RationaleWeight:   0.25,
		Threshold:         0.5,
		MaxNoveltyPaths:   5,
	}
}

// Decision is the gate's verdict plus the score that produced it.
type Decision struct {
	Persist bool
	Score   float64
	Reasons []string
}

// Evaluate scores Signals against cfg and decides whether the run should be
// persisted. A non-ReasonNormal outcome is rejected outright regardless of
// score: a stalled or killed run has no trustworthy content to persist.
func Evaluate(cfg Config, sig Signals) Decision {
	if sig.Outcome != supervisor.ReasonNormal {
		return Decision{Persist: false, Reasons: []string{"run did not finish normally: " + string(sig.Outcome)}}
	}

	failureRateSignal := 1.0
	if sig.TotalRequests > 0 {
		failureRateSignal = 1.0 - float64(sig.FailedResults)/float64(sig.TotalRequests)
	}

	noveltySignal := 0.0
	if cfg.MaxNoveltyPaths > 0 {
		noveltySignal = float64(sig.NovelPaths) / float64(cfg.MaxNoveltyPaths)
		if noveltySignal > 1.0 {
			noveltySignal = 1.0
		}
	}

	rationaleSignal := 0.0
	if sig.HasRationale {
		rationaleSignal = 1.0
	}

	score := cfg.FailureRateWeight*failureRateSignal +
		cfg.NoveltyWeight*noveltySignal +
		cfg.RationaleWeight*rationaleSignal

	var reasons []string
	if failureRateSignal < 1.0 {
		reasons = append(reasons, "non-zero tool failure rate")
	}
	if noveltySignal == 0 {
		reasons = append(reasons, "no novel paths touched")
	}
	if !sig.HasRationale {
		reasons = append(reasons, "no rationale present")
	}

	return Decision{Persist: score >= cfg.Threshold, Score: score, Reasons: reasons}
}

// CollectSignals derives Signals from a completed run's correlation stats
// and recognised events, comparing file-ish argument paths against the set
// already known from a prior memory search.
func CollectSignals(reason supervisor.Reason, stats toolevent.Stats, events []toolevent.Event, priorPaths map[string]struct{}) Signals {
	sig := Signals{
		TotalRequests: stats.TotalRequests,
		FailedResults: stats.FailedResults,
		Outcome:       reason,
	}

	seen := map[string]struct{}{}
	for _, ev := range events {
		if ev.Rationale != "" {
			sig.HasRationale = true
		}
		for _, p := range extractPaths(ev.Args) {
			if _, known := priorPaths[p]; known {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			sig.NovelPaths++
		}
	}

	return sig
}

// extractPaths pulls plausible file path strings out of a raw tool-args
// payload using a cheap heuristic: any quoted string value containing a "/"
// is treated as a path candidate. Precision isn't required here, only a
// reasonable novelty proxy.
func extractPaths(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	s := string(raw)
	for _, tok := range strings.Split(s, "\"") {
		if strings.Contains(tok, "/") && !strings.ContainsAny(tok, "{}[]:") {
			out = append(out, tok)
		}
	}
	return out
}

// BuildCandidate turns a persisted decision into a memoryclient.Candidate.
func BuildCandidate(runID, summary string, dec Decision, tags []string) memoryclient.Candidate {
	return memoryclient.Candidate{
		RunID:     runID,
		Summary:   summary,
		Tags:      tags,
		ScoreHint: dec.Score,
	}
}
