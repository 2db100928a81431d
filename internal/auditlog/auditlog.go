// Package auditlog writes the wrapper's own newline-delimited JSON audit
// events (§6 "wrapper audit events"), buffering anything emitted before
// the effective run identifier is promoted (§3 "Effective run identifier
// late-binding") so every emitted event carries one consistent identifier.
//
// The record shape is grounded on debuglog.Entry/EventEntry in the
// reference term-llm codebase (internal/debuglog/types.go), narrowed from
// its general request/session log to the six event kinds §6 names.
// Rate-limiting pathological event storms uses golang.org/x/time/rate,
// the same library internal/R3E-Network-service_layer uses for its API
// throttling, wired here for a different concern.
package auditlog

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/memwrapper/mem-wrapper/internal/runid"
)

// Kind enumerates the wrapper audit event kinds named in §6.
type Kind string

const (
	RunnerStart        Kind = "runner.start"
	RunnerExit         Kind = "runner.exit"
	HangSuspected      Kind = "hang.suspected"
	PolicyDecide       Kind = "policy.decide"
	MemorySearchResult Kind = "memory.search.result"
	GatekeeperDecision Kind = "gatekeeper.decision"
)

// alwaysEmitted are the kinds the rate limiter never drops: start/exit are
// each emitted at most once or twice per run and must never go missing.
var alwaysEmitted = map[Kind]bool{
	RunnerStart: true,
	RunnerExit:  true,
}

// Event is one NDJSON record. Fields carries kind-specific data as a plain
// map, mirroring debuglog's permissive "Data" fields rather than one
// struct per event kind.
type Event struct {
	V      int            `json:"v"`
	Kind   Kind           `json:"event"`
	TS     time.Time      `json:"ts"`
	RunID  string         `json:"run_id"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Logger emits audit events, withholding any emitted before the run
// identifier slot is promoted.
type Logger struct {
	mu       sync.Mutex
	w        io.Writer
	slot     *runid.Slot
	limiter  *rate.Limiter
	buffered []pending
	lastErr  error
}

type pending struct {
	kind   Kind
	fields map[string]any
	ts     time.Time
}

// New creates a Logger writing to w. slot supplies the effective run
// identifier; limiter bounds the rate of non-critical event kinds (pass
// nil for no limiting, e.g. in tests).
func New(w io.Writer, slot *runid.Slot, limiter *rate.Limiter) *Logger {
	return &Logger{w: w, slot: slot, limiter: limiter}
}

// Emit records one audit event. Fields may be nil.
func (l *Logger) Emit(kind Kind, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !alwaysEmitted[kind] && l.limiter != nil && !l.limiter.Allow() {
		return
	}

	now := time.Now()
	if !l.slot.Promoted() {
		l.buffered = append(l.buffered, pending{kind: kind, fields: fields, ts: now})
		return
	}

	l.flushBufferedLocked()
	l.writeLocked(kind, fields, now)
}

// flushBufferedLocked writes out any events that were withheld prior to
// promotion, now that the effective identifier is known. Caller holds mu.
func (l *Logger) flushBufferedLocked() {
	if len(l.buffered) == 0 {
		return
	}
	for _, p := range l.buffered {
		l.writeLocked(p.kind, p.fields, p.ts)
	}
	l.buffered = nil
}

func (l *Logger) writeLocked(kind Kind, fields map[string]any, ts time.Time) {
	ev := Event{V: 1, Kind: kind, TS: ts, RunID: l.slot.Current(), Fields: fields}
	data, err := json.Marshal(ev)
	if err != nil {
		l.lastErr = err
		return
	}
	data = append(data, '\n')
	if _, err := l.w.Write(data); err != nil {
		l.lastErr = err
	}
}

// Flush forces any buffered-but-not-yet-promoted events out using the
// slot's current identifier, even if promotion never happened. The
// supervision loop calls this at shutdown (§3 "If no such field ever
// arrives, the provisional identifier is promoted to effective at first
// persistence").
func (l *Logger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushBufferedLocked()
}

// LastError returns the most recent write/encode error, if any. Audit
// logging failures are never fatal to the run (§7: the audit sink is a
// "recommended" diagnostics channel, not part of the correctness-critical
// core).
func (l *Logger) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}
