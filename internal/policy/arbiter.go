// Package policy implements the per-tool-request approval state machine
// (§4.5). It decides exactly once and delivers exactly once for every
// policy-bearing tool request, observes audit-only requests without
// deciding, and surfaces fatal transport/timeout conditions for the
// supervision loop to act on.
//
// The approve/deny/cache/prompt shape is grounded on tools.ApprovalManager
// in the reference term-llm codebase (internal/tools/approval.go):
// synchronous check-then-maybe-prompt, a single serialized prompt path, and
// a parent/child inheritance idea (here simplified to a flat per-run
// arbiter, since the spec does not call for nested sub-agent approval
// trees) — generalized into the explicit per-request state machine the
// spec requires.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memwrapper/mem-wrapper/internal/control"
	"github.com/memwrapper/mem-wrapper/internal/redact"
	"github.com/memwrapper/mem-wrapper/internal/toolevent"
)

// State is one of the per-request lifecycle states in §4.5.
type State string

const (
	StatePendingDecision State = "pending_decision"
	StateDeciding        State = "deciding"
	StateAllowed         State = "allowed"
	StateDenied          State = "denied"
	StateCompleted       State = "completed"
	StateAbandoned       State = "abandoned"
	StateFailedTransport State = "failed_transport"
	StateTimedOut        State = "timed_out"

	// stateObserveOnly marks a requires_policy=false request: it is tracked
	// only to detect its matching result (or abandonment), never decided.
	stateObserveOnly State = "observe_only"
)

func isTerminal(s State) bool {
	switch s {
	case StateCompleted, StateAbandoned, StateFailedTransport, StateTimedOut:
		return true
	default:
		return false
	}
}

// Decision is the policy callable's verdict (§4.5).
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	Ask   Decision = "ask"
)

// PolicyFunc is a pure function from a tool-request event to a decision.
type PolicyFunc func(req toolevent.Event) Decision

// Approver prompts a human for a decision when PolicyFunc returns Ask. It
// must never read from the child's stdin (§4.5, §9 "Redaction before
// approver") — its input channel is the wrapper's own controlling
// terminal. Implementations are expected to honour ctx cancellation and
// apply their own timeout, returning (Deny, ctx.Err()) or similar on
// expiry; the arbiter additionally bounds every Ask call with its own
// policy-decision timeout as a backstop.
type Approver interface {
	Approve(ctx context.Context, req toolevent.Event) (control.Decision, error)
}

// ApproverFunc adapts a plain function to Approver.
type ApproverFunc func(ctx context.Context, req toolevent.Event) (control.Decision, error)

// Approve implements Approver.
func (f ApproverFunc) Approve(ctx context.Context, req toolevent.Event) (control.Decision, error) {
	return f(ctx, req)
}

// FatalReason enumerates why the arbiter signalled a fatal condition to the
// supervision loop.
type FatalReason string

const (
	FatalPolicyTransport FatalReason = "policy_transport"
	FatalExecTimeout     FatalReason = "exec_timeout"
	FatalPolicyTimeout   FatalReason = "policy_timeout"
)

// FatalEvent is emitted on the arbiter's fatal channel when a request
// transitions to FailedTransport or TimedOut, both of which must trigger
// the supervision loop's Abort Sequence.
type FatalEvent struct {
	RequestID string
	Reason    FatalReason
	Err       error
}

// PendingInfo is a read-only snapshot of one tracked request, used for
// audit/diagnostics (runner.exit's pending-decision snapshot) and by the
// supervision loop's stall detector.
type PendingInfo struct {
	ID         string
	State      State
	EnteredAt  time.Time
	ToolName   string
	DecisionOK *bool // nil until a decision write has been attempted
}

type entry struct {
	req         toolevent.Event
	state       State
	enteredAt   time.Time // time of entry into the current state
	decisionOK  *bool
}

// RunIDFunc returns the current effective run identifier, read lazily at
// send time so promotion (§3) is always reflected.
type RunIDFunc func() string

// Arbiter is the per-run policy state machine. One Arbiter instance
// belongs to exactly one Run.
type Arbiter struct {
	writer   *control.Writer
	policy   PolicyFunc
	approver Approver
	runID    RunIDFunc

	policyTimeout time.Duration
	execTimeout   time.Duration

	mu    sync.Mutex
	table map[string]*entry
	order []string

	fatalCh chan FatalEvent
	asyncWG sync.WaitGroup
}

// Config configures timeouts; both must be positive (§5 "Timeouts").
type Config struct {
	PolicyTimeout time.Duration
	ExecTimeout   time.Duration
}

// New creates an Arbiter. writer is the sole channel through which
// decisions reach the child; policy and approver are the two collaborators
// described in §6.
func New(writer *control.Writer, policyFn PolicyFunc, approver Approver, cfg Config, runID RunIDFunc) *Arbiter {
	return &Arbiter{
		writer:        writer,
		policy:        policyFn,
		approver:      approver,
		runID:         runID,
		policyTimeout: cfg.PolicyTimeout,
		execTimeout:   cfg.ExecTimeout,
		table:         make(map[string]*entry),
		fatalCh:       make(chan FatalEvent, 8),
	}
}

// Fatal returns the channel the supervision loop selects on to learn of a
// FailedTransport or TimedOut condition requiring abort.
func (a *Arbiter) Fatal() <-chan FatalEvent {
	return a.fatalCh
}

func (a *Arbiter) signalFatal(ev FatalEvent) {
	select {
	case a.fatalCh <- ev:
	default:
		// Channel full: a fatal condition is already queued and the
		// supervision loop is on its way to aborting anyway.
	}
}

// HandleEvent processes one tool event in observation order (§5 ordering
// guarantee #2). It must be called sequentially by a single goroutine (the
// supervision loop's event dispatch); the arbiter performs no internal
// reordering.
func (a *Arbiter) HandleEvent(ctx context.Context, ev toolevent.Event) {
	switch ev.Kind {
	case toolevent.KindRequest:
		a.handleRequest(ctx, ev)
	case toolevent.KindResult:
		a.handleResult(ev)
	case toolevent.KindProgress:
		// Progress events carry no decision obligation; nothing to do.
	}
}

func (a *Arbiter) handleRequest(ctx context.Context, ev toolevent.Event) {
	a.mu.Lock()
	if _, exists := a.table[ev.ID]; exists {
		a.mu.Unlock()
		// Duplicate request identifier: log and ignore (§3 invariant,
		// resolved Open Question #2 in SPEC_FULL.md/DESIGN.md).
		slog.Warn("policy: duplicate tool request identifier ignored", "id", ev.ID)
		return
	}

	e := &entry{req: ev, enteredAt: time.Now()}
	if !ev.RequiresPolicy {
		e.state = stateObserveOnly
		a.table[ev.ID] = e
		a.order = append(a.order, ev.ID)
		a.mu.Unlock()
		return
	}

	e.state = StatePendingDecision
	a.table[ev.ID] = e
	a.order = append(a.order, ev.ID)
	a.mu.Unlock()

	decision := a.policy(ev)
	switch decision {
	case Allow:
		a.decideAndSend(ctx, ev, control.DecisionAllow, "policy: allow")
	case Deny:
		a.decideAndSend(ctx, ev, control.DecisionDeny, "policy: deny")
	case Ask:
		a.asyncWG.Add(1)
		go a.askAndDecide(ctx, ev)
	default:
		// Unknown decision value: fail closed.
		a.decideAndSend(ctx, ev, control.DecisionDeny, fmt.Sprintf("policy: unrecognised decision %q, denying", decision))
	}
}

func (a *Arbiter) askAndDecide(ctx context.Context, ev toolevent.Event) {
	defer a.asyncWG.Done()

	askCtx := ctx
	var cancel context.CancelFunc
	if a.policyTimeout > 0 {
		askCtx, cancel = context.WithTimeout(ctx, a.policyTimeout)
		defer cancel()
	}

	// Redact before the approver ever sees this event (§9 "Redaction before
	// approver") — the human-facing prompt must never surface secrets that
	// happened to be embedded in tool arguments.
	redacted := ev
	redacted.Args = redact.JSON(ev.Args)
	redacted.Output = redact.JSON(ev.Output)
	redacted.Rationale = redact.Text(ev.Rationale)

	decision, err := a.approver.Approve(askCtx, redacted)
	if err != nil {
		// Approver error or timeout: synthesise deny (§4.5 "On approver
		// timeout ... synthesise deny").
		a.decideAndSend(ctx, ev, control.DecisionDeny, "approver timeout or error, denying")
		return
	}
	reason := "user approved"
	if decision == control.DecisionDeny {
		reason = "user denied"
	}
	a.decideAndSend(ctx, ev, decision, reason)
}

// decideAndSend transitions the request to Deciding and sends the decision
// through the control writer exactly once.
func (a *Arbiter) decideAndSend(ctx context.Context, ev toolevent.Event, decision control.Decision, reason string) {
	a.mu.Lock()
	e, ok := a.table[ev.ID]
	if !ok || e.state != StatePendingDecision {
		a.mu.Unlock()
		return
	}
	e.state = StateDeciding
	a.mu.Unlock()

	cmd := control.NewDecisionCommand(ev.ID, decision, reason, "", a.runID())
	err := a.writer.Send(ctx, cmd)

	a.mu.Lock()
	defer a.mu.Unlock()
	ok2 := err == nil
	e.decisionOK = &ok2
	if err != nil {
		e.state = StateFailedTransport
		delete(a.table, ev.ID)
		a.signalFatal(FatalEvent{RequestID: ev.ID, Reason: FatalPolicyTransport, Err: err})
		return
	}

	e.enteredAt = time.Now()
	if decision == control.DecisionAllow {
		e.state = StateAllowed
	} else {
		e.state = StateDenied
	}
}

func (a *Arbiter) handleResult(ev toolevent.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.table[ev.ID]
	if !ok {
		// Recorded in audit elsewhere (toolevent.Correlate over the full
		// event log); does not affect any state machine (§4.5).
		return
	}
	if isTerminal(e.state) {
		return
	}
	e.state = StateCompleted
	delete(a.table, ev.ID)
}

// Tick examines all tracked requests against the configured timeouts and
// forces any that have overstayed PendingDecision (unexpected — the
// PolicyTimeout context in askAndDecide is the normal enforcement path,
// this is only a backstop for a policy callable or approver that never
// returns at all) or Allowed/Denied (the execution timeout, §4.5) into a
// terminal state, signalling Fatal for each. The supervision loop's stall
// detector calls Tick periodically (recommended 1-2s, §4.6).
func (a *Arbiter) Tick(now time.Time) {
	type failure struct {
		id     string
		reason FatalReason
	}

	a.mu.Lock()
	var toFail []failure
	for id, e := range a.table {
		switch e.state {
		case StatePendingDecision:
			if a.policyTimeout > 0 && now.Sub(e.enteredAt) > a.policyTimeout {
				toFail = append(toFail, failure{id, FatalPolicyTimeout})
			}
		case StateAllowed, StateDenied:
			if a.execTimeout > 0 && now.Sub(e.enteredAt) > a.execTimeout {
				toFail = append(toFail, failure{id, FatalExecTimeout})
			}
		}
	}
	for _, f := range toFail {
		a.table[f.id].state = StateTimedOut
		delete(a.table, f.id)
	}
	a.mu.Unlock()

	for _, f := range toFail {
		a.signalFatal(FatalEvent{RequestID: f.id, Reason: f.reason})
	}
}

// Snapshot returns the current pending requests (non-terminal only, since
// terminal entries are removed immediately), in first-seen order.
func (a *Arbiter) Snapshot() []PendingInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]PendingInfo, 0, len(a.order))
	for _, id := range a.order {
		e, ok := a.table[id]
		if !ok {
			continue
		}
		out = append(out, PendingInfo{
			ID:         id,
			State:      e.state,
			EnteredAt:  e.enteredAt,
			ToolName:   e.req.Tool,
			DecisionOK: e.decisionOK,
		})
	}
	return out
}

// Shutdown marks every still-pending request Abandoned (§4.5 "New ...
// transition ... to Abandoned at shutdown") and waits for any in-flight
// approver goroutines to finish (they observe ctx cancellation and return
// promptly). Shutdown is idempotent.
func (a *Arbiter) Shutdown() {
	a.mu.Lock()
	for id, e := range a.table {
		if !isTerminal(e.state) {
			e.state = StateAbandoned
			delete(a.table, id)
		}
	}
	a.mu.Unlock()

	a.asyncWG.Wait()
}
