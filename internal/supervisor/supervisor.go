// Package supervisor implements the supervision loop (§4.6): it owns the
// child process and every other component's lifetime, drives the main
// run loop, and implements the fail-closed Abort Sequence, the stall
// detector, and exit-code normalisation. Cancellation of the Run context
// (for cmd/memwrapper: SIGINT, SIGTERM or SIGHUP via
// procsignal.NotifyContext) starts the Abort Sequence; the received signal
// itself is not forwarded to the child.
//
// The overall shape — spawn with piped streams, pump goroutines that must
// finish before Wait is called, a single abort path reached from several
// trigger sources — is grounded on ClaudeBinProvider.runClaudeCommand in
// the reference term-llm codebase (internal/llm/claude_bin.go); the
// two-signal escalation and stall detector are new code built in the same
// idiom, since the reference process has no equivalent (it relies on a
// single context cancellation with no stall detection).
package supervisor

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/memwrapper/mem-wrapper/internal/auditlog"
	"github.com/memwrapper/mem-wrapper/internal/control"
	"github.com/memwrapper/mem-wrapper/internal/policy"
	"github.com/memwrapper/mem-wrapper/internal/procsignal"
	"github.com/memwrapper/mem-wrapper/internal/ringtail"
	"github.com/memwrapper/mem-wrapper/internal/runid"
	"github.com/memwrapper/mem-wrapper/internal/streampump"
	"github.com/memwrapper/mem-wrapper/internal/toolevent"
	"github.com/memwrapper/mem-wrapper/internal/wraperr"
)

// Dependencies are the collaborators the supervision loop wires together.
// Policy, Audit and RunID are required; a nil Audit logger would panic, so
// callers should pass auditlog.New with an io.Discard writer if audit
// output is not wanted. Approver is consulted only when Policy returns Ask
// and may be nil when Policy never does.
type Dependencies struct {
	Policy   policy.PolicyFunc
	Approver policy.Approver
	Audit    *auditlog.Logger
	RunID    *runid.Slot
	// Metrics is optional; a nil value disables prometheus instrumentation.
	Metrics *Metrics
}

// Supervisor runs one child process from start to finish. A Supervisor
// value is single-use: create a fresh one per run via New.
type Supervisor struct {
	cfg  Config
	deps Dependencies
}

// New creates a Supervisor with the given config and collaborators.
func New(cfg Config, deps Dependencies) *Supervisor {
	return &Supervisor{cfg: cfg, deps: deps}
}

// Run spawns cmd, supervises it to completion (or to a forced abort), and
// returns the Run outcome. ctx governs external cancellation (§4.6 main
// loop item (c)): its cancellation is translated into the Abort Sequence,
// not an immediate kill.
//
// cmd must not yet have been started; Run configures its Stdin/Stdout/
// Stderr and process-group attributes itself and calls Start.
func (s *Supervisor) Run(ctx context.Context, cmd *exec.Cmd, parentStdout, parentStderr io.Writer) (Outcome, error) {
	start := time.Now()

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return Outcome{}, wraperr.Wrap(wraperr.KindRunnerIO, "create stdin pipe", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, wraperr.Wrap(wraperr.KindRunnerIO, "create stdout pipe", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, wraperr.Wrap(wraperr.KindRunnerIO, "create stderr pipe", err)
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Outcome{}, wraperr.Wrap(wraperr.KindRunnerIO, "spawn child", err)
	}
	pgid := cmd.Process.Pid

	stdoutRing := ringtail.New(s.cfg.RingCapacity)
	stderrRing := ringtail.New(s.cfg.RingCapacity)
	activity := newStreamActivity()

	eventCh := make(chan toolevent.Event, 64)
	stdoutSink := newStreamSink(eventCh)
	stderrSink := newStreamSink(eventCh)

	w := control.New(s.cfg.ControlQueueDepth)
	writerDone := make(chan error, 1)
	go func() { writerDone <- control.Run(ctx, w, stdinPipe) }()

	a := policy.New(w, s.deps.Policy, s.deps.Approver,
		policy.Config{PolicyTimeout: s.cfg.PolicyTimeout, ExecTimeout: s.cfg.ExecTimeout},
		s.deps.RunID.Current)

	s.deps.Audit.Emit(auditlog.RunnerStart, map[string]any{"pid": cmd.Process.Pid})

	pumpDone := make(chan struct{}, 2)
	var stdoutOutcome, stderrOutcome streampump.Outcome
	go func() {
		stdoutOutcome = streampump.Run(ctx, "stdout", stdoutPipe, parentStdout,
			&activityRing{ring: stdoutRing, activity: activity}, stdoutSink)
		activity.markStdoutDone()
		pumpDone <- struct{}{}
	}()
	go func() {
		stderrOutcome = streampump.Run(ctx, "stderr", stderrPipe, parentStderr,
			&activityRing{ring: stderrRing, activity: activity}, stderrSink)
		activity.markStderrDone()
		pumpDone <- struct{}{}
	}()

	dispatchDone := make(chan struct{})
	var allEvents []toolevent.Event
	go func() {
		defer close(dispatchDone)
		for ev := range eventCh {
			allEvents = append(allEvents, ev)
			if ev.RunIDCandidate != "" {
				s.deps.RunID.Promote(ev.RunIDCandidate)
			}
			a.HandleEvent(ctx, ev)
		}
	}()

	type waitResult struct {
		exitCode int
		err      error
	}
	childExited := make(chan waitResult, 1)
	go func() {
		<-pumpDone
		<-pumpDone
		err := cmd.Wait()
		childExited <- waitResult{exitCode: normaliseExitCode(cmd, err), err: err}
	}()

	isAlive := func() bool {
		return syscall.Kill(pgid, syscall.Signal(0)) == nil
	}

	var abortOnce sync.Once
	var abortReason Reason
	triggerAbort := func(reason Reason) {
		abortOnce.Do(func() {
			abortReason = reason
			s.deps.Metrics.observeStall(reason)
			go s.runAbortSequence(reason, w, a, pgid, isAlive)
		})
	}

	stallCh := make(chan Reason, 1)
	stallStop := make(chan struct{})
	go s.stallDetector(a, activity, isAlive, stallCh, stallStop)

	var wr waitResult
	select {
	case wr = <-childExited:
		// Child exited on its own; no abort was necessary.
	case fe := <-a.Fatal():
		triggerAbort(mapFatalReason(fe.Reason))
		wr = <-childExited
	case <-ctx.Done():
		triggerAbort(s.cfg.externalCancelReason())
		wr = <-childExited
	case r := <-stallCh:
		triggerAbort(r)
		wr = <-childExited
	}
	close(stallStop)

	// Both pumps have already returned by this point (childExited is only
	// produced once both have signalled pumpDone), so no further events
	// can arrive: draining eventCh first, then shutting the arbiter down,
	// avoids a race where Shutdown abandons an entry the dispatch
	// goroutine is about to (re)create from an event still sitting in the
	// channel buffer.
	close(eventCh)
	<-dispatchDone
	a.Shutdown()

	w.Close()
	<-w.Done()
	stdinPipe.Close()

	reason := abortReason
	if reason == "" {
		reason = ReasonNormal
	}

	pending := a.Snapshot()
	correlation := toolevent.Correlate(allEvents)

	s.deps.Audit.Flush()
	s.deps.Audit.Emit(auditlog.RunnerExit, map[string]any{
		"exit_code":         wr.exitCode,
		"reason":            reason,
		"pending_decisions": len(pending),
		"duration_ms":       time.Since(start).Milliseconds(),
	})
	s.deps.Audit.Flush()

	out := Outcome{
		EffectiveRunID:   s.deps.RunID.Current(),
		ExitCode:         wr.exitCode,
		Duration:         time.Since(start),
		StdoutTail:       stdoutRing.Snapshot(),
		StderrTail:       stderrRing.Snapshot(),
		Events:           allEvents,
		Correlation:      correlation,
		Reason:           reason,
		PendingDecisions: pending,
		StdoutParseFails: stdoutSink.parseFailures,
		StderrParseFails: stderrSink.parseFailures,
	}

	s.deps.Metrics.observeRun(out)

	if stdoutOutcome.Err != nil || stderrOutcome.Err != nil {
		return out, wraperr.Wrap(wraperr.KindRunnerIO, "stream pump failed", firstNonNil(stdoutOutcome.Err, stderrOutcome.Err))
	}
	return out, nil
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

func (c Config) externalCancelReason() Reason {
	if c.ExternalCancelReason == "" {
		return ReasonSignal
	}
	return Reason(c.ExternalCancelReason)
}

// mapFatalReason translates an arbiter fatal condition into a Run-outcome
// abort reason (§3's fixed enum has no direct "policy transport" entry;
// a control-write failure is, in practice, almost always a broken pipe).
func mapFatalReason(r policy.FatalReason) Reason {
	switch r {
	case policy.FatalPolicyTimeout:
		return ReasonPolicyTimeout
	case policy.FatalExecTimeout:
		return ReasonExecTimeout
	case policy.FatalPolicyTransport:
		return ReasonStdinBroken
	default:
		return ReasonStdinBroken
	}
}

// runAbortSequence implements §4.6's six-step Abort Sequence (steps 5-6
// are performed by the caller in Run, once the child has actually exited,
// since this function's job is only to make that exit happen).
func (s *Supervisor) runAbortSequence(reason Reason, w *control.Writer, a *policy.Arbiter, pgid int, isAlive func() bool) {
	code := control.AbortFatalError
	switch reason {
	case ReasonUserCancel, ReasonSignal:
		code = control.AbortUserCancel
	case ReasonPolicyDenied:
		code = control.AbortPolicyViolation
	}

	if !w.Failed() {
		cmd := control.NewAbortCommand(string(reason), code, s.deps.RunID.Current())
		_ = w.SendWithDeadline(context.Background(), cmd, s.cfg.AbortWriteDeadline)
	}

	if waitUntilGoneOrTimeout(isAlive, s.cfg.AbortGrace, s.cfg.KillGraceCheckInterval) {
		return
	}

	_ = procsignal.TerminateGroup(pgid)
	if waitUntilGoneOrTimeout(isAlive, s.cfg.TermGrace, s.cfg.KillGraceCheckInterval) {
		return
	}

	_ = procsignal.KillGroup(pgid)
}

// waitUntilGoneOrTimeout polls isAlive and reports whether the process
// became not-alive within budget.
func waitUntilGoneOrTimeout(isAlive func() bool, budget, pollInterval time.Duration) bool {
	deadline := time.Now().Add(budget)
	for time.Now().Before(deadline) {
		if !isAlive() {
			return true
		}
		time.Sleep(pollInterval)
	}
	return !isAlive()
}

// stallDetector implements §4.6's periodic probe. Signals 1 and 2
// (PendingDecision/Allowed timeouts) are delegated to the arbiter's own
// Tick, which raises them on its Fatal channel; this goroutine only needs
// to watch signals 3 (idle output) and 4 (double EOF).
func (s *Supervisor) stallDetector(a *policy.Arbiter, activity *streamActivity, isAlive func() bool, out chan<- Reason, stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.StallProbeInterval)
	defer ticker.Stop()

	var suspectedSince time.Time

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			a.Tick(now)

			alive := isAlive()
			idle := now.Sub(activity.lastActivity()) > s.cfg.IdleOutputTimeout
			bothDone := activity.bothDone()

			switch {
			case !alive:
				suspectedSince = time.Time{}
			case bothDone:
				if suspectedSince.IsZero() {
					suspectedSince = now
					s.deps.Audit.Emit(auditlog.HangSuspected, map[string]any{"signal": "double_eof"})
				} else if now.Sub(suspectedSince) > s.cfg.HardGrace {
					s.sendReason(out, ReasonDoubleEOF)
					return
				}
			case idle:
				if suspectedSince.IsZero() {
					suspectedSince = now
					s.deps.Audit.Emit(auditlog.HangSuspected, map[string]any{"signal": "idle_output"})
				} else if now.Sub(suspectedSince) > s.cfg.HardGrace {
					s.sendReason(out, ReasonExecTimeout)
					return
				}
			default:
				suspectedSince = time.Time{}
			}
		}
	}
}

func (s *Supervisor) sendReason(out chan<- Reason, r Reason) {
	select {
	case out <- r:
	default:
	}
}

// normaliseExitCode implements §4.6's exit-code normalisation.
func normaliseExitCode(cmd *exec.Cmd, waitErr error) int {
	state := cmd.ProcessState
	if state == nil {
		return 1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		return procsignal.ExitCodeFromWaitStatus(ws)
	}
	if state.Success() {
		return 0
	}
	return state.ExitCode()
}
