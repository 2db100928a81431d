// Package control implements the sole writer of a supervised child's
// stdin: a single serializing goroutine that drains a bounded queue of
// control commands, encodes each as one line of JSON, and reports write
// failure fatally and permanently.
//
// The shape — a request struct carrying a response/ack channel, routed
// through a single dispatcher goroutine — is grounded on the claudeTurnBridge
// / claudeToolRequest pattern in the reference term-llm codebase's
// claude_bin.go, generalized from "route one MCP tool call" to "serialize
// arbitrary control commands onto one stdin."
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the control command kinds (§4.4).
type Kind string

const (
	KindDecision Kind = "policy.decision"
	KindAbort    Kind = "policy.abort"
	KindPing     Kind = "policy.ping"
)

// Decision is the allow/deny value carried by a policy.decision command.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// AbortCode enumerates stable policy.abort reasons (§4.4).
type AbortCode string

const (
	AbortUserCancel      AbortCode = "user_cancel"
	AbortPolicyViolation AbortCode = "policy_violation"
	AbortFatalError      AbortCode = "fatal_error"
)

// Command is a single control command, serialised as one JSON line. The
// envelope fields V, Type, TS and ID are always present; RunID is omitted
// while it is empty; kind-specific fields are optional per Kind.
type Command struct {
	V     int       `json:"v"`
	Type  Kind      `json:"type"`
	TS    time.Time `json:"ts"`
	ID    string    `json:"id"`
	RunID string    `json:"run_id,omitempty"`

	// policy.decision fields
	Decision Decision `json:"decision,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	RuleID   string   `json:"rule_id,omitempty"`

	// policy.abort fields
	Code AbortCode `json:"code,omitempty"`

	// policy.ping fields
	Capabilities []string `json:"capabilities,omitempty"`
}

// NewDecisionCommand builds a policy.decision command for the given
// tool-request identifier. ID matches the originating tool-request
// identifier, per §6.
func NewDecisionCommand(requestID string, decision Decision, reason, ruleID, runID string) Command {
	return Command{
		V:        1,
		Type:     KindDecision,
		TS:       time.Now(),
		ID:       requestID,
		RunID:    runID,
		Decision: decision,
		Reason:   reason,
		RuleID:   ruleID,
	}
}

// NewAbortCommand builds a policy.abort command.
func NewAbortCommand(reason string, code AbortCode, runID string) Command {
	return Command{
		V:      1,
		Type:   KindAbort,
		TS:     time.Now(),
		ID:     uuid.NewString(),
		RunID:  runID,
		Reason: reason,
		Code:   code,
	}
}

// NewPingCommand builds an optional policy.ping handshake command.
func NewPingCommand(capabilities []string, runID string) Command {
	return Command{
		V:            1,
		Type:         KindPing,
		TS:           time.Now(),
		ID:           uuid.NewString(),
		RunID:        runID,
		Capabilities: capabilities,
	}
}

// ErrWriterFailed is wrapped into every error returned by Send once the
// writer has transitioned into its terminal failed state.
var ErrWriterFailed = fmt.Errorf("control writer: stdin failed, no further sends accepted")

// sendRequest is an internal envelope that pairs a Command with the channel
// used to report whether a write attempt succeeded.
type sendRequest struct {
	cmd    Command
	result chan error
}

// Writer is the sole owner of the child's stdin.
type Writer struct {
	queue chan sendRequest

	mu     sync.Mutex
	failed bool
	err    error

	done chan struct{}
}

// New creates a Writer with the given queue depth (§4.4 "bounded
// in-memory queue"). The returned Writer does not start its drain loop
// until Run is called.
func New(queueDepth int) *Writer {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &Writer{
		queue: make(chan sendRequest, queueDepth),
		done:  make(chan struct{}),
	}
}

// Run drains the queue, writing each command as one LF-terminated JSON line
// to dst, until ctx is cancelled or the queue is closed via Close. Run
// blocks the calling goroutine; callers should invoke it in its own
// goroutine. Once a write to dst fails, Run transitions the Writer to its
// terminal failed state, drains (and fails) any remaining queued sends, and
// returns the failure.
func Run(ctx context.Context, w *Writer, dst io.Writer) error {
	bw := bufio.NewWriter(dst)
	defer close(w.done)

	for {
		select {
		case req, ok := <-w.queue:
			if !ok {
				return nil
			}
			if err := w.writeOne(bw, req.cmd); err != nil {
				w.markFailed(err)
				req.result <- err
				w.failAllPending()
				return err
			}
			req.result <- nil
		case <-ctx.Done():
			w.failAllPending()
			return ctx.Err()
		}
	}
}

func (w *Writer) writeOne(bw *bufio.Writer, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("control writer: encode command: %w", err)
	}
	data = append(data, '\n')
	if _, err := bw.Write(data); err != nil {
		return fmt.Errorf("control writer: write failed: %w", err)
	}
	return bw.Flush()
}

func (w *Writer) markFailed(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.failed {
		w.failed = true
		w.err = err
	}
}

// failAllPending drains any requests still sitting in the queue after
// failure (or context cancellation) and resolves them with the stored
// failure, so no caller of Send blocks forever.
func (w *Writer) failAllPending() {
	for {
		select {
		case req := <-w.queue:
			req.result <- w.failureErr()
		default:
			return
		}
	}
}

func (w *Writer) failureErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return fmt.Errorf("%w: %v", ErrWriterFailed, w.err)
	}
	return ErrWriterFailed
}

// Failed reports whether the writer has entered its terminal failed state.
func (w *Writer) Failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

// Send enqueues cmd and blocks until it is written (or the writer fails /
// ctx is cancelled). It returns nil only once the write has actually
// completed — callers (the policy arbiter) must never retry a decision
// whose Send returned a timeout/cancellation error, since the write may
// have already happened (§4.4 "the arbiter MUST NOT retry that decision").
func (w *Writer) Send(ctx context.Context, cmd Command) error {
	if w.Failed() {
		return w.failureErr()
	}

	req := sendRequest{cmd: cmd, result: make(chan error, 1)}

	select {
	case w.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return w.failureErr()
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return w.failureErr()
	}
}

// SendWithDeadline is a convenience wrapper used by the Abort Sequence
// (§4.6 step 2), which wants a short, fixed write deadline regardless of
// the run's overall context.
func (w *Writer) SendWithDeadline(parent context.Context, cmd Command, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()
	return w.Send(ctx, cmd)
}

// Close signals the drain loop to exit once the queue is empty. It does not
// wait for in-flight sends; callers should select on Done() to observe
// completion.
func (w *Writer) Close() {
	close(w.queue)
}

// Done returns a channel closed once Run has returned.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}
