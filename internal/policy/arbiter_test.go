package policy

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/memwrapper/mem-wrapper/internal/control"
	"github.com/memwrapper/mem-wrapper/internal/toolevent"
)

func startWriter(t *testing.T, dst *bytes.Buffer) (*control.Writer, context.CancelFunc) {
	t.Helper()
	w := control.New(8)
	ctx, cancel := context.WithCancel(context.Background())
	go control.Run(ctx, w, dst)
	return w, cancel
}

func reqEvent(id, tool string, requiresPolicy bool) toolevent.Event {
	return toolevent.Event{Kind: toolevent.KindRequest, ID: id, Tool: tool, RequiresPolicy: requiresPolicy}
}

func resultEvent(id string) toolevent.Event {
	return toolevent.Event{Kind: toolevent.KindResult, ID: id, Success: true}
}

func alwaysAllow(toolevent.Event) Decision { return Allow }
func alwaysDeny(toolevent.Event) Decision  { return Deny }

func TestAllowDecisionIsSentAndRequestCompletesOnResult(t *testing.T) {
	var buf bytes.Buffer
	w, cancel := startWriter(t, &buf)
	defer cancel()

	a := New(w, alwaysAllow, nil, Config{PolicyTimeout: time.Second, ExecTimeout: time.Second}, func() string { return "run-1" })

	a.HandleEvent(context.Background(), reqEvent("t1", "read_file", true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := a.Snapshot()
		if len(snap) == 1 && snap[0].State == StateAllowed {
			break
		}
		time.Sleep(time.Millisecond)
	}
	snap := a.Snapshot()
	if len(snap) != 1 || snap[0].State != StateAllowed {
		t.Fatalf("expected single Allowed entry, got %+v", snap)
	}
	if !strings.Contains(buf.String(), `"decision":"allow"`) {
		t.Fatalf("expected allow decision on wire, got %q", buf.String())
	}

	a.HandleEvent(context.Background(), resultEvent("t1"))
	if snap := a.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected entry removed after Completed, got %+v", snap)
	}
}

func TestDenyDecisionSent(t *testing.T) {
	var buf bytes.Buffer
	w, cancel := startWriter(t, &buf)
	defer cancel()

	a := New(w, alwaysDeny, nil, Config{PolicyTimeout: time.Second, ExecTimeout: time.Second}, func() string { return "" })
	a.HandleEvent(context.Background(), reqEvent("t1", "shell_exec", true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !strings.Contains(buf.String(), `"decision":"deny"`) {
		time.Sleep(time.Millisecond)
	}
	if !strings.Contains(buf.String(), `"decision":"deny"`) {
		t.Fatalf("expected deny decision on wire, got %q", buf.String())
	}
}

func TestNonPolicyRequestNeverGetsADecision(t *testing.T) {
	var buf bytes.Buffer
	w, cancel := startWriter(t, &buf)
	defer cancel()

	a := New(w, alwaysAllow, nil, Config{PolicyTimeout: time.Second, ExecTimeout: time.Second}, func() string { return "" })
	a.HandleEvent(context.Background(), reqEvent("t1", "list_files", false))
	time.Sleep(20 * time.Millisecond)

	if buf.Len() != 0 {
		t.Fatalf("non-policy request must never get a decision written, got %q", buf.String())
	}
	snap := a.Snapshot()
	if len(snap) != 1 || snap[0].State != stateObserveOnly {
		t.Fatalf("expected observe-only entry, got %+v", snap)
	}

	a.HandleEvent(context.Background(), resultEvent("t1"))
	if snap := a.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected observe-only entry completed and removed, got %+v", snap)
	}
}

func TestDuplicateRequestIdentifierIsIgnored(t *testing.T) {
	var buf bytes.Buffer
	w, cancel := startWriter(t, &buf)
	defer cancel()

	a := New(w, alwaysAllow, nil, Config{PolicyTimeout: time.Second, ExecTimeout: time.Second}, func() string { return "" })
	a.HandleEvent(context.Background(), reqEvent("dup", "read_file", true))
	a.HandleEvent(context.Background(), reqEvent("dup", "read_file", true))

	time.Sleep(20 * time.Millisecond)
	if n := strings.Count(buf.String(), `"id":"dup"`); n != 1 {
		t.Fatalf("expected exactly one decision for duplicate id, got %d in %q", n, buf.String())
	}
}

func TestUnmatchedResultIsIgnored(t *testing.T) {
	var buf bytes.Buffer
	w, cancel := startWriter(t, &buf)
	defer cancel()

	a := New(w, alwaysAllow, nil, Config{PolicyTimeout: time.Second, ExecTimeout: time.Second}, func() string { return "" })
	// Should not panic or alter any state.
	a.HandleEvent(context.Background(), resultEvent("never-requested"))
	if snap := a.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected no entries, got %+v", snap)
	}
}

type fakeApprover struct {
	decision control.Decision
	err      error
	delay    time.Duration
}

func (f fakeApprover) Approve(ctx context.Context, req toolevent.Event) (control.Decision, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return control.DecisionDeny, ctx.Err()
		}
	}
	return f.decision, f.err
}

func askPolicy(toolevent.Event) Decision { return Ask }

func TestAskDelegatesToApproverAndSendsItsDecision(t *testing.T) {
	var buf bytes.Buffer
	w, cancel := startWriter(t, &buf)
	defer cancel()

	approver := fakeApprover{decision: control.DecisionAllow}
	a := New(w, askPolicy, approver, Config{PolicyTimeout: time.Second, ExecTimeout: time.Second}, func() string { return "" })

	a.HandleEvent(context.Background(), reqEvent("t1", "shell_exec", true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && buf.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	if !strings.Contains(buf.String(), `"decision":"allow"`) {
		t.Fatalf("expected approver's allow decision written, got %q", buf.String())
	}
}

func TestAskProcessingDoesNotBlockOtherEvents(t *testing.T) {
	var buf bytes.Buffer
	w, cancel := startWriter(t, &buf)
	defer cancel()

	slow := fakeApprover{decision: control.DecisionAllow, delay: 200 * time.Millisecond}
	a := New(w, askPolicy, slow, Config{PolicyTimeout: 5 * time.Second, ExecTimeout: 5 * time.Second}, func() string { return "" })

	start := time.Now()
	a.HandleEvent(context.Background(), reqEvent("slow", "shell_exec", true))
	elapsed := time.Since(start)
	if elapsed > 50*time.Millisecond {
		t.Fatalf("HandleEvent for an Ask request must return immediately, took %v", elapsed)
	}
}

func TestApproverErrorSynthesisesDeny(t *testing.T) {
	var buf bytes.Buffer
	w, cancel := startWriter(t, &buf)
	defer cancel()

	broken := fakeApprover{err: errors.New("boom")}
	a := New(w, askPolicy, broken, Config{PolicyTimeout: time.Second, ExecTimeout: time.Second}, func() string { return "" })
	a.HandleEvent(context.Background(), reqEvent("t1", "shell_exec", true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && buf.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	if !strings.Contains(buf.String(), `"decision":"deny"`) {
		t.Fatalf("expected synthesised deny, got %q", buf.String())
	}
}

func TestApproverTimeoutSynthesisesDenyAndDoesNotHang(t *testing.T) {
	var buf bytes.Buffer
	w, cancel := startWriter(t, &buf)
	defer cancel()

	hangs := fakeApprover{decision: control.DecisionAllow, delay: time.Hour}
	a := New(w, askPolicy, hangs, Config{PolicyTimeout: 30 * time.Millisecond, ExecTimeout: time.Second}, func() string { return "" })
	a.HandleEvent(context.Background(), reqEvent("t1", "shell_exec", true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && buf.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	if !strings.Contains(buf.String(), `"decision":"deny"`) {
		t.Fatalf("expected timeout to synthesise deny, got %q", buf.String())
	}
}

func TestWriterFailureSignalsFatalAndTerminatesEntry(t *testing.T) {
	w := control.New(1)
	go control.Run(context.Background(), w, failingWriter{})

	a := New(w, alwaysAllow, nil, Config{PolicyTimeout: time.Second, ExecTimeout: time.Second}, func() string { return "" })
	a.HandleEvent(context.Background(), reqEvent("t1", "read_file", true))

	select {
	case ev := <-a.Fatal():
		if ev.Reason != FatalPolicyTransport {
			t.Fatalf("expected FatalPolicyTransport, got %v", ev.Reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a fatal event after writer failure")
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestTickTimesOutStalePendingDecision(t *testing.T) {
	var buf bytes.Buffer
	w, cancel := startWriter(t, &buf)
	defer cancel()

	hangs := fakeApprover{delay: time.Hour}
	a := New(w, askPolicy, hangs, Config{PolicyTimeout: time.Hour, ExecTimeout: time.Hour}, func() string { return "" })
	a.HandleEvent(context.Background(), reqEvent("t1", "shell_exec", true))

	// Simulate the policy timeout having elapsed by ticking with a
	// far-future "now" rather than sleeping for real.
	a.Tick(time.Now().Add(2 * time.Hour))

	select {
	case ev := <-a.Fatal():
		if ev.Reason != FatalPolicyTimeout {
			t.Fatalf("expected FatalPolicyTimeout, got %v", ev.Reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected Tick to signal a fatal timeout")
	}
}

func TestTickTimesOutStaleAllowed(t *testing.T) {
	var buf bytes.Buffer
	w, cancel := startWriter(t, &buf)
	defer cancel()

	a := New(w, alwaysAllow, nil, Config{PolicyTimeout: time.Second, ExecTimeout: time.Hour}, func() string { return "" })
	a.HandleEvent(context.Background(), reqEvent("t1", "shell_exec", true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := a.Snapshot()
		if len(snap) == 1 && snap[0].State == StateAllowed {
			break
		}
		time.Sleep(time.Millisecond)
	}

	a.Tick(time.Now().Add(2 * time.Hour))

	select {
	case ev := <-a.Fatal():
		if ev.Reason != FatalExecTimeout {
			t.Fatalf("expected FatalExecTimeout, got %v", ev.Reason)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected exec timeout to fire")
	}
	if snap := a.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected timed-out entry removed, got %+v", snap)
	}
}

type recordingApprover struct {
	seen toolevent.Event
}

func (r *recordingApprover) Approve(ctx context.Context, req toolevent.Event) (control.Decision, error) {
	r.seen = req
	return control.DecisionAllow, nil
}

func TestAskRedactsArgsBeforeApprover(t *testing.T) {
	var buf bytes.Buffer
	w, cancel := startWriter(t, &buf)
	defer cancel()

	rec := &recordingApprover{}
	a := New(w, askPolicy, rec, Config{PolicyTimeout: time.Second, ExecTimeout: time.Second}, func() string { return "" })

	ev := reqEvent("t1", "shell_exec", true)
	ev.Args = []byte(`{"cmd":"curl","api_key":"sk-ant-should-not-leak"}`)

	a.HandleEvent(context.Background(), ev)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && buf.Len() == 0 {
		time.Sleep(time.Millisecond)
	}
	if strings.Contains(string(rec.seen.Args), "sk-ant-should-not-leak") {
		t.Fatalf("approver saw unredacted secret: %q", rec.seen.Args)
	}
	if !strings.Contains(string(rec.seen.Args), "REDACTED") {
		t.Fatalf("expected redacted placeholder in approver args, got %q", rec.seen.Args)
	}
}

func TestShutdownAbandonsPendingRequests(t *testing.T) {
	var buf bytes.Buffer
	w, cancel := startWriter(t, &buf)
	defer cancel()

	hangs := fakeApprover{delay: time.Hour}
	a := New(w, askPolicy, hangs, Config{PolicyTimeout: time.Hour, ExecTimeout: time.Hour}, func() string { return "" })
	a.HandleEvent(context.Background(), reqEvent("t1", "shell_exec", true))

	done := make(chan struct{})
	go func() {
		a.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Shutdown must not return while an in-flight approver call is still blocked on ctx")
	case <-time.After(50 * time.Millisecond):
	}
	if snap := a.Snapshot(); len(snap) != 0 {
		t.Fatalf("expected pending request abandoned and removed by Shutdown, got %+v", snap)
	}
}
