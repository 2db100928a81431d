package supervisor

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/memwrapper/mem-wrapper/internal/auditlog"
	"github.com/memwrapper/mem-wrapper/internal/policy"
	"github.com/memwrapper/mem-wrapper/internal/runid"
	"github.com/memwrapper/mem-wrapper/internal/toolevent"
)

func testDeps(t *testing.T, policyFn policy.PolicyFunc) (Dependencies, *runid.Slot) {
	t.Helper()
	slot := runid.New("provisional")
	audit := auditlog.New(&bytes.Buffer{}, slot, nil)
	return Dependencies{
		Policy:   policyFn,
		Approver: nil,
		Audit:    audit,
		RunID:    slot,
	}, slot
}

func fastConfig() Config {
	c := DefaultConfig()
	c.PolicyTimeout = 2 * time.Second
	c.ExecTimeout = 2 * time.Second
	c.IdleOutputTimeout = 500 * time.Millisecond
	c.HardGrace = 300 * time.Millisecond
	c.AbortGrace = 300 * time.Millisecond
	c.TermGrace = 300 * time.Millisecond
	c.KillGraceCheckInterval = 20 * time.Millisecond
	c.StallProbeInterval = 50 * time.Millisecond
	c.AbortWriteDeadline = 200 * time.Millisecond
	c.RingCapacity = 4096
	c.ControlQueueDepth = 8
	return c
}

func allowAll(toolevent.Event) policy.Decision { return policy.Allow }
func denyAll(toolevent.Event) policy.Decision  { return policy.Deny }

func TestScenarioCleanEcho(t *testing.T) {
	deps, _ := testDeps(t, allowAll)
	sup := New(fastConfig(), deps)

	cmd := exec.Command("sh", "-c", "printf 'hello\\n'")
	var stdout, stderr bytes.Buffer

	out, err := sup.Run(context.Background(), cmd, &stdout, &stderr)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stdout.String() != "hello\n" {
		t.Fatalf("parent stdout = %q, want %q", stdout.String(), "hello\n")
	}
	if string(out.StdoutTail) != "hello\n" {
		t.Fatalf("ring tail = %q, want %q", out.StdoutTail, "hello\n")
	}
	if len(out.Events) != 0 {
		t.Fatalf("expected zero tool events, got %d", len(out.Events))
	}
	if out.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", out.ExitCode)
	}
	if out.Reason != ReasonNormal {
		t.Fatalf("reason = %q, want normal", out.Reason)
	}
}

func TestScenarioAllowedFileRead(t *testing.T) {
	deps, _ := testDeps(t, allowAll)
	sup := New(fastConfig(), deps)

	script := `
printf '@@MEM_TOOL_EVENT@@ {"v":1,"type":"tool.request","ts":"2025-01-01T00:00:00Z","id":"t1","tool":"fs.read","action":"read","args":{"path":"README.md"},"requires_policy":true}\n'
read -r decision
printf '@@MEM_TOOL_EVENT@@ {"v":1,"type":"tool.result","ts":"2025-01-01T00:00:01Z","id":"t1","ok":true}\n'
exit 0
`
	cmd := exec.Command("sh", "-c", script)
	var stdout, stderr bytes.Buffer

	out, err := sup.Run(context.Background(), cmd, &stdout, &stderr)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", out.ExitCode)
	}
	if out.Reason != ReasonNormal {
		t.Fatalf("reason = %q, want normal", out.Reason)
	}
	if out.Correlation.CompletedPairs != 1 {
		t.Fatalf("completed pairs = %d, want 1", out.Correlation.CompletedPairs)
	}
	if len(out.PendingDecisions) != 0 {
		t.Fatalf("expected no pending decisions left over, got %+v", out.PendingDecisions)
	}
}

func TestScenarioDeniedShellExec(t *testing.T) {
	deps, _ := testDeps(t, denyAll)
	sup := New(fastConfig(), deps)

	script := `
printf '@@MEM_TOOL_EVENT@@ {"v":1,"type":"tool.request","ts":"2025-01-01T00:00:00Z","id":"t2","tool":"shell","action":"exec","requires_policy":true}\n'
read -r decision
printf '@@MEM_TOOL_EVENT@@ {"v":1,"type":"tool.result","ts":"2025-01-01T00:00:01Z","id":"t2","ok":false,"error":"denied"}\n'
exit 7
`
	cmd := exec.Command("sh", "-c", script)
	var stdout, stderr bytes.Buffer

	out, err := sup.Run(context.Background(), cmd, &stdout, &stderr)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7 (child exit code propagated)", out.ExitCode)
	}
	if out.Correlation.CompletedPairs != 1 || out.Correlation.FailedResults != 1 {
		t.Fatalf("unexpected correlation stats: %+v", out.Correlation)
	}
	if !strings.Contains(stdout.String(), "tool.request") {
		t.Fatalf("expected the tool event line on parent stdout, got %q", stdout.String())
	}
}

func TestScenarioIdentifierPromotion(t *testing.T) {
	deps, slot := testDeps(t, allowAll)
	sup := New(fastConfig(), deps)

	script := `
printf '@@MEM_TOOL_EVENT@@ {"v":1,"type":"tool.request","ts":"2025-01-01T00:00:00Z","id":"t5","tool":"fs.read","action":"read","args":{"session_id":"S-42"},"requires_policy":true}\n'
read -r decision
printf '@@MEM_TOOL_EVENT@@ {"v":1,"type":"tool.result","ts":"2025-01-01T00:00:01Z","id":"t5","ok":true}\n'
exit 0
`
	cmd := exec.Command("sh", "-c", script)
	var stdout, stderr bytes.Buffer

	out, err := sup.Run(context.Background(), cmd, &stdout, &stderr)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out.EffectiveRunID != "S-42" {
		t.Fatalf("effective run id = %q, want S-42", out.EffectiveRunID)
	}
	if !slot.Promoted() {
		t.Fatalf("expected the slot to be promoted")
	}
}

func TestBoundaryEmptyChildOutput(t *testing.T) {
	deps, _ := testDeps(t, allowAll)
	sup := New(fastConfig(), deps)

	cmd := exec.Command("sh", "-c", "true")
	var stdout, stderr bytes.Buffer

	out, err := sup.Run(context.Background(), cmd, &stdout, &stderr)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", out.ExitCode)
	}
	if out.StdoutParseFails != 0 || out.StderrParseFails != 0 {
		t.Fatalf("expected no parse failures, got stdout=%d stderr=%d", out.StdoutParseFails, out.StderrParseFails)
	}
	if len(out.Events) != 0 {
		t.Fatalf("expected no events, got %d", len(out.Events))
	}
}

func TestBoundarySingleNonJSONLine(t *testing.T) {
	deps, _ := testDeps(t, allowAll)
	sup := New(fastConfig(), deps)

	cmd := exec.Command("sh", "-c", "printf 'just some plain text\\n'")
	var stdout, stderr bytes.Buffer

	out, err := sup.Run(context.Background(), cmd, &stdout, &stderr)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(out.Events) != 0 {
		t.Fatalf("expected zero events for a plain-text line, got %d", len(out.Events))
	}
	if out.StdoutParseFails != 0 {
		t.Fatalf("a non-JSON-looking line must not count as a parse failure, got %d", out.StdoutParseFails)
	}
	if stdout.String() != "just some plain text\n" {
		t.Fatalf("parent stdout = %q", stdout.String())
	}
}

func TestScenarioStdinBreaksMidRun(t *testing.T) {
	deps, _ := testDeps(t, allowAll)
	cfg := fastConfig()
	sup := New(cfg, deps)

	// The child emits a policy-gated request, then immediately closes its
	// own stdin (exec 0<&-) before any decision can reach it, and stalls
	// without ever producing a result.
	script := `
printf '@@MEM_TOOL_EVENT@@ {"v":1,"type":"tool.request","ts":"2025-01-01T00:00:00Z","id":"t3","tool":"shell","action":"exec","requires_policy":true}\n'
exec 0<&-
sleep 5
`
	cmd := exec.Command("sh", "-c", script)
	var stdout, stderr bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out, err := sup.Run(ctx, cmd, &stdout, &stderr)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if out.Reason != ReasonStdinBroken {
		t.Fatalf("reason = %q, want stdin_broken", out.Reason)
	}
	if out.ExitCode == 0 {
		t.Fatalf("expected a non-zero exit code after forced termination")
	}
}
