// Package approverui implements a terminal-based human approver, satisfying
// policy.Approver by prompting on the wrapper's own controlling terminal —
// never the child's stdin/stdout, which the child owns entirely (§9
// "Redaction before approver"; "must never read from the child's stdin").
//
// The bubbletea/lipgloss prompt shape — an embeddable model with a cursor
// over a small option list, a bordered accent box, quick-number selection —
// is grounded on tools.ApprovalModel in the reference term-llm codebase
// (internal/tools/approval_ui.go), simplified from its file/shell-specific
// option set to a flat allow/deny choice over an arbitrary redacted tool
// event, with a visible countdown replacing the reference model's no-timeout
// assumption (the wrapper's Ask path always race against the arbiter's own
// policy-decision timeout, so the human needs to see the clock too).
package approverui

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/memwrapper/mem-wrapper/internal/control"
	"github.com/memwrapper/mem-wrapper/internal/redact"
	"github.com/memwrapper/mem-wrapper/internal/toolevent"
)

var (
	accentColor = lipgloss.Color("208")
	textColor   = lipgloss.Color("15")
	mutedColor  = lipgloss.Color("245")
	denyColor   = lipgloss.Color("9")
)

// TerminalApprover prompts a human on /dev/tty for every Ask decision.
type TerminalApprover struct {
	// OpenTTY overrides how the controlling terminal is opened; tests set
	// this to avoid depending on a real TTY being available.
	OpenTTY func() (*os.File, error)
}

// New returns a TerminalApprover that opens /dev/tty directly.
func New() *TerminalApprover {
	return &TerminalApprover{OpenTTY: defaultOpenTTY}
}

func defaultOpenTTY() (*os.File, error) {
	return os.OpenFile("/dev/tty", os.O_RDWR, 0)
}

// Approve implements policy.Approver. It blocks until the human answers, ctx
// is cancelled (including the arbiter's policy-decision timeout firing), or
// the TTY is unavailable, returning (Deny, err) in the latter two cases so
// the arbiter's fail-closed synthesis takes over.
func (a *TerminalApprover) Approve(ctx context.Context, req toolevent.Event) (control.Decision, error) {
	tty, err := a.OpenTTY()
	if err != nil {
		return control.DecisionDeny, fmt.Errorf("approverui: no TTY available: %w", err)
	}
	defer tty.Close()

	redact.WarnOnRedaction(tty, tty.Fd(), req.Args)

	m := newModel(req, deadlineFrom(ctx))
	p := tea.NewProgram(m, tea.WithInput(tty), tea.WithOutput(tty), tea.WithContext(ctx))

	final, err := p.Run()
	if err != nil {
		return control.DecisionDeny, fmt.Errorf("approverui: prompt failed: %w", err)
	}

	fm := final.(model)
	if !fm.answered {
		return control.DecisionDeny, ctx.Err()
	}
	return fm.decision, nil
}

func deadlineFrom(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Time{}
}

type tickMsg time.Time

type model struct {
	req      toolevent.Event
	deadline time.Time
	cursor   int
	answered bool
	decision control.Decision
}

func newModel(req toolevent.Event, deadline time.Time) model {
	return model{req: req, deadline: deadline}
}

func (m model) Init() tea.Cmd {
	if m.deadline.IsZero() {
		return nil
	}
	return tickCmd()
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		if !m.deadline.IsZero() && time.Time(msg).After(m.deadline) {
			m.answered = true
			m.decision = control.DecisionDeny
			return m, tea.Quit
		}
		return m, tickCmd()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "n", "N":
			m.answered = true
			m.decision = control.DecisionDeny
			return m, tea.Quit

		case "y", "Y":
			m.answered = true
			m.decision = control.DecisionAllow
			return m, tea.Quit

		case "enter":
			m.answered = true
			if m.cursor == 1 {
				m.decision = control.DecisionDeny
			} else {
				m.decision = control.DecisionAllow
			}
			return m, tea.Quit

		case "up", "down", "tab":
			m.cursor = 1 - m.cursor
		}
	}
	return m, nil
}

func (m model) View() string {
	if m.answered {
		return ""
	}

	var b strings.Builder

	titleStyle := lipgloss.NewStyle().Foreground(accentColor).Bold(true).MarginBottom(1)
	labelStyle := lipgloss.NewStyle().Foreground(mutedColor)
	valueStyle := lipgloss.NewStyle().Foreground(textColor)
	optionStyle := lipgloss.NewStyle().Foreground(textColor)
	selectedStyle := lipgloss.NewStyle().Foreground(accentColor)
	denyStyle := lipgloss.NewStyle().Foreground(denyColor)

	b.WriteString(titleStyle.Render("Tool Approval Request"))
	b.WriteString("\n")
	b.WriteString(labelStyle.Render("tool:   ") + valueStyle.Render(m.req.Tool))
	b.WriteString("\n")
	if m.req.Action != "" {
		b.WriteString(labelStyle.Render("action: ") + valueStyle.Render(string(m.req.Action)))
		b.WriteString("\n")
	}
	if len(m.req.Args) > 0 {
		b.WriteString(labelStyle.Render("args:   ") + valueStyle.Render(formatArgs(m.req.Args)))
		b.WriteString("\n")
	}
	if m.req.Rationale != "" {
		b.WriteString(labelStyle.Render("why:    ") + valueStyle.Render(redact.Text(m.req.Rationale)))
		b.WriteString("\n")
	}
	if !m.deadline.IsZero() {
		remaining := time.Until(m.deadline).Round(time.Second)
		if remaining < 0 {
			remaining = 0
		}
		b.WriteString(labelStyle.Render(fmt.Sprintf("expires in %s", remaining)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	allowLine := "  Allow"
	denyLine := "  Deny"
	if m.cursor == 0 {
		allowLine = selectedStyle.Render("> Allow")
		denyLine = denyStyle.Render(denyLine)
	} else {
		allowLine = optionStyle.Render(allowLine)
		denyLine = selectedStyle.Render("> Deny")
	}
	b.WriteString(allowLine)
	b.WriteString("\n")
	b.WriteString(denyLine)
	b.WriteString("\n\n")
	b.WriteString(labelStyle.Render("y allow   n deny   ↑↓ select   enter confirm"))

	container := lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderLeft(true).
		BorderForeground(accentColor).
		PaddingLeft(1).
		PaddingRight(2).
		PaddingTop(1).
		PaddingBottom(1)

	return container.Render(b.String())
}

// formatArgs renders a redacted, single-line preview of the request's raw
// argument payload.
func formatArgs(raw json.RawMessage) string {
	return string(redact.JSON(raw))
}
