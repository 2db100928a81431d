package supervisor

import (
	"time"

	"github.com/memwrapper/mem-wrapper/internal/policy"
	"github.com/memwrapper/mem-wrapper/internal/toolevent"
)

// Reason is one of the abort-reason values in the Run outcome (§3).
type Reason string

const (
	ReasonNormal        Reason = "normal"
	ReasonPolicyTimeout Reason = "policy_timeout"
	ReasonExecTimeout   Reason = "exec_timeout"
	ReasonStdinBroken   Reason = "stdin_broken"
	ReasonDoubleEOF     Reason = "double_eof"
	ReasonUserCancel    Reason = "user_cancel"
	ReasonSignal        Reason = "signal"
	ReasonPolicyDenied  Reason = "policy_denied"
)

// Outcome is the Run outcome aggregate finalised at shutdown (§3).
type Outcome struct {
	EffectiveRunID   string
	ExitCode         int
	Duration         time.Duration
	StdoutTail       []byte
	StderrTail       []byte
	Events           []toolevent.Event
	Correlation      toolevent.Stats
	Reason           Reason
	PendingDecisions []policy.PendingInfo
	StdoutParseFails int
	StderrParseFails int
}
