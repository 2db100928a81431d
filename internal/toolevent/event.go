// Package toolevent recognises structured tool-use events embedded in a
// child agent CLI's output, and computes correlation statistics over an
// observed sequence of them. It carries no state across lines or events —
// a Parser (or Correlate) can be dropped and a fresh one started safely.
package toolevent

import (
	"encoding/json"
	"time"
)

// Kind is the event-kind field of a tool event.
type Kind string

const (
	KindRequest  Kind = "tool.request"
	KindResult   Kind = "tool.result"
	KindProgress Kind = "tool.progress"
)

// Action is the action-category field present on requests.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionNet   Action = "net"
	ActionExec  Action = "exec"
)

// idFields are the nested field names that, if present anywhere in a raw
// event, are recognised as carrying a candidate effective run identifier
// (§3 "Effective run identifier").
var idFields = []string{"session_id", "sessionId", "run_id", "runId", "thread_id"}

// Event is a structured record observed in the child's output (§3).
type Event struct {
	SchemaVersion   int             `json:"v"`
	Kind            Kind            `json:"type"`
	ID              string          `json:"id"`
	Timestamp       time.Time       `json:"ts"`
	Tool            string          `json:"tool,omitempty"`
	Action          Action          `json:"action,omitempty"`
	Args            json.RawMessage `json:"args,omitempty"`
	Rationale       string          `json:"rationale,omitempty"`
	RequiresPolicy  bool            `json:"requires_policy,omitempty"`
	Success         bool            `json:"ok,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	ProgressStage   string          `json:"stage,omitempty"`
	ProgressPercent float64         `json:"percent,omitempty"`

	// RunIDCandidate is the first recognised identifier field found in the
	// raw event payload, if any (see idFields). Empty when none is present.
	RunIDCandidate string `json:"-"`

	// Raw is the original decoded JSON object, retained so callers (e.g. the
	// audit log) can inspect fields this struct does not model explicitly.
	Raw map[string]any `json:"-"`
}

// rawEvent mirrors Event's wire shape for decode purposes, tolerating
// numeric IDs (normalised to strings per §4.3 "Tolerances").
type rawEvent struct {
	SchemaVersion   int             `json:"v"`
	Kind            Kind            `json:"type"`
	ID              json.RawMessage `json:"id"`
	Timestamp       time.Time       `json:"ts"`
	Tool            string          `json:"tool,omitempty"`
	Action          Action          `json:"action,omitempty"`
	Args            json.RawMessage `json:"args,omitempty"`
	Rationale       string          `json:"rationale,omitempty"`
	RequiresPolicy  bool            `json:"requires_policy,omitempty"`
	Success         bool            `json:"ok,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	ProgressStage   string          `json:"stage,omitempty"`
	ProgressPercent float64         `json:"percent,omitempty"`
}

// recognisedKinds are the event-kind values §4.3 rule 2 requires for
// pure-JSON recognition.
var recognisedKinds = map[Kind]bool{
	KindRequest:  true,
	KindResult:   true,
	KindProgress: true,
}

// decodeEvent unmarshals raw JSON into an Event, accepting either a string
// or numeric "id" field and extracting a run-identifier candidate from any
// nested field named per idFields. It returns an error if the JSON is
// malformed or the id field is neither a string nor a number.
func decodeEvent(data []byte) (Event, error) {
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		return Event{}, err
	}

	var re rawEvent
	if err := json.Unmarshal(data, &re); err != nil {
		return Event{}, err
	}

	var id string
	if len(re.ID) > 0 {
		if err := json.Unmarshal(re.ID, &id); err != nil {
			var num json.Number
			if err := json.Unmarshal(re.ID, &num); err != nil {
				return Event{}, err
			}
			id = num.String()
		}
	}

	ev := Event{
		SchemaVersion:   re.SchemaVersion,
		Kind:            re.Kind,
		ID:              id,
		Timestamp:       re.Timestamp,
		Tool:            re.Tool,
		Action:          re.Action,
		Args:            re.Args,
		Rationale:       re.Rationale,
		RequiresPolicy:  re.RequiresPolicy,
		Success:         re.Success,
		Output:          re.Output,
		Error:           re.Error,
		ProgressStage:   re.ProgressStage,
		ProgressPercent: re.ProgressPercent,
		Raw:             generic,
	}
	ev.RunIDCandidate = findRunIDCandidate(generic)
	return ev, nil
}

// findRunIDCandidate walks a decoded JSON object looking for the first
// value under any of idFields, recursing into nested objects. Arrays are
// not descended into (run identifiers are never carried in array form).
func findRunIDCandidate(obj map[string]any) string {
	for _, key := range idFields {
		if v, ok := obj[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	for _, v := range obj {
		if nested, ok := v.(map[string]any); ok {
			if found := findRunIDCandidate(nested); found != "" {
				return found
			}
		}
	}
	return ""
}

// HasRecognisedKind reports whether k is one of the kinds pure-JSON mode
// requires to treat a line as a tool event (§4.3 rule 2).
func HasRecognisedKind(k Kind) bool {
	return recognisedKinds[k]
}
