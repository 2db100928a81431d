package toolevent

import (
	"strings"

	"github.com/tidwall/gjson"
)

// PrefixMarker is the prefixed-mode sentinel defined in §4.3 rule 1.
const PrefixMarker = "@@MEM_TOOL_EVENT@@"

// Result is what Recognise returns for a single line.
type Result struct {
	// Event is populated when the line was recognised as a tool event.
	Event Event
	// Recognised is true when Event was emitted.
	Recognised bool
	// ParseFailure is true when the line carried the prefix marker but its
	// payload failed to decode. A pure-JSON line that fails to decode is
	// plain output, not a parse failure.
	ParseFailure bool
}

// Recognise applies the §4.3 recognition rules to a single line (CR already
// stripped by the caller — see Parser.Feed). It is a pure function: no
// state is read or written across calls.
func Recognise(line string) Result {
	if rest, ok := strings.CutPrefix(line, PrefixMarker+" "); ok {
		ev, err := decodeEvent([]byte(rest))
		if err != nil {
			return Result{ParseFailure: true}
		}
		return Result{Event: ev, Recognised: true}
	}

	trimmed := strings.TrimLeft(line, " \t\r\n")
	if !strings.HasPrefix(trimmed, "{") {
		return Result{}
	}

	// Cheap shape probe before paying for a full unmarshal: most plain-JSON
	// output lines a child might emit (progress bars, ad hoc logging) won't
	// carry a recognised "type" field, so gjson.GetBytes lets us bail out
	// without decoding the whole object.
	data := []byte(trimmed)
	if !gjson.ValidBytes(data) {
		return Result{}
	}
	kind := Kind(gjson.GetBytes(data, "type").String())
	if !HasRecognisedKind(kind) {
		return Result{}
	}

	ev, err := decodeEvent(data)
	if err != nil {
		// Shape-recognised but a field (typically "id") had an unexpected
		// JSON type — pure-JSON mode only claims lines that both parse AND
		// carry a recognised kind, so this still counts as plain output
		// (§4.3 rule 3), not a parse failure.
		return Result{}
	}
	if ev.SchemaVersion == 0 {
		return Result{}
	}
	return Result{Event: ev, Recognised: true}
}

// Parser accumulates recognition results over a sequence of lines. It holds
// no cross-line state itself (each Feed call is independent) but tracks
// aggregate counts for reporting.
type Parser struct {
	events        []Event
	lines         []string
	parseFailures int
}

// NewParser creates an empty Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Feed processes one line (already split on LF with a trailing CR
// stripped). It appends a recognised event, if any, and always mirrors the
// line for debugging sinks.
func (p *Parser) Feed(line string) {
	p.lines = append(p.lines, line)
	res := Recognise(line)
	if res.Recognised {
		p.events = append(p.events, res.Event)
	}
	if res.ParseFailure {
		p.parseFailures++
	}
}

// Events returns all recognised events so far, in observation order.
func (p *Parser) Events() []Event {
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Lines returns every line fed so far (a mirror, for debugging sinks).
func (p *Parser) Lines() []string {
	out := make([]string, len(p.lines))
	copy(out, p.lines)
	return out
}

// ParseFailures returns the count of recognition failures (§4.3 rule 1).
func (p *Parser) ParseFailures() int {
	return p.parseFailures
}

// StripCR strips a single trailing carriage return from a line, as §4.2
// requires of the stream pump's line tap before it reaches the parser.
func StripCR(line string) string {
	return strings.TrimSuffix(line, "\r")
}
