// Package redact scrubs secrets and oversized payloads out of tool-event
// argument data before it is shown to a human approver or written to the
// audit log. The filtering idiom — walk a known shape, drop/replace
// sensitive fields by name pattern — is grounded on the ANTHROPIC_API_KEY
// environment filtering in the reference term-llm codebase's
// claude_bin.go, generalised from "one env var name" to "any field whose
// name or value looks like a secret."
package redact

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/term"
)

// Placeholder is substituted for any value this package redacts.
const Placeholder = "[REDACTED]"

// MaxValueLen bounds how much of a single string value survives redaction
// before it is truncated (§9 "Redaction before approver" calls for
// truncating long binary blobs as well as scrubbing secrets).
const MaxValueLen = 2048

// sensitiveKey matches field names that are redacted regardless of their
// value, case-insensitively: api keys, tokens, passwords, secrets, and the
// common credential-header spellings.
var sensitiveKey = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd|credential|auth|cookie|private[_-]?key|session[_-]?id)`)

// looksLikeSecret matches values that resemble bearer tokens, JWTs, or
// other high-entropy credential material, even under an innocuous field
// name (e.g. "value": "sk-ant-...").
var looksLikeSecret = regexp.MustCompile(`^(sk-[A-Za-z0-9_-]{10,}|Bearer\s+\S+|eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+)$`)

// JSON takes a raw JSON value (typically a tool event's Args or Output
// field) and returns a redacted copy: sensitive keys are replaced with
// Placeholder, secret-shaped string values are replaced regardless of key
// name, and long strings are truncated. Non-JSON or malformed input is
// returned unchanged, since the caller's only use for this is display —
// never silently disclosing raw data is preferred, but it should not fail
// the run.
func JSON(raw json.RawMessage) json.RawMessage {
	out, _ := jsonWithStats(raw)
	return out
}

// jsonWithStats is JSON's implementation, additionally reporting whether
// anything was actually redacted, so callers (WarnOnRedaction) can decide
// whether a human-facing notice is warranted.
func jsonWithStats(raw json.RawMessage) (json.RawMessage, bool) {
	if len(raw) == 0 {
		return raw, false
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw, false
	}

	redacted := false
	cleaned := walk(generic, "", &redacted)

	out, err := json.Marshal(cleaned)
	if err != nil {
		return raw, false
	}
	return out, redacted
}

func walk(v any, key string, redacted *bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			if sensitiveKey.MatchString(k) {
				out[k] = Placeholder
				*redacted = true
				continue
			}
			out[k] = walk(vv, k, redacted)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = walk(vv, key, redacted)
		}
		return out
	case string:
		before := val
		after := redactString(val)
		if after != before {
			*redacted = true
		}
		return after
	default:
		return val
	}
}

func redactString(s string) string {
	if looksLikeSecret.MatchString(strings.TrimSpace(s)) {
		return Placeholder
	}
	if len(s) > MaxValueLen {
		return s[:MaxValueLen] + "...[truncated]"
	}
	return s
}

// Text redacts a plain-text string (e.g. a shell command or rationale
// string) the same way a string value inside JSON would be redacted.
func Text(s string) string {
	return redactString(s)
}

// WarnOnRedaction prints a one-line warning to w if raw actually contained
// something this package scrubbed, but only when w is attached to a
// terminal — the same TTY gate tools.ApprovalManager.SetYoloMode uses
// before printing its yolo-mode warning, so piped/redirected output (CI
// logs, files) isn't cluttered with a notice no one will read interactively.
func WarnOnRedaction(w io.Writer, fd uintptr, raw json.RawMessage) {
	_, redacted := jsonWithStats(raw)
	if !redacted {
		return
	}
	if !term.IsTerminal(int(fd)) {
		return
	}
	fmt.Fprintln(w, "note: one or more tool argument values are shown redacted in the prompt below")
}
