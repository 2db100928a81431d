// Package streampump provides byte-accurate passthrough of a child
// process's stdout/stderr to the parent's matching stream and to a ring
// tail, while tapping whole lines to a sink for event parsing.
//
// The structure is grounded on the dual stdout/stderr scanner goroutines in
// the reference term-llm codebase's ClaudeBinProvider.runClaudeCommand:
// one goroutine per stream, chunked reads, and a hard rule that all pipe
// reads must finish before the owning exec.Cmd.Wait() is called.
package streampump

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// chunkSize is the scratch buffer size for chunked I/O (§4.2 "16 KiB
// recommended").
const chunkSize = 16 * 1024

// maxLineBytes bounds the line tap's accumulation buffer (§4.2 "recommended
// 1 MiB"). A line exceeding this is flushed as-is and counted by the
// caller's parser as a parse failure (pure-JSON/prefixed decoding of an
// oversized, truncated line will simply fail).
const maxLineBytes = 1 << 20

// Ring is the subset of ringtail.Buffer's API the pump depends on.
type Ring interface {
	Push(p []byte)
}

// LineSink receives whole lines (CR stripped) as they are completed.
type LineSink interface {
	Feed(line string)
}

// Outcome is the termination result of a pump run.
type Outcome struct {
	BytesCopied int64
	Err         error // nil on clean EOF
}

// Run copies from src to dst verbatim, pushes every chunk into ring, and
// feeds completed lines to sink. It returns when src reaches EOF, ctx is
// cancelled, or an I/O error occurs on either src or dst.
//
// Run does not interrupt a sibling pump on error — callers supervising both
// stdout and stderr pumps must run this once per stream and handle outcomes
// independently, per §4.2 "Errors do not interrupt the other pump."
func Run(ctx context.Context, label string, src io.Reader, dst io.Writer, ring Ring, sink LineSink) Outcome {
	buf := make([]byte, chunkSize)
	var lineBuf []byte
	var total int64

	flushLine := func() {
		if sink == nil {
			lineBuf = lineBuf[:0]
			return
		}
		line := stripCR(lineBuf)
		sink.Feed(string(line))
		lineBuf = lineBuf[:0]
	}

	for {
		if err := ctx.Err(); err != nil {
			return Outcome{BytesCopied: total, Err: err}
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			total += int64(n)

			if ring != nil {
				ring.Push(chunk)
			}

			if _, writeErr := dst.Write(chunk); writeErr != nil {
				return Outcome{BytesCopied: total, Err: fmt.Errorf("stream I/O error, stream=%s: %w", label, writeErr)}
			}

			lineBuf = append(lineBuf, chunk...)
			for {
				idx := indexByte(lineBuf, '\n')
				if idx < 0 {
					if len(lineBuf) > maxLineBytes {
						flushLine()
					}
					break
				}
				line := lineBuf[:idx]
				rest := lineBuf[idx+1:]
				if sink != nil {
					sink.Feed(string(stripCR(line)))
				}
				lineBuf = append(lineBuf[:0], rest...)
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				if len(lineBuf) > 0 {
					flushLine()
				}
				return Outcome{BytesCopied: total, Err: nil}
			}
			return Outcome{BytesCopied: total, Err: fmt.Errorf("stream I/O error, stream=%s: %w", label, readErr)}
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func stripCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}

// NewLineReader is a convenience constructor used by tests and callers that
// want bufio.Scanner-style line reading without the line-tap/ring-tail
// plumbing (e.g. reading the child's stderr for debug logging only, as the
// reference ClaudeBinProvider does).
func NewLineReader(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, chunkSize), maxLineBytes)
	return scanner
}
