package supervisor

import (
	"log/slog"

	"github.com/memwrapper/mem-wrapper/internal/toolevent"
)

// streamSink is the line tap's LineSink for one stream: it recognises tool
// events (§4.3) and forwards recognised ones to a dispatch channel, while
// tallying parse failures locally (read only after the pump goroutine that
// owns this sink has finished, so no lock is needed).
type streamSink struct {
	eventCh       chan<- toolevent.Event
	parseFailures int
}

func newStreamSink(eventCh chan<- toolevent.Event) *streamSink {
	return &streamSink{eventCh: eventCh}
}

// Feed implements streampump.LineSink. It is called only from the owning
// pump's goroutine, never concurrently.
func (s *streamSink) Feed(line string) {
	res := toolevent.Recognise(line)
	if res.ParseFailure {
		s.parseFailures++
		slog.Debug("supervisor: malformed tool-event line ignored")
		return
	}
	if res.Recognised {
		s.eventCh <- res.Event
	}
}
