package supervisor

import (
	"sync/atomic"
	"time"

	"github.com/memwrapper/mem-wrapper/internal/ringtail"
)

// streamActivity tracks, lock-free, the last time bytes were observed on
// each stream and whether each stream has reached EOF — the inputs to
// stall signals 3 (idle output) and 4 (double EOF), §4.6.
type streamActivity struct {
	lastNano   int64
	stdoutDone int32
	stderrDone int32
}

func newStreamActivity() *streamActivity {
	a := &streamActivity{}
	a.touch()
	return a
}

func (a *streamActivity) touch() {
	atomic.StoreInt64(&a.lastNano, time.Now().UnixNano())
}

func (a *streamActivity) lastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&a.lastNano))
}

func (a *streamActivity) markStdoutDone() { atomic.StoreInt32(&a.stdoutDone, 1) }
func (a *streamActivity) markStderrDone() { atomic.StoreInt32(&a.stderrDone, 1) }

func (a *streamActivity) bothDone() bool {
	return atomic.LoadInt32(&a.stdoutDone) == 1 && atomic.LoadInt32(&a.stderrDone) == 1
}

// activityRing decorates a ringtail.Buffer so that every Push also marks
// the stream as active, letting the stall detector observe byte-level
// liveness without the line tap (a slow/partial line would otherwise look
// idle even while bytes are flowing).
type activityRing struct {
	ring     *ringtail.Buffer
	activity *streamActivity
}

func (r *activityRing) Push(p []byte) {
	r.activity.touch()
	r.ring.Push(p)
}
