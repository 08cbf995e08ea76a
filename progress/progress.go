// Package progress reports the advance of long-running byte copies, such as
// image imports and disk clones, to whoever started them.
package progress

import "io"

// Tracker receives progress events.
// Implementations must be safe for concurrent use from multiple goroutines.
type Tracker interface {
	OnEvent(any)
}

// NewTracker creates a Tracker from a typed callback function.
// Events of other types are ignored.
func NewTracker[E any](fn func(E)) Tracker {
	return funcTracker(func(v any) {
		if e, ok := v.(E); ok {
			fn(e)
		}
	})
}

type funcTracker func(any)

func (f funcTracker) OnEvent(e any) { f(e) }

// Nop is a no-op tracker for callers that don't need progress.
var Nop Tracker = funcTracker(func(any) {})

// Phase is a stage of a copy.
type Phase int

const (
	PhaseCopy   Phase = iota // bytes are being copied
	PhaseCommit              // destination written, index being updated
	PhaseDone                // finished successfully
)

// Event describes one copy progress update.
type Event struct {
	Phase      Phase
	Name       string // what is being copied (image UUID, disk path)
	BytesTotal int64  // -1 if unknown
	BytesDone  int64
}

// reportEvery bounds how often a Writer emits events.
const reportEvery = 4 << 20

// Writer counts bytes passing through it and emits PhaseCopy events.
type Writer struct {
	w       io.Writer
	tracker Tracker
	name    string
	total   int64
	done    int64
	last    int64
}

// NewWriter wraps w. total may be -1.
func NewWriter(w io.Writer, tracker Tracker, name string, total int64) *Writer {
	if tracker == nil {
		tracker = Nop
	}
	return &Writer{w: w, tracker: tracker, name: name, total: total}
}

func (pw *Writer) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.done += int64(n)
	if pw.done-pw.last >= reportEvery || (pw.total > 0 && pw.done == pw.total) {
		pw.last = pw.done
		pw.tracker.OnEvent(Event{Phase: PhaseCopy, Name: pw.name, BytesTotal: pw.total, BytesDone: pw.done})
	}
	return n, err
}

// Done returns the bytes written so far.
func (pw *Writer) Done() int64 { return pw.done }
