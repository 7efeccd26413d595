package reactor

import (
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/slitscan/slitscan/internal/events"
)

// handlePipeReadable drains the ingest pipe into the staging queue and
// emits the "**" drain-summary event recovered from the original
// implementation's per-drain status line (see events.Occupancy).
// Hangup (all writers closed) triggers an in-place reopen at the same
// path; the reopened fd's number is not guaranteed to match the old one,
// so the old registration is torn down and the new fd added under its
// own number. A read error or a failed reopen/re-register is reported
// as a failure event and the loop keeps running; it is not propagated
// to Run.
func (r *Reactor) handlePipeReadable(now time.Time) {
	accepted, seen, hangup, err := r.pipe.Drain(r.queue)
	if err != nil {
		r.sink.Emit(events.Event{
			Symbol:  events.SymFailure,
			Handle:  r.pipe.FD(),
			State:   "INGEST",
			Message: "ingest read error: " + err.Error(),
		})
		return
	}
	if seen > 0 {
		r.sink.Emit(events.Event{
			Symbol:  events.SymIngestDrain,
			Handle:  r.pipe.FD(),
			State:   "INGEST",
			Message: strconv.Itoa(accepted) + "/" + strconv.Itoa(seen) + " new endpoints queued",
		})
	}
	if hangup {
		oldFD := r.pipe.FD()
		if err := r.pipe.Reopen(); err != nil {
			r.sink.Emit(events.Event{
				Symbol:  events.SymFailure,
				Handle:  oldFD,
				State:   "INGEST",
				Message: "ingest reopen failed: " + err.Error(),
			})
			return
		}
		delete(r.handles, oldFD)
		r.epollDel(oldFD)
		newFD := r.pipe.FD()
		if err := r.epollAdd(newFD, unix.EPOLLIN); err != nil {
			r.sink.Emit(events.Event{
				Symbol:  events.SymFailure,
				Handle:  newFD,
				State:   "INGEST",
				Message: "ingest re-register failed: " + err.Error(),
			})
			return
		}
		r.handles[newFD] = &handle{kind: kindPipe}
	}
}
