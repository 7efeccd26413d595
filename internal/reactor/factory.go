package reactor

import (
	"context"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/slitscan/slitscan/internal/events"
	"github.com/slitscan/slitscan/internal/sockopt"
)

// runFactory implements spec.md §4.2: while under the in-flight cap and
// the queue is non-empty, pop the front endpoint and, if its IP is not
// already registered, initiate a probe. Called once per iteration,
// always after the reaper, so freed slots are visible before the
// factory runs (spec.md §5's ordering guarantee).
//
// Dial pacing (cfg.DialRate) is enforced with a non-blocking AllowN
// check rather than Wait: spec.md §5 mandates exactly one blocking
// suspension point on the hot path, the readiness wait in Run. A
// rate-limited endpoint is left at the front of the queue via Peek,
// not popped and re-pushed, so it doesn't lose its place behind
// endpoints queued after it.
func (r *Reactor) runFactory(ctx context.Context, now time.Time) {
	for ctx.Err() == nil && r.inFlightCount() < r.cfg.MaxInFlight && r.queue.Len() > 0 {
		ep, ok := r.queue.Peek()
		if !ok {
			return
		}
		if _, taken := r.byIP[ep.IP.String()]; taken {
			r.queue.Pop()
			continue
		}
		if !r.limiter.AllowN(now, 1) {
			return
		}
		r.queue.Pop()

		fd, err := sockopt.Dial(&net.TCPAddr{IP: ep.IP, Port: ep.Port})
		if err != nil {
			r.sink.Emit(events.Event{
				Symbol:   events.SymFailure,
				Handle:   -1,
				State:    Initiated.String(),
				Endpoint: ep.String(),
				Message:  "dial: " + err.Error(),
			})
			continue
		}
		if err := r.epollAdd(fd, unix.EPOLLOUT); err != nil {
			unix.Close(fd)
			continue
		}

		p := &probe{
			fd:           fd,
			dir:          outbound,
			endpoint:     ep,
			state:        Initiated,
			lastActivity: now,
		}
		r.register(p)
		r.sink.Emit(events.Event{
			Symbol:   events.SymAttempt,
			Handle:   fd,
			State:    Initiated.String(),
			Endpoint: ep.String(),
			Message:  "outbound connect initiated, SYN retries=" + strconv.Itoa(sockopt.SynRetries),
		})
	}
}
