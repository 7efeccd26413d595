package reactor

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/slitscan/slitscan/internal/endpoint"
	"github.com/slitscan/slitscan/internal/events"
	"github.com/slitscan/slitscan/internal/sockopt"
)

// handleListenerReadable accepts every pending connection (level-triggered
// epoll keeps reporting readable until the accept queue is drained) and
// classifies each by source IP per spec.md §4.4.
func (r *Reactor) handleListenerReadable(now time.Time) {
	for {
		fd, peer, err := sockopt.Accept(r.listenFD)
		if err != nil {
			// EAGAIN means the accept queue is drained; any other
			// error on a single accept (e.g. ECONNABORTED) does not
			// condemn the listener itself.
			return
		}
		r.classifyConnectBack(fd, peer, now)
	}
}

// classifyConnectBack implements the SAME_BACK/DIFF_BACK split.
func (r *Reactor) classifyConnectBack(fd int, peer *net.TCPAddr, now time.Time) {
	ingress, ok := r.byIP[peer.IP.String()]
	if ok {
		r.completeSameBack(fd, peer, ingress, now)
		return
	}
	r.beginDiffBack(fd, peer, now)
}

// completeSameBack handles a connect-back whose source IP matches a
// known outbound target: a plain open proxy, confirmed without any
// nonce involved. Both sockets are shut down immediately and the
// inbound socket is never registered, per spec.md §4.4.
func (r *Reactor) completeSameBack(fd int, peer *net.TCPAddr, ingress *probe, now time.Time) {
	ingress.touch(now)
	r.sink.Emit(events.Event{
		Symbol:   events.SymSameBack,
		Handle:   ingress.fd,
		State:    SameBack.String(),
		Endpoint: ingress.endpoint.String(),
		Message:  "plain proxy confirmed via connect-back from " + peer.String(),
	})
	r.unregister(ingress)
	unix.Close(fd)
}

// beginDiffBack registers a freshly accepted connection whose source IP
// is not a known outbound target, awaiting a nonce on its first line.
func (r *Reactor) beginDiffBack(fd int, peer *net.TCPAddr, now time.Time) {
	p := &probe{
		fd:           fd,
		dir:          inbound,
		endpoint:     endpoint.Endpoint{IP: peer.IP.To4(), Port: peer.Port},
		state:        DiffBack,
		lastActivity: now,
	}
	if err := r.epollAdd(fd, unix.EPOLLIN); err != nil {
		unix.Close(fd)
		return
	}
	r.register(p)
	r.sink.Emit(events.Event{
		Symbol:   events.SymDiffBack,
		Handle:   fd,
		State:    DiffBack.String(),
		Endpoint: p.endpoint.String(),
		Message:  "connect-back from unrecognized IP, awaiting nonce",
	})
}
