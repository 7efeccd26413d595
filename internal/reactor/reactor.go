// Package reactor is the engine: the probe state machine, the two
// correlation indices, the registered-handle table, and the
// single-threaded readiness loop that ties them together. Nothing here
// is safe for concurrent use by design — the whole point of the
// architecture is that there is exactly one goroutine on the hot path.
package reactor

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/slitscan/slitscan/internal/endpoint"
	"github.com/slitscan/slitscan/internal/events"
	"github.com/slitscan/slitscan/internal/ingest"
	"github.com/slitscan/slitscan/internal/sockopt"
)

// Config bundles the reactor's runtime knobs, deliberately disjoint from
// the CLI flag parsing that produces them (that belongs to the external
// collaborator in cmd/slitscan).
type Config struct {
	BindAddr       *net.TCPAddr // listener bind address
	CallbackHost   net.IP       // advertised in the CONNECT request
	CallbackPort   int          // advertised in the CONNECT request
	MaxInFlight    int          // hard cap on registered probes, spec: 128
	ProbeTimeout   time.Duration // coarse reaper deadline, spec: 45s
	PollInterval   time.Duration // readiness-wait ceiling, spec: 1s
	DialRate       rate.Limit    // optional soft pacing on factory dials
	DialBurst      int
}

// DefaultConfig matches the defaults spec.md §5/§6 names.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:  128,
		ProbeTimeout: 45 * time.Second,
		PollInterval: 1 * time.Second,
		DialRate:     rate.Inf,
		DialBurst:    1,
	}
}

// kind tags what a registered-handle table entry actually is, since the
// pipe and the listener carry none of a probe's ancillary attributes —
// spec.md §9 explicitly warns against hoisting endpoint/nonce/http-code
// into a shared base for all three.
type kind int

const (
	kindProbe kind = iota
	kindListener
	kindPipe
)

type handle struct {
	kind  kind
	probe *probe // nil unless kind == kindProbe
}

// Reactor owns every mutable structure the engine touches: the handle
// table, the two correlation indices, the staging queue, and the epoll
// fd itself.
type Reactor struct {
	cfg Config
	sink events.Sink
	status *events.Status

	epfd     int
	listenFD int
	pipe     *ingest.Pipe

	queue *endpoint.Queue

	handles map[int]*handle       // fd -> registration, every watched fd exactly once
	byIP    map[string]*probe     // outbound target IP -> ingress probe
	byNonce map[string]*probe     // emitted nonce -> ingress probe

	limiter *rate.Limiter
}

// New builds a Reactor and binds the listener and the ingest pipe, but
// does not start the loop.
func New(cfg Config, pipePath string, sink events.Sink, status *events.Status) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	lfd, err := sockopt.Listen(cfg.BindAddr)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: listen: %w", err)
	}

	p, err := ingest.Open(pipePath)
	if err != nil {
		unix.Close(lfd)
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: ingest open: %w", err)
	}

	r := &Reactor{
		cfg:      cfg,
		sink:     sink,
		status:   status,
		epfd:     epfd,
		listenFD: lfd,
		pipe:     p,
		queue:    endpoint.NewQueue(),
		handles:  make(map[int]*handle),
		byIP:     make(map[string]*probe),
		byNonce:  make(map[string]*probe),
		limiter:  rate.NewLimiter(cfg.DialRate, max(cfg.DialBurst, 1)),
	}

	if err := r.epollAdd(lfd, unix.EPOLLIN); err != nil {
		r.Close()
		return nil, fmt.Errorf("reactor: register listener: %w", err)
	}
	r.handles[lfd] = &handle{kind: kindListener}

	if err := r.epollAdd(p.FD(), unix.EPOLLIN); err != nil {
		r.Close()
		return nil, fmt.Errorf("reactor: register pipe: %w", err)
	}
	r.handles[p.FD()] = &handle{kind: kindPipe}

	return r, nil
}

// Close releases every fd the reactor owns. Safe to call once, after
// Run returns.
func (r *Reactor) Close() {
	for fd := range r.handles {
		unix.Close(fd)
	}
	if r.pipe != nil {
		r.pipe.Close()
	}
	unix.Close(r.epfd)
}

// Stats returns a point-in-time occupancy snapshot, supplemented from
// the original's post-drain status line (see events.Occupancy).
func (r *Reactor) Stats() events.Occupancy {
	return events.Occupancy{
		Queued:     r.queue.Len(),
		InFlight:   r.inFlightCount(),
		Cap:        r.cfg.MaxInFlight,
		IPIndex:    len(r.byIP),
		NonceIndex: len(r.byNonce),
	}
}

// inFlightCount is the handle table size minus the two fixed handles
// (listener, pipe) that never count against the cap.
func (r *Reactor) inFlightCount() int {
	n := 0
	for _, h := range r.handles {
		if h.kind == kindProbe {
			n++
		}
	}
	return n
}

// Run drives the readiness loop until ctx is canceled. Each iteration
// follows the fixed pipeline spec.md §5 mandates: reap, factory, wait,
// dispatch.
func (r *Reactor) Run(ctx context.Context) error {
	rawEvents := make([]unix.EpollEvent, 256)
	for {
		if ctx.Err() != nil {
			return nil
		}

		now := time.Now()
		r.reap(now)
		r.runFactory(ctx, now)

		if r.status != nil {
			r.status.Update(r.Stats())
		}

		n, err := unix.EpollWait(r.epfd, rawEvents, int(r.cfg.PollInterval/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		now = time.Now()
		for i := 0; i < n; i++ {
			if err := r.dispatch(int(rawEvents[i].Fd), rawEvents[i].Events, now); err != nil {
				return err
			}
		}
	}
}

// dispatch routes one ready fd to the appropriate handler. Per-probe
// errors are converted to an unregister here and never propagate. An
// error/hangup on the listener and an EPOLLERR on the ingest pipe are
// subsystem-level and terminate the loop; ingest read and reopen
// failures inside handlePipeReadable are only reported as failure
// events and do not terminate it.
func (r *Reactor) dispatch(fd int, ev uint32, now time.Time) error {
	h, ok := r.handles[fd]
	if !ok {
		// Stale event for an fd we already unregistered this wake; the
		// readiness primitive can still report a handle that a prior
		// event in the same batch already tore down.
		return nil
	}
	switch h.kind {
	case kindListener:
		if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			return fmt.Errorf("reactor: listener error/hangup, fd=%d", fd)
		}
		r.handleListenerReadable(now)
		return nil
	case kindPipe:
		if ev&(unix.EPOLLERR) != 0 {
			return fmt.Errorf("reactor: ingest pipe error, fd=%d", fd)
		}
		r.handlePipeReadable(now)
		return nil
	case kindProbe:
		r.handleProbeEvent(h.probe, ev, now)
		return nil
	}
	return nil
}

// reap evicts every probe in a state other than Initiated whose
// lastActivity predates the coarse deadline. Initiated probes are never
// reaped here; they rely on the kernel's bounded SYN retry count
// (sockopt.SynRetries) to eventually deliver an error/hangup event.
func (r *Reactor) reap(now time.Time) {
	var expired []*probe
	for _, h := range r.handles {
		if h.kind != kindProbe {
			continue
		}
		p := h.probe
		if p.state == Initiated {
			continue
		}
		if now.Sub(p.lastActivity) > r.cfg.ProbeTimeout {
			expired = append(expired, p)
		}
	}
	for _, p := range expired {
		r.sink.Emit(events.Event{
			Symbol:   events.SymFailure,
			Handle:   p.fd,
			State:    p.state.String(),
			Endpoint: p.endpoint.String(),
			Message:  "deadline exceeded",
		})
		r.unregister(p)
	}
}

// epollAdd registers fd with the given interest mask.
func (r *Reactor) epollAdd(fd int, mask uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: mask})
}

// epollMod changes fd's interest mask.
func (r *Reactor) epollMod(fd int, mask uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: mask})
}

// epollDel deregisters fd. Tolerates ENOENT, since a probe may already
// be gone from the epoll set if its fd was closed (closing an fd
// implicitly removes it from every epoll instance).
func (r *Reactor) epollDel(fd int) {
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// register adds a newly created probe to the handle table and, for
// outbound probes, the IP index. Atomic with respect to the rest of the
// engine because there is only one goroutine.
func (r *Reactor) register(p *probe) {
	r.handles[p.fd] = &handle{kind: kindProbe, probe: p}
	if p.dir == outbound {
		r.byIP[p.endpoint.IP.String()] = p
	}
}

// unregister removes p from every table it appears in and closes its
// socket. Idempotent: calling it twice on the same probe is a no-op the
// second time, since the first call already removed p.fd from handles.
func (r *Reactor) unregister(p *probe) {
	if _, ok := r.handles[p.fd]; !ok {
		return
	}
	delete(r.handles, p.fd)
	r.epollDel(p.fd)
	if p.dir == outbound {
		if cur, ok := r.byIP[p.endpoint.IP.String()]; ok && cur == p {
			delete(r.byIP, p.endpoint.IP.String())
		}
	}
	if p.nonce != "" {
		if cur, ok := r.byNonce[p.nonce]; ok && cur == p {
			delete(r.byNonce, p.nonce)
		}
	}
	unix.Close(p.fd)
}
