package reactor

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/slitscan/slitscan/internal/events"
	"github.com/slitscan/slitscan/internal/nonce"
	"github.com/slitscan/slitscan/internal/sockopt"
)

// bannerCap is the read ceiling for both the HTTP status line and the
// connect-back's nonce token, per spec.md §4.3/§4.4 ("read up to 128
// bytes"). Anything past the first CRLF-terminated line (or past the
// first nonce.Length bytes of a connect-back) is discarded — the design
// notes call this acceptable since the probe never pipelines.
const bannerCap = 128

// handleProbeEvent routes one readiness event to the handler for p's
// current state. Per-probe errors are logged and converted to an
// unregister here; they never propagate to the caller.
func (r *Reactor) handleProbeEvent(p *probe, ev uint32, now time.Time) {
	p.touch(now)

	switch p.state {
	case Initiated:
		r.handleInitiated(p, ev, now)
	case SentConnect:
		r.handleSentConnect(p, ev, now)
	case SentToken:
		r.handleSentToken(p, ev, now)
	case DiffBack:
		r.handleDiffBack(p, ev, now)
	}
}

// handleInitiated corresponds to the INITIATED row of the transition
// table: on writable, the non-blocking connect has completed (success
// or failure, discovered via SO_ERROR); on error/hangup, it failed
// outright.
func (r *Reactor) handleInitiated(p *probe, ev uint32, now time.Time) {
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		r.failProbe(p, "transport disconnect during connect")
		return
	}
	if ev&unix.EPOLLOUT == 0 {
		return
	}
	if err := sockopt.ConnectError(p.fd); err != nil {
		r.failProbe(p, "connect failed: "+err.Error())
		return
	}

	p.state = Established
	r.sink.Emit(events.Event{
		Symbol:   events.SymEstablished,
		Handle:   p.fd,
		State:    p.state.String(),
		Endpoint: p.endpoint.String(),
		Message:  "outbound connect established",
	})

	line := "CONNECT " + r.callbackAddr() + " HTTP/1.0\r\n\r\n"
	if _, err := unix.Write(p.fd, []byte(line)); err != nil {
		r.failProbe(p, "write CONNECT: "+err.Error())
		return
	}
	r.sink.Emit(events.Event{
		Symbol:   events.SymSent,
		Handle:   p.fd,
		State:    p.state.String(),
		Endpoint: p.endpoint.String(),
		Message:  "CONNECT sent",
	})

	p.state = SentConnect
	if err := r.epollMod(p.fd, unix.EPOLLIN); err != nil {
		r.failProbe(p, "rearm for read: "+err.Error())
	}
}

// handleSentConnect reads the HTTP status line (RECV_CODE), then
// synchronously resolves to either failure or SENT_TOKEN, matching the
// spec's "RECV_CODE (synchronous)" row — there is no separate readiness
// wake between reading the status line and acting on it.
func (r *Reactor) handleSentConnect(p *probe, ev uint32, now time.Time) {
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 && ev&unix.EPOLLIN == 0 {
		r.failProbe(p, "transport disconnect awaiting CONNECT response")
		return
	}

	line, ok := r.readLine(p)
	if !ok {
		return
	}
	r.sink.Emit(events.Event{
		Symbol:   events.SymReceived,
		Handle:   p.fd,
		State:    RecvCode.String(),
		Endpoint: p.endpoint.String(),
		Message:  "banner: " + line,
	})

	code, ok := parseHTTPStatusLine(line)
	if !ok {
		r.discord(p, "malformed HTTP status line")
		return
	}
	p.httpCode = code
	p.state = RecvCode

	if code != 200 {
		r.discord(p, "non-200 status "+strconv.Itoa(code))
		return
	}

	n, err := r.freshNonce()
	if err != nil {
		r.failProbe(p, "nonce generation: "+err.Error())
		return
	}
	p.nonce = n
	r.byNonce[n] = p

	if _, err := unix.Write(p.fd, []byte(n)); err != nil {
		r.failProbe(p, "write nonce: "+err.Error())
		return
	}
	r.sink.Emit(events.Event{
		Symbol:   events.SymSent,
		Handle:   p.fd,
		State:    p.state.String(),
		Endpoint: p.endpoint.String(),
		Message:  "nonce sent",
	})

	p.state = SentToken
	// "switch interest to {hangup, error} only" — epoll reports HUP/ERR
	// unconditionally, so an empty interest mask is sufficient; we still
	// pass 0 explicitly rather than leaving the prior EPOLLIN interest
	// registered, since a stray readable event here would have nothing
	// defined to do with it.
	if err := r.epollMod(p.fd, 0); err != nil {
		r.failProbe(p, "rearm for hangup-only: "+err.Error())
	}
}

// handleSentToken is terminal: whatever happens to this outbound socket
// from here on, the correlation (if any) happens via a nonce match on a
// sibling DIFF_BACK record, not on this probe directly.
func (r *Reactor) handleSentToken(p *probe, ev uint32, now time.Time) {
	r.sink.Emit(events.Event{
		Symbol:   events.SymFailure,
		Handle:   p.fd,
		State:    p.state.String(),
		Endpoint: p.endpoint.String(),
		Message:  "ingress socket closed after token sent",
	})
	r.unregister(p)
}

// handleDiffBack reads the connect-back's first nonce.Length bytes and
// resolves them against the nonce index (RECV_TOKEN, synchronous per the
// transition table).
func (r *Reactor) handleDiffBack(p *probe, ev uint32, now time.Time) {
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 && ev&unix.EPOLLIN == 0 {
		r.discord(p, "transport disconnect awaiting nonce")
		return
	}

	token, ok := r.readExact(p, nonce.Length)
	if !ok {
		return
	}
	p.state = RecvToken

	ingress, found := r.byNonce[token]
	if !found {
		r.discord(p, "unrecognized nonce on connect-back")
		return
	}

	p.peerOf = ingress
	ingress.peerOf = p
	p.state = Discovered
	ingress.state = Discovered

	r.sink.Emit(events.Event{
		Symbol:   events.SymIngress,
		Handle:   ingress.fd,
		State:    Discovered.String(),
		Endpoint: ingress.endpoint.String(),
		Message:  "tunnel ingress confirmed",
	})
	r.sink.Emit(events.Event{
		Symbol:   events.SymEgress,
		Handle:   p.fd,
		State:    Discovered.String(),
		Endpoint: p.endpoint.String(),
		Message:  "tunnel egress confirmed",
	})

	r.unregister(ingress)
	r.unregister(p)
}

// readLine reads up to bannerCap bytes into p.recvBuf and, once a
// newline appears, returns the line with any trailing CR stripped. ok
// is false if no complete line is available yet (caller should wait for
// the next readiness event), or if p has already been failed and
// unregistered here: a read error or EOF fails the probe, and a call
// made once the buffer already holds bannerCap bytes without a newline
// discords it as a malformed banner.
func (r *Reactor) readLine(p *probe) (string, bool) {
	buf := make([]byte, bannerCap-len(p.recvBuf))
	if len(buf) == 0 {
		r.discord(p, "banner exceeded 128 bytes without a newline")
		return "", false
	}
	n, err := unix.Read(p.fd, buf)
	if n > 0 {
		p.recvBuf = append(p.recvBuf, buf[:n]...)
	}
	if err != nil && err != unix.EAGAIN {
		r.failProbe(p, "read: "+err.Error())
		return "", false
	}
	if i := strings.IndexByte(string(p.recvBuf), '\n'); i >= 0 {
		line := strings.TrimSuffix(string(p.recvBuf[:i]), "\r")
		p.recvBuf = nil
		return line, true
	}
	if n == 0 && err == nil {
		r.failProbe(p, "transport disconnect mid-banner")
	}
	return "", false
}

// readExact reads until p.recvBuf holds at least n bytes, reading up to
// bannerCap total (spec.md §4.4's "read up to 128 bytes"). Unlike
// readLine, the nonce token carries no delimiter of its own — the
// charset excludes whitespace entirely (internal/nonce) — so
// correlation is keyed on the first n bytes rather than a newline.
func (r *Reactor) readExact(p *probe, n int) (string, bool) {
	buf := make([]byte, bannerCap-len(p.recvBuf))
	if len(buf) == 0 {
		r.discord(p, "connect-back exceeded 128 bytes without a complete token")
		return "", false
	}
	read, err := unix.Read(p.fd, buf)
	if read > 0 {
		p.recvBuf = append(p.recvBuf, buf[:read]...)
	}
	if err != nil && err != unix.EAGAIN {
		r.failProbe(p, "read: "+err.Error())
		return "", false
	}
	if len(p.recvBuf) >= n {
		token := string(p.recvBuf[:n])
		p.recvBuf = nil
		return token, true
	}
	if read == 0 && err == nil {
		r.failProbe(p, "transport disconnect mid-token")
	}
	return "", false
}

// parseHTTPStatusLine implements spec.md §4.3's RECV_CODE parse rule:
// split on single spaces into exactly three fields, require the
// protocol token to be literally HTTP/1.0 or HTTP/1.1, require the
// status field to be a decimal integer.
func parseHTTPStatusLine(line string) (code int, ok bool) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 3 {
		return 0, false
	}
	if fields[0] != "HTTP/1.0" && fields[0] != "HTTP/1.1" {
		return 0, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// freshNonce generates a nonce and retries on the astronomically
// unlikely event of a collision with a live entry in the nonce index,
// per spec.md §4.3/§9.
func (r *Reactor) freshNonce() (string, error) {
	for {
		n, err := nonce.Generate()
		if err != nil {
			return "", err
		}
		if _, exists := r.byNonce[n]; !exists {
			return n, nil
		}
	}
}

// failProbe logs a transport-disconnect error and unregisters p.
func (r *Reactor) failProbe(p *probe, msg string) {
	r.sink.Emit(events.Event{
		Symbol:   events.SymFailure,
		Handle:   p.fd,
		State:    p.state.String(),
		Endpoint: p.endpoint.String(),
		Message:  msg,
	})
	r.unregister(p)
}

// discord logs a protocol-discord error and unregisters p. Distinct
// from failProbe only in the message framing; both end in an
// unregister, per spec.md §7's "log, unregister the probe, not fatal."
func (r *Reactor) discord(p *probe, msg string) {
	r.sink.Emit(events.Event{
		Symbol:   events.SymFailure,
		Handle:   p.fd,
		State:    p.state.String(),
		Endpoint: p.endpoint.String(),
		Message:  "discord: " + msg,
	})
	r.unregister(p)
}

// callbackAddr renders the advertised callback address for the CONNECT
// request body, independent of the listener's actual bind address per
// Open Question (a).
func (r *Reactor) callbackAddr() string {
	ip := r.cfg.CallbackHost
	if ip == nil {
		ip = r.cfg.BindAddr.IP
	}
	port := r.cfg.CallbackPort
	if port == 0 {
		port = r.cfg.BindAddr.Port
	}
	return ip.String() + ":" + strconv.Itoa(port)
}
