package reactor

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/slitscan/slitscan/internal/harness"
)

// buildReactor wires a Reactor whose advertised callback address is its
// own listener, so a scripted stub proxy's connect-back lands right
// back on the Reactor under test.
func buildReactor(t *testing.T) (*Reactor, *recordingSink, func()) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BindAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	cfg.ProbeTimeout = 2 * time.Second
	cfg.PollInterval = 50 * time.Millisecond
	sink := &recordingSink{}

	dir := t.TempDir()
	pipePath := dir + "/harvest.fifo"
	r, err := New(cfg, pipePath, sink, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	sa, err := unix.Getsockname(r.listenFD)
	if err != nil {
		t.Fatalf("getsockname on listener: %v", err)
	}
	sa4 := sa.(*unix.SockaddrInet4)
	r.cfg.CallbackHost = net.IPv4(127, 0, 0, 1)
	r.cfg.CallbackPort = sa4.Port

	return r, sink, func() { r.Close() }
}

func writeFIFO(t *testing.T, r *Reactor, line string) {
	t.Helper()
	fd, err := syscall.Open(r.pipe.Path(), syscall.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open fifo for write: %v", err)
	}
	defer syscall.Close(fd)
	if _, err := syscall.Write(fd, []byte(line)); err != nil {
		t.Fatalf("write fifo: %v", err)
	}
}

func runFor(t *testing.T, r *Reactor, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(d + 2*time.Second):
		t.Fatal("Run() did not return after context deadline")
	}
}

func TestScenarioPlainOpenProxy(t *testing.T) {
	r, sink, closeR := buildReactor(t)
	defer closeR()

	stub, err := harness.Listen()
	if err != nil {
		t.Fatalf("harness.Listen() error = %v", err)
	}
	defer stub.Close()

	_, errCh := stub.ServeOnce("HTTP/1.0 200 OK\r\n\r\n", true)

	writeFIFO(t, r, fmt.Sprintf("%s:%d\n", stub.Addr().IP, stub.Addr().Port))

	go func() {
		// Give the reactor a moment to reach SENT_TOKEN before the
		// candidate calls back, same as a real proxy's round trip.
		time.Sleep(300 * time.Millisecond)
		harness.ConnectBack(&net.TCPAddr{IP: r.cfg.CallbackHost, Port: r.cfg.CallbackPort}, nil, "")
	}()

	runFor(t, r, 2*time.Second)

	if err := <-errCh; err != nil {
		t.Fatalf("stub proxy error = %v", err)
	}
	if !sink.hasSymbol("||") {
		t.Error("expected an established event")
	}
	if !sink.hasSymbol(">>") {
		t.Error("expected a CONNECT-sent event")
	}
	if !sink.hasSymbol("<<") {
		t.Error("expected a banner-received event")
	}
	if !sink.hasSymbol("><") {
		t.Error("expected a same-IP connect-back event")
	}
}

func TestScenarioBadStatus(t *testing.T) {
	r, sink, closeR := buildReactor(t)
	defer closeR()

	stub, err := harness.Listen()
	if err != nil {
		t.Fatalf("harness.Listen() error = %v", err)
	}
	defer stub.Close()
	stub.ServeOnce("HTTP/1.0 407 Proxy Authentication Required\r\n\r\n", false)

	writeFIFO(t, r, fmt.Sprintf("%s:%d\n", stub.Addr().IP, stub.Addr().Port))
	runFor(t, r, 1*time.Second)

	if !sink.hasSymbol("<<") {
		t.Error("expected the 407 banner to be logged")
	}
	if !sink.hasSymbol("--") {
		t.Error("expected a failure event after a non-200 status")
	}
}

func TestScenarioMalformedBanner(t *testing.T) {
	r, sink, closeR := buildReactor(t)
	defer closeR()

	stub, err := harness.Listen()
	if err != nil {
		t.Fatalf("harness.Listen() error = %v", err)
	}
	defer stub.Close()
	stub.ServeOnce("hello world\r\n", false)

	writeFIFO(t, r, fmt.Sprintf("%s:%d\n", stub.Addr().IP, stub.Addr().Port))
	runFor(t, r, 1*time.Second)

	if !sink.hasSymbol("--") {
		t.Error("expected a discord failure event for a malformed banner")
	}
}

func TestScenarioTunnelDiscovery(t *testing.T) {
	r, sink, closeR := buildReactor(t)
	defer closeR()

	stub, err := harness.Listen()
	if err != nil {
		t.Fatalf("harness.Listen() error = %v", err)
	}
	defer stub.Close()

	tokenCh, errCh := stub.ServeOnce("HTTP/1.0 200 OK\r\n\r\n", true)

	writeFIFO(t, r, fmt.Sprintf("%s:%d\n", stub.Addr().IP, stub.Addr().Port))

	go func() {
		token := <-tokenCh
		// A distinct loopback address stands in for a genuinely
		// different egress host (see harness.ConnectBack).
		egress := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 2), Port: 0}
		harness.ConnectBack(&net.TCPAddr{IP: r.cfg.CallbackHost, Port: r.cfg.CallbackPort}, egress, token)
	}()

	runFor(t, r, 2*time.Second)

	if err := <-errCh; err != nil {
		t.Fatalf("stub proxy error = %v", err)
	}
	if !sink.hasSymbol("()") {
		t.Error("expected an ingress tunnel-discovery event")
	}
	if !sink.hasSymbol(")(") {
		t.Error("expected an egress tunnel-discovery event")
	}
	if len(r.byNonce) != 0 {
		t.Errorf("nonce index should be empty after discovery, has %d entries", len(r.byNonce))
	}
}

func TestScenarioUnrecognizedNonceOnDiffBack(t *testing.T) {
	r, sink, closeR := buildReactor(t)
	defer closeR()

	go func() {
		time.Sleep(100 * time.Millisecond)
		egress := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 3), Port: 0}
		harness.ConnectBack(&net.TCPAddr{IP: r.cfg.CallbackHost, Port: r.cfg.CallbackPort}, egress, sixtyFourBytesOf('Z'))
	}()

	runFor(t, r, 1*time.Second)

	if !sink.hasSymbol("--") {
		t.Error("expected a discord failure for an unrecognized nonce")
	}
}

// TestScenarioCapEnforcement mirrors spec.md §8 scenario 7's "200
// endpoints, none complete, exactly MaxInFlight registered probes, the
// remainder stays queued in insertion order" at a scale a test can run
// deterministically: a handful of distinct loopback hosts (127.0.0.0/8
// is entirely loopback-routable on Linux) that accept and never
// respond, so every dialed probe sits in SENT_CONNECT awaiting a status
// line that never comes, and, with the test window shorter than the
// reaper's deadline, the factory never gets its slots back.
func TestScenarioCapEnforcement(t *testing.T) {
	r, _, closeR := buildReactor(t)
	defer closeR()
	r.cfg.MaxInFlight = 3

	const total = 6
	var stubs []*harness.StubProxy
	for i := 0; i < total; i++ {
		ip := net.IPv4(127, 0, 0, byte(10+i))
		stub, err := harness.ListenOn(ip)
		if err != nil {
			t.Fatalf("harness.ListenOn(%v) error = %v", ip, err)
		}
		defer stub.Close()
		stub.AcceptAndHold()
		stubs = append(stubs, stub)
	}

	var lines string
	for _, stub := range stubs {
		lines += fmt.Sprintf("%s:%d\n", stub.Addr().IP, stub.Addr().Port)
	}
	writeFIFO(t, r, lines)

	runFor(t, r, 500*time.Millisecond)

	if got := r.inFlightCount(); got != r.cfg.MaxInFlight {
		t.Errorf("inFlightCount() = %d, want %d", got, r.cfg.MaxInFlight)
	}
	if got, want := r.queue.Len(), total-r.cfg.MaxInFlight; got != want {
		t.Errorf("queue.Len() = %d, want %d", got, want)
	}
}

// TestScenarioForeignProtocolOnListener drives a real SOCKS5 client
// handshake at the connect-back listener instead of a nonce. The engine
// never dials SOCKS itself (spec.md §1 non-goals), but the listener
// still has to cope with whatever shows up there; a SOCKS5 greeting is
// only a few bytes, short of a full nonce, so the connection sits in
// DIFF_BACK until the reaper's deadline closes it out from under the
// client.
func TestScenarioForeignProtocolOnListener(t *testing.T) {
	r, sink, closeR := buildReactor(t)
	defer closeR()
	r.cfg.ProbeTimeout = 200 * time.Millisecond

	errCh := make(chan error, 1)
	go func() {
		_, err := harness.DialSOCKS5(&net.TCPAddr{IP: r.cfg.CallbackHost, Port: r.cfg.CallbackPort}, "10.0.0.1:80")
		errCh <- err
	}()

	runFor(t, r, 1*time.Second)

	if err := <-errCh; err == nil {
		t.Error("expected the SOCKS5 handshake to fail once the engine reaps the half-open connect-back")
	}
	if !sink.hasSymbol("--") {
		t.Error("expected a failure event when the reaper evicts the stalled connect-back")
	}
}

func sixtyFourBytesOf(c byte) string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = c
	}
	return string(b)
}
