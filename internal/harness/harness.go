// Package harness provides the stub proxy endpoints the end-to-end
// reactor tests drive against, standing in for the harvested candidates
// spec.md §8's scenarios describe. It is test-only support code, built
// on plain net.Listen/net.Dial rather than the reactor's own raw-fd
// sockets, since the stub is meant to behave like an ordinary remote
// peer, not like the engine under test.
package harness

import (
	"bufio"
	"io"
	"net"

	"golang.org/x/net/proxy"

	"github.com/slitscan/slitscan/internal/nonce"
)

// StubProxy is a minimal HTTP-CONNECT-speaking listener a test can
// script: it accepts one connection, optionally reads the CONNECT
// request, writes a scripted response, and optionally reads back a
// token (e.g. the nonce) for the caller to act on.
type StubProxy struct {
	Listener net.Listener
}

// Listen starts a stub proxy on an ephemeral loopback port.
func Listen() (*StubProxy, error) {
	return ListenOn(net.IPv4(127, 0, 0, 1))
}

// ListenOn starts a stub proxy on an ephemeral port bound to ip. Every
// address in 127.0.0.0/8 is loopback on Linux, so a test can hand out
// distinct "hosts" without any extra network setup.
func ListenOn(ip net.IP) (*StubProxy, error) {
	addr := &net.TCPAddr{IP: ip, Port: 0}
	l, err := net.Listen("tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return &StubProxy{Listener: l}, nil
}

// Addr returns the bound address.
func (s *StubProxy) Addr() *net.TCPAddr {
	return s.Listener.Addr().(*net.TCPAddr)
}

// Close stops accepting.
func (s *StubProxy) Close() error {
	return s.Listener.Close()
}

// ServeOnce accepts a single connection, reads one line (expected to be
// the CONNECT request's request line — the two trailing CRLFs are
// drained along with it), writes response, and if readToken is true
// reads back the fixed-length nonce (sent as raw bytes, not
// newline-terminated) and delivers it to the caller via the returned
// channel.
func (s *StubProxy) ServeOnce(response string, readToken bool) (<-chan string, <-chan error) {
	tokenCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := s.Listener.Accept()
		if err != nil {
			errCh <- err
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		if _, err := r.ReadString('\n'); err != nil {
			errCh <- err
			return
		}
		// drain the trailing blank line of the CONNECT request
		r.ReadString('\n')

		if _, err := conn.Write([]byte(response)); err != nil {
			errCh <- err
			return
		}

		if readToken {
			buf := make([]byte, nonce.Length)
			if _, err := io.ReadFull(r, buf); err != nil {
				errCh <- err
				return
			}
			tokenCh <- string(buf)
		}
		errCh <- nil
	}()
	return tokenCh, errCh
}

// AcceptAndHold accepts connections in a loop, reading nothing and
// writing nothing, so each stays in ESTABLISHED/SENT_CONNECT forever —
// standing in for a black-hole candidate that never completes, for
// tests of the in-flight cap. Accepted connections are kept open until
// the listener itself is closed, which also unblocks Accept with an
// error and ends the loop.
func (s *StubProxy) AcceptAndHold() {
	go func() {
		var held []net.Conn
		defer func() {
			for _, c := range held {
				c.Close()
			}
		}()
		for {
			conn, err := s.Listener.Accept()
			if err != nil {
				return
			}
			held = append(held, conn)
		}
	}()
}

// DialSOCKS5 drives a genuine SOCKS5 client handshake (via
// golang.org/x/net/proxy) against proxyAddr, standing in for a foreign
// proxy protocol showing up on the connect-back listener instead of a
// nonce. spec.md §1's non-goals rule SOCKS out as something the engine
// ever dials itself, but nothing stops some other client from connecting
// back to the listener speaking it, so the listener's behavior under
// that input is worth exercising.
func DialSOCKS5(proxyAddr *net.TCPAddr, target string) (net.Conn, error) {
	d, err := proxy.SOCKS5("tcp", proxyAddr.String(), nil, proxy.Direct)
	if err != nil {
		return nil, err
	}
	return d.Dial("tcp", target)
}

// ConnectBack dials addr, writing payload once connected, simulating a
// candidate's connect-back (either with a nonce, for a tunnel's egress
// side, or empty, for a plain proxy's same-IP callback). local, if
// non-nil, pins the connection's source address — the whole 127.0.0.0/8
// block is loopback on Linux, so a test can use 127.0.0.2 etc. to stand
// in for a host distinct from the probe's own target IP without any
// extra network setup.
func ConnectBack(addr *net.TCPAddr, local *net.TCPAddr, payload string) error {
	conn, err := net.DialTCP("tcp", local, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if payload != "" {
		if _, err := conn.Write([]byte(payload)); err != nil {
			return err
		}
	}
	return nil
}
