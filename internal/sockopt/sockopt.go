// Package sockopt creates and hardens the raw, non-blocking sockets the
// reactor drives directly against an epoll readiness set. The engine
// never hands these fds to net.Conn: Go's net package owns its own
// internal poller and would fight the reactor's epoll loop for the same
// descriptor, and it exposes none of SO_LINGER/TCP_SYNCNT/IP_TOS on its
// own anyway.
package sockopt

import (
	"net"

	"golang.org/x/sys/unix"
)

// SynRetries is the bounded SYN retry count requested on outbound
// connects (spec: 7 attempts before the kernel gives up and delivers an
// error/hangup readiness event).
const SynRetries = 7

// lowDelayToS requests IPTOS_LOWDELAY for probe traffic.
const lowDelayToS = 0x10

// harden applies the shared hygiene contract to fd: keep-alive off, a
// hard-reset linger so close() never lingers in TIME_WAIT, and low-delay
// ToS. dial additionally bounds the SYN retry count, since TCP_SYNCNT
// only affects the connect() path and is meaningless on a listener or
// an already-accepted socket.
func harden(fd int, dial bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 0); err != nil {
		return err
	}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 1, Linger: 0}); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, lowDelayToS); err != nil {
		return err
	}
	if dial {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_SYNCNT, SynRetries); err != nil {
			return err
		}
	}
	return nil
}

// Dial creates a non-blocking TCP socket, applies outbound hygiene, and
// begins an asynchronous connect to dst. The returned fd is always
// valid on a nil error; connect completion (or failure) is observed as
// a writable/error readiness event, never by blocking here.
func Dial(dst *net.TCPAddr) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := harden(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: dst.Port}
	copy(sa.Addr[:], dst.IP.To4())
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Listen creates a non-blocking, bound, listening TCP socket on addr.
func Listen(addr *net.TCPAddr) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip := addr.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Accept accepts one pending connection on a listening fd, hardens it
// with the same hygiene as a dial (minus SYN retry, which doesn't apply
// to an already-established connection), and returns the new fd and
// peer address.
func Accept(listenFD int) (fd int, peer *net.TCPAddr, err error) {
	nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, nil, err
	}
	if err := harden(nfd, false); err != nil {
		unix.Close(nfd)
		return -1, nil, err
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(nfd)
		return -1, nil, unix.EAFNOSUPPORT
	}
	ip := make(net.IP, 4)
	copy(ip, sa4.Addr[:])
	return nfd, &net.TCPAddr{IP: ip, Port: sa4.Port}, nil
}

// ConnectError returns the pending error on fd, if any, via
// SO_ERROR — the standard way to discover whether an asynchronous
// connect() succeeded once the fd reports writable.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}
