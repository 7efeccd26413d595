package sockopt

import (
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestListenDialAcceptLoopback(t *testing.T) {
	lfd, err := Listen(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer unix.Close(lfd)

	sa, err := unix.Getsockname(lfd)
	if err != nil {
		t.Fatalf("Getsockname() error = %v", err)
	}
	sa4 := sa.(*unix.SockaddrInet4)
	dst := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sa4.Port}

	dfd, err := Dial(dst)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer unix.Close(dfd)

	// Non-blocking accept may need a moment for the SYN to land.
	var afd int
	deadline := time.Now().Add(2 * time.Second)
	for {
		afd, _, err = Accept(lfd)
		if err == nil {
			break
		}
		if err != unix.EAGAIN || time.Now().After(deadline) {
			t.Fatalf("Accept() error = %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer unix.Close(afd)

	if err := ConnectError(dfd); err != nil {
		t.Fatalf("ConnectError() on a completed connect = %v", err)
	}
}

func TestAcceptHardensAcceptedSocket(t *testing.T) {
	lfd, err := Listen(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer unix.Close(lfd)

	sa, _ := unix.Getsockname(lfd)
	sa4 := sa.(*unix.SockaddrInet4)
	dst := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: sa4.Port}
	dfd, err := Dial(dst)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer unix.Close(dfd)

	deadline := time.Now().Add(2 * time.Second)
	var afd int
	for {
		afd, _, err = Accept(lfd)
		if err == nil {
			break
		}
		if err != unix.EAGAIN || time.Now().After(deadline) {
			t.Fatalf("Accept() error = %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer unix.Close(afd)

	linger, err := unix.GetsockoptLinger(afd, unix.SOL_SOCKET, unix.SO_LINGER)
	if err != nil {
		t.Fatalf("GetsockoptLinger() error = %v", err)
	}
	if linger.Onoff == 0 || linger.Linger != 0 {
		t.Fatalf("accepted socket linger = %+v, want hard-reset (Onoff!=0, Linger=0)", linger)
	}
}
