// Package ingest reads newline-delimited ip:port records from a named
// pipe and feeds them to the staging queue. It owns the pipe's
// lifecycle, including creating it if absent and reopening it at the
// same path on hangup (all writers closed); callers must re-register the
// fd with their readiness primitive after a Reopen, since the reopened
// descriptor is a new open file whose number is not guaranteed to match
// the old one. It operates on the raw fd via syscall.Read
// rather than os.File, the same way the reactor's sockets bypass
// net.Conn — wrapping it in os.File would hand the fd to Go's runtime
// netpoller too, which would then race the reactor's own epoll set over
// the same descriptor.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/slitscan/slitscan/internal/endpoint"
)

// Pipe owns the ingest FIFO's fd and the partial-line buffer across
// reads, matching spec.md §4.1's "readers must tolerate partial lines."
type Pipe struct {
	path string
	fd   int
	buf  []byte
}

// Open creates the FIFO (and its parent directory) if it doesn't exist,
// then opens it non-blocking for reading. The harvester directory
// convention — a parent directory holding the fifo plus, by convention,
// any sibling bookkeeping files a harvester wants to drop there — is
// recreated here the same way the original does, even though nothing in
// this module reads those sibling files.
func Open(path string) (*Pipe, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ingest: create harvest dir: %w", err)
		}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := syscall.Mkfifo(path, 0o644); err != nil {
			return nil, fmt.Errorf("ingest: mkfifo: %w", err)
		}
	}
	fd, err := openNonblock(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open fifo: %w", err)
	}
	return &Pipe{path: path, fd: fd}, nil
}

// openNonblock opens path for non-blocking reading. A FIFO opened
// O_RDONLY normally blocks until a writer appears; O_NONBLOCK makes the
// open itself return immediately, which is what lets this fd sit in the
// same readiness set as everything else.
func openNonblock(path string) (int, error) {
	return syscall.Open(path, syscall.O_RDONLY|syscall.O_NONBLOCK, 0)
}

// FD returns the underlying file descriptor, for epoll registration.
func (p *Pipe) FD() int {
	return p.fd
}

// Path returns the filesystem path the FIFO was opened at.
func (p *Pipe) Path() string {
	return p.path
}

// Reopen closes and reopens the pipe at the same path. Called on
// hangup (all writers closed) so the pipe keeps accepting new
// harvester processes without the engine having to restart.
func (p *Pipe) Reopen() error {
	syscall.Close(p.fd)
	fd, err := openNonblock(p.path)
	if err != nil {
		return err
	}
	p.fd = fd
	p.buf = nil
	return nil
}

// Close releases the underlying fd.
func (p *Pipe) Close() error {
	return syscall.Close(p.fd)
}

// Drain reads whatever is currently available and pushes every
// complete, valid line into q. It returns the number of lines accepted
// into q, the total number of lines seen, and whether the pipe hung up
// (all writers closed, signaled by a zero-length read) and needs
// Reopen. EAGAIN on a non-blocking fd with nothing pending is normal
// and not an error.
func (p *Pipe) Drain(q *endpoint.Queue) (accepted, seen int, hangup bool, err error) {
	chunk := make([]byte, 4096)
	for {
		n, rerr := syscall.Read(p.fd, chunk)
		if n > 0 {
			p.buf = append(p.buf, chunk[:n]...)
			continue
		}
		if n == 0 && rerr == nil {
			hangup = true
			break
		}
		if rerr == syscall.EAGAIN {
			break
		}
		if rerr != nil {
			return 0, 0, false, fmt.Errorf("ingest: read: %w", rerr)
		}
		break
	}
	for {
		i := indexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		line := string(p.buf[:i])
		p.buf = p.buf[i+1:]
		seen++
		if ep, ok := endpoint.Parse(line); ok {
			if q.Push(ep) {
				accepted++
			}
		}
	}
	return accepted, seen, hangup, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
