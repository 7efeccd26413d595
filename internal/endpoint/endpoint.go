// Package endpoint holds the candidate (IP, port) pair the rest of the
// engine dials, and the order-preserving dedup queue that feeds the
// probe factory.
package endpoint

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// lineRE matches the wire format the ingest pipe accepts: dotted-quad
// IPv4 followed by a colon and a decimal port.
var lineRE = regexp.MustCompile(`^[0-9]{1,3}(\.[0-9]{1,3}){3}:[0-9]{1,5}$`)

// Endpoint is an immutable (IPv4, port) pair.
type Endpoint struct {
	IP   net.IP
	Port int
}

// String renders the endpoint in ip:port form.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP.String(), e.Port)
}

// Equal reports whether two endpoints have the same IP and port.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.IP.Equal(other.IP) && e.Port == other.Port
}

// Parse validates a raw line against the ingest wire format and returns
// the parsed Endpoint. Lines that don't match the regex, or whose port
// is out of the [1, 65535] range, are rejected.
func Parse(line string) (Endpoint, bool) {
	line = strings.TrimSpace(line)
	if !lineRE.MatchString(line) {
		return Endpoint{}, false
	}
	idx := strings.LastIndexByte(line, ':')
	ipPart, portPart := line[:idx], line[idx+1:]
	ip := net.ParseIP(ipPart)
	if ip == nil || ip.To4() == nil {
		return Endpoint{}, false
	}
	port, err := strconv.Atoi(portPart)
	if err != nil || port < 1 || port > 65535 {
		return Endpoint{}, false
	}
	return Endpoint{IP: ip.To4(), Port: port}, true
}

// key is the map key an Endpoint collapses to for dedup purposes: the
// dotted-quad IP contains no colon, so joining it to the port with one is
// unambiguous, and a plain string concat avoids an extra map type for
// net.IP.
func (e Endpoint) key() string {
	return e.IP.String() + ":" + strconv.Itoa(e.Port)
}

// Queue is an insertion-ordered, deduplicating set of pending endpoints.
// It is not safe for concurrent use; the reactor owns it from its single
// goroutine, matching the rest of the engine's no-shared-mutable-state
// design.
type Queue struct {
	order []Endpoint
	seen  map[string]struct{}
}

// NewQueue returns an empty staging queue.
func NewQueue() *Queue {
	return &Queue{seen: make(map[string]struct{})}
}

// Push inserts e if it is not already pending. Returns true if it was
// added, false if it was a duplicate and therefore dropped.
func (q *Queue) Push(e Endpoint) bool {
	k := e.key()
	if _, ok := q.seen[k]; ok {
		return false
	}
	q.seen[k] = struct{}{}
	q.order = append(q.order, e)
	return true
}

// Peek returns the oldest pending endpoint without removing it. ok is
// false if the queue is empty.
func (q *Queue) Peek() (e Endpoint, ok bool) {
	if len(q.order) == 0 {
		return Endpoint{}, false
	}
	return q.order[0], true
}

// Pop removes and returns the oldest pending endpoint. ok is false if
// the queue is empty.
func (q *Queue) Pop() (e Endpoint, ok bool) {
	if len(q.order) == 0 {
		return Endpoint{}, false
	}
	e = q.order[0]
	q.order = q.order[1:]
	delete(q.seen, e.key())
	return e, true
}

// Len reports the number of pending endpoints.
func (q *Queue) Len() int {
	return len(q.order)
}
