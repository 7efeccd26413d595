package reactor

import (
	"time"

	"github.com/slitscan/slitscan/internal/endpoint"
)

// direction distinguishes an outbound dial (ingress side of a potential
// tunnel) from a connection accepted on the listener (the egress side,
// or a plain proxy's own connect-back).
type direction int

const (
	outbound direction = iota
	inbound
)

// probe is a record per in-flight attempt, owning exclusively its
// socket fd. It is mutated only from the reactor's single goroutine, so
// it carries no internal synchronization — matching spec.md §5's "no
// shared mutable state across threads because there is exactly one
// worker."
type probe struct {
	fd       int
	dir      direction
	endpoint endpoint.Endpoint // target for outbound; peer for inbound
	state    State
	httpCode int
	nonce    string
	lastActivity time.Time
	recvBuf  []byte

	// peerOf links the two probes of a discovered tunnel pair to each
	// other (egress DIFF_BACK probe and outbound ingress probe). nil until
	// correlation; a SAME_BACK connect-back never gets a probe record.
	peerOf *probe
}

func (p *probe) touch(now time.Time) {
	p.lastActivity = now
}
