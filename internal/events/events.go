// Package events defines the narrow event-sink contract the reactor
// core emits through, and a console/log renderer built the way the
// teacher wires up its output: a single log.Logger over
// io.MultiWriter(stdout, logfile), plus a cheggaaa/pb counter repurposed
// from "percent of a scan" to "reactor occupancy" since this is a
// long-running daemon with no fixed total.
package events

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/cheggaaa/pb/v3"
)

// Symbol is a short tag a downstream tool can grep the log for. The
// full set below matches the original implementation's phase markers,
// not just the handful spec.md calls out by example.
type Symbol string

const (
	SymAttempt      Symbol = "|>" // outbound connect initiated
	SymEstablished  Symbol = "||" // outbound connect completed
	SymSent         Symbol = ">>" // CONNECT or nonce written
	SymReceived     Symbol = "<<" // HTTP status line read
	SymSameBack     Symbol = "><" // connect-back from the probe's own IP
	SymDiffBack     Symbol = "<|" // connect-back from an unrecognized IP
	SymIngress      Symbol = "()" // tunnel discovered, ingress side
	SymEgress       Symbol = ")(" // tunnel discovered, egress side
	SymFailure      Symbol = "--" // error, discord, or timeout
	SymIngestDrain  Symbol = "**" // FIFO drain summary
)

// Event is the structured record the engine emits. Handle is the
// registered-handle id (an fd on this platform); State is the probe's
// state code at the moment of the event; Endpoint and Message are
// free-form.
type Event struct {
	Symbol   Symbol
	Handle   int
	State    string
	Endpoint string
	Message  string
}

// Sink is the narrow contract the reactor core emits through. The core
// never formats, colors, or timestamps; it only builds Events.
type Sink interface {
	Emit(Event)
}

// Logger renders events to an io.Writer (normally
// io.MultiWriter(os.Stdout, logfile)) as single lines carrying a
// monotonic timestamp, the phase symbol, the handle id, the state code,
// the endpoint, and the message — the format spec.md's log sink
// describes, with downstream tools expected to grep on the symbol
// column.
type Logger struct {
	mu  sync.Mutex
	log *log.Logger
}

// NewLogger wraps w in a std-library *log.Logger the way the teacher
// configures its own output: LstdFlags timestamps (plus microseconds),
// no prefix.
func NewLogger(w io.Writer) *Logger {
	return &Logger{log: log.New(w, "", log.LstdFlags|log.Lmicroseconds)}
}

// Emit implements Sink.
func (l *Logger) Emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log.Printf("%s fd=%d state=%-10s %s %s", e.Symbol, e.Handle, e.State, e.Endpoint, e.Message)
}

// Occupancy is a point-in-time snapshot of reactor load, supplemented
// from the original's post-drain "q: %d fds: %d ips: %d tok: %d" status
// line (dropped by the distillation, recovered here since it's exactly
// what an operator watching a long-running daemon wants on their
// terminal).
type Occupancy struct {
	Queued     int
	InFlight   int
	Cap        int
	IPIndex    int
	NonceIndex int
}

// Status is a live, single-line occupancy counter driven by
// cheggaaa/pb/v3 the same way the teacher drives its scan-progress bar —
// just repurposed from a bounded percentage to an unbounded gauge, since
// a daemon has no final total to reach.
type Status struct {
	bar *pb.ProgressBar
}

// NewStatus builds a Status bar writing to w. pb.New(0) is the teacher's
// own idiom for "no fixed total, just show throughput."
func NewStatus(w io.Writer) *Status {
	bar := pb.New(0)
	bar.SetWriter(w)
	bar.SetTemplateString(`{{ "now" }} in-flight {{counters . }} {{string . "detail"}}`)
	bar.Start()
	return &Status{bar: bar}
}

// Update refreshes the live counter with the current occupancy.
func (s *Status) Update(o Occupancy) {
	s.bar.SetTotal(int64(o.Cap))
	s.bar.SetCurrent(int64(o.InFlight))
	s.bar.Set("detail", fmt.Sprintf("queue=%d ip-idx=%d nonce-idx=%d", o.Queued, o.IPIndex, o.NonceIndex))
}

// Finish stops the bar's refresh ticker on shutdown.
func (s *Status) Finish() {
	s.bar.Finish()
}
