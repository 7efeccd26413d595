package reactor

import (
	"sync"

	"github.com/slitscan/slitscan/internal/events"
)

// recordingSink collects every emitted event for assertions. Safe for
// the single-goroutine Run loop plus a test goroutine reading after
// Run returns or has been given time to settle.
type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) snapshot() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *recordingSink) hasSymbol(sym events.Symbol) bool {
	for _, e := range s.snapshot() {
		if e.Symbol == sym {
			return true
		}
	}
	return false
}

func (s *recordingSink) countSymbol(sym events.Symbol) int {
	n := 0
	for _, e := range s.snapshot() {
		if e.Symbol == sym {
			n++
		}
	}
	return n
}
