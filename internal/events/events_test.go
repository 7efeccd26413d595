package events

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerEmitContainsSymbolAndEndpoint(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf)
	l.Emit(Event{
		Symbol:   SymSameBack,
		Handle:   7,
		State:    "SAME_BACK",
		Endpoint: "10.0.0.5:8080",
		Message:  "plain proxy confirmed",
	})
	out := buf.String()
	if !strings.Contains(out, string(SymSameBack)) {
		t.Fatalf("log line %q missing symbol %q", out, SymSameBack)
	}
	if !strings.Contains(out, "10.0.0.5:8080") {
		t.Fatalf("log line %q missing endpoint", out)
	}
	if !strings.Contains(out, "fd=7") {
		t.Fatalf("log line %q missing handle id", out)
	}
}

func TestAllTenSymbolsDistinct(t *testing.T) {
	all := []Symbol{SymAttempt, SymEstablished, SymSent, SymReceived, SymSameBack, SymDiffBack, SymIngress, SymEgress, SymFailure, SymIngestDrain}
	seen := make(map[Symbol]bool, len(all))
	for _, s := range all {
		if seen[s] {
			t.Fatalf("duplicate symbol %q", s)
		}
		seen[s] = true
	}
	if len(seen) != 10 {
		t.Fatalf("got %d distinct symbols, want 10", len(seen))
	}
}
