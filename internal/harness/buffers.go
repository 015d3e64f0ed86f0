package harness

import (
	"sync"

	"github.com/danmuck/simctl/internal/protocol"
)

// LogStream tags a captured line with its origin.
type LogStream int

const (
	StreamStdout LogStream = iota
	StreamStderr
	StreamEvent
)

func (s LogStream) String() string {
	switch s {
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	case StreamEvent:
		return "event"
	default:
		return "unknown"
	}
}

// LogLine is a single captured line with its source.
type LogLine struct {
	Stream LogStream
	Line   string
}

// lineBuffer is append-only for the session lifetime; consumers always
// see a full snapshot, never partial mutation.
type lineBuffer struct {
	mu    sync.Mutex
	lines []LogLine
}

func (b *lineBuffer) append(line LogLine) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	b.mu.Unlock()
}

func (b *lineBuffer) snapshot() []LogLine {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogLine, len(b.lines))
	copy(out, b.lines)
	return out
}

type eventBuffer struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (b *eventBuffer) append(event protocol.Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *eventBuffer) snapshot() []protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Event, len(b.events))
	copy(out, b.events)
	return out
}
