package eventlog

import (
	"errors"
	"fmt"
	"sync"
)

// ErrClockRegression is returned when an append would not advance the log's clock.
var ErrClockRegression = errors.New("event clock does not advance the log")

// Log is an append-only, ordered sequence of events for one actor.
//
// Entries are immutable once appended. Append enforces that logical clocks
// strictly increase, so a log can never record two steps at the same time.
//
// Thread-safety: Log is safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	events []Event
}

// New creates an empty log.
func New() *Log {
	return &Log{events: make([]Event, 0, 16)}
}

// Append records e at the end of the log.
func (l *Log) Append(e Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.events); n > 0 && e.LogicalClock <= l.events[n-1].LogicalClock {
		return fmt.Errorf("append %s at clock %d after %d: %w",
			e.Interface, e.LogicalClock, l.events[n-1].LogicalClock, ErrClockRegression)
	}
	l.events = append(l.events, e)
	return nil
}

// Events returns a copy of the recorded events in append order.
// Returns an empty slice (not nil) for an empty log.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of recorded events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Last returns the most recent event, if any.
func (l *Log) Last() (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}
