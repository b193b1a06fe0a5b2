package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/lamportbank/internal/trace"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string        // Assertion type for categorization
	Expected string        // Human-readable expected outcome
	Actual   string        // Human-readable actual outcome
	Trace    []trace.Entry // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, entry := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, formatEntry(entry))
		}
	}
	return buf.String()
}

func formatEntry(e trace.Entry) string {
	return fmt.Sprintf("req=%d clock=%d %s %d %s %q",
		e.CustomerRequestID, e.LogicalClock, e.Type, e.ID, e.Interface, e.Comment)
}

// String renders the non-zero fields of a pattern.
func (m Match) String() string {
	var parts []string
	if m.Type != "" {
		parts = append(parts, "type="+m.Type)
	}
	if m.ID != 0 {
		parts = append(parts, fmt.Sprintf("id=%d", m.ID))
	}
	if m.Request != nil {
		parts = append(parts, fmt.Sprintf("request=%d", *m.Request))
	}
	if m.Clock != 0 {
		parts = append(parts, fmt.Sprintf("clock=%d", m.Clock))
	}
	if m.Interface != "" {
		parts = append(parts, "interface="+m.Interface)
	}
	if m.Comment != "" {
		parts = append(parts, fmt.Sprintf("comment=%q", m.Comment))
	}
	if len(parts) == 0 {
		return "{any}"
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// matches reports whether e satisfies every non-zero field of m.
func (m Match) matches(e trace.Entry) bool {
	switch {
	case m.Type != "" && string(e.Type) != m.Type:
		return false
	case m.ID != 0 && e.ID != m.ID:
		return false
	case m.Request != nil && e.CustomerRequestID != *m.Request:
		return false
	case m.Clock != 0 && e.LogicalClock != m.Clock:
		return false
	case m.Interface != "" && string(e.Interface) != m.Interface:
		return false
	case m.Comment != "" && e.Comment != m.Comment:
		return false
	}
	return true
}

// EvaluateAssertions runs every assertion against result and returns the
// failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertClockOrder:
			err = assertClockOrder(result.logs)
		default:
			err = fmt.Errorf("unknown assertion type: %s", a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func assertTraceContains(tr []trace.Entry, a Assertion) error {
	for _, e := range tr {
		if a.Match.matches(e) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("entry matching %s", a.Match),
		Actual:   "not found in trace",
		Trace:    tr,
	}
}

// assertTraceOrder checks that each pattern matches an entry after the entry
// matched by the previous pattern. Entries in between are allowed.
func assertTraceOrder(tr []trace.Entry, a Assertion) error {
	next := 0
	for i, m := range a.Order {
		found := false
		for next < len(tr) {
			e := tr[next]
			next++
			if m.matches(e) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("patterns in order: %v", a.Order),
				Actual:   fmt.Sprintf("no entry matching %s after pattern %d", m, i),
				Trace:    tr,
			}
		}
	}
	return nil
}

func assertTraceCount(tr []trace.Entry, a Assertion) error {
	count := 0
	for _, e := range tr {
		if a.Match.matches(e) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d entries matching %s", a.Count, a.Match),
			Actual:   fmt.Sprintf("%d entries", count),
			Trace:    tr,
		}
	}
	return nil
}

// assertClockOrder checks that every actor's clock strictly increases along
// its own log.
func assertClockOrder(logs []trace.ActorLog) error {
	for _, l := range logs {
		for i := 1; i < len(l.Events); i++ {
			prev, cur := l.Events[i-1].LogicalClock, l.Events[i].LogicalClock
			if cur <= prev {
				return &AssertionError{
					Type:     AssertClockOrder,
					Expected: fmt.Sprintf("%s %d clocks strictly increasing", l.Type, l.ID),
					Actual:   fmt.Sprintf("event %d has clock %d after %d", i, cur, prev),
				}
			}
		}
	}
	return nil
}
