package harness

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/lamportbank/internal/trace"
)

// ErrNondeterministic is returned by RunWithGolden for a scenario whose trace
// depends on scheduling: more than one customer with requests.
var ErrNondeterministic = errors.New("scenario trace is not deterministic")

// TraceSnapshot captures the trace and end state of a scenario execution.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []trace.Entry
	Balances     map[int]int64
}

// toCanonicalMap converts the snapshot to the value shapes accepted by
// trace.MarshalCanonical.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	entries := make([]any, len(s.Trace))
	for i, e := range s.Trace {
		entries[i] = map[string]any{
			"id":                  e.ID,
			"customer-request-id": e.CustomerRequestID,
			"type":                string(e.Type),
			"logical_clock":       e.LogicalClock,
			"interface":           string(e.Interface),
			"comment":             e.Comment,
		}
	}

	balances := make(map[string]any, len(s.Balances))
	for id, b := range s.Balances {
		balances[strconv.Itoa(id)] = b
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         entries,
		"balances":      balances,
	}
}

// Snapshot returns the golden form of a result: the canonical JSON of its
// TraceSnapshot.
func Snapshot(scenario *Scenario, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: scenario.Name,
		Trace:        result.Trace,
		Balances:     result.Balances,
	}
	return trace.MarshalCanonical(snapshot.toCanonicalMap())
}

// Deterministic reports whether the scenario's trace is independent of
// scheduling: at most one customer issues requests.
func (s *Scenario) Deterministic() (bool, error) {
	in, err := s.loadInput()
	if err != nil {
		return false, err
	}
	active := 0
	for _, c := range in.Customers {
		if len(c.Requests) > 0 {
			active++
		}
	}
	return active <= 1, nil
}

// RunWithGolden executes a scenario, fails t on any expectation error, and
// compares the trace against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	ok, err := scenario.Deterministic()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNondeterministic
	}

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}

	traceJSON, err := Snapshot(scenario, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, traceJSON)
	return nil
}
