package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lamportbank/internal/input"
)

// Scenario defines one bank run and what it must produce.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policy is the replica consistency policy. Empty selects serialized.
	Policy string `yaml:"policy,omitempty"`

	// PeerTimeout bounds each propagation call. Zero keeps the default.
	PeerTimeout time.Duration `yaml:"peer_timeout,omitempty"`

	// Routing maps customer id to branch id.
	Routing map[int]int `yaml:"routing,omitempty"`

	// RouteByID binds an unrouted customer to the branch with its own id.
	RouteByID bool `yaml:"route_by_id,omitempty"`

	// RunID pins the run id. Empty generates a UUIDv7.
	RunID string `yaml:"run_id,omitempty"`

	// Input is the path of an input file, relative to the scenario file.
	Input string `yaml:"input,omitempty"`

	// Entities is an inline entity list in the input file format.
	Entities yaml.Node `yaml:"entities,omitempty"`

	// Expect lists final balances and customer outcomes.
	Expect Expect `yaml:"expect"`

	// Assertions validate the merged trace.
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// Golden compares the trace against testdata/golden/{name}.golden.
	Golden bool `yaml:"golden,omitempty"`

	// baseDir resolves Input.
	baseDir string
}

// Expect holds the expected end state of a run.
type Expect struct {
	// Balances maps branch id to expected final balance.
	Balances map[int]int64 `yaml:"balances,omitempty"`

	// Outcomes are checked by (customer, request); unlisted requests are
	// not checked.
	Outcomes []ExpectOutcome `yaml:"outcomes,omitempty"`
}

// ExpectOutcome is the expected outcome of one customer request.
// Nil fields are not checked.
type ExpectOutcome struct {
	Customer int    `yaml:"customer"`
	Request  int64  `yaml:"request"`
	Success  *bool  `yaml:"success,omitempty"`
	Balance  *int64 `yaml:"balance,omitempty"`

	// Error must be a substring of the recorded error.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the trace.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Match selects entries (trace_contains, trace_count).
	Match *Match `yaml:"match,omitempty"`

	// Count is the expected number of matches (trace_count).
	Count int `yaml:"count,omitempty"`

	// Order lists patterns that must match in trace order (trace_order).
	Order []Match `yaml:"order,omitempty"`
}

// Match is a trace entry pattern. Zero fields match anything.
type Match struct {
	Type      string `yaml:"type,omitempty"`
	ID        int    `yaml:"id,omitempty"`
	Request   *int64 `yaml:"request,omitempty"`
	Clock     int64  `yaml:"clock,omitempty"`
	Interface string `yaml:"interface,omitempty"`
	Comment   string `yaml:"comment,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertClockOrder    = "clock_order"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// ParseScenario parses scenario YAML. baseDir resolves a relative input path.
func ParseScenario(data []byte, baseDir string) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	s.baseDir = baseDir

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// LoadDir loads every *.yaml and *.yml scenario in dir, ordered by file name.
func LoadDir(dir string) ([]*Scenario, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files found in %s", dir)
	}
	sort.Strings(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// loadInput decodes the scenario's entities or input file.
func (s *Scenario) loadInput() (*input.Input, error) {
	if s.Input != "" {
		path := s.Input
		if !filepath.IsAbs(path) && s.baseDir != "" {
			path = filepath.Join(s.baseDir, path)
		}
		return input.Load(path)
	}

	data, err := yaml.Marshal(&s.Entities)
	if err != nil {
		return nil, fmt.Errorf("encode entities: %w", err)
	}
	return input.Parse(data)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	hasEntities := s.Entities.Kind != 0
	switch {
	case s.Input == "" && !hasEntities:
		return fmt.Errorf("one of input or entities is required")
	case s.Input != "" && hasEntities:
		return fmt.Errorf("input and entities are mutually exclusive")
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertion %d: %w", i, err)
		}
	}
	for i, o := range s.Expect.Outcomes {
		if o.Customer <= 0 {
			return fmt.Errorf("expected outcome %d: customer is required", i)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Match == nil {
			return fmt.Errorf("%s requires match", a.Type)
		}
	case AssertTraceCount:
		if a.Match == nil {
			return fmt.Errorf("%s requires match", a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("%s count must not be negative", a.Type)
		}
	case AssertTraceOrder:
		if len(a.Order) < 2 {
			return fmt.Errorf("%s requires at least two patterns", a.Type)
		}
	case AssertClockOrder:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
