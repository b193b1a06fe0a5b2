package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/roach88/lamportbank/internal/branch"
	"github.com/roach88/lamportbank/internal/config"
	"github.com/roach88/lamportbank/internal/customer"
	"github.com/roach88/lamportbank/internal/sim"
	"github.com/roach88/lamportbank/internal/store"
	"github.com/roach88/lamportbank/internal/testutil"
)

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Decode the scenario's entities
//  2. Run the simulation on the in-process transport
//  3. Export the run to a fresh in-memory store
//  4. Read trace, balances and outcomes back from the store
//  5. Check expectations and assertions
//
// The returned error covers scenario setup and export failures; failed
// expectations are reported in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	in, err := scenario.loadInput()
	if err != nil {
		return nil, fmt.Errorf("load input: %w", err)
	}

	cfg, err := scenarioConfig(scenario)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in tests
	var opts []sim.Option
	if scenario.RunID != "" {
		opts = append(opts, sim.WithIDGenerator(testutil.NewFixedRunID(scenario.RunID)))
	}
	report, err := sim.Run(ctx, cfg, in, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("run scenario %s: %w", scenario.Name, err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	if _, err := st.WriteRun(ctx, report.StoreRun()); err != nil {
		return nil, err
	}

	result := NewResult()
	result.RunID = report.RunID
	result.Digest = report.Digest
	result.logs = append(append(result.logs, report.Customers...), report.Branches...)

	if result.Trace, err = st.ReadTrace(ctx, report.RunID); err != nil {
		return nil, err
	}
	if result.Balances, err = st.ReadBalances(ctx, report.RunID); err != nil {
		return nil, err
	}
	if result.Outcomes, err = st.ReadOutcomes(ctx, report.RunID); err != nil {
		return nil, err
	}

	for _, msg := range checkExpect(result, scenario.Expect) {
		result.AddError(msg)
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func scenarioConfig(s *Scenario) (config.Config, error) {
	cfg := config.Default()
	cfg.Transport = config.TransportLocal

	policy, err := branch.ParsePolicy(s.Policy)
	if err != nil {
		return config.Config{}, err
	}
	cfg.Policy = policy
	if s.PeerTimeout > 0 {
		cfg.PeerTimeout = s.PeerTimeout
	}
	if len(s.Routing) > 0 {
		cfg.Routing = s.Routing
	}
	cfg.RouteByID = s.RouteByID
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// checkExpect compares balances and outcomes with the expectation.
func checkExpect(result *Result, want Expect) []string {
	var errs []string

	ids := make([]int, 0, len(want.Balances))
	for id := range want.Balances {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		got, ok := result.Balances[id]
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("branch %d: no final balance", id))
		case got != want.Balances[id]:
			errs = append(errs, fmt.Sprintf("branch %d: balance = %d, want %d", id, got, want.Balances[id]))
		}
	}

	for _, exp := range want.Outcomes {
		got, ok := findOutcome(result.Outcomes[exp.Customer], exp.Request)
		if !ok {
			errs = append(errs, fmt.Sprintf("customer %d request %d: no outcome", exp.Customer, exp.Request))
			continue
		}
		prefix := fmt.Sprintf("customer %d request %d", exp.Customer, exp.Request)
		if exp.Success != nil && got.Success != *exp.Success {
			errs = append(errs, fmt.Sprintf("%s: success = %t, want %t (error: %s)", prefix, got.Success, *exp.Success, got.Error))
		}
		if exp.Balance != nil && got.Balance != *exp.Balance {
			errs = append(errs, fmt.Sprintf("%s: balance = %d, want %d", prefix, got.Balance, *exp.Balance))
		}
		if exp.Error != "" && !strings.Contains(got.Error, exp.Error) {
			errs = append(errs, fmt.Sprintf("%s: error %q does not contain %q", prefix, got.Error, exp.Error))
		}
	}
	return errs
}

func findOutcome(outcomes []customer.Outcome, request int64) (customer.Outcome, bool) {
	for _, o := range outcomes {
		if o.CustomerRequestID == request {
			return o, true
		}
	}
	return customer.Outcome{}, false
}
