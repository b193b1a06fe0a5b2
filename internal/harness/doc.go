// Package harness runs bank scenarios and checks their outcomes.
//
// A scenario runs one simulation on the in-process transport, exports it to
// an in-memory store, and checks final balances, customer outcomes and the
// merged causal trace read back from the store.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: withdraw_replicates
//	description: "A withdraw at one branch reaches every branch"
//	policy: serialized
//	entities:
//	  - {type: branch, id: 1, balance: 100}
//	  - {type: branch, id: 2, balance: 100}
//	  - type: customer
//	    id: 1
//	    customer-requests:
//	      - {interface: withdraw, money: 30, customer-request-id: 1}
//	expect:
//	  balances: {1: 70, 2: 70}
//	  outcomes:
//	    - {customer: 1, request: 1, success: true, balance: 70}
//	assertions:
//	  - type: trace_contains
//	    match: {type: branch, id: 2, interface: propagate_withdraw}
//	golden: true
//
// Instead of entities a scenario may name an input file with input:, resolved
// relative to the scenario file.
//
// # Assertion Types
//
//   - trace_contains: some trace entry matches
//   - trace_order: entries matching each pattern appear in the given order
//   - trace_count: exactly count entries match
//   - clock_order: every actor's clock strictly increases along its log
//
// # Golden Traces
//
// Scenarios with golden: true and at most one active customer have a
// deterministic trace, compared by RunWithGolden against
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
