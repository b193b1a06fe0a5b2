package harness

import (
	"github.com/roach88/lamportbank/internal/customer"
	"github.com/roach88/lamportbank/internal/trace"
)

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	Pass bool `json:"pass"`

	// RunID identifies the simulated run.
	RunID string `json:"run_id"`

	// Trace is the merged causal trace read back from the store.
	Trace []trace.Entry `json:"trace"`

	// Digest is the canonical hash of Trace.
	Digest string `json:"digest"`

	// Balances maps branch id to final balance.
	Balances map[int]int64 `json:"balances"`

	// Outcomes maps customer id to its outcomes in request order.
	Outcomes map[int][]customer.Outcome `json:"outcomes"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// logs are the per-actor logs, customers then branches.
	logs []trace.ActorLog
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []trace.Entry{},
		Balances: make(map[int]int64),
		Outcomes: make(map[int][]customer.Outcome),
		Errors:   []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
