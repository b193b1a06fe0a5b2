// Package customer implements the customer agent that drives one branch.
package customer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/lamportbank/internal/branch"
	"github.com/roach88/lamportbank/internal/clock"
	"github.com/roach88/lamportbank/internal/eventlog"
)

// ErrUnknownInterface marks a request whose interface is not on the
// customer RPC surface. Such requests are logged and skipped.
var ErrUnknownInterface = errors.New("unknown interface")

// Request is one pending customer request.
type Request struct {
	Interface         eventlog.Interface
	Amount            int64
	CustomerRequestID int64
	BranchID          int
}

// Outcome is the recorded result of one request.
type Outcome struct {
	CustomerRequestID int64              `json:"customer-request-id"`
	Interface         eventlog.Interface `json:"interface"`
	BranchID          int                `json:"branch"`
	Balance           int64              `json:"balance"`
	Success           bool               `json:"success"`
	Error             string             `json:"error,omitempty"`
}

// Options configures an Agent.
type Options struct {
	// RequestTimeout bounds each call to the branch. Zero means no bound.
	RequestTimeout time.Duration

	// Logger receives agent diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Agent executes its request list strictly sequentially against one branch.
//
// An agent has its own Lamport clock and event log. It is run once; after
// Run returns it is inert and only its records are read.
type Agent struct {
	id       int
	branchID int
	teller   branch.Teller
	requests []Request
	timeout  time.Duration
	logger   *slog.Logger

	clock *clock.Lamport
	log   *eventlog.Log

	mu       sync.Mutex
	balance  int64
	outcomes []Outcome
}

// New creates an agent bound to the branch served by teller.
func New(id, branchID int, teller branch.Teller, requests []Request, opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reqs := make([]Request, len(requests))
	copy(reqs, requests)

	return &Agent{
		id:       id,
		branchID: branchID,
		teller:   teller,
		requests: reqs,
		timeout:  opts.RequestTimeout,
		logger:   logger.With("customer", id, "branch", branchID),
		clock:    clock.New(),
		log:      eventlog.New(),
	}
}

// ID returns the customer id.
func (a *Agent) ID() int {
	return a.id
}

// BranchID returns the id of the bound branch.
func (a *Agent) BranchID() int {
	return a.branchID
}

// Clock returns the agent's current logical clock.
func (a *Agent) Clock() int64 {
	return a.clock.Current()
}

// Events returns a copy of the agent's event log.
func (a *Agent) Events() []eventlog.Event {
	return a.log.Events()
}

// Balance returns the agent's cached view of the branch balance.
func (a *Agent) Balance() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// Outcomes returns the recorded result of every request, in order.
func (a *Agent) Outcomes() []Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Outcome, len(a.outcomes))
	copy(out, a.outcomes)
	return out
}

// Run executes every request in order.
//
// Failed requests (insufficient funds, peer failure, timeout) are recorded and
// the sequence continues. Run only returns early, with ctx.Err(), when ctx is
// cancelled.
func (a *Agent) Run(ctx context.Context) error {
	for _, req := range a.requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.execute(ctx, req)
	}
	return nil
}

func (a *Agent) execute(ctx context.Context, req Request) {
	outcome := Outcome{
		CustomerRequestID: req.CustomerRequestID,
		Interface:         req.Interface,
		BranchID:          a.branchID,
	}

	switch req.Interface {
	case eventlog.Deposit, eventlog.Withdraw, eventlog.Query:
	default:
		// Nothing is sent, so the clock does not move and no event is recorded.
		a.logger.Error("unknown interface, skipping", "request", req.CustomerRequestID, "interface", req.Interface)
		outcome.Error = fmt.Sprintf("%s: %q", ErrUnknownInterface, req.Interface)
		a.addOutcome(outcome, nil)
		return
	}

	now := a.clock.Tick()
	if err := a.log.Append(eventlog.Event{
		CustomerRequestID: req.CustomerRequestID,
		LogicalClock:      now,
		Interface:         req.Interface,
		Comment:           eventlog.SentFromCustomer(a.id),
	}); err != nil {
		outcome.Error = err.Error()
		a.addOutcome(outcome, nil)
		return
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if a.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, a.timeout)
	}
	defer cancel()

	reply, err := a.dispatch(callCtx, req, now)
	outcome.Balance = reply.Balance
	outcome.Success = err == nil && reply.Success
	if err != nil {
		outcome.Error = err.Error()
		a.logger.Warn("request failed", "request", req.CustomerRequestID, "interface", req.Interface, "error", err)
		a.addOutcome(outcome, nil)
		return
	}

	if req.Interface == eventlog.Query {
		a.logger.Info("queried balance", "request", req.CustomerRequestID, "balance", reply.Balance)
		a.addOutcome(outcome, nil)
		return
	}
	a.addOutcome(outcome, &reply.Balance)
}

func (a *Agent) dispatch(ctx context.Context, req Request, now int64) (branch.Reply, error) {
	switch req.Interface {
	case eventlog.Deposit:
		return a.teller.Deposit(ctx, branch.TxnRequest{
			CustomerID:        a.id,
			CustomerRequestID: req.CustomerRequestID,
			Amount:            req.Amount,
			Clock:             now,
		})
	case eventlog.Withdraw:
		return a.teller.Withdraw(ctx, branch.TxnRequest{
			CustomerID:        a.id,
			CustomerRequestID: req.CustomerRequestID,
			Amount:            req.Amount,
			Clock:             now,
		})
	default:
		return a.teller.Query(ctx, branch.QueryRequest{
			CustomerID:        a.id,
			CustomerRequestID: req.CustomerRequestID,
		})
	}
}

// addOutcome records o and, if balance is non-nil, refreshes the cached view.
func (a *Agent) addOutcome(o Outcome, balance *int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, o)
	if balance != nil {
		a.balance = *balance
	}
}
