package branch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/lamportbank/internal/clock"
	"github.com/roach88/lamportbank/internal/eventlog"
)

// initialClock is the value a replica's clock holds before its first event.
const initialClock = 1

// Options configures a Replica.
type Options struct {
	// Policy selects the consistency policy. Defaults to PolicySerialized.
	Policy Policy

	// PeerTimeout bounds each propagation call. Zero means no bound.
	PeerTimeout time.Duration

	// Logger receives replica diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Replica is one branch's copy of the shared balance.
//
// Thread-safety: all methods are safe for concurrent use. mu guards balance,
// held, clock and log for short critical sections; opMu additionally
// serializes customer-facing mutations under PolicySerialized.
type Replica struct {
	id          int
	registry    *Registry
	dialer      Dialer
	policy      Policy
	peerTimeout time.Duration
	logger      *slog.Logger

	opMu sync.Mutex

	mu      sync.Mutex
	balance int64
	held    int64 // amount reserved by in-flight withdraws (PolicySerialized only)
	clock   *clock.Lamport
	log     *eventlog.Log
}

// New creates a replica with its initial balance.
// The registry must contain id; every other member is treated as a peer.
func New(id int, balance int64, registry *Registry, dialer Dialer, opts Options) *Replica {
	policy := opts.Policy
	if policy == "" {
		policy = PolicySerialized
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Replica{
		id:          id,
		registry:    registry,
		dialer:      dialer,
		policy:      policy,
		peerTimeout: opts.PeerTimeout,
		logger:      logger.With("branch", id),
		balance:     balance,
		clock:       clock.NewAt(initialClock),
		log:         eventlog.New(),
	}
}

// ID returns the branch id.
func (r *Replica) ID() int {
	return r.id
}

// Balance returns the current committed balance.
func (r *Replica) Balance() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balance
}

// Clock returns the current logical clock value.
func (r *Replica) Clock() int64 {
	return r.clock.Current()
}

// Events returns a copy of the replica's event log.
func (r *Replica) Events() []eventlog.Event {
	return r.log.Events()
}

// Query returns the balance. It is a pure read: no clock change, no event.
func (r *Replica) Query(_ context.Context, req QueryRequest) (Reply, error) {
	balance := r.Balance()
	r.logger.Debug("query", "customer", req.CustomerID, "request", req.CustomerRequestID, "balance", balance)
	return Reply{Balance: balance, Success: true}, nil
}

// Deposit applies amount locally, then propagates it to every peer.
//
// The local increase is never rolled back. If any peer call fails, the
// returned Reply carries the current balance with Success=false and the error
// is a *PeerError. Returns ErrBalanceOverflow (wrapped) without mutating or
// propagating if the balance cannot hold amount.
func (r *Replica) Deposit(ctx context.Context, req TxnRequest) (Reply, error) {
	if req.Amount < 0 {
		return Reply{Balance: r.Balance()}, fmt.Errorf("deposit %d: %w", req.Amount, ErrInvalidAmount)
	}
	if r.policy == PolicySerialized {
		r.opMu.Lock()
		defer r.opMu.Unlock()
	}

	r.mu.Lock()
	if err := r.receiveLocked(req.Clock, req.CustomerRequestID, eventlog.Deposit,
		eventlog.Received(eventlog.FromCustomer, req.CustomerID)); err != nil {
		r.mu.Unlock()
		return Reply{}, err
	}
	if !fits(r.balance, req.Amount) {
		balance := r.balance
		r.mu.Unlock()
		r.logger.Info("deposit rejected", "request", req.CustomerRequestID, "amount", req.Amount, "balance", balance)
		return Reply{Balance: balance, Success: false}, balanceOverflow(r.id, req.Amount, balance)
	}
	r.balance += req.Amount
	prop, peers, err := r.beginFanOutLocked(req.CustomerRequestID, req.Amount, eventlog.PropagateDeposit)
	r.mu.Unlock()
	if err != nil {
		return Reply{}, err
	}

	err = r.fanOut(ctx, peers, prop, eventlog.PropagateDeposit)
	balance := r.Balance()
	if err != nil {
		r.logger.Warn("deposit propagation failed", "request", req.CustomerRequestID, "error", err)
		return Reply{Balance: balance, Success: false}, err
	}

	r.logger.Debug("deposit committed", "request", req.CustomerRequestID, "amount", req.Amount, "balance", balance)
	return Reply{Balance: balance, Success: true}, nil
}

// Withdraw checks funds, propagates to every peer, and only then decrements
// the local balance.
//
// Returns ErrInsufficientFunds (wrapped) without mutating or propagating if
// the local balance cannot cover amount. If propagation fails the local
// balance is untouched; peers that already accepted keep their decrement.
func (r *Replica) Withdraw(ctx context.Context, req TxnRequest) (Reply, error) {
	if req.Amount < 0 {
		return Reply{Balance: r.Balance()}, fmt.Errorf("withdraw %d: %w", req.Amount, ErrInvalidAmount)
	}
	if r.policy == PolicySerialized {
		r.opMu.Lock()
		defer r.opMu.Unlock()
	}

	r.mu.Lock()
	if err := r.receiveLocked(req.Clock, req.CustomerRequestID, eventlog.Withdraw,
		eventlog.Received(eventlog.FromCustomer, req.CustomerID)); err != nil {
		r.mu.Unlock()
		return Reply{}, err
	}
	if available := r.balance - r.held; available-req.Amount < 0 {
		balance := r.balance
		r.mu.Unlock()
		r.logger.Info("withdraw rejected", "request", req.CustomerRequestID, "amount", req.Amount, "balance", balance)
		return Reply{Balance: balance, Success: false}, insufficientFunds(r.id, req.Amount, available)
	}
	if r.policy == PolicySerialized {
		r.held += req.Amount
	}
	prop, peers, err := r.beginFanOutLocked(req.CustomerRequestID, req.Amount, eventlog.PropagateWithdraw)
	r.mu.Unlock()
	if err != nil {
		r.release(req.Amount)
		return Reply{}, err
	}

	err = r.fanOut(ctx, peers, prop, eventlog.PropagateWithdraw)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.policy == PolicySerialized {
		r.held -= req.Amount
	}
	if err != nil {
		r.logger.Warn("withdraw propagation failed", "request", req.CustomerRequestID, "error", err)
		return Reply{Balance: r.balance, Success: false}, err
	}
	r.balance -= req.Amount

	r.logger.Debug("withdraw committed", "request", req.CustomerRequestID, "amount", req.Amount, "balance", r.balance)
	return Reply{Balance: r.balance, Success: true}, nil
}

// PropagateDeposit applies a deposit replicated from another branch.
// It acknowledges unless the balance cannot hold the amount.
func (r *Replica) PropagateDeposit(_ context.Context, req PropagateRequest) (Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.receiveLocked(req.Clock, req.CustomerRequestID, eventlog.PropagateDeposit,
		eventlog.Received(eventlog.FromBranch, req.BranchID)); err != nil {
		return Ack{}, err
	}
	if req.Amount < 0 {
		return Ack{Success: false}, fmt.Errorf("propagated deposit %d: %w", req.Amount, ErrInvalidAmount)
	}
	if !fits(r.balance, req.Amount) {
		r.logger.Info("propagated deposit rejected", "from", req.BranchID, "request", req.CustomerRequestID, "amount", req.Amount)
		return Ack{Success: false}, balanceOverflow(r.id, req.Amount, r.balance)
	}
	r.balance += req.Amount
	return Ack{Success: true}, nil
}

// PropagateWithdraw applies a withdraw replicated from another branch.
// Rejects with ErrInsufficientFunds, without mutation, if the funds not held
// by local in-flight withdraws cannot cover amount.
func (r *Replica) PropagateWithdraw(_ context.Context, req PropagateRequest) (Ack, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.receiveLocked(req.Clock, req.CustomerRequestID, eventlog.PropagateWithdraw,
		eventlog.Received(eventlog.FromBranch, req.BranchID)); err != nil {
		return Ack{}, err
	}
	if available := r.balance - r.held; available-req.Amount < 0 {
		r.logger.Info("propagated withdraw rejected", "from", req.BranchID, "request", req.CustomerRequestID, "amount", req.Amount)
		return Ack{Success: false}, insufficientFunds(r.id, req.Amount, available)
	}
	r.balance -= req.Amount
	return Ack{Success: true}, nil
}

// receiveLocked applies the Lamport receive rule and records the event.
// Caller must hold r.mu.
func (r *Replica) receiveLocked(remote, requestID int64, iface eventlog.Interface, comment string) error {
	now := r.clock.Witness(remote)
	if err := r.log.Append(eventlog.Event{
		CustomerRequestID: requestID,
		LogicalClock:      now,
		Interface:         iface,
		Comment:           comment,
	}); err != nil {
		return fmt.Errorf("branch %d: %w", r.id, err)
	}
	return nil
}

// beginFanOutLocked ticks the clock once for the whole fan-out and records a
// single sent-event naming every peer. Returns no peers, and records nothing,
// when the replica is alone. Caller must hold r.mu.
func (r *Replica) beginFanOutLocked(requestID, amount int64, iface eventlog.Interface) (PropagateRequest, []Member, error) {
	peers := r.registry.Peers(r.id)
	if len(peers) == 0 {
		return PropagateRequest{}, nil, nil
	}

	ids := make([]int, len(peers))
	for i, m := range peers {
		ids[i] = m.ID
	}
	now := r.clock.Tick()
	if err := r.log.Append(eventlog.Event{
		CustomerRequestID: requestID,
		LogicalClock:      now,
		Interface:         iface,
		Comment:           eventlog.SentToBranches(ids),
	}); err != nil {
		return PropagateRequest{}, nil, fmt.Errorf("branch %d: %w", r.id, err)
	}

	return PropagateRequest{
		BranchID:          r.id,
		Amount:            amount,
		Clock:             now,
		CustomerRequestID: requestID,
	}, peers, nil
}

// fanOut calls every peer concurrently with the same request and waits for
// all of them. Returns the first observed failure as a *PeerError, or nil.
//
// Dispatched calls outlive the caller: cancelling ctx does not cancel them,
// only the peer timeout bounds each one.
func (r *Replica) fanOut(ctx context.Context, peers []Member, req PropagateRequest, iface eventlog.Interface) error {
	if len(peers) == 0 {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	errs := make(chan error, len(peers))
	for _, m := range peers {
		wg.Add(1)
		go func(m Member) {
			defer wg.Done()

			callCtx, cancel := ctx, context.CancelFunc(func() {})
			if r.peerTimeout > 0 {
				callCtx, cancel = context.WithTimeout(ctx, r.peerTimeout)
			}
			defer cancel()

			err := r.propagate(callCtx, m, req, iface)
			if err != nil {
				r.logger.Debug("propagation failed", "peer", m.ID, "request", req.CustomerRequestID, "error", err)
				errs <- &PeerError{BranchID: m.ID, Interface: iface, Err: err}
			}
		}(m)
	}
	wg.Wait()
	close(errs)

	// Receiving from the closed, drained channel yields nil.
	return <-errs
}

func (r *Replica) propagate(ctx context.Context, m Member, req PropagateRequest, iface eventlog.Interface) error {
	peer := r.dialer.Dial(m)

	var (
		ack Ack
		err error
	)
	switch iface {
	case eventlog.PropagateDeposit:
		ack, err = peer.PropagateDeposit(ctx, req)
	case eventlog.PropagateWithdraw:
		ack, err = peer.PropagateWithdraw(ctx, req)
	default:
		return fmt.Errorf("not a propagation interface: %s", iface)
	}
	if err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("peer %d did not acknowledge", m.ID)
	}
	return nil
}

func (r *Replica) release(amount int64) {
	if r.policy != PolicySerialized {
		return
	}
	r.mu.Lock()
	r.held -= amount
	r.mu.Unlock()
}
