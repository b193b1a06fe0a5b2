package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/lamportbank/internal/branch"
)

// Network is an in-process transport. Calls go straight to the registered
// service; a branch marked down fails every call with ErrPeerUnavailable.
//
// Thread-safety: Network is safe for concurrent use.
type Network struct {
	mu       sync.RWMutex
	services map[int]Service
	down     map[int]bool
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{
		services: make(map[int]Service),
		down:     make(map[int]bool),
	}
}

// Register attaches svc as branch id.
func (n *Network) Register(id int, svc Service) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.services[id] = svc
}

// SetDown marks branch id unreachable (or reachable again).
func (n *Network) SetDown(id int, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = down
}

// Dial implements branch.Dialer.
func (n *Network) Dial(m branch.Member) branch.Peer {
	return &localEndpoint{n: n, id: m.ID}
}

// Teller returns the customer surface of branch id.
func (n *Network) Teller(id int) branch.Teller {
	return &localEndpoint{n: n, id: id}
}

func (n *Network) lookup(ctx context.Context, id int) (Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()

	svc, ok := n.services[id]
	if !ok || n.down[id] {
		return nil, fmt.Errorf("branch %d: %w", id, ErrPeerUnavailable)
	}
	return svc, nil
}

type localEndpoint struct {
	n  *Network
	id int
}

func (e *localEndpoint) Query(ctx context.Context, req branch.QueryRequest) (branch.Reply, error) {
	svc, err := e.n.lookup(ctx, e.id)
	if err != nil {
		return branch.Reply{}, err
	}
	return svc.Query(ctx, req)
}

func (e *localEndpoint) Deposit(ctx context.Context, req branch.TxnRequest) (branch.Reply, error) {
	svc, err := e.n.lookup(ctx, e.id)
	if err != nil {
		return branch.Reply{}, err
	}
	return svc.Deposit(ctx, req)
}

func (e *localEndpoint) Withdraw(ctx context.Context, req branch.TxnRequest) (branch.Reply, error) {
	svc, err := e.n.lookup(ctx, e.id)
	if err != nil {
		return branch.Reply{}, err
	}
	return svc.Withdraw(ctx, req)
}

func (e *localEndpoint) PropagateDeposit(ctx context.Context, req branch.PropagateRequest) (branch.Ack, error) {
	svc, err := e.n.lookup(ctx, e.id)
	if err != nil {
		return branch.Ack{}, err
	}
	return svc.PropagateDeposit(ctx, req)
}

func (e *localEndpoint) PropagateWithdraw(ctx context.Context, req branch.PropagateRequest) (branch.Ack, error) {
	svc, err := e.n.lookup(ctx, e.id)
	if err != nil {
		return branch.Ack{}, err
	}
	return svc.PropagateWithdraw(ctx, req)
}
