package branch

import (
	"context"
	"fmt"
)

// Policy selects how a replica guards its check -> propagate -> commit span.
type Policy string

const (
	// PolicySerialized serializes customer-facing mutations per replica.
	PolicySerialized Policy = "serialized"
	// PolicyUnguarded allows operations to interleave between check and commit.
	PolicyUnguarded Policy = "unguarded"
)

// ParsePolicy converts a configuration string to a Policy.
// The empty string selects PolicySerialized.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicySerialized:
		return PolicySerialized, nil
	case PolicyUnguarded:
		return PolicyUnguarded, nil
	}
	return "", fmt.Errorf("unknown policy %q: must be %q or %q", s, PolicySerialized, PolicyUnguarded)
}

// QueryRequest asks a branch for its balance.
type QueryRequest struct {
	CustomerID        int   `msgpack:"customer_id"`
	CustomerRequestID int64 `msgpack:"customer_request_id"`
}

// TxnRequest is a customer deposit or withdraw.
type TxnRequest struct {
	CustomerID        int   `msgpack:"customer_id"`
	CustomerRequestID int64 `msgpack:"customer_request_id"`
	Amount            int64 `msgpack:"amount"`
	Clock             int64 `msgpack:"clock"`
}

// Reply answers a customer-facing call.
type Reply struct {
	Balance int64 `msgpack:"balance"`
	Success bool  `msgpack:"success"`
}

// PropagateRequest replicates a deposit or withdraw from BranchID to a peer.
type PropagateRequest struct {
	BranchID          int   `msgpack:"branch_id"`
	Amount            int64 `msgpack:"amount"`
	Clock             int64 `msgpack:"clock"`
	CustomerRequestID int64 `msgpack:"customer_request_id"`
}

// Ack answers a peer-facing call.
type Ack struct {
	Success bool `msgpack:"success"`
}

// Teller is the customer-to-branch RPC surface.
type Teller interface {
	Query(ctx context.Context, req QueryRequest) (Reply, error)
	Deposit(ctx context.Context, req TxnRequest) (Reply, error)
	Withdraw(ctx context.Context, req TxnRequest) (Reply, error)
}

// Peer is the branch-to-branch RPC surface.
type Peer interface {
	PropagateDeposit(ctx context.Context, req PropagateRequest) (Ack, error)
	PropagateWithdraw(ctx context.Context, req PropagateRequest) (Ack, error)
}

// Dialer resolves a registry member to a callable Peer.
// Implementations must be safe for concurrent use.
type Dialer interface {
	Dial(m Member) Peer
}
