// Package eventlog holds the append-only, per-actor record of causally tagged events.
package eventlog

import (
	"fmt"
	"strconv"
	"strings"
)

// Interface names an operation on the customer or peer RPC surface.
type Interface string

const (
	Deposit           Interface = "deposit"
	Withdraw          Interface = "withdraw"
	Query             Interface = "query"
	PropagateDeposit  Interface = "propagate_deposit"
	PropagateWithdraw Interface = "propagate_withdraw"
)

// Valid reports whether i is one of the known interfaces.
func (i Interface) Valid() bool {
	switch i {
	case Deposit, Withdraw, Query, PropagateDeposit, PropagateWithdraw:
		return true
	}
	return false
}

// Event is one send or receive step of an actor.
// The JSON names match the output format consumed by the trace writer.
type Event struct {
	CustomerRequestID int64     `json:"customer-request-id"`
	LogicalClock      int64     `json:"logical_clock"`
	Interface         Interface `json:"interface"`
	Comment           string    `json:"comment"`
}

// Counterpart kinds used in directional comments.
const (
	FromCustomer = "customer"
	FromBranch   = "branch"
)

// Received builds the comment for an inbound message, e.g. "event_recv from branch 2".
func Received(kind string, id int) string {
	return fmt.Sprintf("event_recv from %s %d", kind, id)
}

// SentFromCustomer builds the comment a customer records for its own request.
func SentFromCustomer(id int) string {
	return fmt.Sprintf("event_sent from customer %d", id)
}

// SentToBranches builds the comment for a propagation fan-out.
// A fan-out is one local step, so all peers share one event.
func SentToBranches(ids []int) string {
	if len(ids) == 1 {
		return fmt.Sprintf("event_sent to branch %d", ids[0])
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return "event_sent to branches " + strings.Join(parts, ",")
}
