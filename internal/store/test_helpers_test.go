package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/lamportbank/internal/customer"
	"github.com/roach88/lamportbank/internal/eventlog"
	"github.com/roach88/lamportbank/internal/trace"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func ev(req, clock int64, iface eventlog.Interface, comment string) eventlog.Event {
	return eventlog.Event{CustomerRequestID: req, LogicalClock: clock, Interface: iface, Comment: comment}
}

// createTestRun builds a run of one deposit at branch 1 replicated to branch 2.
func createTestRun(id string) Run {
	return Run{
		ID:        id,
		Policy:    "serialized",
		Transport: "local",
		Digest:    "digest-" + id,
		Customers: []trace.ActorLog{
			{ID: 1, Type: trace.ActorCustomer, Events: []eventlog.Event{
				ev(1, 1, eventlog.Deposit, "event_sent from customer 1"),
				ev(2, 2, eventlog.Query, "event_sent from customer 1"),
			}},
		},
		Branches: []trace.ActorLog{
			{ID: 1, Type: trace.ActorBranch, Events: []eventlog.Event{
				ev(1, 2, eventlog.Deposit, "event_recv from customer 1"),
				ev(1, 3, eventlog.PropagateDeposit, "event_sent to branch 2"),
			}},
			{ID: 2, Type: trace.ActorBranch, Events: []eventlog.Event{
				ev(1, 4, eventlog.PropagateDeposit, "event_recv from branch 1"),
			}},
		},
		Balances: map[int]int64{1: 10, 2: 10},
		Outcomes: map[int][]customer.Outcome{
			1: {
				{CustomerRequestID: 1, Interface: eventlog.Deposit, BranchID: 1, Balance: 10, Success: true},
				{CustomerRequestID: 2, Interface: eventlog.Query, BranchID: 1, Balance: 10, Success: true},
			},
		},
	}
}
