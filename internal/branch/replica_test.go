package branch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lamportbank/internal/eventlog"
)

// quietLogger suppresses replica logs in tests.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// replicaDialer routes peer calls straight to in-process replicas.
type replicaDialer struct {
	mu       sync.Mutex
	replicas map[int]*Replica
}

func (d *replicaDialer) Dial(m Member) Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replicas[m.ID]
}

// peerDialer routes peer calls to fakes.
type peerDialer map[int]Peer

func (d peerDialer) Dial(m Member) Peer {
	return d[m.ID]
}

// recordingPeer records every call and answers with a fixed result.
type recordingPeer struct {
	mu    sync.Mutex
	calls []PropagateRequest
	err   error
}

func (p *recordingPeer) record(req PropagateRequest) (Ack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.err != nil {
		return Ack{}, p.err
	}
	return Ack{Success: true}, nil
}

func (p *recordingPeer) PropagateDeposit(_ context.Context, req PropagateRequest) (Ack, error) {
	return p.record(req)
}

func (p *recordingPeer) PropagateWithdraw(_ context.Context, req PropagateRequest) (Ack, error) {
	return p.record(req)
}

func (p *recordingPeer) Calls() []PropagateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PropagateRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// blockingPeer parks every call until release is closed or ctx ends.
type blockingPeer struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingPeer() *blockingPeer {
	return &blockingPeer{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (p *blockingPeer) wait(ctx context.Context) (Ack, error) {
	p.entered <- struct{}{}
	select {
	case <-p.release:
		return Ack{Success: true}, nil
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

func (p *blockingPeer) PropagateDeposit(ctx context.Context, _ PropagateRequest) (Ack, error) {
	return p.wait(ctx)
}

func (p *blockingPeer) PropagateWithdraw(ctx context.Context, _ PropagateRequest) (Ack, error) {
	return p.wait(ctx)
}

// newCluster creates fully connected in-process replicas.
func newCluster(t *testing.T, policy Policy, balances map[int]int64) map[int]*Replica {
	t.Helper()
	addrs := make(map[int]string, len(balances))
	for id := range balances {
		addrs[id] = fmt.Sprintf("local:%d", id)
	}
	reg := NewRegistry(addrs)
	d := &replicaDialer{replicas: make(map[int]*Replica)}
	for id, bal := range balances {
		d.replicas[id] = New(id, bal, reg, d, Options{Policy: policy, Logger: quietLogger()})
	}
	return d.replicas
}

// newWithPeers creates replica 1 whose peers are the given fakes.
func newWithPeers(balance int64, policy Policy, peers map[int]Peer) *Replica {
	addrs := map[int]string{1: "local:1"}
	for id := range peers {
		addrs[id] = fmt.Sprintf("local:%d", id)
	}
	return New(1, balance, NewRegistry(addrs), peerDialer(peers), Options{Policy: policy, Logger: quietLogger()})
}

func TestWithdraw_PropagatesToAllReplicas(t *testing.T) {
	cluster := newCluster(t, PolicySerialized, map[int]int64{1: 100, 2: 100, 3: 100})

	reply, err := cluster[1].Withdraw(context.Background(), TxnRequest{CustomerID: 1, CustomerRequestID: 1, Amount: 30, Clock: 1})
	require.NoError(t, err)
	assert.Equal(t, Reply{Balance: 70, Success: true}, reply)

	for id, r := range cluster {
		assert.Equal(t, int64(70), r.Balance(), "branch %d", id)
	}
}

func TestWithdraw_InsufficientFundsDoesNotPropagate(t *testing.T) {
	b, c := &recordingPeer{}, &recordingPeer{}
	r := newWithPeers(10, PolicySerialized, map[int]Peer{2: b, 3: c})

	reply, err := r.Withdraw(context.Background(), TxnRequest{CustomerID: 1, CustomerRequestID: 7, Amount: 50, Clock: 1})
	require.Error(t, err)
	assert.True(t, IsInsufficientFunds(err))
	assert.False(t, IsPeerFailure(err))
	assert.Equal(t, Reply{Balance: 10, Success: false}, reply)
	assert.Equal(t, int64(10), r.Balance())
	assert.Empty(t, b.Calls(), "no propagation RPC may be sent")
	assert.Empty(t, c.Calls(), "no propagation RPC may be sent")

	events := r.Events()
	require.Len(t, events, 1, "only the received-event is recorded")
	assert.Equal(t, eventlog.Withdraw, events[0].Interface)
}

func TestDeposit_CommutesWithPropagatedDeposit(t *testing.T) {
	orders := map[string][]string{
		"customer first": {"deposit", "propagate"},
		"peer first":     {"propagate", "deposit"},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			r := newWithPeers(0, PolicySerialized, map[int]Peer{2: &recordingPeer{}})
			ctx := context.Background()
			for _, step := range order {
				var err error
				switch step {
				case "deposit":
					_, err = r.Deposit(ctx, TxnRequest{CustomerID: 1, CustomerRequestID: 1, Amount: 20, Clock: 1})
				case "propagate":
					_, err = r.PropagateDeposit(ctx, PropagateRequest{BranchID: 2, Amount: 20, Clock: 3, CustomerRequestID: 2})
				}
				require.NoError(t, err)
			}
			assert.Equal(t, int64(40), r.Balance())
		})
	}
}

func TestDeposit_ConcurrentDepositsCommute(t *testing.T) {
	r := newWithPeers(0, PolicySerialized, map[int]Peer{2: &recordingPeer{}})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := r.Deposit(ctx, TxnRequest{CustomerID: 1, CustomerRequestID: int64(i), Amount: 3, Clock: int64(i)})
			assert.NoError(t, err)
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := r.PropagateDeposit(ctx, PropagateRequest{BranchID: 2, Amount: 5, Clock: int64(i), CustomerRequestID: int64(100 + i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(50*3+50*5), r.Balance())
}

func TestQuery_IsPureRead(t *testing.T) {
	r := newWithPeers(25, PolicySerialized, map[int]Peer{2: &recordingPeer{}})
	before := r.Clock()

	for i := 0; i < 10; i++ {
		reply, err := r.Query(context.Background(), QueryRequest{CustomerID: 1, CustomerRequestID: int64(i)})
		require.NoError(t, err)
		assert.Equal(t, Reply{Balance: 25, Success: true}, reply)
	}

	assert.Equal(t, before, r.Clock(), "query must not change the clock")
	assert.Empty(t, r.Events(), "query must not record events")
}

func TestDeposit_PropagationFailureKeepsLocalIncrease(t *testing.T) {
	down := &recordingPeer{err: errors.New("connection refused")}
	r := newWithPeers(10, PolicySerialized, map[int]Peer{2: &recordingPeer{}, 3: down})

	reply, err := r.Deposit(context.Background(), TxnRequest{CustomerID: 1, CustomerRequestID: 1, Amount: 5, Clock: 1})
	require.Error(t, err)
	assert.True(t, IsPeerFailure(err))

	var pe *PeerError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.BranchID)
	assert.Equal(t, eventlog.PropagateDeposit, pe.Interface)

	assert.Equal(t, Reply{Balance: 15, Success: false}, reply)
	assert.Equal(t, int64(15), r.Balance(), "deposits never roll back locally")
}

func TestWithdraw_PartialPropagationIsNotCompensated(t *testing.T) {
	cluster := newCluster(t, PolicySerialized, map[int]int64{1: 100, 2: 100, 3: 10})

	reply, err := cluster[1].Withdraw(context.Background(), TxnRequest{CustomerID: 1, CustomerRequestID: 1, Amount: 30, Clock: 1})
	require.Error(t, err)
	assert.True(t, IsPeerFailure(err))
	assert.True(t, IsInsufficientFunds(err), "the peer's own rejection stays visible")
	assert.Equal(t, Reply{Balance: 100, Success: false}, reply)

	assert.Equal(t, int64(100), cluster[1].Balance(), "origin balance untouched")
	assert.Equal(t, int64(70), cluster[2].Balance(), "accepted peer keeps its decrement")
	assert.Equal(t, int64(10), cluster[3].Balance(), "rejecting peer unchanged")
}

func TestFanOut_SameClockToEveryPeer(t *testing.T) {
	b, c := &recordingPeer{}, &recordingPeer{}
	r := newWithPeers(100, PolicySerialized, map[int]Peer{2: b, 3: c})

	_, err := r.Withdraw(context.Background(), TxnRequest{CustomerID: 1, CustomerRequestID: 9, Amount: 10, Clock: 4})
	require.NoError(t, err)

	require.Len(t, b.Calls(), 1)
	require.Len(t, c.Calls(), 1)
	// Received at max(1, 4)+1 = 5, fan-out ticks once to 6.
	want := PropagateRequest{BranchID: 1, Amount: 10, Clock: 6, CustomerRequestID: 9}
	assert.Equal(t, want, b.Calls()[0])
	assert.Equal(t, want, c.Calls()[0])

	events := r.Events()
	require.Len(t, events, 2)
	assert.Equal(t, eventlog.Event{CustomerRequestID: 9, LogicalClock: 5, Interface: eventlog.Withdraw, Comment: "event_recv from customer 1"}, events[0])
	assert.Equal(t, eventlog.Event{CustomerRequestID: 9, LogicalClock: 6, Interface: eventlog.PropagateWithdraw, Comment: "event_sent to branches 2,3"}, events[1])
}

func TestSingleReplica_NoFanOut(t *testing.T) {
	r := New(1, 0, NewRegistry(map[int]string{1: "local:1"}), peerDialer{}, Options{Logger: quietLogger()})

	reply, err := r.Deposit(context.Background(), TxnRequest{CustomerID: 1, CustomerRequestID: 1, Amount: 8, Clock: 1})
	require.NoError(t, err)
	assert.Equal(t, Reply{Balance: 8, Success: true}, reply)
	assert.Len(t, r.Events(), 1, "no sent-event without peers")
}

func TestClock_ReceiveRuleHoldsForEveryEvent(t *testing.T) {
	r := newWithPeers(100, PolicySerialized, map[int]Peer{2: &recordingPeer{}})
	ctx := context.Background()

	type step struct {
		incoming int64
		run      func() error
	}
	steps := []step{
		{incoming: 1, run: func() error {
			_, err := r.Deposit(ctx, TxnRequest{CustomerID: 1, CustomerRequestID: 1, Amount: 1, Clock: 1})
			return err
		}},
		{incoming: 20, run: func() error {
			_, err := r.PropagateDeposit(ctx, PropagateRequest{BranchID: 2, Amount: 1, Clock: 20, CustomerRequestID: 2})
			return err
		}},
		{incoming: 2, run: func() error {
			_, err := r.PropagateWithdraw(ctx, PropagateRequest{BranchID: 2, Amount: 1, Clock: 2, CustomerRequestID: 3})
			return err
		}},
	}

	prev := r.Clock()
	for _, s := range steps {
		require.NoError(t, s.run())
	}

	events := r.Events()
	// deposit: recv + sent; propagate_deposit: recv; propagate_withdraw: recv.
	require.Len(t, events, 4)
	incoming := []int64{1, 0, 20, 2} // the sent-event has no incoming clock
	for i, e := range events {
		want := max(prev, incoming[i]) + 1
		assert.Equal(t, want, e.LogicalClock, "event %d (%s)", i, e.Interface)
		prev = e.LogicalClock
	}
}

func TestWithdraw_SerializedHoldBlocksConcurrentPeerWithdraw(t *testing.T) {
	peer := newBlockingPeer()
	r := newWithPeers(50, PolicySerialized, map[int]Peer{2: peer})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.Withdraw(ctx, TxnRequest{CustomerID: 1, CustomerRequestID: 1, Amount: 40, Clock: 1})
		done <- err
	}()
	<-peer.entered

	_, err := r.PropagateWithdraw(ctx, PropagateRequest{BranchID: 2, Amount: 30, Clock: 1, CustomerRequestID: 2})
	assert.True(t, IsInsufficientFunds(err), "held funds cannot be spent by a peer")

	close(peer.release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(10), r.Balance())
	assert.GreaterOrEqual(t, r.Balance(), int64(0))
}

func TestWithdraw_UnguardedPreservesInterleaving(t *testing.T) {
	peer := newBlockingPeer()
	r := newWithPeers(50, PolicyUnguarded, map[int]Peer{2: peer})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := r.Withdraw(ctx, TxnRequest{CustomerID: 1, CustomerRequestID: 1, Amount: 40, Clock: 1})
		done <- err
	}()
	<-peer.entered

	_, err := r.PropagateWithdraw(ctx, PropagateRequest{BranchID: 2, Amount: 30, Clock: 1, CustomerRequestID: 2})
	require.NoError(t, err, "the check already passed, nothing guards the span")

	close(peer.release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(-20), r.Balance(), "time-of-check/time-of-use gap is reproduced")
}

func TestFanOut_PeerTimeoutBoundsTheWait(t *testing.T) {
	peer := newBlockingPeer()
	reg := NewRegistry(map[int]string{1: "local:1", 2: "local:2"})
	r := New(1, 50, reg, peerDialer{2: peer}, Options{PeerTimeout: 20 * time.Millisecond, Logger: quietLogger()})

	reply, err := r.Withdraw(context.Background(), TxnRequest{CustomerID: 1, CustomerRequestID: 1, Amount: 10, Clock: 1})
	require.Error(t, err)
	assert.True(t, IsPeerFailure(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Reply{Balance: 50, Success: false}, reply)

	// The hold is released after a failed span.
	_, err = r.PropagateWithdraw(context.Background(), PropagateRequest{BranchID: 2, Amount: 50, Clock: 1, CustomerRequestID: 2})
	assert.NoError(t, err)
}

func TestSerialized_MutualFanOutDoesNotDeadlock(t *testing.T) {
	cluster := newCluster(t, PolicySerialized, map[int]int64{1: 1000, 2: 1000, 3: 1000})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for id, r := range cluster {
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(r *Replica, req int64) {
				defer wg.Done()
				_, err := r.Withdraw(ctx, TxnRequest{CustomerID: r.ID(), CustomerRequestID: req, Amount: 5, Clock: 1})
				assert.NoError(t, err)
			}(r, int64(id*100+i))
		}
	}
	wg.Wait()

	for id, r := range cluster {
		assert.Equal(t, int64(1000-3*20*5), r.Balance(), "branch %d", id)
	}
}

func TestNegativeAmountRejected(t *testing.T) {
	r := newWithPeers(10, PolicySerialized, map[int]Peer{2: &recordingPeer{}})

	_, err := r.Deposit(context.Background(), TxnRequest{Amount: -1})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = r.Withdraw(context.Background(), TxnRequest{Amount: -1})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Empty(t, r.Events())
}

func TestDeposit_OverflowRejected(t *testing.T) {
	peer := &recordingPeer{}
	r := newWithPeers(1, PolicySerialized, map[int]Peer{2: peer})

	reply, err := r.Deposit(context.Background(), TxnRequest{CustomerID: 1, CustomerRequestID: 1, Amount: math.MaxInt64, Clock: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBalanceOverflow)
	assert.False(t, IsPeerFailure(err))
	assert.Equal(t, Reply{Balance: 1, Success: false}, reply)
	assert.Equal(t, int64(1), r.Balance())
	assert.Empty(t, peer.Calls(), "a rejected deposit is not propagated")

	// The receive is still recorded, like a rejected withdraw.
	events := r.Events()
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.Deposit, events[0].Interface)

	reply, err = r.Deposit(context.Background(), TxnRequest{CustomerID: 1, CustomerRequestID: 2, Amount: math.MaxInt64 - 1, Clock: 3})
	require.NoError(t, err)
	assert.Equal(t, Reply{Balance: math.MaxInt64, Success: true}, reply)
}

func TestPropagateDeposit_OverflowRejected(t *testing.T) {
	r := newWithPeers(math.MaxInt64-5, PolicySerialized, nil)

	ack, err := r.PropagateDeposit(context.Background(), PropagateRequest{BranchID: 2, Amount: 6, Clock: 1, CustomerRequestID: 1})
	assert.ErrorIs(t, err, ErrBalanceOverflow)
	assert.False(t, ack.Success)
	assert.Equal(t, int64(math.MaxInt64-5), r.Balance())

	ack, err = r.PropagateDeposit(context.Background(), PropagateRequest{BranchID: 2, Amount: -1, Clock: 1, CustomerRequestID: 2})
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.False(t, ack.Success)
	assert.Equal(t, int64(math.MaxInt64-5), r.Balance())
}

func TestDeposit_OverflowAtPeerFailsWithoutRollback(t *testing.T) {
	cluster := newCluster(t, PolicySerialized, map[int]int64{1: 0, 2: math.MaxInt64})

	reply, err := cluster[1].Deposit(context.Background(), TxnRequest{CustomerID: 1, CustomerRequestID: 1, Amount: 10, Clock: 1})
	require.Error(t, err)
	assert.True(t, IsPeerFailure(err))
	assert.ErrorIs(t, err, ErrBalanceOverflow)
	assert.Equal(t, Reply{Balance: 10, Success: false}, reply)
	assert.Equal(t, int64(math.MaxInt64), cluster[2].Balance())
}

func TestFanOut_CallerCancelDoesNotCancelPeerCalls(t *testing.T) {
	peer := newBlockingPeer()
	r := newWithPeers(50, PolicySerialized, map[int]Peer{2: peer})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := r.Withdraw(ctx, TxnRequest{CustomerID: 1, CustomerRequestID: 1, Amount: 10, Clock: 1})
		done <- err
	}()
	<-peer.entered

	cancel()
	select {
	case err := <-done:
		t.Fatalf("withdraw returned after caller cancel: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(peer.release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(40), r.Balance())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicySerialized, p)

	p, err = ParsePolicy("unguarded")
	require.NoError(t, err)
	assert.Equal(t, PolicyUnguarded, p)

	_, err = ParsePolicy("eventual")
	assert.Error(t, err)
}
