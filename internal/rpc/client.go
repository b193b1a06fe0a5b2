package rpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/roach88/lamportbank/internal/branch"
)

// Client calls branches over HTTP. One Client is shared by every replica and
// customer of a process; it is safe for concurrent use.
//
// Calls carry no timeout of their own: bound them with the caller's context.
type Client struct {
	http *http.Client
}

// NewClient creates a client. A nil hc selects a dedicated http.Client.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{http: hc}
}

// Teller returns the customer surface of the branch at addr.
func (c *Client) Teller(addr string) branch.Teller {
	return &remoteTeller{c: c, addr: addr}
}

// Dial implements branch.Dialer.
func (c *Client) Dial(m branch.Member) branch.Peer {
	return &remotePeer{c: c, addr: m.Addr}
}

// call posts req to method at addr and decodes the reply envelope.
// The returned error covers transport failures and remote failures alike.
func (c *Client) call(ctx context.Context, addr, method string, req any) (envelope, error) {
	body, err := marshal(req)
	if err != nil {
		return envelope{}, err
	}

	url := "http://" + addr + PathPrefix + method
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return envelope{}, fmt.Errorf("%s %s: %w", method, addr, err)
	}
	httpReq.Header.Set("Content-Type", ContentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return envelope{}, fmt.Errorf("%s %s: %w: %w", method, addr, ErrPeerUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return envelope{}, fmt.Errorf("%s %s: read reply: %w", method, addr, err)
	}

	var env envelope
	if err := unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("%s %s: status %d: %w", method, addr, resp.StatusCode, err)
	}
	if err := errorFor(env); err != nil {
		return env, err
	}
	if resp.StatusCode != http.StatusOK {
		return env, fmt.Errorf("%s %s: unexpected status %d", method, addr, resp.StatusCode)
	}
	return env, nil
}

type remoteTeller struct {
	c    *Client
	addr string
}

func (t *remoteTeller) Query(ctx context.Context, req branch.QueryRequest) (branch.Reply, error) {
	env, err := t.c.call(ctx, t.addr, MethodQuery, req)
	return branch.Reply{Balance: env.Balance, Success: env.Success}, err
}

func (t *remoteTeller) Deposit(ctx context.Context, req branch.TxnRequest) (branch.Reply, error) {
	env, err := t.c.call(ctx, t.addr, MethodDeposit, req)
	return branch.Reply{Balance: env.Balance, Success: env.Success}, err
}

func (t *remoteTeller) Withdraw(ctx context.Context, req branch.TxnRequest) (branch.Reply, error) {
	env, err := t.c.call(ctx, t.addr, MethodWithdraw, req)
	return branch.Reply{Balance: env.Balance, Success: env.Success}, err
}

type remotePeer struct {
	c    *Client
	addr string
}

func (p *remotePeer) PropagateDeposit(ctx context.Context, req branch.PropagateRequest) (branch.Ack, error) {
	env, err := p.c.call(ctx, p.addr, MethodPropagateDeposit, req)
	return branch.Ack{Success: env.Success}, err
}

func (p *remotePeer) PropagateWithdraw(ctx context.Context, req branch.PropagateRequest) (branch.Ack, error) {
	env, err := p.c.call(ctx, p.addr, MethodPropagateWithdraw, req)
	return branch.Ack{Success: env.Success}, err
}
