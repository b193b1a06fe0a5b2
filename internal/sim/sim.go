// Package sim runs one bank simulation end to end: it starts every branch,
// drives every customer to completion, stops the branches and collects the
// logs.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/lamportbank/internal/branch"
	"github.com/roach88/lamportbank/internal/config"
	"github.com/roach88/lamportbank/internal/customer"
	"github.com/roach88/lamportbank/internal/input"
	"github.com/roach88/lamportbank/internal/rpc"
	"github.com/roach88/lamportbank/internal/store"
	"github.com/roach88/lamportbank/internal/trace"
)

// Report is the result of a finished run.
type Report struct {
	RunID     string
	Policy    branch.Policy
	Transport config.Transport

	// Customers and Branches are the actor logs in input order.
	Customers []trace.ActorLog
	Branches  []trace.ActorLog

	// Trace is the merged causal trace and Digest its canonical hash.
	Trace  []trace.Entry
	Digest string

	// Balances maps branch id to final balance.
	Balances map[int]int64
	// Outcomes maps customer id to its outcomes in request order.
	Outcomes map[int][]customer.Outcome
}

// StoreRun converts the report into its store export form.
func (r *Report) StoreRun() store.Run {
	return store.Run{
		ID:        r.RunID,
		Policy:    string(r.Policy),
		Transport: string(r.Transport),
		Digest:    r.Digest,
		Customers: r.Customers,
		Branches:  r.Branches,
		Balances:  r.Balances,
		Outcomes:  r.Outcomes,
	}
}

// Output encodes the report's logs for the output files.
func (r *Report) Output() (trace.Output, error) {
	return trace.Encode(r.Customers, r.Branches)
}

// cluster is the transport-specific wiring of one run.
type cluster interface {
	branch.Dialer

	// start brings branch servers up one by one.
	start(replicas []*branch.Replica) error
	// teller returns the customer surface of branch id.
	teller(id int) branch.Teller
	// stop shuts every server down in start order, giving each one grace to
	// drain.
	stop(grace time.Duration)
}

// Run executes in under cfg. Customers are routed, every branch is started
// before any customer runs, customers run concurrently, and branches are
// stopped once every customer has finished.
//
// Only a startup failure (such as a bind failure) is returned as an error;
// failed requests are recorded in the report's outcomes.
func Run(ctx context.Context, cfg config.Config, in *input.Input, logger *slog.Logger, opts ...Option) (*Report, error) {
	o := options{ids: UUIDv7Generator{}}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := in.Route(cfg.Routing, cfg.RouteByID); err != nil {
		return nil, err
	}

	runID := o.ids.Generate()
	logger = logger.With("run", runID)

	registry, err := cfg.Registry(in.BranchIDs())
	if err != nil {
		return nil, err
	}

	var c cluster
	switch cfg.Transport {
	case config.TransportLocal:
		c = newLocalCluster()
	case config.TransportHTTP:
		c = newHTTPCluster(registry, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	replicas := make([]*branch.Replica, len(in.Branches))
	for i, b := range in.Branches {
		replicas[i] = branch.New(b.ID, b.Balance, registry, c, branch.Options{
			Policy:      cfg.Policy,
			PeerTimeout: cfg.PeerTimeout,
			Logger:      logger,
		})
	}

	if err := c.start(replicas); err != nil {
		c.stop(cfg.ShutdownGrace)
		return nil, err
	}
	logger.Info("branches started", "count", len(replicas), "transport", cfg.Transport, "policy", cfg.Policy)

	agents := make([]*customer.Agent, len(in.Customers))
	for i, cust := range in.Customers {
		agents[i] = customer.New(cust.ID, cust.Branch, c.teller(cust.Branch), cust.Requests, customer.Options{
			RequestTimeout: cfg.RequestTimeout,
			Logger:         logger,
		})
	}

	runErr := runAgents(ctx, agents)

	c.stop(cfg.ShutdownGrace)
	logger.Info("branches stopped")

	if runErr != nil {
		return nil, fmt.Errorf("run interrupted: %w", runErr)
	}
	return buildReport(runID, cfg, replicas, agents)
}

// runAgents runs every agent concurrently and waits for all of them.
// Returns the first cancellation error, if any.
func runAgents(ctx context.Context, agents []*customer.Agent) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(agents))
	for _, a := range agents {
		wg.Add(1)
		go func(a *customer.Agent) {
			defer wg.Done()
			if err := a.Run(ctx); err != nil {
				errs <- err
			}
		}(a)
	}
	wg.Wait()
	close(errs)
	return <-errs
}

func buildReport(runID string, cfg config.Config, replicas []*branch.Replica, agents []*customer.Agent) (*Report, error) {
	r := &Report{
		RunID:     runID,
		Policy:    cfg.Policy,
		Transport: cfg.Transport,
		Customers: make([]trace.ActorLog, len(agents)),
		Branches:  make([]trace.ActorLog, len(replicas)),
		Balances:  make(map[int]int64, len(replicas)),
		Outcomes:  make(map[int][]customer.Outcome, len(agents)),
	}
	for i, a := range agents {
		r.Customers[i] = trace.ActorLog{ID: a.ID(), Type: trace.ActorCustomer, Events: a.Events()}
		r.Outcomes[a.ID()] = a.Outcomes()
	}
	for i, rep := range replicas {
		r.Branches[i] = trace.ActorLog{ID: rep.ID(), Type: trace.ActorBranch, Events: rep.Events()}
		r.Balances[rep.ID()] = rep.Balance()
	}

	r.Trace = trace.Merge(r.Customers, r.Branches)
	digest, err := trace.Digest(r.Trace)
	if err != nil {
		return nil, err
	}
	r.Digest = digest
	return r, nil
}

// localCluster wires branches through an in-process rpc.Network.
type localCluster struct {
	*rpc.Network
}

func newLocalCluster() *localCluster {
	return &localCluster{Network: rpc.NewNetwork()}
}

func (c *localCluster) start(replicas []*branch.Replica) error {
	for _, r := range replicas {
		c.Register(r.ID(), r)
	}
	return nil
}

func (c *localCluster) teller(id int) branch.Teller {
	return c.Teller(id)
}

func (c *localCluster) stop(time.Duration) {}

// httpCluster serves each branch on its own listener.
type httpCluster struct {
	*rpc.Client
	registry *branch.Registry
	logger   *slog.Logger
	servers  []*rpc.Server
}

func newHTTPCluster(registry *branch.Registry, logger *slog.Logger) *httpCluster {
	return &httpCluster{
		Client:   rpc.NewClient(nil),
		registry: registry,
		logger:   logger,
	}
}

func (c *httpCluster) start(replicas []*branch.Replica) error {
	for _, r := range replicas {
		addr, err := c.registry.Resolve(r.ID())
		if err != nil {
			return err
		}
		srv, err := rpc.Listen(addr, r, c.logger.With("branch", r.ID()))
		if err != nil {
			return fmt.Errorf("branch %d: %w", r.ID(), err)
		}
		srv.Start()
		c.servers = append(c.servers, srv)
	}
	return nil
}

func (c *httpCluster) teller(id int) branch.Teller {
	addr, _ := c.registry.Addr(id)
	return c.Teller(addr)
}

func (c *httpCluster) stop(grace time.Duration) {
	for _, srv := range c.servers {
		if err := shutdown(srv, grace); err != nil {
			c.logger.Warn("server shutdown", "addr", srv.Addr(), "error", err)
		}
	}
	c.servers = nil
}

func shutdown(srv *rpc.Server, grace time.Duration) error {
	ctx := context.Background()
	if grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, grace)
		defer cancel()
	}
	return srv.Shutdown(ctx)
}
