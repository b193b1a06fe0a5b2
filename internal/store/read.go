package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/lamportbank/internal/customer"
	"github.com/roach88/lamportbank/internal/eventlog"
	"github.com/roach88/lamportbank/internal/trace"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// RunSummary describes a stored run.
type RunSummary struct {
	ID        string
	Seq       int64
	Policy    string
	Transport string
	Digest    string
	Events    int
}

// ListRuns returns every stored run ordered by seq.
// Returns an empty slice (not nil) when the store is empty.
func (s *Store) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.seq, r.policy, r.transport, r.digest,
		       (SELECT COUNT(*) FROM events e WHERE e.run_id = r.id)
		FROM runs r
		ORDER BY r.seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.ID, &r.Seq, &r.Policy, &r.Transport, &r.Digest, &r.Events); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// LatestRun returns the run with the highest seq.
func (s *Store) LatestRun(ctx context.Context) (RunSummary, error) {
	runs, err := s.ListRuns(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	if len(runs) == 0 {
		return RunSummary{}, ErrRunNotFound
	}
	return runs[len(runs)-1], nil
}

// ReadTrace returns the merged causal trace of a run, in the order produced
// by trace.Merge.
func (s *Store) ReadTrace(ctx context.Context, runID string) ([]trace.Entry, error) {
	if err := s.checkRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_id, customer_request_id, actor_type, logical_clock, interface, comment
		FROM events
		WHERE run_id = ?
		ORDER BY customer_request_id ASC, logical_clock ASC, actor_rank ASC, position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query trace: %w", err)
	}
	defer rows.Close()

	entries := []trace.Entry{}
	for rows.Next() {
		var (
			e         trace.Entry
			actorType string
			iface     string
		)
		if err := rows.Scan(&e.ID, &e.CustomerRequestID, &actorType, &e.LogicalClock, &iface, &e.Comment); err != nil {
			return nil, fmt.Errorf("scan trace entry: %w", err)
		}
		e.Type = trace.ActorType(actorType)
		e.Interface = eventlog.Interface(iface)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace: %w", err)
	}
	return entries, nil
}

// ReadLogs rebuilds the per-actor logs of a run: customers then branches,
// each in input order. Actors that recorded no events are omitted.
func (s *Store) ReadLogs(ctx context.Context, runID string) (customers, branches []trace.ActorLog, err error) {
	if err := s.checkRun(ctx, runID); err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT actor_type, actor_id, actor_rank, customer_request_id, logical_clock, interface, comment
		FROM events
		WHERE run_id = ?
		ORDER BY actor_rank ASC, position ASC
	`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var (
		cur      *trace.ActorLog
		lastRank = -1
	)
	flush := func() {
		if cur == nil {
			return
		}
		if cur.Type == trace.ActorCustomer {
			customers = append(customers, *cur)
		} else {
			branches = append(branches, *cur)
		}
	}
	for rows.Next() {
		var (
			actorType string
			actorID   int
			rank      int
			iface     string
			e         eventlog.Event
		)
		if err := rows.Scan(&actorType, &actorID, &rank, &e.CustomerRequestID, &e.LogicalClock, &iface, &e.Comment); err != nil {
			return nil, nil, fmt.Errorf("scan event: %w", err)
		}
		e.Interface = eventlog.Interface(iface)
		if rank != lastRank {
			flush()
			cur = &trace.ActorLog{ID: actorID, Type: trace.ActorType(actorType)}
			lastRank = rank
		}
		cur.Events = append(cur.Events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate logs: %w", err)
	}
	flush()
	return customers, branches, nil
}

// ReadBalances returns the final balance of every branch of a run.
func (s *Store) ReadBalances(ctx context.Context, runID string) (map[int]int64, error) {
	if err := s.checkRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT branch_id, balance FROM balances WHERE run_id = ? ORDER BY branch_id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[int]int64)
	for rows.Next() {
		var (
			id      int
			balance int64
		)
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		balances[id] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate balances: %w", err)
	}
	return balances, nil
}

// ReadOutcomes returns every customer's outcomes of a run, in request order.
func (s *Store) ReadOutcomes(ctx context.Context, runID string) (map[int][]customer.Outcome, error) {
	if err := s.checkRun(ctx, runID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT customer_id, customer_request_id, interface, branch_id, balance, success, error
		FROM outcomes
		WHERE run_id = ?
		ORDER BY customer_id ASC, position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := make(map[int][]customer.Outcome)
	for rows.Next() {
		var (
			customerID int
			iface      string
			o          customer.Outcome
		)
		if err := rows.Scan(&customerID, &o.CustomerRequestID, &iface, &o.BranchID, &o.Balance, &o.Success, &o.Error); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Interface = eventlog.Interface(iface)
		outcomes[customerID] = append(outcomes[customerID], o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return outcomes, nil
}

func (s *Store) checkRun(ctx context.Context, runID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("look up run: %w", err)
	}
	return nil
}
