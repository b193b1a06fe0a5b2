package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/lamportbank/internal/customer"
	"github.com/roach88/lamportbank/internal/trace"
)

// ErrRunExists is returned when a run id is written twice.
var ErrRunExists = errors.New("run already stored")

// Run is a finished run as exported to the store.
type Run struct {
	ID        string
	Policy    string
	Transport string
	Digest    string

	// Customers and Branches are in input order.
	Customers []trace.ActorLog
	Branches  []trace.ActorLog

	// Balances maps branch id to final balance.
	Balances map[int]int64

	// Outcomes maps customer id to its outcomes in request order.
	Outcomes map[int][]customer.Outcome
}

// WriteRun stores r in a single transaction and returns the seq assigned to
// it. Writing an id that is already stored fails with ErrRunExists and
// changes nothing.
func (s *Store) WriteRun(ctx context.Context, r Run) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("write run: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, r.ID).Scan(&exists)
	switch {
	case err == nil:
		return 0, fmt.Errorf("write run %s: %w", r.ID, ErrRunExists)
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("write run: check id: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM runs`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("write run: next seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, seq, policy, transport, digest)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, seq, r.Policy, r.Transport, r.Digest); err != nil {
		return 0, fmt.Errorf("write run: %w", err)
	}

	if err := writeEvents(ctx, tx, r); err != nil {
		return 0, err
	}
	if err := writeBalances(ctx, tx, r); err != nil {
		return 0, err
	}
	if err := writeOutcomes(ctx, tx, r); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("write run: commit: %w", err)
	}
	return seq, nil
}

func writeEvents(ctx context.Context, tx *sql.Tx, r Run) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events
		(run_id, actor_type, actor_id, actor_rank, position, customer_request_id, logical_clock, interface, comment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write events: prepare: %w", err)
	}
	defer stmt.Close()

	rank := 0
	for _, logs := range [][]trace.ActorLog{r.Customers, r.Branches} {
		for _, l := range logs {
			for pos, e := range l.Events {
				if _, err := stmt.ExecContext(ctx,
					r.ID, string(l.Type), l.ID, rank, pos,
					e.CustomerRequestID, e.LogicalClock, string(e.Interface), e.Comment,
				); err != nil {
					return fmt.Errorf("write events: %s %d: %w", l.Type, l.ID, err)
				}
			}
			rank++
		}
	}
	return nil
}

func writeBalances(ctx context.Context, tx *sql.Tx, r Run) error {
	for id, balance := range r.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO balances (run_id, branch_id, balance) VALUES (?, ?, ?)
		`, r.ID, id, balance); err != nil {
			return fmt.Errorf("write balances: branch %d: %w", id, err)
		}
	}
	return nil
}

func writeOutcomes(ctx context.Context, tx *sql.Tx, r Run) error {
	for customerID, outcomes := range r.Outcomes {
		for pos, o := range outcomes {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO outcomes
				(run_id, customer_id, position, customer_request_id, interface, branch_id, balance, success, error)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, r.ID, customerID, pos, o.CustomerRequestID, string(o.Interface), o.BranchID, o.Balance, o.Success, o.Error); err != nil {
				return fmt.Errorf("write outcomes: customer %d: %w", customerID, err)
			}
		}
	}
	return nil
}
