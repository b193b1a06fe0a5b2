package branch

import (
	"errors"
	"fmt"
	"math"

	"github.com/roach88/lamportbank/internal/eventlog"
)

var (
	// ErrInsufficientFunds rejects a withdraw that would drive a balance below zero.
	// Expected and user-visible: it fails one request only.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount rejects a negative deposit or withdraw amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrBalanceOverflow rejects a deposit the balance cannot hold.
	ErrBalanceOverflow = errors.New("balance overflow")
)

// PeerError reports a failed propagation call to one peer.
//
// It fails the enclosing customer-facing operation. Nothing is retried and no
// already-applied mutation is rolled back, locally or at other peers.
type PeerError struct {
	// BranchID is the peer that failed.
	BranchID int

	// Interface is the propagation call that failed.
	Interface eventlog.Interface

	// Err is the transport error or the peer's own rejection.
	Err error
}

// Error implements the error interface.
func (e *PeerError) Error() string {
	return fmt.Sprintf("%s to branch %d: %v", e.Interface, e.BranchID, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *PeerError) Unwrap() error {
	return e.Err
}

// IsInsufficientFunds returns true if err is, or wraps, ErrInsufficientFunds.
// A peer's own rejection inside a PeerError also matches.
func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

// IsPeerFailure returns true if err is, or wraps, a PeerError.
func IsPeerFailure(err error) bool {
	var pe *PeerError
	return errors.As(err, &pe)
}

func insufficientFunds(branchID int, amount, available int64) error {
	return fmt.Errorf("branch %d: withdraw %d with %d available: %w", branchID, amount, available, ErrInsufficientFunds)
}

func balanceOverflow(branchID int, amount, balance int64) error {
	return fmt.Errorf("branch %d: deposit %d onto %d: %w", branchID, amount, balance, ErrBalanceOverflow)
}

// fits reports whether amount can be added to balance without overflow.
// amount must be non-negative.
func fits(balance, amount int64) bool {
	return amount <= math.MaxInt64-balance
}
