package rpc

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/roach88/lamportbank/internal/branch"
	"github.com/roach88/lamportbank/internal/eventlog"
)

// Methods on the wire.
const (
	MethodQuery             = "Query"
	MethodDeposit           = "Deposit"
	MethodWithdraw          = "Withdraw"
	MethodPropagateDeposit  = "PropagateDeposit"
	MethodPropagateWithdraw = "PropagateWithdraw"
)

const (
	// PathPrefix is the URL prefix of every method.
	PathPrefix = "/bank/v1/"

	// ContentType is the media type of request and reply bodies.
	ContentType = "application/msgpack"

	// maxBodyBytes bounds request and reply bodies.
	maxBodyBytes = 1 << 20
)

// Code classifies a failed call on the wire.
type Code string

const (
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodePeerFailure       Code = "PEER_FAILURE"
	CodeInvalidAmount     Code = "INVALID_AMOUNT"
	CodeBalanceOverflow   Code = "BALANCE_OVERFLOW"
	CodeUnknownInterface  Code = "UNKNOWN_INTERFACE"
	CodeBadRequest        Code = "BAD_REQUEST"
	CodeUnavailable       Code = "UNAVAILABLE"
	CodeInternal          Code = "INTERNAL"
)

var (
	// ErrUnknownMethod is returned for a path that names no method.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrPeerUnavailable is the cause recorded for a peer that could not be reached.
	ErrPeerUnavailable = errors.New("peer unavailable")
)

// envelope is the reply body of every call.
type envelope struct {
	Balance int64  `msgpack:"balance"`
	Success bool   `msgpack:"success"`
	Code    Code   `msgpack:"code,omitempty"`
	Message string `msgpack:"message,omitempty"`

	// Set for CodePeerFailure only.
	Branch    int                `msgpack:"branch,omitempty"`
	Interface eventlog.Interface `msgpack:"interface,omitempty"`
	Cause     Code               `msgpack:"cause,omitempty"`
}

// RemoteError is an error reported by the far side of a call.
// Error returns the remote message verbatim; Unwrap exposes the rebuilt cause.
type RemoteError struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return e.Message
}

// Unwrap exposes the rebuilt cause.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

func marshal(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return b, nil
}

func unmarshal(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("msgpack decode: %w", err)
	}
	return nil
}

// codeFor classifies err for the wire.
func codeFor(err error) Code {
	var pe *branch.PeerError
	switch {
	case errors.As(err, &pe):
		return CodePeerFailure
	case errors.Is(err, branch.ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, branch.ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, branch.ErrBalanceOverflow):
		return CodeBalanceOverflow
	case errors.Is(err, ErrUnknownMethod):
		return CodeUnknownInterface
	default:
		return CodeInternal
	}
}

// failure builds the envelope for a failed call. balance is whatever the
// service returned alongside the error.
func failure(balance int64, err error) envelope {
	env := envelope{
		Balance: balance,
		Code:    codeFor(err),
		Message: err.Error(),
	}
	var pe *branch.PeerError
	if errors.As(err, &pe) {
		env.Branch = pe.BranchID
		env.Interface = pe.Interface
		switch {
		case errors.Is(pe.Err, branch.ErrInsufficientFunds):
			env.Cause = CodeInsufficientFunds
		case errors.Is(pe.Err, branch.ErrBalanceOverflow):
			env.Cause = CodeBalanceOverflow
		default:
			env.Cause = CodeUnavailable
		}
	}
	return env
}

// errorFor rebuilds the error carried by env, or returns nil on success.
func errorFor(env envelope) error {
	if env.Code == "" {
		return nil
	}
	re := &RemoteError{Code: env.Code, Message: env.Message}
	switch env.Code {
	case CodeInsufficientFunds:
		re.Err = branch.ErrInsufficientFunds
	case CodeInvalidAmount:
		re.Err = branch.ErrInvalidAmount
	case CodeBalanceOverflow:
		re.Err = branch.ErrBalanceOverflow
	case CodeUnknownInterface:
		re.Err = ErrUnknownMethod
	case CodePeerFailure:
		var cause error
		switch env.Cause {
		case CodeInsufficientFunds:
			cause = branch.ErrInsufficientFunds
		case CodeBalanceOverflow:
			cause = branch.ErrBalanceOverflow
		default:
			cause = ErrPeerUnavailable
		}
		re.Err = &branch.PeerError{BranchID: env.Branch, Interface: env.Interface, Err: cause}
	}
	return re
}
