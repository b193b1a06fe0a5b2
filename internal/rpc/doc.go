// Package rpc carries the customer and peer RPC surfaces between processes.
//
// Each call is an HTTP POST to /bank/v1/<Method> with a msgpack body. Every
// reply, success or domain failure, is a msgpack envelope with status 200;
// transport-level problems (malformed body, unknown method) use 4xx statuses
// with the same envelope. Errors are rebuilt on the client so that
// branch.IsInsufficientFunds and branch.IsPeerFailure keep working across the
// wire.
//
// Network is an in-process transport with the same semantics, used by the
// local simulation mode and by tests.
package rpc
