// Package branch implements the bank-branch replica and its replication engine.
//
// A Replica holds one copy of the shared balance together with a Lamport
// clock and an append-only event log. It serves two RPC surfaces:
//
//   - Customer-facing (Teller): Query, Deposit, Withdraw.
//   - Peer-facing (Peer): PropagateDeposit, PropagateWithdraw.
//
// PROPAGATION:
//
// Deposit and Withdraw fan out to every other member of the Registry. The
// fan-out is one local step: the clock ticks once, one sent-event is recorded,
// and every peer receives the same clock value. Calls run concurrently and are
// awaited as a set; the first observed failure fails the operation. Calls to
// other peers are not cancelled and their committed effects are not undone.
//
//   - Deposit applies locally first and never rolls back. A failed fan-out is
//     reported to the caller only.
//   - Withdraw checks funds, propagates, and only then decrements locally. A
//     failed fan-out leaves the local balance untouched, while peers that
//     already accepted keep their decrement. There is no compensation.
//
// CONSISTENCY POLICY:
//
// PolicySerialized (default) runs customer-facing mutations on one replica one
// at a time across the whole check -> propagate -> commit span, and holds the
// withdrawn amount locally for that span so inbound PropagateWithdraw calls
// cannot spend it. Peer-facing handlers never wait for that span, so two
// replicas that fan out to each other at the same time cannot deadlock.
//
// PolicyUnguarded keeps the original interleaving: the funds check and the
// commit are separate steps, and concurrent operations may run between them.
package branch
