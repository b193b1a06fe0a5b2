// Package store exports finished runs to SQLite.
//
// A run is written once, in one transaction, after every customer has
// finished: its actor logs, final branch balances and customer outcomes.
// Replicas never read from the store; it holds no live state.
//
// # Ordering
//
// Runs are ordered by seq, assigned at write time. Trace queries order by
// (customer_request_id, logical_clock, actor_rank, position), which matches
// the stable merge done by package trace, so a stored trace reads back
// exactly as it was produced.
//
// # Schema
//
// schema.sql creates the runs, events, balances and outcomes tables. Later
// changes are listed as migrations and tracked in PRAGMA user_version; Open
// applies whatever a database is missing. Connections run in WAL mode with
// foreign keys enforced.
package store
