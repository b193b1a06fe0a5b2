// Package clock implements the Lamport logical clock carried by every actor.
//
// Each replica and each customer agent owns exactly one Lamport. The rules are:
//
//   - Send: Tick() before the message leaves, and stamp the message with the result.
//   - Receive: Witness(c) with the clock c carried by the message, before the
//     event for that message is recorded. The new value is max(current, c) + 1.
//
// The clock only lets an observer reconstruct causal order from merged logs.
// It takes no part in commit decisions.
package clock
