// Package trace turns the per-actor event logs of a finished run into the
// merged causal trace and the output files.
package trace

import (
	"sort"

	"github.com/roach88/lamportbank/internal/eventlog"
)

// ActorType names the kind of actor that recorded a log.
type ActorType string

const (
	ActorCustomer ActorType = "customer"
	ActorBranch   ActorType = "branch"
)

// ActorLog is the event log of one actor.
type ActorLog struct {
	ID     int              `json:"id"`
	Type   ActorType        `json:"type"`
	Events []eventlog.Event `json:"events"`
}

// Entry is one event of the merged trace, tagged with the actor that
// recorded it.
type Entry struct {
	ID                int                `json:"id"`
	CustomerRequestID int64              `json:"customer-request-id"`
	Type              ActorType          `json:"type"`
	LogicalClock      int64              `json:"logical_clock"`
	Interface         eventlog.Interface `json:"interface"`
	Comment           string             `json:"comment"`
}

// Merge flattens customer logs then branch logs and orders the result by
// (customer request id, logical clock). The sort is stable, so equal keys
// keep the customers-then-branches order and each actor's append order.
func Merge(customers, branches []ActorLog) []Entry {
	entries := make([]Entry, 0)
	for _, logs := range [][]ActorLog{customers, branches} {
		for _, l := range logs {
			for _, e := range l.Events {
				entries = append(entries, Entry{
					ID:                l.ID,
					CustomerRequestID: e.CustomerRequestID,
					Type:              l.Type,
					LogicalClock:      e.LogicalClock,
					Interface:         e.Interface,
					Comment:           e.Comment,
				})
			}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CustomerRequestID != entries[j].CustomerRequestID {
			return entries[i].CustomerRequestID < entries[j].CustomerRequestID
		}
		return entries[i].LogicalClock < entries[j].LogicalClock
	})
	return entries
}

// ForRequest returns the entries of one customer request, in trace order.
// Never returns nil.
func ForRequest(entries []Entry, requestID int64) []Entry {
	out := []Entry{}
	for _, e := range entries {
		if e.CustomerRequestID == requestID {
			out = append(out, e)
		}
	}
	return out
}
