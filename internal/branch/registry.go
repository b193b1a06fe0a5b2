package branch

import (
	"fmt"
	"net"
	"sort"
	"strconv"
)

// Member is one branch in the registry.
type Member struct {
	ID   int
	Addr string
}

// Registry is the static membership table shared by every replica.
//
// It is built once at startup and never mutated, so one value can be injected
// into every replica without synchronization.
type Registry struct {
	members []Member
	byID    map[int]string
}

// NewRegistry builds a registry from an explicit id -> address table.
func NewRegistry(addrs map[int]string) *Registry {
	r := &Registry{
		members: make([]Member, 0, len(addrs)),
		byID:    make(map[int]string, len(addrs)),
	}
	for id, addr := range addrs {
		r.members = append(r.members, Member{ID: id, Addr: addr})
		r.byID[id] = addr
	}
	sort.Slice(r.members, func(i, j int) bool { return r.members[i].ID < r.members[j].ID })
	return r
}

// RegistryFromBasePort derives every address as host:(basePort + id).
func RegistryFromBasePort(host string, basePort int, ids []int) *Registry {
	addrs := make(map[int]string, len(ids))
	for _, id := range ids {
		addrs[id] = AddrFor(host, basePort, id)
	}
	return NewRegistry(addrs)
}

// AddrFor returns the deterministic address of branch id.
func AddrFor(host string, basePort, id int) string {
	return net.JoinHostPort(host, strconv.Itoa(basePort+id))
}

// Addr returns the address of branch id.
func (r *Registry) Addr(id int) (string, bool) {
	addr, ok := r.byID[id]
	return addr, ok
}

// Resolve returns the address of branch id or an error naming the missing id.
func (r *Registry) Resolve(id int) (string, error) {
	addr, ok := r.byID[id]
	if !ok {
		return "", fmt.Errorf("branch %d is not registered", id)
	}
	return addr, nil
}

// Members returns all members ordered by id.
func (r *Registry) Members() []Member {
	out := make([]Member, len(r.members))
	copy(out, r.members)
	return out
}

// Peers returns every member except self, ordered by id.
func (r *Registry) Peers(self int) []Member {
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		if m.ID != self {
			out = append(out, m)
		}
	}
	return out
}

// Len returns the number of members.
func (r *Registry) Len() int {
	return len(r.members)
}
