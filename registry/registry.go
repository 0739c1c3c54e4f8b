package registry

import (
	"sort"
	"sync"
)

// DefaultGroup holds every server registered while no group block is open.
const DefaultGroup = ""

// Registry is the deduplicated server list plus named group membership.
// Registration is idempotent on the (host, user, port) identity. A
// definition-time stack of open groups tracks block-style group
// declarations: servers registered while groups are open join those groups
// instead of the default one.
type Registry struct {
	mu         sync.Mutex
	servers    []*Server
	index      map[string]*Server
	groups     map[string][]*Server
	openGroups []string
}

func New() *Registry {
	return &Registry{
		index:  make(map[string]*Server),
		groups: make(map[string][]*Server),
	}
}

// Register adds a server, returning the existing record when an equal one is
// already registered. The server joins every currently-open group, or the
// default group when none is open.
func (r *Registry) Register(host, user string, options map[string]any) *Server {
	candidate := newServer(host, user, options)

	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.index[candidate.Key()]
	if !ok {
		server = candidate
		r.index[server.Key()] = server
		r.servers = append(r.servers, server)
	}

	if len(r.openGroups) == 0 {
		r.addToGroupLocked(DefaultGroup, server)
		return server
	}
	for _, group := range r.openGroups {
		r.addToGroupLocked(group, server)
	}
	return server
}

// DefineGroup adds servers to each named group. Exactly one of servers and
// block may be given: explicit members, or a block during which every
// registered server joins the named groups (merged with any groups already
// open). Supplying both is a configuration error, detected before any
// mutation.
func (r *Registry) DefineGroup(names []string, servers []*Server, block func()) error {
	if len(servers) > 0 && block != nil {
		return configErrorf("a group accepts explicit servers or a block, not both")
	}
	if len(names) == 0 {
		return configErrorf("a group needs at least one name")
	}

	if block != nil {
		r.mu.Lock()
		depth := len(r.openGroups)
		r.openGroups = append(r.openGroups, names...)
		r.mu.Unlock()
		defer func() {
			r.mu.Lock()
			r.openGroups = r.openGroups[:depth]
			r.mu.Unlock()
		}()
		block()
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	targets := append(append([]string{}, names...), r.openGroups...)
	for _, group := range targets {
		for _, server := range servers {
			r.addToGroupLocked(group, server)
		}
	}
	return nil
}

// addToGroupLocked appends server to group, deduplicated, and guarantees the
// server is also part of the registry (groups are always subsets of it).
func (r *Registry) addToGroupLocked(group string, server *Server) {
	if server == nil {
		return
	}
	if _, ok := r.index[server.Key()]; !ok {
		r.index[server.Key()] = server
		r.servers = append(r.servers, server)
	}
	for _, member := range r.groups[group] {
		if member == server {
			return
		}
	}
	r.groups[group] = append(r.groups[group], server)
}

// Servers returns every registered server in registration order.
func (r *Registry) Servers() []*Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Server, len(r.servers))
	copy(out, r.servers)
	return out
}

// Lookup finds a registered server by identity.
func (r *Registry) Lookup(host, user string, port int) *Server {
	if port <= 0 {
		port = DefaultPort
	}
	probe := &Server{Host: host, User: user, Port: port}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index[probe.Key()]
}

// Members returns a group's member list in insertion order.
func (r *Registry) Members(group string) []*Server {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.groups[group]
	out := make([]*Server, len(members))
	copy(out, members)
	return out
}

// HasGroup reports whether the group exists.
func (r *Registry) HasGroup(group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.groups[group]
	return ok
}

// GroupNames returns all group names, sorted, excluding the default group.
func (r *Registry) GroupNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		if name == DefaultGroup {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports the number of distinct servers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}
