package registry

import (
	"reflect"

	"github.com/google/uuid"
)

// Selector is one entry of the active scope stack: a group name plus
// optional only/except property constraints.
type Selector struct {
	Group  string
	Only   map[string]any
	Except map[string]any
}

// ParseSelector builds a selector from a loosely-typed constraint map, as
// produced by config files and CLI flags. Keys other than "only" and
// "except" are a configuration error.
func ParseSelector(group string, constraints map[string]map[string]any) (Selector, error) {
	selector := Selector{Group: group}
	for key, values := range constraints {
		switch key {
		case "only":
			selector.Only = values
		case "except":
			selector.Except = values
		default:
			return Selector{}, configErrorf("unknown constraint %q on group %q (expected only/except)", key, group)
		}
	}
	return selector, nil
}

// Resolve turns the active scope stack into the concrete server set. An
// empty stack selects every registered server. Otherwise each selector
// contributes its group's members filtered by only/except, and the results
// are unioned, deduplicated, in first-seen order.
func (r *Registry) Resolve(active []Selector) []*Server {
	if len(active) == 0 {
		return r.Servers()
	}

	seen := make(map[*Server]struct{})
	var out []*Server
	for _, selector := range active {
		for _, server := range r.Members(selector.Group) {
			if !selector.matches(server) {
				continue
			}
			if _, dup := seen[server]; dup {
				continue
			}
			seen[server] = struct{}{}
			out = append(out, server)
		}
	}
	return out
}

func (s Selector) matches(server *Server) bool {
	props := server.Properties()
	for key, want := range s.Only {
		have, ok := props[key]
		if !ok || !propertyEqual(have, want) {
			return false
		}
	}
	for key, want := range s.Except {
		if have, ok := props[key]; ok && propertyEqual(have, want) {
			return false
		}
	}
	return true
}

func propertyEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// AddSyntheticGroup registers a uniquely-named group holding exactly the
// given servers, for ad-hoc "on these exact servers" scopes. The name never
// collides with user-declared groups; callers must RemoveGroup it when the
// scoped block exits.
func (r *Registry) AddSyntheticGroup(servers []*Server) string {
	name := "scope-" + uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[name] = nil
	for _, server := range servers {
		r.addToGroupLocked(name, server)
	}
	return name
}

// RemoveGroup deletes a group. Member servers stay registered.
func (r *Registry) RemoveGroup(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.groups, name)
}
