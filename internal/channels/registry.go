package channels

import (
	"sort"
	"strings"
)

// Registry holds the set of active channel plugins keyed by id.
// It is populated once at startup and read-only afterwards.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry builds a registry from the given plugins.
func NewRegistry(plugins ...Plugin) *Registry {
	m := make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		m[p.ID()] = p
	}
	return &Registry{plugins: m}
}

// Get returns a plugin by id or alias.
func (r *Registry) Get(id string) (Plugin, bool) {
	if p, ok := r.plugins[id]; ok {
		return p, true
	}
	needle := strings.ToLower(id)
	for _, p := range r.plugins {
		for _, alias := range p.Meta().Aliases {
			if strings.ToLower(alias) == needle {
				return p, true
			}
		}
	}
	return nil, false
}

// List returns all plugins ordered by their Meta.Order, then id.
func (r *Registry) List() []Plugin {
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := out[i].Meta().Order, out[j].Meta().Order
		if oi != oj {
			return oi < oj
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// IDs returns the registered plugin ids in listing order.
func (r *Registry) IDs() []string {
	list := r.List()
	ids := make([]string, len(list))
	for i, p := range list {
		ids[i] = p.ID()
	}
	return ids
}
