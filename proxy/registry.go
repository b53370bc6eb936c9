package proxy

import (
	"slices"

	"github.com/treemana/dnsproxy/model"
)

// registry holds the clients in arrival order, indexed by their duplicate
// key.
type registry struct {
	clients []*client
	index   map[model.Key]*client
}

func newRegistry() *registry {
	return &registry{index: make(map[model.Key]*client)}
}

func (r *registry) find(key model.Key) *client {
	return r.index[key]
}

func (r *registry) add(c *client) {
	r.clients = append(r.clients, c)
	r.index[c.key] = c
}

// remove reports whether c was registered.
func (r *registry) remove(c *client) bool {
	i := slices.Index(r.clients, c)
	if i < 0 {
		return false
	}

	r.clients = slices.Delete(r.clients, i, i+1)
	if r.index[c.key] == c {
		delete(r.index, c.key)
	}

	return true
}

// bound returns the clients waiting on handle, oldest first.
func (r *registry) bound(handle model.Handle) []*client {
	var clients []*client
	for _, c := range r.clients {
		if c.handle == handle {
			clients = append(clients, c)
		}
	}
	return clients
}

func (r *registry) len() int {
	return len(r.clients)
}

// drain empties the registry and returns what it held.
func (r *registry) drain() []*client {
	clients := r.clients
	r.clients = nil
	clear(r.index)
	return clients
}
