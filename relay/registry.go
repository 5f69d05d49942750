package relay

import (
	"sort"
	"sync"
	"sync/atomic"

	"gorelay/internal/metrics"
)

// ConnID identifies a registered connection.  IDs are positive and
// never reused within a proxy's lifetime.
type ConnID uint64

// Direction tells which registry a connection belongs to.
type Direction uint8

const (
	// Server marks events about the listening socket itself.
	Server Direction = iota
	Inbound
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return "server"
	}
}

// Opposite returns the direction of a connection's peer.
func (d Direction) Opposite() Direction {
	switch d {
	case Inbound:
		return Outbound
	case Outbound:
		return Inbound
	}
	return Server
}

func (d Direction) metric() metrics.Direction {
	if d == Outbound {
		return metrics.Outbound
	}
	return metrics.Inbound
}

// IDAllocator hands out connection IDs from a single counter shared by
// both registries.  The zero value is ready to use; the first ID is 1.
type IDAllocator struct {
	last atomic.Uint64
}

// Next returns an ID strictly greater than every ID returned before.
func (a *IDAllocator) Next() ConnID {
	return ConnID(a.last.Add(1))
}

// Entry is one registry slot.
type Entry struct {
	ID   ConnID
	Conn *Connection
}

// Registry maps connection IDs to live connections for one direction.
// It is safe for concurrent use.
type Registry struct {
	dir   Direction
	mu    sync.RWMutex
	conns map[ConnID]*Connection
}

// NewRegistry returns an empty registry for dir.
func NewRegistry(dir Direction) *Registry {
	return &Registry{dir: dir, conns: make(map[ConnID]*Connection)}
}

// Direction returns the direction this registry holds.
func (r *Registry) Direction() Direction { return r.dir }

// Insert stores c under id, replacing any previous entry.
func (r *Registry) Insert(id ConnID, c *Connection) {
	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(id ConnID) (*Connection, bool) {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	return c, ok
}

// Remove deletes id and returns what was stored there.  Removing an
// absent id is a no-op.
func (r *Registry) Remove(id ConnID) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return c, ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs returns the registered IDs in ascending order.
func (r *Registry) IDs() []ConnID {
	r.mu.RLock()
	ids := make([]ConnID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Entries returns a snapshot of the registry ordered by ID.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.conns))
	for id, c := range r.conns {
		out = append(out, Entry{ID: id, Conn: c})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Drain empties the registry and returns what it held, ordered by ID.
func (r *Registry) Drain() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.conns))
	for id, c := range r.conns {
		out = append(out, Entry{ID: id, Conn: c})
	}
	r.conns = make(map[ConnID]*Connection)
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
