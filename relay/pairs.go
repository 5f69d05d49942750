package relay

import (
	"fmt"
	"sync"

	ncerr "gorelay/internal/errors"
)

// Pairs is the forwarding table: a symmetric 1:1 mapping between
// inbound and outbound connection IDs.  Both directions are updated
// under one lock, so a concurrent lookup never sees half a pairing.
//
// Pairs does not know which connections exist; callers check the
// registries before linking.
type Pairs struct {
	mu    sync.RWMutex
	byIn  map[ConnID]ConnID // inbound -> outbound
	byOut map[ConnID]ConnID // outbound -> inbound
}

// NewPairs returns an empty table.
func NewPairs() *Pairs {
	return &Pairs{
		byIn:  make(map[ConnID]ConnID),
		byOut: make(map[ConnID]ConnID),
	}
}

// Link pairs in with out.  It fails with [ncerr.ErrAlreadyLinked] if
// either side is already part of a pairing.
func (p *Pairs) Link(in, out ConnID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if peer, ok := p.byIn[in]; ok {
		return ncerr.WrapConn(Inbound.String(), uint64(in), "link",
			fmt.Errorf("%w to #%d", ncerr.ErrAlreadyLinked, peer))
	}
	if peer, ok := p.byOut[out]; ok {
		return ncerr.WrapConn(Outbound.String(), uint64(out), "link",
			fmt.Errorf("%w to #%d", ncerr.ErrAlreadyLinked, peer))
	}
	p.byIn[in] = out
	p.byOut[out] = in
	return nil
}

// Unlink removes whichever pairing contains id and reports the pair
// that was removed.  IDs are unique across directions, so id may be
// either side.
func (p *Pairs) Unlink(id ConnID) (in, out ConnID, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if o, found := p.byIn[id]; found {
		delete(p.byIn, id)
		delete(p.byOut, o)
		return id, o, true
	}
	if i, found := p.byOut[id]; found {
		delete(p.byOut, id)
		delete(p.byIn, i)
		return i, id, true
	}
	return 0, 0, false
}

// PeerOf returns the ID paired with id, where dir is the direction id
// itself belongs to.
func (p *Pairs) PeerOf(id ConnID, dir Direction) (ConnID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var peer ConnID
	var ok bool
	switch dir {
	case Inbound:
		peer, ok = p.byIn[id]
	case Outbound:
		peer, ok = p.byOut[id]
	}
	return peer, ok
}

// Len returns the number of pairings.
func (p *Pairs) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byIn)
}

// Clear drops every pairing and returns how many there were.
func (p *Pairs) Clear() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.byIn)
	p.byIn = make(map[ConnID]ConnID)
	p.byOut = make(map[ConnID]ConnID)
	return n
}
