package relay

import "sync"

// RemapTable maps a peer to the source id its frames are rewritten to.
// Entries are keyed by peer identity, never by address.
type RemapTable struct {
	mu sync.RWMutex
	m  map[*Peer]uint16
}

// Set records id for p, replacing any previous entry.
func (t *RemapTable) Set(p *Peer, id uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[*Peer]uint16)
	}
	t.m[p] = id
}

// Lookup returns the remapped id for p, if any.
func (t *RemapTable) Lookup(p *Peer) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.m[p]
	return id, ok
}

func (t *RemapTable) Delete(p *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, p)
}

func (t *RemapTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}
