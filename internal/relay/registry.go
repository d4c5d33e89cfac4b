package relay

import "sync"

// Registry is the set of live peers. Only the relay loop mutates it; other
// goroutines read snapshots.
type Registry struct {
	mu    sync.RWMutex
	peers []*Peer
}

// Add registers p. It reports false when p, or another peer over the same
// stream, is already present.
func (g *Registry) Add(p *Peer) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, q := range g.peers {
		if q == p || q.stream == p.stream {
			return false
		}
	}
	g.peers = append(g.peers, p)
	return true
}

// Remove unregisters p; removing an absent peer is a no-op.
func (g *Registry) Remove(p *Peer) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, q := range g.peers {
		if q == p {
			g.peers = append(g.peers[:i], g.peers[i+1:]...)
			return true
		}
	}
	return false
}

func (g *Registry) Contains(p *Peer) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, q := range g.peers {
		if q == p {
			return true
		}
	}
	return false
}

// Snapshot returns the live peers in registration order.
func (g *Registry) Snapshot() []*Peer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Peer, len(g.peers))
	copy(out, g.peers)
	return out
}

func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.peers)
}
