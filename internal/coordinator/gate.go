package coordinator

import "sync"

// gate admits one holder at a time and never queues.
type gate struct {
	mu   sync.Mutex
	held bool
}

func (g *gate) tryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return false
	}
	g.held = true
	return true
}

func (g *gate) release() {
	g.mu.Lock()
	g.held = false
	g.mu.Unlock()
}

func (g *gate) locked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
