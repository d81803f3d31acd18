package rpcclient

import "sync"

// Gate is the transport suspend flag. While a Gate is suspended, new calls and
// calls already in flight resolve immediately with an empty success. The
// supervisor suspends it while the daemon is deliberately stopped.
type Gate struct {
	mu        sync.Mutex
	suspended bool
	done      chan struct{}
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Suspend makes every pending and future call resolve empty until Resume.
func (g *Gate) Suspend() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.suspended {
		g.suspended = true
		close(g.done)
	}
}

// Resume reopens the gate.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.suspended {
		g.suspended = false
		g.done = make(chan struct{})
	}
}

// Suspended reports whether the gate is currently suspended.
func (g *Gate) Suspended() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suspended
}

// Done returns a channel that is closed when the gate is suspended.
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}
