package stasis

import "sync"

// stopGate decides which side issues an operation's compensating stop
// command. The action becomes active when its start command is
// acknowledged; cancel may come before or after that. Whichever of the two
// happens second gets stopNow=true, and only once. Once finished, the
// gate stays inert until rearmed: a start acknowledgement that arrives
// after the action already ended does not reactivate it.
type stopGate struct {
	mu        sync.Mutex
	cancelled bool
	active    bool
	stopped   bool
	over      bool
}

func (g *stopGate) cancel() (stopNow bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = true
	if g.active && !g.stopped {
		g.stopped = true
		return true
	}
	return false
}

func (g *stopGate) activate() (stopNow bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.over {
		return false
	}
	g.active = true
	if g.cancelled && !g.stopped {
		g.stopped = true
		return true
	}
	return false
}

// finish marks the action over so a later cancel issues nothing.
func (g *stopGate) finish() {
	g.mu.Lock()
	g.active = false
	g.over = true
	g.mu.Unlock()
}

// rearm readies the gate for another start/await cycle.
func (g *stopGate) rearm() {
	g.mu.Lock()
	g.active = false
	g.stopped = false
	g.over = false
	g.mu.Unlock()
}

func (g *stopGate) isCancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled
}
