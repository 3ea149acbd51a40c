// Package presence detects the same participant code being driven by two
// clients at once. The registry is process-local and lost on restart; it is a
// best-effort guard, not a correctness guarantee.
package presence

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultWindow is how long a token stays "active" without being refreshed.
const DefaultWindow = 60 * time.Second

type entry struct {
	token    string
	lastSeen time.Time
}

// Guard maps participant IDs to the activity token currently controlling
// them. The single mutex is only held for map operations, never across I/O.
type Guard struct {
	clock  clockwork.Clock
	window time.Duration

	mu     sync.Mutex
	active map[string]entry
}

type Config struct {
	Clock clockwork.Clock
	// Window overrides DefaultWindow when > 0.
	Window time.Duration
}

func NewGuard(c Config) *Guard {
	g := &Guard{
		clock:  c.Clock,
		window: c.Window,
		active: make(map[string]entry),
	}

	if g.clock == nil {
		g.clock = clockwork.NewRealClock()
	}
	if g.window <= 0 {
		g.window = DefaultWindow
	}

	return g
}

// Acquire registers token as the active controller of the participant.
// It succeeds when no entry exists, the stored token matches, or the stored
// entry has gone stale; the entry is rewritten in all three cases. Expiry is
// lazy: stale entries are only replaced here, never swept.
func (g *Guard) Acquire(participantID, token string) bool {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.active[participantID]
	if ok && e.token != token && now.Sub(e.lastSeen) <= g.window {
		return false
	}

	g.active[participantID] = entry{token: token, lastSeen: now}
	return true
}

// Touch refreshes the activity timestamp, but only when token matches the
// stored one. A stale client polling with an old token must not keep the
// entry alive for the legitimate holder.
func (g *Guard) Touch(participantID, token string) {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.active[participantID]
	if !ok || e.token != token {
		return
	}

	e.lastSeen = now
	g.active[participantID] = e
}

// Release drops the entry so a finished code can be taken over immediately.
func (g *Guard) Release(participantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.active, participantID)
}
