package presence_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/victornm/vaxgame/internal/presence"
)

func TestGuard_Acquire(t *testing.T) {
	tests := map[string]struct {
		arrange func(g *presence.Guard, clock *clockwork.FakeClock)
		acquire func(g *presence.Guard) bool
		want    bool
	}{
		"fresh participant is allowed": {
			arrange: func(g *presence.Guard, clock *clockwork.FakeClock) {},
			acquire: func(g *presence.Guard) bool { return g.Acquire("p1", "t1") },
			want:    true,
		},

		"same token can re-acquire": {
			arrange: func(g *presence.Guard, clock *clockwork.FakeClock) {
				g.Acquire("p1", "t1")
			},
			acquire: func(g *presence.Guard) bool { return g.Acquire("p1", "t1") },
			want:    true,
		},

		"second token within the window is rejected": {
			arrange: func(g *presence.Guard, clock *clockwork.FakeClock) {
				g.Acquire("p1", "t1")
				clock.Advance(30 * time.Second)
			},
			acquire: func(g *presence.Guard) bool { return g.Acquire("p1", "t2") },
			want:    false,
		},

		"second token after the window takes over": {
			arrange: func(g *presence.Guard, clock *clockwork.FakeClock) {
				g.Acquire("p1", "t1")
				clock.Advance(61 * time.Second)
			},
			acquire: func(g *presence.Guard) bool { return g.Acquire("p1", "t2") },
			want:    true,
		},

		"touching keeps the holder alive": {
			arrange: func(g *presence.Guard, clock *clockwork.FakeClock) {
				g.Acquire("p1", "t1")
				clock.Advance(45 * time.Second)
				g.Touch("p1", "t1")
				clock.Advance(45 * time.Second)
			},
			acquire: func(g *presence.Guard) bool { return g.Acquire("p1", "t2") },
			want:    false,
		},

		"touch with a foreign token does not refresh": {
			arrange: func(g *presence.Guard, clock *clockwork.FakeClock) {
				g.Acquire("p1", "t1")
				clock.Advance(45 * time.Second)
				g.Touch("p1", "t2")
				clock.Advance(45 * time.Second)
			},
			acquire: func(g *presence.Guard) bool { return g.Acquire("p1", "t2") },
			want:    true,
		},

		"release frees the code immediately": {
			arrange: func(g *presence.Guard, clock *clockwork.FakeClock) {
				g.Acquire("p1", "t1")
				g.Release("p1")
			},
			acquire: func(g *presence.Guard) bool { return g.Acquire("p1", "t2") },
			want:    true,
		},

		"different participants do not interfere": {
			arrange: func(g *presence.Guard, clock *clockwork.FakeClock) {
				g.Acquire("p1", "t1")
			},
			acquire: func(g *presence.Guard) bool { return g.Acquire("p2", "t2") },
			want:    true,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			clock := clockwork.NewFakeClock()
			g := presence.NewGuard(presence.Config{Clock: clock})

			tt.arrange(g, clock)
			assert.Equal(t, tt.want, tt.acquire(g))
		})
	}
}

// Many clients fighting over one code: exactly one token wins the slot.
func TestGuard_AcquireConcurrent(t *testing.T) {
	g := presence.NewGuard(presence.Config{Clock: clockwork.NewFakeClock()})

	const clients = 50

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if g.Acquire("p1", fmt.Sprintf("t%d", i)) {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, won)
}
