package event_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/victornm/vaxgame/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"subscriber only receives events it subscribed to": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("round.finalized"),
						eventWithName("ready.confirmed"),
					},
					subscribers: []subscriber{
						{name: "s1", subscribeTo: []string{"round.finalized"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("round.finalized")}, out.received["s1"])
			},
		},

		"repeated publishes are all delivered": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("ready.confirmed"),
						eventWithName("ready.confirmed"),
						eventWithName("ready.confirmed"),
					},
					subscribers: []subscriber{
						{name: "s1", subscribeTo: []string{"ready.confirmed"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["s1"], 3)
			},
		},

		"one event fans out to every subscriber": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("participant.joined"),
					},
					subscribers: []subscriber{
						{name: "s1", subscribeTo: []string{"participant.joined"}},
						{name: "s2", subscribeTo: []string{"participant.joined"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("participant.joined")}, out.received["s1"])
				assert.ElementsMatch(t, []event.Event{eventWithName("participant.joined")}, out.received["s2"])
			},
		},

		"mixed events route to the right subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("e1"),
						eventWithName("e2"),
						eventWithName("e1"),
					},
					subscribers: []subscriber{
						{name: "s1", subscribeTo: []string{"e1"}},
						{name: "s2", subscribeTo: []string{"e1", "e2"}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("e1"), eventWithName("e1")}, out.received["s1"])
				assert.ElementsMatch(t, []event.Event{eventWithName("e1"), eventWithName("e1"), eventWithName("e2")}, out.received["s2"])
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus()
			for _, s := range in.subscribers {
				s := s
				for _, e := range s.subscribeTo {
					b.Subscribe(e, func(ctx context.Context, e event.Event) error {
						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()
						return nil
					})
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

func TestBus_HandlerFailureDoesNotBlockOthers(t *testing.T) {
	b := event.NewBus(event.WithPoolSize(2))

	var (
		mu    sync.Mutex
		calls int
	)

	b.Subscribe("e", func(ctx context.Context, e event.Event) error {
		return errors.New("boom")
	})
	b.Subscribe("e", func(ctx context.Context, e event.Event) error {
		panic("boom")
	})
	b.Subscribe("e", func(ctx context.Context, e event.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	b.Publish(context.Background(), eventWithName("e"))
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

type eventWithName string

func (e eventWithName) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
}
