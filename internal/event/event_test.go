package event_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vesys/veapi/internal/event"
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
		"a subscriber should only receive events it subscribed to": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("rollup.updated"),
						eventWithName("leaderboard.updated"),
					},
					subscribers: []subscriber{
						{
							name:        "boards",
							subscribeTo: []string{"rollup.updated"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("rollup.updated")}, out.received["boards"])
			},
		},

		"a subscriber should receive every published occurrence": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("rollup.updated"),
						eventWithName("rollup.updated"),
						eventWithName("rollup.updated"),
					},
					subscribers: []subscriber{
						{
							name:        "boards",
							subscribeTo: []string{"rollup.updated"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["boards"], 3)
			},
		},

		"an event should fan out to all its subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("rollup.updated"),
					},
					subscribers: []subscriber{
						{
							name:        "boards",
							subscribeTo: []string{"rollup.updated"},
						},
						{
							name:        "notifications",
							subscribeTo: []string{"rollup.updated"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{eventWithName("rollup.updated")}, out.received["boards"])
				assert.ElementsMatch(t, []event.Event{eventWithName("rollup.updated")}, out.received["notifications"])
			},
		},

		"mixed events should be routed to the right subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{
						eventWithName("user.registered"),
						eventWithName("rollup.updated"),
						eventWithName("rollup.updated"),
						eventWithName("leaderboard.updated"),
					},
					subscribers: []subscriber{
						{
							name:        "boards",
							subscribeTo: []string{"user.registered", "rollup.updated"},
						},
						{
							name:        "notifications",
							subscribeTo: []string{"rollup.updated", "leaderboard.updated"},
						},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.Len(t, out.received["boards"], 3)
				assert.Len(t, out.received["notifications"], 3)
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

func TestBus_FailingHandlerDoesNotAffectOthers(t *testing.T) {
	t.Parallel()

	b := event.NewBus()

	var mu sync.Mutex
	var received []event.Event

	b.Subscribe("e", func(ctx context.Context, e event.Event) error {
		return fmt.Errorf("boom")
	})
	b.Subscribe("e", func(ctx context.Context, e event.Event) error {
		panic("boom")
	})
	b.Subscribe("e", func(ctx context.Context, e event.Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	})

	b.Publish(context.Background(), eventWithName("e"))
	b.Publish(context.Background(), eventWithName("e"))
	b.Stop()

	assert.Len(t, received, 2)
}

type eventWithName string

func (e eventWithName) Name() string {
	return string(e)
}

type subscriber struct {
	name        string
	subscribeTo []string
}
