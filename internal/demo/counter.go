package demo

import (
	"context"
	"sync"

	"github.com/vango-dev/shocked/pkg/channel"
	"github.com/vango-dev/shocked/pkg/server"
)

// Counters holds the shared value of every counter id.
type Counters struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewCounters returns an empty counter store.
func NewCounters() *Counters {
	return &Counters{counts: make(map[string]int)}
}

// Get returns the value of counter id.
func (c *Counters) Get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

// update applies fn to counter id and calls publish with the new value
// while still holding the lock, so subscribers see changes in order.
func (c *Counters) update(id string, fn func(int) int, publish func(int)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := fn(c.counts[id])
	c.counts[id] = v
	publish(v)
	return v
}

// Counter is a shared integer.
//
// State: {"id": string, "count": int}
// APIs: increment(n = 1) -> count, reset() -> 0
type Counter struct {
	server.Base
	store *Counters
	id    string
}

func (t *Counter) OnCreate(ctx context.Context) (channel.Channel, error) {
	t.id = resourceID(&t.Base)
	if err := t.SetState(map[string]any{"id": t.id, "count": t.store.Get(t.id)}); err != nil {
		return nil, err
	}
	return channel.Named("counter", t.id), nil
}

// OnEvent applies a count published by any subscriber of the counter.
func (t *Counter) OnEvent(ctx context.Context, ev channel.Event) error {
	if ev.Name != "count" {
		return nil
	}
	return t.Dispatch(map[string]any{"count": ev.Data})
}

func (t *Counter) Increment(ctx context.Context, call *server.Call) (any, error) {
	n := 1
	if call.Len() > 0 {
		if err := call.Bind(0, &n); err != nil {
			return nil, err
		}
	}
	return t.set(func(v int) int { return v + n }), nil
}

func (t *Counter) Reset(ctx context.Context, call *server.Call) (any, error) {
	return t.set(func(int) int { return 0 }), nil
}

func (t *Counter) set(fn func(int) int) int {
	return t.store.update(t.id, fn, func(v int) {
		t.Publish("count", v)
	})
}

// CounterClass declares the Counter tracker backed by store.
func CounterClass(store *Counters) *server.Class[*Counter] {
	return server.Define(func() *Counter { return &Counter{store: store} }).
		API("increment", (*Counter).Increment).
		API("reset", (*Counter).Reset)
}
