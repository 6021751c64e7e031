package channel

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Instance is the runtime realization of a Channel: a concurrency-safe set
// of subscriptions shared by every tracker bound to the same channel.
type Instance struct {
	ch     Channel
	key    string
	driver *MemoryDriver

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	removed bool
}

// Channel returns the descriptor the instance was created for.
func (i *Instance) Channel() Channel {
	return i.ch
}

// Key returns the structural key of the instance's channel.
func (i *Instance) Key() string {
	return i.key
}

// Len returns the number of live subscriptions.
func (i *Instance) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.subs)
}

// Subscribe registers l and starts its delivery goroutine. If the instance
// was removed from its driver after it was looked up, the subscription is
// attached to the instance currently registered for the same channel.
func (i *Instance) Subscribe(l Listener) *Subscription {
	sub := &Subscription{
		listener: l,
		size:     i.driver.cfg.QueueSize,
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	i.mu.Lock()
	if !i.removed {
		i.subs[sub] = struct{}{}
		sub.inst = i
		i.mu.Unlock()
	} else {
		i.mu.Unlock()
		i.driver.attach(i, sub)
	}

	go sub.run()
	return sub
}

// Unsubscribe cancels sub. It is a no-op for nil, foreign or already
// cancelled subscriptions.
func (i *Instance) Unsubscribe(sub *Subscription) {
	if sub == nil || sub.inst != i {
		return
	}
	sub.Unsubscribe()
}

// Publish queues ev for every current subscriber and returns how many it
// reached. It never blocks on a slow subscriber.
func (i *Instance) Publish(ev Event) int {
	i.mu.Lock()
	subs := make([]*Subscription, 0, len(i.subs))
	for s := range i.subs {
		subs = append(subs, s)
	}
	i.mu.Unlock()

	n := 0
	for _, s := range subs {
		dropped, ok, queued := s.enqueue(ev)
		if !queued {
			continue
		}
		n++
		if ok {
			i.driver.logger.Debug("subscriber queue full, dropped oldest event",
				"channel", i.key, "event", dropped.Name)
			if i.driver.cfg.OnDrop != nil {
				i.driver.cfg.OnDrop(i.ch, dropped)
			}
		}
	}
	return n
}

// Subscription is one listener's attachment to an Instance, with its own
// bounded FIFO of undelivered events.
type Subscription struct {
	inst     *Instance
	listener Listener
	size     int

	mu      sync.Mutex
	queue   []Event
	dropped uint64

	signal chan struct{}
	done   chan struct{}

	// deliverMu is held while the listener runs.
	deliverMu sync.Mutex
	closed    atomic.Bool
}

// Instance returns the instance the subscription is attached to.
func (s *Subscription) Instance() *Instance {
	return s.inst
}

// Unsubscribe removes the subscription from its instance and waits for an
// in-flight listener call to return. Once it returns the listener is never
// invoked again. It must not be called from inside the listener itself.
func (s *Subscription) Unsubscribe() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	inst := s.inst

	inst.mu.Lock()
	delete(inst.subs, s)
	empty := len(inst.subs) == 0
	inst.mu.Unlock()

	close(s.done)
	s.deliverMu.Lock()
	s.deliverMu.Unlock()

	s.mu.Lock()
	s.queue = nil
	s.mu.Unlock()

	if empty {
		inst.driver.release(inst)
	}
}

// Pending returns the number of queued, undelivered events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// enqueue appends ev, discarding the oldest queued event when full.
func (s *Subscription) enqueue(ev Event) (dropped Event, didDrop, queued bool) {
	if s.closed.Load() {
		return Event{}, false, false
	}
	s.mu.Lock()
	if len(s.queue) >= s.size {
		dropped = s.queue[0]
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.dropped++
		didDrop = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return dropped, didDrop, true
}

func (s *Subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	copy(s.queue, s.queue[1:])
	s.queue = s.queue[:len(s.queue)-1]
	return ev, true
}

// run is the delivery loop.
func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			ev, ok := s.pop()
			if !ok {
				break
			}
			if !s.deliver(ev) {
				return
			}
		}
	}
}

// deliver invokes the listener unless the subscription was cancelled.
func (s *Subscription) deliver(ev Event) (delivered bool) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.closed.Load() {
		return false
	}
	delivered = true
	defer func() {
		if r := recover(); r != nil {
			s.inst.driver.logger.Error("channel listener panic",
				"channel", s.inst.key,
				"event", ev.Name,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	s.listener(ev)
	return delivered
}
