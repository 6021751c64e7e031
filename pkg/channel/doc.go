// Package channel provides channel-based pub/sub fan-out for trackers.
//
// A Channel is a value describing a subscribable resource. A Driver resolves
// it into an Instance, the shared runtime object holding the subscriber set:
//
//	d := channel.NewMemoryDriver(channel.Config{QueueSize: 5})
//	inst := d.GetInstance(channel.Named("todo-list", "42"))
//	sub := inst.Subscribe(func(ev channel.Event) { ... })
//	defer sub.Unsubscribe()
//	inst.Publish(channel.Event{Name: "changed", Data: item})
//
// # Backpressure
//
// Every subscription owns a FIFO of at most QueueSize undelivered events and
// a goroutine that drains it. Publish only appends to these queues. When a
// queue is full its oldest event is dropped and Config.OnDrop is called; the
// publisher and all other subscribers are unaffected.
//
// # Cancellation
//
// Unsubscribe is synchronous: it waits for an in-flight listener call and
// guarantees no further calls once it returns. A listener therefore must not
// unsubscribe its own subscription.
package channel
