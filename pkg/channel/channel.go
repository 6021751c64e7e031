package channel

import "strings"

// Channel identifies a subscribable resource. Two channels with equal keys
// resolve to the same Instance; identity is structural, never by reference.
type Channel interface {
	Key() string
}

// Named returns the stock Channel for a resource of the given kind and id,
// for example Named("todo-list", "42").
func Named(kind, id string) Channel {
	return named{kind: kind, id: id}
}

type named struct {
	kind string
	id   string
}

// Key escapes ':' and '\' in both parts so distinct (kind, id) pairs never
// collide.
func (n named) Key() string {
	return escapeKey(n.kind) + ":" + escapeKey(n.id)
}

func (n named) String() string {
	return n.kind + "/" + n.id
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`)

func escapeKey(s string) string {
	return keyEscaper.Replace(s)
}

// Event is a message published to a channel and fanned out to every
// subscriber of its instance.
type Event struct {
	Name string
	Data any
}

// Listener receives events from an Instance. Each subscription has its own
// delivery goroutine, so a listener is never called concurrently with itself.
type Listener func(Event)
