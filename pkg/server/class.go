package server

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/vango-dev/shocked/pkg/channel"
	"github.com/vango-dev/shocked/pkg/protocol"
)

// Handler is implemented by tracker types. Implementations embed Base and
// are usually pointers to structs:
//
//	type CounterTracker struct {
//	    server.Base
//	    count int
//	}
//
//	func (t *CounterTracker) OnCreate(ctx context.Context) (channel.Channel, error) {
//	    t.SetState(map[string]any{"count": 0})
//	    return channel.Named("counter", t.Group()), nil
//	}
type Handler interface {
	// OnCreate prepares the initial state and returns the channel the tracker
	// binds to. It may block; ctx is cancelled when the session closes or
	// the creation timeout elapses.
	OnCreate(ctx context.Context) (channel.Channel, error)

	base() *Base
}

// APIFunc is the session-side form of a declared tracker API.
type APIFunc func(h Handler, ctx context.Context, call *Call) (any, error)

// TrackerClass describes a tracker type: how to construct it and which APIs
// clients may call. Build one with Define.
type TrackerClass interface {
	// TypeName is the Go type name of the tracker.
	TypeName() string

	newHandler() (Handler, error)
	apiTable() (map[string]APIFunc, error)
}

// Class is the TrackerClass for tracker type T.
type Class[T Handler] struct {
	newFn func() T
	apis  map[string]APIFunc
	err   error
}

// Define starts the declaration of a tracker class. newFn returns a fresh,
// zero-state tracker for every subscription.
func Define[T Handler](newFn func() T) *Class[T] {
	return &Class[T]{newFn: newFn, apis: make(map[string]APIFunc)}
}

// API declares a client-callable method. Method expressions register
// directly:
//
//	server.Define(func() *CounterTracker { return &CounterTracker{} }).
//	    API("increment", (*CounterTracker).Increment)
func (c *Class[T]) API(name string, fn func(T, context.Context, *Call) (any, error)) *Class[T] {
	switch {
	case c.err != nil:
	case name == "":
		c.err = fmt.Errorf("%w: empty api name", ErrInvalidTrackerClass)
	case fn == nil:
		c.err = fmt.Errorf("%w: api %q has no function", ErrInvalidTrackerClass, name)
	case c.apis[name] != nil:
		c.err = fmt.Errorf("%w: api %q declared twice", ErrInvalidTrackerClass, name)
	default:
		c.apis[name] = func(h Handler, ctx context.Context, call *Call) (any, error) {
			return fn(h.(T), ctx, call)
		}
	}
	return c
}

// TypeName implements TrackerClass.
func (c *Class[T]) TypeName() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

func (c *Class[T]) newHandler() (Handler, error) {
	if c.newFn == nil {
		return nil, fmt.Errorf("%w: no factory", ErrInvalidTrackerClass)
	}
	h := c.newFn()
	if isNil(h) {
		return nil, fmt.Errorf("%w: factory returned nil", ErrInvalidTrackerClass)
	}
	if h.base() == nil {
		return nil, fmt.Errorf("%w: %s does not embed server.Base", ErrInvalidTrackerClass, c.TypeName())
	}
	return h, nil
}

func (c *Class[T]) apiTable() (map[string]APIFunc, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := make(map[string]APIFunc, len(c.apis))
	for k, v := range c.apis {
		out[k] = v
	}
	return out, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

// defaultTrackerName strips a conventional "Tracker" suffix from a type name.
func defaultTrackerName(typeName string) string {
	if name := strings.TrimSuffix(typeName, "Tracker"); name != "" {
		return name
	}
	return typeName
}

// registration is a service's record for one tracker name.
type registration struct {
	name  string
	class TrackerClass
	apis  map[string]APIFunc
	names []string // sorted API names
}

func newRegistration(name string, class TrackerClass, apis map[string]APIFunc) *registration {
	names := make([]string, 0, len(apis))
	for n := range apis {
		names = append(names, n)
	}
	sort.Strings(names)
	return &registration{name: name, class: class, apis: apis, names: names}
}

// Call is one API invocation.
type Call struct {
	// Name is the API name.
	Name string

	// ID is the client's correlation id, echoed in the response.
	ID any

	// Args are the positional arguments as decoded by the session codec.
	Args []any

	codec  protocol.Codec
	params map[string]any
}

// NewCall returns a Call for invoking an API outside a session, for example
// from tests. A nil codec selects JSON.
func NewCall(name string, codec protocol.Codec, args ...any) *Call {
	if codec == nil {
		codec = protocol.JSON
	}
	return &Call{Name: name, Args: args, codec: codec}
}

// Len returns the number of arguments.
func (c *Call) Len() int {
	return len(c.Args)
}

// Arg returns argument i, or nil when absent.
func (c *Call) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// Bind decodes argument i into dst.
func (c *Call) Bind(i int, dst any) error {
	if i < 0 || i >= len(c.Args) {
		return fmt.Errorf("%w: %s: missing argument %d", ErrBadArgument, c.Name, i)
	}
	if err := protocol.Bind(c.codec, c.Args[i], dst); err != nil {
		return fmt.Errorf("%w: %s: argument %d: %v", ErrBadArgument, c.Name, i, err)
	}
	return nil
}

// SetParam sets a response metadata entry, sent as the params field of the
// API response.
func (c *Call) SetParam(key string, value any) {
	if c.params == nil {
		c.params = make(map[string]any)
	}
	c.params[key] = value
}

// Params returns the response metadata set so far.
func (c *Call) Params() map[string]any {
	return c.params
}
