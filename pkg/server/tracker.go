package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/shocked/pkg/channel"
	"github.com/vango-dev/shocked/pkg/protocol"
)

// State is a tracker lifecycle state.
type State int32

const (
	// StateCreated: constructed, creation hook not yet finished.
	StateCreated State = iota
	// StateActive: bound to a channel instance, initial state sent.
	StateActive
	// StateClosed: terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Optional tracker hooks.
type (
	// Reducer replaces the default shallow-merge reduction. The client must
	// apply the same reduction to stay in sync.
	Reducer interface {
		Reduce(state, action any) any
	}

	// ActionHandler receives inbound TRACKER_ACTION messages. Without it,
	// inbound actions are reduced into the tracker's state.
	ActionHandler interface {
		OnAction(ctx context.Context, action any) error
	}

	// EventHandler receives events fanned out by the tracker's channel.
	// Without it, events are forwarded to the client as TRACKER_EMIT.
	EventHandler interface {
		OnEvent(ctx context.Context, ev channel.Event) error
	}

	// Closer is called once when the tracker closes.
	Closer interface {
		OnClose()
	}
)

// Base is embedded by every tracker type. Its methods are safe for
// concurrent use.
type Base struct {
	t *Tracker
}

func (b *Base) base() *Base { return b }

// Tracker returns the runtime tracker the value is bound to.
func (b *Base) Tracker() *Tracker { return b.t }

// Name returns the registered tracker name.
func (b *Base) Name() string { return b.t.name }

// Group returns the tracker's group identifier.
func (b *Base) Group() string { return b.t.group }

// Serial returns the tracker's serial.
func (b *Base) Serial() string { return b.t.serial }

// Params returns the creation parameters as decoded from the wire.
func (b *Base) Params() any { return b.t.params }

// BindParams decodes the creation parameters into dst.
func (b *Base) BindParams(dst any) error {
	return protocol.Bind(b.t.codec(), b.t.params, dst)
}

// Session returns the owning session.
func (b *Base) Session() *Session { return b.t.session }

// Logger returns a logger scoped to the tracker.
func (b *Base) Logger() *slog.Logger { return b.t.logger }

// State returns the current server-side state.
func (b *Base) State() any { return b.t.State() }

// SetState sets the initial state sent with TRACKER_CREATE_NEW. It fails
// with ErrTrackerActive once the initial sync happened; later changes must
// go through Dispatch.
func (b *Base) SetState(data any) error { return b.t.setState(data) }

// Dispatch reduces actions into the state and sends them to the client as
// one TRACKER_CREATE_UPDATE. Inside an API call, action handler or event
// handler, actions are batched and sent once before the API response.
// Before activation they only shape the initial state.
func (b *Base) Dispatch(actions ...any) error { return b.t.dispatch(actions) }

// Emit sends an event to this tracker's client only.
func (b *Base) Emit(event string, data any) error {
	return b.t.send(protocol.TrackerEmit(b.t.group, event, data))
}

// Publish fans an event out to every tracker bound to the same channel
// instance, this one included. It returns the number of subscribers reached.
func (b *Base) Publish(event string, data any) int {
	return b.t.publish(channel.Event{Name: event, Data: data})
}

// SendAction sends a TRACKER_ACTION to the client without reducing it.
func (b *Base) SendAction(action any) error {
	return b.t.send(protocol.TrackerAction(b.t.group, action))
}

// Close closes the tracker and notifies the client with TRACKER_CLOSE.
func (b *Base) Close() { b.t.close(true) }

// Tracker is the runtime side of one client subscription.
type Tracker struct {
	name    string
	group   string
	serial  string
	params  any
	handler Handler
	reg     *registration
	session *Session
	logger  *slog.Logger

	state atomic.Int32

	mu       sync.Mutex
	data     any
	batch    []any
	batching int

	inst      *channel.Instance
	sub       *channel.Subscription
	closeOnce sync.Once
}

func newTracker(reg *registration, h Handler, session *Session, group, serial string, params any) *Tracker {
	t := &Tracker{
		name:    reg.name,
		group:   group,
		serial:  serial,
		params:  params,
		handler: h,
		reg:     reg,
		session: session,
		logger:  session.logger.With("tracker", reg.name, "group", group, "serial", serial),
	}
	h.base().t = t
	return t
}

// Name returns the registered tracker name.
func (t *Tracker) Name() string { return t.name }

// Group returns the tracker's group identifier.
func (t *Tracker) Group() string { return t.group }

// Serial returns the tracker's serial.
func (t *Tracker) Serial() string { return t.serial }

// Handler returns the user tracker value.
func (t *Tracker) Handler() Handler { return t.handler }

// LifecycleState returns the lifecycle state.
func (t *Tracker) LifecycleState() State { return State(t.state.Load()) }

// Instance returns the bound channel instance, or nil before activation.
func (t *Tracker) Instance() *channel.Instance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inst
}

// State returns the current server-side state.
func (t *Tracker) State() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

// APIs returns the sorted API names.
func (t *Tracker) APIs() []string {
	return append([]string(nil), t.reg.names...)
}

func (t *Tracker) codec() protocol.Codec {
	return t.session.codec
}

func (t *Tracker) setState(data any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.LifecycleState() != StateCreated {
		return ErrTrackerActive
	}
	t.data = data
	return nil
}

func (t *Tracker) reduce(state, action any) any {
	if r, ok := t.handler.(Reducer); ok {
		return r.Reduce(state, action)
	}
	return MergeReduce(state, action)
}

// MergeReduce is the default reducer: a shallow merge of an object action
// into an object state. Any other action replaces the state.
func MergeReduce(state, action any) any {
	a, ok := action.(map[string]any)
	if !ok {
		return action
	}
	s, ok := state.(map[string]any)
	if !ok {
		s = nil
	}
	out := make(map[string]any, len(s)+len(a))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range a {
		out[k] = v
	}
	return out
}

func (t *Tracker) dispatch(actions []any) error {
	if len(actions) == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.LifecycleState() {
	case StateClosed:
		return ErrTrackerClosed
	case StateCreated:
		for _, a := range actions {
			t.data = t.reduce(t.data, a)
		}
		return nil
	}

	for _, a := range actions {
		t.data = t.reduce(t.data, a)
	}
	if t.batching > 0 {
		t.batch = append(t.batch, actions...)
		return nil
	}
	// Sending under mu keeps update order equal to reduction order.
	return t.send(protocol.TrackerCreateUpdate(t.group, t.serial, actions))
}

func (t *Tracker) beginBatch() {
	t.mu.Lock()
	t.batching++
	t.mu.Unlock()
}

// flushBatch sends the batched actions as one update.
func (t *Tracker) flushBatch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batching--
	if t.batching > 0 || len(t.batch) == 0 {
		return
	}
	actions := t.batch
	t.batch = nil
	if t.LifecycleState() == StateClosed {
		return
	}
	if err := t.send(protocol.TrackerCreateUpdate(t.group, t.serial, actions)); err != nil {
		t.logger.Warn("update not sent", "error", err)
	}
}

func (t *Tracker) send(msg protocol.Message) error {
	if t.LifecycleState() == StateClosed {
		return ErrTrackerClosed
	}
	return t.session.send(msg)
}

func (t *Tracker) publish(ev channel.Event) int {
	inst := t.Instance()
	if inst == nil || t.LifecycleState() != StateActive {
		return 0
	}
	return inst.Publish(ev)
}

// activate claims the tracker's session slot, sends the initial state and
// subscribes it to ch. It runs exactly once, at the end of creation. The
// instance is resolved only after the slot is held, so a refused tracker
// never registers an empty instance.
func (t *Tracker) activate(driver channel.Driver, ch channel.Channel) error {
	if err := t.session.attach(t); err != nil {
		return err
	}

	t.mu.Lock()
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateActive)) {
		t.mu.Unlock()
		return ErrTrackerClosed
	}
	// CREATE_NEW is queued before any event can reach the worker.
	err := t.session.send(protocol.TrackerCreateNew(t.group, t.serial, t.data, t.reg.names))
	inst := driver.GetInstance(ch)
	sub := inst.Subscribe(t.onChannelEvent)
	t.inst = inst
	t.sub = sub
	t.mu.Unlock()

	return err
}

// onChannelEvent runs on the subscription's delivery goroutine and hands
// the event to the group worker.
func (t *Tracker) onChannelEvent(ev channel.Event) {
	err := t.session.post(t.group, func(ctx context.Context) {
		t.handleEvent(ctx, ev)
	})
	if err != nil {
		t.logger.Debug("channel event not queued", "event", ev.Name, "error", err)
	}
}

func (t *Tracker) handleEvent(ctx context.Context, ev channel.Event) {
	if t.LifecycleState() != StateActive {
		return
	}
	eh, ok := t.handler.(EventHandler)
	if !ok {
		if err := t.send(protocol.TrackerEmit(t.group, ev.Name, ev.Data)); err != nil {
			t.logger.Debug("emit not sent", "event", ev.Name, "error", err)
		}
		return
	}
	t.beginBatch()
	defer t.flushBatch()
	if err := t.guard(func() error { return eh.OnEvent(ctx, ev) }); err != nil {
		t.logger.Warn("event handler failed", "event", ev.Name, "error", err)
	}
}

func (t *Tracker) handleAction(ctx context.Context, action any) {
	if t.LifecycleState() != StateActive {
		return
	}
	ah, ok := t.handler.(ActionHandler)
	if !ok {
		// The client applied the action locally already.
		t.mu.Lock()
		t.data = t.reduce(t.data, action)
		t.mu.Unlock()
		return
	}
	t.beginBatch()
	defer t.flushBatch()
	if err := t.guard(func() error { return ah.OnAction(ctx, action) }); err != nil {
		t.logger.Warn("action handler failed", "error", err)
	}
}

// handleAPI invokes an API and answers it with exactly one response.
func (t *Tracker) handleAPI(ctx context.Context, apiID any, name string, args []any) {
	start := time.Now()
	call := &Call{Name: name, ID: apiID, Args: args, codec: t.codec()}

	svc := t.session.service
	ctx, span := startSpan(ctx, svc.tracer, spanTrackerAPI,
		attrService.String(svc.name),
		attrTracker.String(t.name),
		attrGroup.String(t.group),
		attrAPI.String(name),
		attrSessionID.String(t.session.ID),
	)

	result, err := t.invoke(ctx, call)
	endSpan(span, err)

	label := name
	if errors.Is(err, ErrUnknownAPI) {
		label = "unknown"
	}
	if err != nil {
		t.session.metrics.apiCalled(t.name, label, protocol.ResultError, time.Since(start))
		t.logger.Info("api call failed", "api", name, "error", err)
		t.session.respond(t.group, apiID, protocol.ResultError, diagnostic(err), call.params)
		return
	}
	t.session.metrics.apiCalled(t.name, label, protocol.ResultOK, time.Since(start))
	t.session.respond(t.group, apiID, protocol.ResultOK, result, call.params)
}

func (t *Tracker) invoke(ctx context.Context, call *Call) (result any, err error) {
	if t.LifecycleState() != StateActive {
		return nil, ErrTrackerClosed
	}
	fn, ok := t.reg.apis[call.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAPI, call.Name)
	}
	t.beginBatch()
	// Actions dispatched before a failure are already reduced, so they are
	// sent either way.
	defer t.flushBatch()
	err = t.guard(func() error {
		var ferr error
		result, ferr = fn(t.handler, ctx, call)
		return ferr
	})
	return result, err
}

// guard runs fn, converting a panic into a *panicError.
func (t *Tracker) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			t.logger.Error("tracker panic", "panic", r, "stack", string(stack))
			err = &panicError{value: r, stack: stack}
		}
	}()
	return fn()
}

// Close closes the tracker without notifying the client.
func (t *Tracker) Close() { t.close(false) }

// close is idempotent. It unsubscribes synchronously, runs OnClose and
// releases the tracker's group in its session.
func (t *Tracker) close(notify bool) {
	t.closeOnce.Do(func() {
		wasActive := t.LifecycleState() == StateActive
		if notify && wasActive {
			if err := t.session.send(protocol.TrackerClose(t.group)); err != nil {
				t.logger.Debug("close not sent", "error", err)
			}
		}

		t.mu.Lock()
		t.state.Store(int32(StateClosed))
		sub := t.sub
		t.mu.Unlock()

		if sub != nil {
			sub.Unsubscribe()
		}
		if c, ok := t.handler.(Closer); ok {
			if err := t.guard(func() error { c.OnClose(); return nil }); err != nil {
				t.logger.Warn("close hook failed", "error", err)
			}
		}
		t.session.detach(t)
		if wasActive {
			t.session.metrics.trackerClosed(t.name)
		}
		t.logger.Debug("tracker closed")
	})
}
