package replica

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/vango-dev/shocked/pkg/protocol"
	"github.com/vango-dev/shocked/pkg/server"
)

// Reducer folds one action into a state and returns the new state.
type Reducer func(state, action any) any

// Response is a decoded TRACKER_API_RESPONSE.
type Response struct {
	Group    string
	APIID    any
	Result   string
	Response any
	Params   map[string]any
}

// OK reports whether the call succeeded.
func (r Response) OK() bool { return r.Result == protocol.ResultOK }

// Options configures a Replica.
type Options struct {
	// Codec decodes incoming payloads. Default: protocol.JSON.
	Codec protocol.Codec

	// Reducer applies update actions. Default: server.MergeReduce.
	Reducer Reducer

	// Logger receives protocol errors. Default: slog.Default().
	Logger *slog.Logger

	// OnChange is called after a group's state is created or updated.
	OnChange func(group string, state any)

	// OnResponse is called for every API response.
	OnResponse func(Response)

	// OnEmit is called for every TRACKER_EMIT.
	OnEmit func(group, event string, data any)

	// OnAction is called for every server-originated TRACKER_ACTION.
	OnAction func(group string, action any)

	// OnClose is called when the server closes a group.
	OnClose func(group string)
}

// entry is the mirrored state of one group.
type entry struct {
	serial  string
	state   any
	apis    []string
	updates int
}

// Replica mirrors the trackers of one connection. It is safe for
// concurrent use.
type Replica struct {
	opts   Options
	parser *protocol.Parser

	mu       sync.RWMutex
	groups   map[string]*entry
	failures map[string]string
}

// New creates a Replica.
func New(opts Options) *Replica {
	if opts.Codec == nil {
		opts.Codec = protocol.JSON
	}
	if opts.Reducer == nil {
		opts.Reducer = server.MergeReduce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Replica{
		opts:     opts,
		groups:   make(map[string]*entry),
		failures: make(map[string]string),
	}
	r.parser = &protocol.Parser{
		Codec:    opts.Codec,
		Handlers: r.Handlers(),
		Logger:   opts.Logger.With("component", "replica"),
	}
	return r
}

// Receive decodes one server payload and applies it. Malformed payloads are
// logged and dropped.
func (r *Replica) Receive(ctx context.Context, raw []byte) {
	r.parser.Parse(ctx, raw)
}

// Apply applies an already decoded message.
func (r *Replica) Apply(ctx context.Context, msg protocol.Message) error {
	return r.parser.Dispatch(ctx, msg)
}

// Handlers returns the client-side handler set. Client-to-server kinds are
// left unbound.
func (r *Replica) Handlers() protocol.Handlers {
	return protocol.Handlers{
		OnTrackerCreateNew:    r.onCreateNew,
		OnTrackerCreateUpdate: r.onCreateUpdate,
		OnTrackerAPIResponse:  r.onAPIResponse,
		OnTrackerAction:       r.onAction,
		OnTrackerEmit:         r.onEmit,
		OnTrackerClose:        r.onClose,
		OnTrackerCreateFail:   r.onCreateFail,
	}
}

func (r *Replica) onCreateNew(ctx context.Context, group, serial string, data any, apis []string) error {
	r.mu.Lock()
	r.groups[group] = &entry{serial: serial, state: data, apis: apis}
	delete(r.failures, group)
	r.mu.Unlock()

	if r.opts.OnChange != nil {
		r.opts.OnChange(group, data)
	}
	return nil
}

func (r *Replica) onCreateUpdate(ctx context.Context, group, serial string, actions []any) error {
	r.mu.Lock()
	e, ok := r.groups[group]
	if !ok || e.serial != serial {
		r.mu.Unlock()
		r.opts.Logger.Debug("stale tracker update", "group", group, "serial", serial)
		return nil
	}
	for _, a := range actions {
		e.state = r.opts.Reducer(e.state, a)
	}
	e.updates++
	state := e.state
	r.mu.Unlock()

	if r.opts.OnChange != nil {
		r.opts.OnChange(group, state)
	}
	return nil
}

func (r *Replica) onAPIResponse(ctx context.Context, group string, apiID any, result string, response any, params map[string]any) error {
	if r.opts.OnResponse != nil {
		r.opts.OnResponse(Response{
			Group:    group,
			APIID:    apiID,
			Result:   result,
			Response: response,
			Params:   params,
		})
	}
	return nil
}

func (r *Replica) onAction(ctx context.Context, group string, action any) error {
	if r.opts.OnAction != nil {
		r.opts.OnAction(group, action)
	}
	return nil
}

func (r *Replica) onEmit(ctx context.Context, group, event string, data any) error {
	if r.opts.OnEmit != nil {
		r.opts.OnEmit(group, event, data)
	}
	return nil
}

func (r *Replica) onClose(ctx context.Context, group string) error {
	r.mu.Lock()
	delete(r.groups, group)
	r.mu.Unlock()

	if r.opts.OnClose != nil {
		r.opts.OnClose(group)
	}
	return nil
}

func (r *Replica) onCreateFail(ctx context.Context, group, reason string) error {
	r.mu.Lock()
	delete(r.groups, group)
	r.failures[group] = reason
	r.mu.Unlock()
	return nil
}

// State returns the mirrored state of group.
func (r *Replica) State(group string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.groups[group]
	if !ok {
		return nil, false
	}
	return e.state, true
}

// Serial returns the serial of the tracker currently mirrored for group.
func (r *Replica) Serial(group string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.groups[group]
	if !ok {
		return "", false
	}
	return e.serial, true
}

// APIs returns the API names announced for group.
func (r *Replica) APIs(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.groups[group]; ok {
		return append([]string(nil), e.apis...)
	}
	return nil
}

// Updates returns the number of CREATE_UPDATE messages applied to group.
func (r *Replica) Updates(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.groups[group]; ok {
		return e.updates
	}
	return 0
}

// Failure returns the diagnostic of the last failed creation of group.
func (r *Replica) Failure(group string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reason, ok := r.failures[group]
	return reason, ok
}

// Groups returns the mirrored groups, sorted.
func (r *Replica) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	groups := make([]string, 0, len(r.groups))
	for g := range r.groups {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}
