package protocol

import (
	"context"
	"log/slog"
	"runtime/debug"
)

// Handlers is the set of functions a Parser dispatches to, one per message
// kind. A nil field leaves the kind unbound: a session binds the client-to-
// server kinds, a client binds the server-to-client kinds.
type Handlers struct {
	OnTrackerCreate       func(ctx context.Context, group string, params any, serial string) error
	OnTrackerAction       func(ctx context.Context, group string, action any) error
	OnTrackerCreateNew    func(ctx context.Context, group, serial string, data any, apis []string) error
	OnTrackerCreateUpdate func(ctx context.Context, group, serial string, actions []any) error
	OnTrackerAPI          func(ctx context.Context, group string, apiID any, name string, args []any) error
	OnTrackerAPIResponse  func(ctx context.Context, group string, apiID any, result string, response any, params map[string]any) error
	OnTrackerEmit         func(ctx context.Context, group, event string, data any) error
	OnTrackerClose        func(ctx context.Context, group string) error
	OnTrackerCreateFail   func(ctx context.Context, group, err string) error
}

// arity is the number of positional fields each kind carries.
var arity = map[Kind]int{
	KindTrackerCreate:       3,
	KindTrackerAction:       2,
	KindTrackerCreateNew:    4,
	KindTrackerCreateUpdate: 3,
	KindTrackerAPI:          4,
	KindTrackerAPIResponse:  5,
	KindTrackerEmit:         3,
	KindTrackerClose:        1,
	KindTrackerCreateFail:   2,
}

// Parser decodes raw payloads and dispatches them to Handlers.
//
// Parse never panics and never returns an error: every decode or dispatch
// failure is passed to OnError. When OnError is nil the failure is logged
// at warn level with Logger, or slog.Default() when Logger is nil.
type Parser struct {
	Codec    Codec
	Handlers Handlers
	OnError  func(err error)
	Logger   *slog.Logger
}

// Parse decodes raw and dispatches it.
func (p *Parser) Parse(ctx context.Context, raw []byte) {
	msg, err := Decode(p.codec(), raw)
	if err != nil {
		p.report(err)
		return
	}
	if err := p.Dispatch(ctx, msg); err != nil {
		p.report(err)
	}
}

// Dispatch invokes the handler bound to msg.Kind and returns any failure.
// Handler errors and panics are returned as *HandlerExecutionError.
func (p *Parser) Dispatch(ctx context.Context, msg Message) error {
	if !msg.Kind.Known() {
		return &UnknownKindError{Kind: msg.Kind}
	}
	call, err := p.bind(msg)
	if err != nil {
		return err
	}
	return p.invoke(ctx, msg.Kind.HandlerName(), call)
}

func (p *Parser) codec() Codec {
	if p.Codec == nil {
		return JSON
	}
	return p.Codec
}

func (p *Parser) report(err error) {
	if p.OnError != nil {
		p.OnError(err)
		return
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("protocol error", "error", err)
}

// invoke runs call, converting a returned error or a panic into a
// HandlerExecutionError.
func (p *Parser) invoke(ctx context.Context, handler string, call func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewHandlerExecutionError(handler, &PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	if cerr := call(ctx); cerr != nil {
		return NewHandlerExecutionError(handler, cerr)
	}
	return nil
}

// bind checks the message shape and returns a closure over the typed handler.
func (p *Parser) bind(msg Message) (func(context.Context) error, error) {
	if want := arity[msg.Kind]; msg.Len() != want {
		return nil, apiCallError(msg, malformed("%s: got %d fields, want %d", msg.Kind, msg.Len(), want))
	}
	unbound := &UnboundHandlerError{Kind: msg.Kind, Handler: msg.Kind.HandlerName()}
	h := p.Handlers

	group, err := msg.Text(0)
	if err != nil {
		return nil, err
	}

	switch msg.Kind {
	case KindTrackerCreate:
		if h.OnTrackerCreate == nil {
			return nil, unbound
		}
		serial, err := msg.Text(2)
		if err != nil {
			return nil, err
		}
		params := msg.Field(1)
		return func(ctx context.Context) error {
			return h.OnTrackerCreate(ctx, group, params, serial)
		}, nil

	case KindTrackerAction:
		if h.OnTrackerAction == nil {
			return nil, unbound
		}
		action := msg.Field(1)
		return func(ctx context.Context) error {
			return h.OnTrackerAction(ctx, group, action)
		}, nil

	case KindTrackerCreateNew:
		if h.OnTrackerCreateNew == nil {
			return nil, unbound
		}
		serial, err := msg.Text(1)
		if err != nil {
			return nil, err
		}
		apis, err := msg.Strings(3)
		if err != nil {
			return nil, err
		}
		data := msg.Field(2)
		return func(ctx context.Context) error {
			return h.OnTrackerCreateNew(ctx, group, serial, data, apis)
		}, nil

	case KindTrackerCreateUpdate:
		if h.OnTrackerCreateUpdate == nil {
			return nil, unbound
		}
		serial, err := msg.Text(1)
		if err != nil {
			return nil, err
		}
		actions, err := msg.List(2)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			return h.OnTrackerCreateUpdate(ctx, group, serial, actions)
		}, nil

	case KindTrackerAPI:
		if h.OnTrackerAPI == nil {
			return nil, unbound
		}
		name, err := msg.Text(2)
		if err != nil {
			return nil, apiCallError(msg, err)
		}
		args, err := msg.List(3)
		if err != nil {
			return nil, apiCallError(msg, err)
		}
		apiID := msg.Field(1)
		return func(ctx context.Context) error {
			return h.OnTrackerAPI(ctx, group, apiID, name, args)
		}, nil

	case KindTrackerAPIResponse:
		if h.OnTrackerAPIResponse == nil {
			return nil, unbound
		}
		result, err := msg.Text(2)
		if err != nil {
			return nil, err
		}
		var params map[string]any
		if v := msg.Field(4); v != nil {
			m, ok := v.(map[string]any)
			if !ok {
				return nil, malformed("%s: field 4 is %T, want object", msg.Kind, v)
			}
			params = m
		}
		apiID, response := msg.Field(1), msg.Field(3)
		return func(ctx context.Context) error {
			return h.OnTrackerAPIResponse(ctx, group, apiID, result, response, params)
		}, nil

	case KindTrackerEmit:
		if h.OnTrackerEmit == nil {
			return nil, unbound
		}
		event, err := msg.Text(1)
		if err != nil {
			return nil, err
		}
		data := msg.Field(2)
		return func(ctx context.Context) error {
			return h.OnTrackerEmit(ctx, group, event, data)
		}, nil

	case KindTrackerClose:
		if h.OnTrackerClose == nil {
			return nil, unbound
		}
		return func(ctx context.Context) error {
			return h.OnTrackerClose(ctx, group)
		}, nil

	case KindTrackerCreateFail:
		if h.OnTrackerCreateFail == nil {
			return nil, unbound
		}
		reason, err := msg.Text(1)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			return h.OnTrackerCreateFail(ctx, group, reason)
		}, nil
	}
	return nil, &UnknownKindError{Kind: msg.Kind}
}

// apiCallError attaches the group and call id to a TRACKER_API shape error
// when both are readable, so the receiver can still answer the call.
func apiCallError(msg Message, err error) error {
	if msg.Kind != KindTrackerAPI || msg.Field(1) == nil {
		return err
	}
	group, gerr := msg.Text(0)
	if gerr != nil {
		return err
	}
	return &APICallError{Group: group, APIID: msg.Field(1), Err: err}
}
