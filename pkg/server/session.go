package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vango-dev/shocked/pkg/protocol"
)

// Socket is the transport a session writes to. Send is only called from
// the session's write pump; Close may be called concurrently with it.
type Socket interface {
	Send(data []byte) error
	Close() error
}

// group is a session slot for one tracker group.
type group struct {
	name    string
	serial  string
	w       *worker
	tracker *Tracker // nil while the tracker is being created
}

// Session binds one socket to a Service. It creates trackers on request,
// routes inbound messages to them and forwards their output to the socket.
type Session struct {
	// ID is the unique session identifier.
	ID string

	// CreatedAt is when the session started.
	CreatedAt time.Time

	// Match is the route match the session was started for.
	Match Match

	service *Service
	socket  Socket
	codec   protocol.Codec
	config  *SessionConfig
	logger  *slog.Logger
	metrics *Metrics
	parser  *protocol.Parser

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	groups  map[string]*group
	serials map[string]struct{} // active and retired serials
	values  map[string]any

	sendMu     sync.Mutex
	sendQueue  chan []byte
	sendClosed bool
	pumpDone   chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	onClose   []func(*Session)
}

func newSession(svc *Service, socket Socket, match Match) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		Match:     match,
		service:   svc,
		socket:    socket,
		codec:     svc.codec,
		config:    svc.sessionConfig,
		logger:    svc.logger.With("session_id", id),
		metrics:   svc.metrics,
		ctx:       ctx,
		cancel:    cancel,
		groups:    make(map[string]*group),
		serials:   make(map[string]struct{}),
		values:    make(map[string]any),
		sendQueue: make(chan []byte, svc.sessionConfig.SendQueueSize),
		pumpDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.parser = &protocol.Parser{
		Codec: s.codec,
		Handlers: protocol.Handlers{
			OnTrackerCreate: s.onTrackerCreate,
			OnTrackerAction: s.onTrackerAction,
			OnTrackerAPI:    s.onTrackerAPI,
			OnTrackerClose:  s.onTrackerClose,
		},
		OnError: s.onProtocolError,
		Logger:  s.logger,
	}
	go s.writePump()
	return s
}

// Service returns the service the session belongs to.
func (s *Session) Service() *Service { return s.service }

// Codec returns the wire codec of the session.
func (s *Session) Codec() protocol.Codec { return s.codec }

// Logger returns the session's logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once the session has fully closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// IsClosed reports whether Close has been called.
func (s *Session) IsClosed() bool { return s.closed.Load() }

// Set stores a session-scoped value, for example data copied from the
// upgrade request by an OnStart hook.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get returns a session-scoped value.
func (s *Session) Get(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Tracker returns the active tracker for group.
func (s *Session) Tracker(group string) (*Tracker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.groups[group]
	if g == nil || g.tracker == nil {
		return nil, false
	}
	return g.tracker, true
}

// Trackers returns the session's active trackers ordered by group.
func (s *Session) Trackers() []*Tracker {
	s.mu.Lock()
	out := make([]*Tracker, 0, len(s.groups))
	for _, g := range s.groups {
		if g.tracker != nil {
			out = append(out, g.tracker)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].group < out[j].group })
	return out
}

// Receive decodes and dispatches one inbound message. Failures are logged
// and never close the session.
func (s *Session) Receive(ctx context.Context, raw []byte) {
	if s.closed.Load() {
		return
	}
	msg, err := protocol.Decode(s.codec, raw)
	if err != nil {
		s.onProtocolError(err)
		return
	}
	s.metrics.received(msg.Kind)
	if err := s.parser.Dispatch(ctx, msg); err != nil {
		s.onProtocolError(err)
	}
}

func (s *Session) onProtocolError(err error) {
	errType := "handler"
	switch {
	case errors.Is(err, protocol.ErrMalformedMessage):
		errType = "malformed"
	case errors.Is(err, protocol.ErrUnknownMessageKind):
		errType = "unknown_kind"
	case errors.Is(err, protocol.ErrUnboundHandler):
		errType = "unbound"
	}
	s.metrics.protocolError(errType)
	s.logger.Warn("protocol error", "type", errType, "error", err)

	var callErr *protocol.APICallError
	if errors.As(err, &callErr) {
		s.respond(callErr.Group, callErr.APIID, protocol.ResultError, callErr.Err.Error(), nil)
	}
}

// =============================================================================
// Inbound handlers
// =============================================================================

func (s *Session) onTrackerCreate(ctx context.Context, groupName string, params any, serial string) error {
	name := s.service.resolveTrackerName(groupName)

	s.mu.Lock()
	var err error
	switch {
	case s.closed.Load():
		err = ErrSessionClosed
	case s.groups[groupName] != nil:
		err = ErrGroupActive
	case hasKey(s.serials, serial):
		err = ErrSerialReused
	case s.config.MaxTrackers > 0 && len(s.groups) >= s.config.MaxTrackers:
		err = ErrTooManyTrackers
	}
	if err != nil {
		s.mu.Unlock()
		s.failCreate(name, groupName, err)
		return nil
	}
	g := &group{
		name:   groupName,
		serial: serial,
		w:      newWorker(s.config.InboxSize, s.logger.With("group", groupName)),
	}
	s.groups[groupName] = g
	s.serials[serial] = struct{}{}
	s.mu.Unlock()

	go g.w.run(s.ctx)

	// Creation is the group's first job; messages that arrive meanwhile
	// queue behind it.
	err = g.w.post(func(ctx context.Context) {
		cctx, cancel := context.WithTimeout(ctx, s.config.CreateTimeout)
		defer cancel()
		if _, err := s.service.CreateTracker(cctx, name, s, groupName, serial, params); err != nil {
			s.abandon(g)
			s.failCreate(name, groupName, err)
		}
	})
	if err != nil {
		s.abandon(g)
		s.failCreate(name, groupName, err)
	}
	return nil
}

func (s *Session) onTrackerAction(ctx context.Context, groupName string, action any) error {
	g := s.group(groupName)
	if g == nil {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, groupName)
	}
	err := g.w.post(func(ctx context.Context) {
		if t := s.trackerIn(g); t != nil {
			t.handleAction(ctx, action)
		}
	})
	if errors.Is(err, ErrQueueFull) {
		// The client has already applied the action.
		if t := s.trackerIn(g); t != nil {
			s.logger.Warn("inbox full, closing tracker", "group", groupName)
			t.close(true)
		}
	}
	return err
}

func (s *Session) onTrackerAPI(ctx context.Context, groupName string, apiID any, name string, args []any) error {
	g := s.group(groupName)
	if g == nil {
		s.respond(groupName, apiID, protocol.ResultError, ErrUnknownGroup.Error(), nil)
		return nil
	}
	err := g.w.post(func(ctx context.Context) {
		t := s.trackerIn(g)
		if t == nil {
			s.respond(groupName, apiID, protocol.ResultError, ErrUnknownGroup.Error(), nil)
			return
		}
		t.handleAPI(ctx, apiID, name, args)
	})
	if err != nil {
		s.respond(groupName, apiID, protocol.ResultError, diagnostic(err), nil)
	}
	return nil
}

func (s *Session) onTrackerClose(ctx context.Context, groupName string) error {
	g := s.group(groupName)
	if g == nil {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, groupName)
	}
	return g.w.post(func(ctx context.Context) {
		if t := s.trackerIn(g); t != nil {
			t.close(false)
		}
	})
}

// =============================================================================
// Group bookkeeping
// =============================================================================

func (s *Session) group(name string) *group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[name]
}

func (s *Session) trackerIn(g *group) *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return g.tracker
}

// post queues a job on the worker of a group.
func (s *Session) post(groupName string, j job) error {
	g := s.group(groupName)
	if g == nil {
		return ErrUnknownGroup
	}
	return g.w.post(j)
}

// attach installs t in its group slot. Trackers created directly through
// Service.CreateTracker get a slot and worker here.
func (s *Session) attach(t *Tracker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrSessionClosed
	}
	g := s.groups[t.group]
	if g == nil {
		if hasKey(s.serials, t.serial) {
			return ErrSerialReused
		}
		if s.config.MaxTrackers > 0 && len(s.groups) >= s.config.MaxTrackers {
			return ErrTooManyTrackers
		}
		g = &group{
			name:   t.group,
			serial: t.serial,
			w:      newWorker(s.config.InboxSize, s.logger.With("group", t.group)),
		}
		s.groups[t.group] = g
		s.serials[t.serial] = struct{}{}
		go g.w.run(s.ctx)
	}
	if g.tracker != nil || g.serial != t.serial {
		return ErrGroupActive
	}
	g.tracker = t
	return nil
}

// detach releases t's slot. Its serial stays retired.
func (s *Session) detach(t *Tracker) {
	s.mu.Lock()
	g := s.groups[t.group]
	if g == nil || g.tracker != t {
		s.mu.Unlock()
		return
	}
	delete(s.groups, t.group)
	s.mu.Unlock()
	g.w.stop()
}

// abandon releases the slot of a group whose creation failed. The serial
// was never active and may be used again.
func (s *Session) abandon(g *group) {
	s.mu.Lock()
	if s.groups[g.name] == g && g.tracker == nil {
		delete(s.groups, g.name)
		delete(s.serials, g.serial)
	}
	s.mu.Unlock()
	g.w.stop()
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

// =============================================================================
// Outbound
// =============================================================================

func (s *Session) failCreate(tracker, groupName string, err error) {
	level := slog.LevelWarn
	if isClientError(err) {
		level = slog.LevelInfo
	}
	s.logger.Log(s.ctx, level, "tracker creation failed", "tracker", tracker, "group", groupName, "error", err)
	if serr := s.send(protocol.TrackerCreateFail(groupName, diagnostic(err))); serr != nil {
		s.logger.Debug("create failure not sent", "group", groupName, "error", serr)
	}
}

func (s *Session) respond(groupName string, apiID any, result string, response any, params map[string]any) {
	if err := s.send(protocol.TrackerAPIResponse(groupName, apiID, result, response, params)); err != nil {
		s.logger.Debug("api response not sent", "group", groupName, "error", err)
	}
}

// send encodes msg and queues it for the write pump without blocking. A
// full queue means the socket cannot keep up; the session is closed.
func (s *Session) send(msg protocol.Message) error {
	data, err := msg.Encode(s.codec)
	if err != nil {
		return fmt.Errorf("server: encode %s: %w", msg.Kind, err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return ErrSessionClosed
	}
	select {
	case s.sendQueue <- data:
		s.metrics.sent(msg.Kind)
		return nil
	default:
		s.metrics.sendOverflow()
		s.logger.Warn("send queue full, disconnecting", "queue_size", cap(s.sendQueue))
		go s.Close()
		return ErrQueueFull
	}
}

func (s *Session) writePump() {
	defer close(s.pumpDone)
	for data := range s.sendQueue {
		if err := s.socket.Send(data); err != nil {
			s.logger.Debug("socket write failed", "error", err)
			go s.Close()
			// Drain so senders never observe a stuck queue.
			for range s.sendQueue {
			}
			return
		}
	}
}

// OnClose registers fn to run after the session closes.
func (s *Session) OnClose(fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// Close closes every tracker, flushes queued messages and closes the
// socket. It is idempotent and returns after all trackers are unsubscribed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)

		s.mu.Lock()
		groups := make([]*group, 0, len(s.groups))
		for _, g := range s.groups {
			groups = append(groups, g)
		}
		s.mu.Unlock()

		for _, g := range groups {
			if t := s.trackerIn(g); t != nil {
				t.close(false)
			} else {
				s.abandon(g)
			}
		}
		s.cancel()

		s.sendMu.Lock()
		s.sendClosed = true
		close(s.sendQueue)
		s.sendMu.Unlock()
		<-s.pumpDone

		if err := s.socket.Close(); err != nil {
			s.logger.Debug("socket close failed", "error", err)
		}

		s.mu.Lock()
		hooks := s.onClose
		s.mu.Unlock()
		for _, fn := range hooks {
			fn(s)
		}
		close(s.done)
		s.logger.Debug("session closed")
	})
}
