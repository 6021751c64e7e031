package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/shocked/pkg/channel"
	"github.com/vango-dev/shocked/pkg/protocol"
)

// Match is the result of matching an upgrade request against a Service.
type Match struct {
	// Pattern is the URL pattern that matched, empty when the service
	// accepts every path.
	Pattern string

	// Params holds the URL parameters captured by the pattern.
	Params map[string]string

	// Request is the upgrade request. Its context carries the values HTTP
	// middleware attached to it, such as a request ID.
	Request *http.Request
}

// Param returns the URL parameter key, or "" when absent.
func (m Match) Param(key string) string {
	return m.Params[key]
}

// Options configures a Service.
type Options struct {
	// Name identifies the service in logs, metrics and spans.
	Name string

	// URL is a chi route pattern ("/ws/{room}") matched against the request
	// path. Empty accepts every path.
	URL string

	// Host, when set, must equal the request's Host header.
	Host string

	// Codec is the wire codec. Default: protocol.JSON.
	Codec protocol.Codec

	// Driver is the channel driver. Default: channel.DefaultDriver() on
	// first use.
	Driver channel.Driver

	// Logger is the base logger. Default: slog.Default().
	Logger *slog.Logger

	// Metrics receives service metrics. Nil disables them.
	Metrics *Metrics

	// TracerProvider provides the tracer for creation and API spans.
	// Default: the global provider.
	TracerProvider trace.TracerProvider

	// Session configures sessions started by the service.
	Session *SessionConfig
}

// Service is a tracker registry bound to a URL. It validates and starts
// sessions and creates the trackers they request.
type Service struct {
	name          string
	url           string
	host          string
	codec         protocol.Codec
	logger        *slog.Logger
	metrics       *Metrics
	tracer        trace.Tracer
	sessionConfig *SessionConfig
	router        *chi.Mux

	mu       sync.RWMutex
	trackers map[string]*registration

	driverMu sync.Mutex
	driver   channel.Driver

	hookMu     sync.RWMutex
	validators []func(r *http.Request, m Match) error
	onStart    []func(s *Session) error
	onClose    []func()

	sessions *SessionManager
	closed   atomic.Bool
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	codec := opts.Codec
	if codec == nil {
		codec = protocol.JSON
	}
	name := opts.Name
	if name == "" {
		name = "default"
	}
	logger = logger.With("component", "service", "service", name)

	svc := &Service{
		name:          name,
		url:           opts.URL,
		host:          opts.Host,
		codec:         codec,
		logger:        logger,
		metrics:       opts.Metrics,
		tracer:        newTracer(opts.TracerProvider),
		sessionConfig: opts.Session.withDefaults(),
		driver:        opts.Driver,
		trackers:      make(map[string]*registration),
	}
	if opts.URL != "" {
		svc.router = chi.NewRouter()
		svc.router.HandleFunc(opts.URL, http.NotFound)
	}
	svc.sessions = newSessionManager(svc, logger)
	return svc
}

// Name returns the service name.
func (svc *Service) Name() string { return svc.name }

// Codec returns the wire codec.
func (svc *Service) Codec() protocol.Codec { return svc.codec }

// Logger returns the service logger.
func (svc *Service) Logger() *slog.Logger { return svc.logger }

// Sessions returns the session manager.
func (svc *Service) Sessions() *SessionManager { return svc.sessions }

// =============================================================================
// Registry
// =============================================================================

// RegisterTracker registers class under name. An empty name defaults to the
// tracker's type name without a "Tracker" suffix.
func (svc *Service) RegisterTracker(class TrackerClass, name string) error {
	if isNil(class) {
		return &RegistrationError{Tracker: name, Err: fmt.Errorf("%w: nil class", ErrInvalidTrackerClass)}
	}
	if name == "" {
		name = defaultTrackerName(class.TypeName())
	}
	if name == "" {
		return &RegistrationError{Err: fmt.Errorf("%w: no name", ErrInvalidTrackerClass)}
	}

	// Instantiate once so a broken factory fails at registration.
	if _, err := class.newHandler(); err != nil {
		return &RegistrationError{Tracker: name, Err: err}
	}
	apis, err := class.apiTable()
	if err != nil {
		return &RegistrationError{Tracker: name, Err: err}
	}
	if len(apis) == 0 {
		return &RegistrationError{Tracker: name, Err: ErrEmptyAPISurface}
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if _, exists := svc.trackers[name]; exists {
		return &RegistrationError{Tracker: name, Err: ErrDuplicateTrackerName}
	}
	svc.trackers[name] = newRegistration(name, class, apis)
	svc.logger.Debug("tracker registered", "tracker", name, "apis", len(apis))
	return nil
}

func (svc *Service) registration(name string) (*registration, bool) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	reg, ok := svc.trackers[name]
	return reg, ok
}

// resolveTrackerName maps a group to a tracker name: the registered name
// equal to the group, otherwise the group's prefix before the first ':'.
func (svc *Service) resolveTrackerName(group string) string {
	if _, ok := svc.registration(group); ok {
		return group
	}
	if i := strings.IndexByte(group, ':'); i >= 0 {
		return group[:i]
	}
	return group
}

// TrackerNames returns the registered tracker names, sorted.
func (svc *Service) TrackerNames() []string {
	svc.mu.RLock()
	names := make([]string, 0, len(svc.trackers))
	for n := range svc.trackers {
		names = append(names, n)
	}
	svc.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ValidateTrackerAPI returns the API registered as api on tracker name.
func (svc *Service) ValidateTrackerAPI(name, api string) (APIFunc, error) {
	reg, ok := svc.registration(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTracker, name)
	}
	fn, ok := reg.apis[api]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownAPI, name, api)
	}
	return fn, nil
}

// TrackerAPIs returns the sorted API names of tracker name, or nil when it
// is not registered.
func (svc *Service) TrackerAPIs(name string) []string {
	reg, ok := svc.registration(name)
	if !ok {
		return nil
	}
	return append([]string(nil), reg.names...)
}

// CreateTracker instantiates tracker name for session, runs its creation
// hook and binds it to the returned channel. On success the tracker is
// active and its initial state has been queued to the client.
func (svc *Service) CreateTracker(ctx context.Context, name string, session *Session, group, serial string, params any) (t *Tracker, err error) {
	ctx, span := startSpan(ctx, svc.tracer, spanTrackerCreate,
		attrService.String(svc.name),
		attrTracker.String(name),
		attrGroup.String(group),
		attrSerial.String(serial),
		attrSessionID.String(session.ID),
	)
	label := "unknown"
	defer func() {
		endSpan(span, err)
		svc.metrics.trackerCreated(label, err)
	}()

	reg, ok := svc.registration(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTracker, name)
	}
	label = name

	h, err := reg.class.newHandler()
	if err != nil {
		return nil, err
	}
	t = newTracker(reg, h, session, group, serial, params)

	ch, err := svc.runCreate(ctx, t)
	if err != nil {
		t.state.Store(int32(StateClosed))
		return nil, &TrackerError{SessionID: session.ID, Tracker: name, Group: group, Op: "create", Err: err}
	}

	if err := t.activate(svc.ChannelDriver(), ch); err != nil {
		if t.LifecycleState() == StateActive {
			t.close(false)
		} else {
			t.state.Store(int32(StateClosed))
		}
		return nil, err
	}
	t.logger.Debug("tracker active", "channel", ch.Key())
	return t, nil
}

func (svc *Service) runCreate(ctx context.Context, t *Tracker) (ch channel.Channel, err error) {
	err = t.guard(func() error {
		var herr error
		ch, herr = t.handler.OnCreate(ctx)
		return herr
	})
	if err != nil {
		return nil, err
	}
	if isNil(ch) {
		return nil, ErrMissingChannel
	}
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	return ch, nil
}

// =============================================================================
// Request matching
// =============================================================================

// Match reports whether r is addressed to the service: the Host header
// must equal the configured host, if any, and the path must match the URL
// pattern, if any.
func (svc *Service) Match(r *http.Request) (Match, bool) {
	if svc.host != "" && svc.host != r.Host {
		return Match{}, false
	}
	if svc.router == nil {
		return Match{Params: map[string]string{}, Request: r}, true
	}
	rctx := chi.NewRouteContext()
	if !svc.router.Match(rctx, http.MethodGet, r.URL.Path) {
		return Match{}, false
	}
	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, k := range rctx.URLParams.Keys {
		params[k] = rctx.URLParams.Values[i]
	}
	return Match{Pattern: svc.url, Params: params, Request: r}, true
}

// OnValidate registers a check run on matched requests before the upgrade.
// A non-nil error rejects the request.
func (svc *Service) OnValidate(fn func(r *http.Request, m Match) error) {
	svc.hookMu.Lock()
	defer svc.hookMu.Unlock()
	svc.validators = append(svc.validators, fn)
}

// Validate runs the OnValidate checks.
func (svc *Service) Validate(r *http.Request, m Match) error {
	svc.hookMu.RLock()
	validators := svc.validators
	svc.hookMu.RUnlock()
	for _, fn := range validators {
		if err := fn(r, m); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Sessions
// =============================================================================

// OnStart registers a hook run for every new session before it reads any
// message. A non-nil error closes the session.
func (svc *Service) OnStart(fn func(s *Session) error) {
	svc.hookMu.Lock()
	defer svc.hookMu.Unlock()
	svc.onStart = append(svc.onStart, fn)
}

// Start creates a session on socket and runs the OnStart hooks.
func (svc *Service) Start(m Match, socket Socket) (*Session, error) {
	if svc.closed.Load() {
		return nil, ErrServiceClosed
	}
	session, err := svc.sessions.Create(socket, m)
	if err != nil {
		return nil, err
	}

	svc.hookMu.RLock()
	hooks := svc.onStart
	svc.hookMu.RUnlock()
	for _, fn := range hooks {
		if err := fn(session); err != nil {
			session.Close()
			return nil, fmt.Errorf("server: start session: %w", err)
		}
	}
	return session, nil
}

// OnClose registers a hook run when the service closes.
func (svc *Service) OnClose(fn func()) {
	svc.hookMu.Lock()
	defer svc.hookMu.Unlock()
	svc.onClose = append(svc.onClose, fn)
}

// Close closes every session of the service and runs the OnClose hooks.
// It is idempotent.
func (svc *Service) Close() {
	if !svc.closed.CompareAndSwap(false, true) {
		return
	}
	svc.sessions.Shutdown()

	svc.hookMu.RLock()
	hooks := svc.onClose
	svc.hookMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
	svc.logger.Info("service closed")
}

// =============================================================================
// Channels
// =============================================================================

// SetChannelDriver sets the channel driver. The first driver set wins; nil
// selects channel.DefaultDriver(). It fails once a driver is configured.
func (svc *Service) SetChannelDriver(d channel.Driver) error {
	svc.driverMu.Lock()
	defer svc.driverMu.Unlock()
	if svc.driver != nil {
		return ErrDriverConfigured
	}
	if d == nil {
		d = channel.DefaultDriver()
	}
	svc.driver = d
	return nil
}

// ChannelDriver returns the channel driver, configuring the default one on
// first use.
func (svc *Service) ChannelDriver() channel.Driver {
	svc.driverMu.Lock()
	defer svc.driverMu.Unlock()
	if svc.driver == nil {
		svc.driver = channel.DefaultDriver()
	}
	return svc.driver
}

// FindChannelInstance returns the live instance for ch, if any.
func (svc *Service) FindChannelInstance(ch channel.Channel) (*channel.Instance, bool) {
	return svc.ChannelDriver().FindInstance(ch)
}

// Subscribe subscribes l to ch outside of any tracker, for example to
// observe a channel from server code.
func (svc *Service) Subscribe(ch channel.Channel, l channel.Listener) *channel.Subscription {
	return svc.ChannelDriver().GetInstance(ch).Subscribe(l)
}

// Unsubscribe removes sub from ch. It is a no-op when sub is not
// subscribed there.
func (svc *Service) Unsubscribe(ch channel.Channel, sub *channel.Subscription) {
	if sub == nil {
		return
	}
	inst, ok := svc.FindChannelInstance(ch)
	if !ok {
		return
	}
	inst.Unsubscribe(sub)
}

// Publish fans ev out to the subscribers of ch and returns how many were
// reached. Nothing is created when ch has no instance.
func (svc *Service) Publish(ch channel.Channel, ev channel.Event) int {
	inst, ok := svc.FindChannelInstance(ch)
	if !ok {
		return 0
	}
	return inst.Publish(ev)
}

// isClientError reports whether err is caused by the request rather than
// the server.
func isClientError(err error) bool {
	return errors.Is(err, ErrUnknownTracker) ||
		errors.Is(err, ErrUnknownAPI) ||
		errors.Is(err, ErrBadArgument) ||
		errors.Is(err, ErrUnknownGroup) ||
		errors.Is(err, ErrSerialReused) ||
		errors.Is(err, ErrGroupActive)
}
