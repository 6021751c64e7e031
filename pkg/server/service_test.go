package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/vango-dev/shocked/pkg/channel"
)

// EmptyTracker declares no APIs.
type EmptyTracker struct {
	Base
}

func (t *EmptyTracker) OnCreate(ctx context.Context) (channel.Channel, error) {
	return channel.Named("empty", t.Group()), nil
}

func TestRegisterTrackerDefaultName(t *testing.T) {
	svc := NewService(Options{Logger: testLogger()})
	if err := svc.RegisterTracker(counterClass(), ""); err != nil {
		t.Fatalf("RegisterTracker: %v", err)
	}
	if got := svc.TrackerNames(); !reflect.DeepEqual(got, []string{"Counter"}) {
		t.Fatalf("TrackerNames() = %v, want [Counter]", got)
	}
	if got := svc.TrackerAPIs("Counter"); !reflect.DeepEqual(got, []string{"increment"}) {
		t.Fatalf("TrackerAPIs(Counter) = %v, want [increment]", got)
	}
	if got := svc.TrackerAPIs("missing"); got != nil {
		t.Fatalf("TrackerAPIs(missing) = %v, want nil", got)
	}
}

func TestTrackerAPIsSorted(t *testing.T) {
	svc := NewService(Options{Logger: testLogger()})
	if err := svc.RegisterTracker(roomClass(nil), "chat"); err != nil {
		t.Fatalf("RegisterTracker: %v", err)
	}
	want := []string{"boom", "leave", "shout", "tag"}
	if got := svc.TrackerAPIs("chat"); !reflect.DeepEqual(got, want) {
		t.Fatalf("TrackerAPIs(chat) = %v, want %v", got, want)
	}
}

func TestRegisterTrackerErrors(t *testing.T) {
	tests := []struct {
		name    string
		class   TrackerClass
		tracker string
		want    error
	}{
		{
			name:  "nil class",
			class: nil,
			want:  ErrInvalidTrackerClass,
		},
		{
			name:  "nil typed class",
			class: (*Class[*CounterTracker])(nil),
			want:  ErrInvalidTrackerClass,
		},
		{
			name:  "no factory",
			class: Define[*CounterTracker](nil).API("increment", (*CounterTracker).Increment),
			want:  ErrInvalidTrackerClass,
		},
		{
			name: "factory returns nil",
			class: Define(func() *CounterTracker { return nil }).
				API("increment", (*CounterTracker).Increment),
			want: ErrInvalidTrackerClass,
		},
		{
			name: "api declared twice",
			class: Define(func() *CounterTracker { return &CounterTracker{} }).
				API("increment", (*CounterTracker).Increment).
				API("increment", (*CounterTracker).Increment),
			want: ErrInvalidTrackerClass,
		},
		{
			name:  "api without function",
			class: Define(func() *CounterTracker { return &CounterTracker{} }).API("increment", nil),
			want:  ErrInvalidTrackerClass,
		},
		{
			name:  "empty api surface",
			class: Define(func() *EmptyTracker { return &EmptyTracker{} }),
			want:  ErrEmptyAPISurface,
		},
		{
			name:    "duplicate name",
			class:   counterClass(),
			tracker: "g1",
			want:    ErrDuplicateTrackerName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, Options{})
			err := svc.RegisterTracker(tt.class, tt.tracker)
			if !errors.Is(err, tt.want) {
				t.Fatalf("RegisterTracker() error = %v, want %v", err, tt.want)
			}
			var re *RegistrationError
			if !errors.As(err, &re) {
				t.Fatalf("error %T is not a *RegistrationError", err)
			}
		})
	}
}

func TestValidateTrackerAPI(t *testing.T) {
	svc := newTestService(t, Options{})

	if _, err := svc.ValidateTrackerAPI("nope", "increment"); !errors.Is(err, ErrUnknownTracker) {
		t.Fatalf("unknown tracker error = %v, want ErrUnknownTracker", err)
	}
	if _, err := svc.ValidateTrackerAPI("g1", "decrement"); !errors.Is(err, ErrUnknownAPI) {
		t.Fatalf("unknown api error = %v, want ErrUnknownAPI", err)
	}

	fn, err := svc.ValidateTrackerAPI("g1", "increment")
	if err != nil {
		t.Fatalf("ValidateTrackerAPI: %v", err)
	}

	// APIs can be invoked outside a session.
	h := &CounterTracker{}
	h.t = &Tracker{}
	if _, err := fn(h, context.Background(), NewCall("increment", nil, 3)); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if h.count != 3 {
		t.Fatalf("count = %d, want 3", h.count)
	}
}

func TestResolveTrackerName(t *testing.T) {
	svc := newTestService(t, Options{})
	svc.RegisterTracker(roomClass(nil), "")

	tests := []struct {
		group string
		want  string
	}{
		{"g1", "g1"},
		{"Room:lobby", "Room"},
		{"Room:a:b", "Room"},
		{"Room", "Room"},
		{"other", "other"},
	}
	for _, tt := range tests {
		if got := svc.resolveTrackerName(tt.group); got != tt.want {
			t.Errorf("resolveTrackerName(%q) = %q, want %q", tt.group, got, tt.want)
		}
	}
}

func TestServiceMatch(t *testing.T) {
	svc := NewService(Options{URL: "/ws/{room}", Host: "example.com", Logger: testLogger()})

	tests := []struct {
		name   string
		target string
		host   string
		ok     bool
		params map[string]string
	}{
		{"match", "http://example.com/ws/lobby", "example.com", true, map[string]string{"room": "lobby"}},
		{"query ignored", "http://example.com/ws/lobby?x=1", "example.com", true, map[string]string{"room": "lobby"}},
		{"wrong host", "http://other.com/ws/lobby", "other.com", false, nil},
		{"wrong path", "http://example.com/api/lobby", "example.com", false, nil},
		{"extra segment", "http://example.com/ws/lobby/more", "example.com", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			r.Host = tt.host
			m, ok := svc.Match(r)
			if ok != tt.ok {
				t.Fatalf("Match() ok = %v, want %v", ok, tt.ok)
			}
			if ok && !reflect.DeepEqual(m.Params, tt.params) {
				t.Fatalf("Match() params = %v, want %v", m.Params, tt.params)
			}
			if ok && m.Param("room") != "lobby" {
				t.Fatalf("Param(room) = %q, want lobby", m.Param("room"))
			}
			if ok && (m.Request != r || m.Pattern != "/ws/{room}") {
				t.Fatalf("Match() = %+v, want the request and pattern", m)
			}
		})
	}
}

func TestServiceMatchAnyPath(t *testing.T) {
	svc := NewService(Options{Logger: testLogger()})
	r := httptest.NewRequest(http.MethodGet, "/anything/at/all", nil)
	m, ok := svc.Match(r)
	if !ok {
		t.Fatal("service without URL should match every path")
	}
	if len(m.Params) != 0 {
		t.Fatalf("params = %v, want none", m.Params)
	}
}

func TestSetChannelDriver(t *testing.T) {
	svc := NewService(Options{Logger: testLogger()})
	d := channel.NewMemoryDriver(channel.Config{QueueSize: 3})

	if err := svc.SetChannelDriver(d); err != nil {
		t.Fatalf("SetChannelDriver: %v", err)
	}
	if err := svc.SetChannelDriver(channel.NewMemoryDriver(channel.Config{})); !errors.Is(err, ErrDriverConfigured) {
		t.Fatalf("second SetChannelDriver error = %v, want ErrDriverConfigured", err)
	}
	if svc.ChannelDriver() != channel.Driver(d) {
		t.Fatal("first driver did not win")
	}
	if svc.ChannelDriver().QueueSize() != 3 {
		t.Fatalf("QueueSize() = %d, want 3", svc.ChannelDriver().QueueSize())
	}
}

func TestDefaultChannelDriver(t *testing.T) {
	svc := NewService(Options{Logger: testLogger()})
	if svc.ChannelDriver() != channel.Driver(channel.DefaultDriver()) {
		t.Fatal("ChannelDriver() is not the default driver")
	}

	other := NewService(Options{Logger: testLogger()})
	if err := other.SetChannelDriver(nil); err != nil {
		t.Fatalf("SetChannelDriver(nil): %v", err)
	}
	if other.ChannelDriver() != channel.Driver(channel.DefaultDriver()) {
		t.Fatal("SetChannelDriver(nil) did not select the default driver")
	}
}

func TestServiceSubscribePublish(t *testing.T) {
	svc := newTestService(t, Options{})
	ch := channel.Named("news", "1")

	if n := svc.Publish(ch, channel.Event{Name: "x"}); n != 0 {
		t.Fatalf("Publish without subscribers = %d, want 0", n)
	}
	if _, ok := svc.FindChannelInstance(ch); ok {
		t.Fatal("Publish created an instance")
	}

	got := make(chan channel.Event, 1)
	sub := svc.Subscribe(ch, func(ev channel.Event) { got <- ev })
	if n := svc.Publish(ch, channel.Event{Name: "headline", Data: "hi"}); n != 1 {
		t.Fatalf("Publish() = %d, want 1", n)
	}
	if ev := <-got; ev.Name != "headline" || ev.Data != "hi" {
		t.Fatalf("event = %+v", ev)
	}

	svc.Unsubscribe(ch, sub)
	if _, ok := svc.FindChannelInstance(ch); ok {
		t.Fatal("instance kept after last unsubscribe")
	}
	// Unsubscribing twice or with nil is a no-op.
	svc.Unsubscribe(ch, sub)
	svc.Unsubscribe(ch, nil)
}

func TestServiceValidateHooks(t *testing.T) {
	svc := NewService(Options{Logger: testLogger()})
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	if err := svc.Validate(r, Match{}); err != nil {
		t.Fatalf("Validate without hooks: %v", err)
	}

	denied := errors.New("denied")
	svc.OnValidate(func(r *http.Request, m Match) error {
		if r.Header.Get("X-Token") != "secret" {
			return denied
		}
		return nil
	})
	if err := svc.Validate(r, Match{}); !errors.Is(err, denied) {
		t.Fatalf("Validate() = %v, want denied", err)
	}
	r.Header.Set("X-Token", "secret")
	if err := svc.Validate(r, Match{}); err != nil {
		t.Fatalf("Validate() with token: %v", err)
	}
}

func TestServiceStartHooksAndClose(t *testing.T) {
	svc := NewService(Options{Logger: testLogger()})

	var started []string
	svc.OnStart(func(s *Session) error {
		started = append(started, s.ID)
		s.Set("room", s.Match.Param("room"))
		return nil
	})
	closed := 0
	svc.OnClose(func() { closed++ })

	sock := &fakeSocket{}
	sess, err := svc.Start(Match{Params: map[string]string{"room": "lobby"}}, sock)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(started) != 1 || started[0] != sess.ID {
		t.Fatalf("OnStart saw %v, want [%s]", started, sess.ID)
	}
	if sess.Get("room") != "lobby" {
		t.Fatalf("session room = %v, want lobby", sess.Get("room"))
	}

	svc.Close()
	svc.Close()
	if closed != 1 {
		t.Fatalf("OnClose ran %d times, want 1", closed)
	}
	if !sess.IsClosed() || sock.Closes() != 1 {
		t.Fatal("service Close did not close its session")
	}
	if _, err := svc.Start(Match{}, &fakeSocket{}); !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("Start after Close error = %v, want ErrServiceClosed", err)
	}
}

func TestServiceStartHookError(t *testing.T) {
	svc := NewService(Options{Logger: testLogger()})
	defer svc.Close()

	refused := errors.New("refused")
	svc.OnStart(func(s *Session) error { return refused })

	sock := &fakeSocket{}
	if _, err := svc.Start(Match{}, sock); !errors.Is(err, refused) {
		t.Fatalf("Start() error = %v, want refused", err)
	}
	if sock.Closes() != 1 {
		t.Fatal("session not closed after hook error")
	}
	if svc.Sessions().Count() != 0 {
		t.Fatalf("sessions = %d, want 0", svc.Sessions().Count())
	}
}
