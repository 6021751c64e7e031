package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-dev/shocked/pkg/channel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// =============================================================================
// Fake socket
// =============================================================================

type fakeSocket struct {
	mu     sync.Mutex
	frames []string
	closes int

	// gate, when set, blocks Send until it is closed.
	gate chan struct{}
}

func (f *fakeSocket) Send(data []byte) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, string(data))
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSocket) Frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func (f *fakeSocket) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// waitFor polls cond until it holds or a deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// expectFrames waits for len(want) frames and compares them in order.
func expectFrames(t *testing.T, sock *fakeSocket, want ...string) {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d frames", len(want)), func() bool {
		return len(sock.Frames()) >= len(want)
	})
	got := sock.Frames()
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("frame %d = %s, want %s\nall frames: %v", i, got[i], w, got)
		}
	}
}

// waitFrame waits for a frame containing substr and returns it.
func waitFrame(t *testing.T, sock *fakeSocket, substr string) string {
	t.Helper()
	var found string
	waitFor(t, "frame containing "+substr, func() bool {
		for _, f := range sock.Frames() {
			if strings.Contains(f, substr) {
				found = f
				return true
			}
		}
		return false
	})
	return found
}

func receive(s *Session, frame string) {
	s.Receive(context.Background(), []byte(frame))
}

// =============================================================================
// Test trackers
// =============================================================================

type CounterTracker struct {
	Base
	count int
}

func (t *CounterTracker) OnCreate(ctx context.Context) (channel.Channel, error) {
	if err := t.SetState(map[string]any{"count": 0}); err != nil {
		return nil, err
	}
	return channel.Named("counter", t.Group()), nil
}

func (t *CounterTracker) Increment(ctx context.Context, call *Call) (any, error) {
	var n int
	if err := call.Bind(0, &n); err != nil {
		return nil, err
	}
	t.count += n
	return nil, t.Dispatch(map[string]any{"count": t.count})
}

func counterClass() *Class[*CounterTracker] {
	return Define(func() *CounterTracker { return &CounterTracker{} }).
		API("increment", (*CounterTracker).Increment)
}

// RoomTracker exercises channel fan-out, params and the optional hooks.
type RoomTracker struct {
	Base
	room   string
	closed *atomic.Int32
}

func (t *RoomTracker) OnCreate(ctx context.Context) (channel.Channel, error) {
	var p struct {
		Room string `json:"room"`
	}
	if err := t.BindParams(&p); err != nil {
		return nil, err
	}
	if p.Room == "" {
		return nil, errors.New("room required")
	}
	t.room = p.Room
	t.SetState(map[string]any{"room": p.Room})
	return channel.Named("room", p.Room), nil
}

func (t *RoomTracker) Shout(ctx context.Context, call *Call) (any, error) {
	var msg string
	if err := call.Bind(0, &msg); err != nil {
		return nil, err
	}
	return t.Publish("shout", msg), nil
}

func (t *RoomTracker) Tag(ctx context.Context, call *Call) (any, error) {
	call.SetParam("room", t.room)
	return "tagged", nil
}

func (t *RoomTracker) Boom(ctx context.Context, call *Call) (any, error) {
	panic("boom")
}

func (t *RoomTracker) Leave(ctx context.Context, call *Call) (any, error) {
	t.Close()
	return nil, nil
}

func (t *RoomTracker) OnClose() {
	if t.closed != nil {
		t.closed.Add(1)
	}
}

func roomClass(closed *atomic.Int32) *Class[*RoomTracker] {
	return Define(func() *RoomTracker { return &RoomTracker{closed: closed} }).
		API("shout", (*RoomTracker).Shout).
		API("tag", (*RoomTracker).Tag).
		API("boom", (*RoomTracker).Boom).
		API("leave", (*RoomTracker).Leave)
}

// NoChannelTracker returns no channel from its creation hook.
type NoChannelTracker struct {
	Base
}

func (t *NoChannelTracker) OnCreate(ctx context.Context) (channel.Channel, error) {
	return nil, nil
}

func (t *NoChannelTracker) Ping(ctx context.Context, call *Call) (any, error) {
	return "pong", nil
}

// newTestService returns a service with its own channel driver and a
// CounterTracker registered as "g1".
func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	if opts.Driver == nil {
		opts.Driver = channel.NewMemoryDriver(channel.Config{QueueSize: 16, Logger: testLogger()})
	}
	svc := NewService(opts)
	if err := svc.RegisterTracker(counterClass(), "g1"); err != nil {
		t.Fatalf("RegisterTracker: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func startSession(t *testing.T, svc *Service) (*Session, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	sess, err := svc.Start(Match{}, sock)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess, sock
}
