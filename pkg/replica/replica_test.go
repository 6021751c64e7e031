package replica

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/shocked/pkg/channel"
	"github.com/vango-dev/shocked/pkg/protocol"
	"github.com/vango-dev/shocked/pkg/server"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func apply(t *testing.T, r *Replica, msg protocol.Message) {
	t.Helper()
	if err := r.Apply(context.Background(), msg); err != nil {
		t.Fatalf("Apply(%s): %v", msg, err)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %v: %v", v, err)
	}
	return string(data)
}

func TestCreateNewAndUpdate(t *testing.T) {
	var changes []string
	r := New(Options{
		Logger:   quiet,
		OnChange: func(group string, state any) { changes = append(changes, group) },
	})

	apply(t, r, protocol.TrackerCreateNew("g1", "s1", map[string]any{"count": 0, "name": "a"}, []string{"increment"}))
	apply(t, r, protocol.TrackerCreateUpdate("g1", "s1", []any{
		map[string]any{"count": 1},
		map[string]any{"count": 2},
	}))

	state, ok := r.State("g1")
	if !ok {
		t.Fatal("State(g1) missing")
	}
	if got := mustJSON(t, state); got != `{"count":2,"name":"a"}` {
		t.Fatalf("state = %s", got)
	}
	if serial, _ := r.Serial("g1"); serial != "s1" {
		t.Fatalf("serial = %q", serial)
	}
	if apis := r.APIs("g1"); len(apis) != 1 || apis[0] != "increment" {
		t.Fatalf("apis = %v", apis)
	}
	if n := r.Updates("g1"); n != 1 {
		t.Fatalf("updates = %d, want 1", n)
	}
	if len(changes) != 2 {
		t.Fatalf("OnChange calls = %d, want 2", len(changes))
	}
}

func TestStaleUpdateIgnored(t *testing.T) {
	r := New(Options{Logger: quiet})

	apply(t, r, protocol.TrackerCreateNew("g1", "s2", map[string]any{"v": 1}, nil))
	apply(t, r, protocol.TrackerCreateUpdate("g1", "s1", []any{map[string]any{"v": 99}}))
	apply(t, r, protocol.TrackerCreateUpdate("unknown", "s1", []any{map[string]any{"v": 99}}))

	state, _ := r.State("g1")
	if got := mustJSON(t, state); got != `{"v":1}` {
		t.Fatalf("state = %s, stale update applied", got)
	}
	if _, ok := r.State("unknown"); ok {
		t.Fatal("update created an unknown group")
	}
}

func TestCloseAndCreateFail(t *testing.T) {
	var closed []string
	r := New(Options{Logger: quiet, OnClose: func(g string) { closed = append(closed, g) }})

	apply(t, r, protocol.TrackerCreateNew("a", "s1", nil, nil))
	apply(t, r, protocol.TrackerCreateNew("b", "s2", nil, nil))
	if got := r.Groups(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Groups = %v", got)
	}

	apply(t, r, protocol.TrackerClose("a"))
	if _, ok := r.State("a"); ok {
		t.Fatal("closed group still mirrored")
	}
	if len(closed) != 1 || closed[0] != "a" {
		t.Fatalf("OnClose calls = %v", closed)
	}

	apply(t, r, protocol.TrackerCreateFail("c", "boom"))
	if reason, ok := r.Failure("c"); !ok || reason != "boom" {
		t.Fatalf("Failure(c) = %q, %v", reason, ok)
	}

	// A later successful creation clears the failure.
	apply(t, r, protocol.TrackerCreateNew("c", "s3", nil, nil))
	if _, ok := r.Failure("c"); ok {
		t.Fatal("failure kept after successful creation")
	}
}

func TestCallbacks(t *testing.T) {
	var (
		resp   Response
		emit   string
		action any
	)
	r := New(Options{
		Logger:     quiet,
		OnResponse: func(r Response) { resp = r },
		OnEmit:     func(group, event string, data any) { emit = group + "/" + event },
		OnAction:   func(group string, a any) { action = a },
	})

	apply(t, r, protocol.TrackerAPIResponse("g", 7, protocol.ResultOK, "done", map[string]any{"k": "v"}))
	if !resp.OK() || resp.Group != "g" || resp.Response != "done" || resp.Params["k"] != "v" {
		t.Fatalf("response = %+v", resp)
	}
	apply(t, r, protocol.TrackerEmit("g", "ping", nil))
	if emit != "g/ping" {
		t.Fatalf("emit = %q", emit)
	}
	apply(t, r, protocol.TrackerAction("g", "x"))
	if action != "x" {
		t.Fatalf("action = %v", action)
	}
}

func TestReceiveMalformed(t *testing.T) {
	var errs int
	r := New(Options{Logger: quiet})
	r.parser.OnError = func(error) { errs++ }

	r.Receive(context.Background(), []byte(`not json`))
	r.Receive(context.Background(), []byte(`[13,"g",{},"s"]`)) // client-to-server kind
	r.Receive(context.Background(), []byte(`[15,"g","s1",{"n":1},["a"]]`))

	if errs != 2 {
		t.Fatalf("errors = %d, want 2", errs)
	}
	if state, ok := r.State("g"); !ok || mustJSON(t, state) != `{"n":1}` {
		t.Fatalf("state = %v, %v", state, ok)
	}
}

// =============================================================================
// Live session
// =============================================================================

// replicaSocket delivers server frames straight into a replica.
type replicaSocket struct {
	r *Replica
}

func (s replicaSocket) Send(data []byte) error {
	s.r.Receive(context.Background(), data)
	return nil
}

func (s replicaSocket) Close() error { return nil }

type Scoreboard struct {
	server.Base
}

func (t *Scoreboard) OnCreate(ctx context.Context) (channel.Channel, error) {
	t.SetState(map[string]any{"home": 0, "away": 0})
	return channel.Named("scoreboard", t.Group()), nil
}

func (t *Scoreboard) Score(ctx context.Context, call *server.Call) (any, error) {
	var side string
	if err := call.Bind(0, &side); err != nil {
		return nil, err
	}
	cur, _ := t.State().(map[string]any)
	n, _ := cur[side].(int)
	return nil, t.Dispatch(map[string]any{side: n + 1}, map[string]any{"last": side})
}

// Log keeps an append-only list and reduces with its own reducer.
type Log struct {
	server.Base
}

func appendReduce(state, action any) any {
	list, _ := state.([]any)
	return append(append([]any(nil), list...), action)
}

func (t *Log) Reduce(state, action any) any { return appendReduce(state, action) }

func (t *Log) OnCreate(ctx context.Context) (channel.Channel, error) {
	t.SetState([]any{})
	return channel.Named("log", t.Group()), nil
}

func (t *Log) Push(ctx context.Context, call *server.Call) (any, error) {
	return nil, t.Dispatch(call.Args...)
}

func TestReplicaMatchesServerState(t *testing.T) {
	tests := []struct {
		name    string
		class   server.TrackerClass
		reducer Reducer
		api     string
		args    [][]any
	}{
		{
			name: "merge reduce",
			class: server.Define(func() *Scoreboard { return &Scoreboard{} }).
				API("score", (*Scoreboard).Score),
			api:  "score",
			args: [][]any{{"home"}, {"away"}, {"home"}, {"home"}},
		},
		{
			name: "custom reducer",
			class: server.Define(func() *Log { return &Log{} }).
				API("push", (*Log).Push),
			reducer: appendReduce,
			api:     "push",
			args:    [][]any{{"a"}, {"b", "c"}, {map[string]any{"d": 1}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := server.NewService(server.Options{
				Logger: quiet,
				Driver: channel.NewMemoryDriver(channel.Config{Logger: quiet}),
			})
			defer svc.Close()
			if err := svc.RegisterTracker(tt.class, "g"); err != nil {
				t.Fatalf("RegisterTracker: %v", err)
			}

			var (
				mu        sync.Mutex
				responses int
			)
			r := New(Options{
				Logger:  quiet,
				Reducer: tt.reducer,
				OnResponse: func(Response) {
					mu.Lock()
					responses++
					mu.Unlock()
				},
			})
			sess, err := svc.Start(server.Match{}, replicaSocket{r})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer sess.Close()

			ctx := context.Background()
			send := func(msg protocol.Message) {
				data, err := msg.Encode(protocol.JSON)
				if err != nil {
					t.Fatal(err)
				}
				sess.Receive(ctx, data)
			}
			send(protocol.TrackerCreate("g", map[string]any{}, "s1"))
			for i, args := range tt.args {
				send(protocol.TrackerAPI("g", i, tt.api, args))
			}

			deadline := time.Now().Add(2 * time.Second)
			for {
				mu.Lock()
				n := responses
				mu.Unlock()
				if n == len(tt.args) {
					break
				}
				if time.Now().After(deadline) {
					t.Fatalf("responses = %d, want %d", n, len(tt.args))
				}
				time.Sleep(2 * time.Millisecond)
			}

			tracker, ok := sess.Tracker("g")
			if !ok {
				t.Fatal("tracker g missing")
			}
			want := mustJSON(t, tracker.State())
			got, _ := r.State("g")
			if mustJSON(t, got) != want {
				t.Fatalf("replica state = %s, server state = %s", mustJSON(t, got), want)
			}
			if r.Updates("g") != len(tt.args) {
				t.Fatalf("updates = %d, want %d", r.Updates("g"), len(tt.args))
			}
		})
	}
}
