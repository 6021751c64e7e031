package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestServer(t *testing.T, services ...*Service) (*Server, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := DefaultServerConfig().WithGatherer(reg)
	srv := New(cfg, services...)
	srv.SetLogger(testLogger())
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestServerHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok\n" {
		t.Fatalf("GET /healthz = %d %q", resp.StatusCode, body)
	}
}

func TestServerMiddlewares(t *testing.T) {
	var order []string
	tag := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				w.Header().Add("X-Seen", name)
				next.ServeHTTP(w, r)
			})
		}
	}

	cfg := DefaultServerConfig().
		WithGatherer(prometheus.NewRegistry()).
		WithMiddleware(tag("a")).
		WithMiddleware(tag("b"))
	clone := cfg.Clone()
	clone.WithMiddleware(tag("c"))
	if len(cfg.Middlewares) != 2 {
		t.Fatalf("Clone shares middlewares: %d", len(cfg.Middlewares))
	}

	srv := New(cfg)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d", rec.Code)
	}
	if got := strings.Join(order, ","); got != "a,b" {
		t.Errorf("middleware order = %s, want a,b", got)
	}
	if got := rec.Header().Values("X-Seen"); len(got) != 2 {
		t.Errorf("X-Seen = %v", got)
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(WithRegistry(reg))
	svc := newTestService(t, Options{Metrics: metrics})

	srv := New(DefaultServerConfig().WithGatherer(reg), svc)
	srv.SetLogger(testLogger())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "session", func() bool { return svc.Sessions().Count() == 1 })

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "shocked_sessions_active 1") {
		t.Fatalf("metrics output missing sessions_active:\n%s", body)
	}
}

func TestServerRejectsUnmatchedAndInvalid(t *testing.T) {
	svc := newTestService(t, Options{URL: "/ws"})
	svc.OnValidate(func(r *http.Request, m Match) error {
		if r.URL.Query().Get("token") != "ok" {
			return errors.New("bad token")
		}
		return nil
	})
	_, ts := newTestServer(t, svc)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/elsewhere"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unmatched path: err=%v resp=%v, want 404", err, resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts, "/ws?token=no"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("invalid request: err=%v resp=%v, want 403", err, resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws?token=ok"), nil)
	if err != nil {
		t.Fatalf("valid request: %v", err)
	}
	conn.Close()
}

func TestServerWebSocketCounter(t *testing.T) {
	svc := newTestService(t, Options{URL: "/ws"})
	_, ts := newTestServer(t, svc)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	send := func(frame string) {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	expect := func(want string) {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if mt != websocket.TextMessage {
			t.Fatalf("message type = %d, want text", mt)
		}
		if string(data) != want {
			t.Fatalf("frame = %s, want %s", data, want)
		}
	}

	send(`[13,"g1",{},"s1"]`)
	expect(`[15,"g1","s1",{"count":0},["increment"]]`)
	send(`[17,"g1",1,"increment",[5]]`)
	expect(`[16,"g1","s1",[{"count":5}]]`)
	expect(`[18,"g1",1,"ok",null,{}]`)

	// Disconnecting closes the session and its trackers.
	conn.Close()
	waitFor(t, "session close", func() bool { return svc.Sessions().Count() == 0 })
	if n := svc.ChannelDriver().Len(); n != 0 {
		t.Fatalf("driver instances = %d, want 0", n)
	}
}

func TestServerShutdownClosesSessions(t *testing.T) {
	svc := newTestService(t, Options{})
	srv, ts := newTestServer(t, svc)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "session", func() bool { return svc.Sessions().Count() == 1 })

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("read after shutdown error = %v, want normal close", err)
	}
}
