package integration_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/shocked/pkg/protocol"
	"github.com/vango-dev/shocked/pkg/replica"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// client is a WebSocket test client mirroring tracker state in a replica.
type client struct {
	t     *testing.T
	conn  *websocket.Conn
	codec protocol.Codec
	state *replica.Replica

	mu        sync.Mutex
	nextID    int
	pending   map[string]chan replica.Response
	closeErr  error
	readerEnd chan struct{}
}

func dial(t *testing.T, url string, codec protocol.Codec) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %s: %v", url, err)
	}
	c := &client{
		t:         t,
		conn:      conn,
		codec:     codec,
		pending:   make(map[string]chan replica.Response),
		readerEnd: make(chan struct{}),
	}
	c.state = replica.New(replica.Options{
		Codec:      codec,
		Logger:     quiet,
		OnResponse: c.onResponse,
	})
	go c.readLoop()
	t.Cleanup(func() {
		conn.Close()
		<-c.readerEnd
	})
	return c
}

func (c *client) readLoop() {
	defer close(c.readerEnd)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closeErr = err
			c.mu.Unlock()
			return
		}
		c.state.Receive(context.Background(), data)
	}
}

func (c *client) onResponse(r replica.Response) {
	key := fmt.Sprint(r.APIID)
	c.mu.Lock()
	ch, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if ok {
		ch <- r
	}
}

func (c *client) send(msg protocol.Message) {
	c.t.Helper()
	data, err := msg.Encode(c.codec)
	if err != nil {
		c.t.Fatalf("encode %s: %v", msg, err)
	}
	mt := websocket.TextMessage
	if c.codec.Binary() {
		mt = websocket.BinaryMessage
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteMessage(mt, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// create subscribes to group and waits for its initial state.
func (c *client) create(group string, params any, serial string) {
	c.t.Helper()
	c.send(protocol.TrackerCreate(group, params, serial))
	c.waitFor("create "+group, func() bool {
		s, ok := c.state.Serial(group)
		return ok && s == serial
	})
}

// call invokes an API and waits for its response.
func (c *client) call(group, api string, args ...any) replica.Response {
	c.t.Helper()
	ch := make(chan replica.Response, 1)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[fmt.Sprint(id)] = ch
	c.mu.Unlock()

	if args == nil {
		args = []any{}
	}
	c.send(protocol.TrackerAPI(group, id, api, args))
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		c.t.Fatalf("no response to %s.%s", group, api)
		return replica.Response{}
	}
}

func (c *client) waitFor(what string, cond func() bool) {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// field returns key of group's mirrored object state, formatted.
func (c *client) field(group, key string) string {
	s, ok := c.state.State(group)
	if !ok {
		return ""
	}
	m, ok := s.(map[string]any)
	if !ok {
		return ""
	}
	return fmt.Sprint(m[key])
}

func (c *client) closeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}
