package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket adapts a gorilla/websocket connection to Socket. Binary codecs
// are written as binary frames, text codecs as text frames.
type WebSocket struct {
	conn         *websocket.Conn
	messageType  int
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewWebSocket wraps conn. A zero writeTimeout disables write deadlines.
func NewWebSocket(conn *websocket.Conn, binary bool, writeTimeout time.Duration) *WebSocket {
	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}
	return &WebSocket{
		conn:         conn,
		messageType:  messageType,
		writeTimeout: writeTimeout,
	}
}

// Conn returns the underlying connection.
func (ws *WebSocket) Conn() *websocket.Conn { return ws.conn }

// Send writes one message.
func (ws *WebSocket) Send(data []byte) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return ErrSessionClosed
	}
	if ws.writeTimeout > 0 {
		ws.conn.SetWriteDeadline(time.Now().Add(ws.writeTimeout))
	}
	return ws.conn.WriteMessage(ws.messageType, data)
}

// Close sends a normal close frame and closes the connection.
func (ws *WebSocket) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return nil
	}
	ws.closed = true

	deadline := time.Now().Add(time.Second)
	if ws.writeTimeout > 0 {
		deadline = time.Now().Add(ws.writeTimeout)
	}
	ws.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline,
	)
	return ws.conn.Close()
}
