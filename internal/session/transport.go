package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes on the wire protocol.
const (
	CloseNormal      = 1000 // timeout or operator-initiated
	CloseServerError = 1011
)

// Transport is one session's duplex channel. Send on a closed transport is a
// no-op, never an error the caller must handle.
type Transport interface {
	Send(env Envelope) error
	Close(code int, reason string) error
}

// WSTransport adapts a gorilla websocket connection. Writes are serialized;
// reads belong to the owner of ReadLoop.
type WSTransport struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewWSTransport wraps an upgraded connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

// Send writes one JSON text frame. A closed transport swallows the send.
func (t *WSTransport) Send(env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.closed = true
		return err
	}
	return nil
}

// Close sends a close frame and tears the connection down. Idempotent.
func (t *WSTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	deadline := time.Now().Add(5 * time.Second)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	return t.conn.Close()
}

// ReadLoop pumps inbound frames until the connection drops, then invokes
// onClose exactly once.
func (t *WSTransport) ReadLoop(onMessage func(raw []byte), onClose func(err error)) {
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			onClose(err)
			return
		}
		onMessage(raw)
	}
}
