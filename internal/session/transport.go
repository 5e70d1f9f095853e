package session

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WSTransport implements Transport over a gorilla/websocket connection,
// serializing all writes through one goroutine-safe outbound queue since
// gorilla's Conn forbids concurrent writers.
type WSTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn

	outbound chan wsMessage
	done     chan struct{}
	once     sync.Once
}

type wsMessage struct {
	payload []byte
	binary  bool
}

// NewWSTransport wraps conn and starts its outbound writer goroutine.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	t := &WSTransport{
		conn:     conn,
		outbound: make(chan wsMessage, 256),
		done:     make(chan struct{}),
	}
	go t.writeLoop()
	return t
}

func (t *WSTransport) writeLoop() {
	for {
		select {
		case msg, ok := <-t.outbound:
			if !ok {
				return
			}
			t.writeNow(msg.payload, msg.binary)
		case <-t.done:
			return
		}
	}
}

func (t *WSTransport) writeNow(payload []byte, binary bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	kind := websocket.TextMessage
	if binary {
		kind = websocket.BinaryMessage
	}
	return t.conn.WriteMessage(kind, payload)
}

// SendText writes a text frame directly (bypassing the queue), used for
// latency-sensitive control messages.
func (t *WSTransport) SendText(payload []byte) error {
	return t.writeNow(payload, false)
}

// SendBinary writes a binary frame directly, used for tile responses.
func (t *WSTransport) SendBinary(payload []byte) error {
	return t.writeNow(payload, true)
}

// Enqueue schedules payload for delivery via the outbound writer
// goroutine without blocking the caller: the queue holds 256 messages,
// and a message that arrives while it is full is dropped.
func (t *WSTransport) Enqueue(payload []byte, binary bool) {
	select {
	case t.outbound <- wsMessage{payload: payload, binary: binary}:
	default:
		// outbound queue full: drop rather than block the caller.
	}
}

// Shutdown sends a WebSocket close frame with code/reason and stops the
// writer goroutine.
func (t *WSTransport) Shutdown(code int, reason string) error {
	t.once.Do(func() { close(t.done) })
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteMessage(websocket.CloseMessage, deadline)
	return t.conn.Close()
}
