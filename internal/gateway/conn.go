package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/protocol"
)

const (
	writeWait = 10 * time.Second

	// pongWait bounds how long a silent agent keeps its connection. Agents
	// heartbeat every 30s, well inside this window.
	pongWait   = 90 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize allows for large command outputs inlined in result
	// frames.
	maxMessageSize = 4 << 20

	// sendQueueSize is the outbound buffer between Send callers and the write
	// pump. A full queue means the agent stopped reading.
	sendQueueSize = 64
)

// ErrSendQueueFull is returned when the agent's outbound buffer is exhausted.
// The registry treats any Send error as a dead connection.
var ErrSendQueueFull = errors.New("gateway: send queue full")

// ErrTransportClosed is returned by Send after the transport shut down.
var ErrTransportClosed = errors.New("gateway: transport closed")

// wsTransport adapts a gorilla WebSocket to the registry's Transport
// interface. All writes go through a single pump goroutine so frames are
// never interleaved; Send is a non-blocking channel handoff.
type wsTransport struct {
	conn   *websocket.Conn
	send   chan *protocol.Message
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSTransport(conn *websocket.Conn, logger *zap.Logger) *wsTransport {
	return &wsTransport{
		conn:   conn,
		send:   make(chan *protocol.Message, sendQueueSize),
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Send queues a frame for the write pump. Never blocks on network I/O.
func (t *wsTransport) Send(msg *protocol.Message) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	select {
	case t.send <- msg:
		return nil
	case <-t.closed:
		return ErrTransportClosed
	default:
		return ErrSendQueueFull
	}
}

// Close shuts the transport down. Safe to call multiple times; the read loop,
// the write pump, and the registry all reach for it on their own failure
// paths.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.conn.Close()
	})
	return nil
}

// writePump drains the send queue onto the wire and keeps the connection
// alive with periodic pings. It owns all writes to conn.
func (t *wsTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.Close()
	}()

	for {
		select {
		case msg := <-t.send:
			if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := t.conn.WriteJSON(msg); err != nil {
				t.logger.Debug("agent write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-t.closed:
			return
		}
	}
}
