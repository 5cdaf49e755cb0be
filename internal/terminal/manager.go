// Package terminal bridges interactive PTY sessions between UI WebSocket
// clients and agents. Each session is scoped by a session_id carried on every
// frame; the agent side multiplexes all of its sessions over the one agent
// transport, while each UI client holds a dedicated connection.
package terminal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/db"
	"github.com/winfleet-io/winfleet/internal/metrics"
	"github.com/winfleet-io/winfleet/internal/protocol"
	"github.com/winfleet-io/winfleet/internal/registry"
	"github.com/winfleet-io/winfleet/internal/repository"
)

// DefaultIdleTimeout closes sessions with no input, resize, ping, or output
// for this long.
const DefaultIdleTimeout = 1800 * time.Second

// sweepInterval is how often the janitor scans for idle sessions.
const sweepInterval = 60 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Manager owns the session_id → session map and routes frames between the two
// sides. A coarse RWMutex protects the map; per-session state is guarded by
// the session's own lock so traffic on one session never blocks another.
type Manager struct {
	reg     *registry.Registry
	history repository.HistoryRepository
	logger  *zap.Logger

	idleTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager. idleTimeout ≤ 0 selects DefaultIdleTimeout.
func NewManager(reg *registry.Registry, history repository.HistoryRepository, idleTimeout time.Duration, logger *zap.Logger) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Manager{
		reg:         reg,
		history:     history,
		logger:      logger.Named("terminal"),
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*Session),
	}
}

// uiConn wraps the UI WebSocket with a write mutex. Frames are written both
// by the UI reader goroutine (pong replies) and by the agent message router,
// and gorilla connections do not allow concurrent writers.
type uiConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *uiConn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *uiConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// ServeUI upgrades the request and runs the session until either side closes.
// The agent must already be connected; otherwise the UI transport is closed
// immediately with a terminal_error frame.
func (m *Manager) ServeUI(w http.ResponseWriter, r *http.Request, agentID, userID string) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("terminal upgrade failed", zap.Error(err))
		return
	}
	client := &uiConn{conn: raw}

	if !m.reg.IsConnected(agentID) {
		errMsg, _ := protocol.NewMessage(protocol.TypeTerminalError, protocol.TerminalDataPayload{
			Data: fmt.Sprintf("agent %s is not connected", agentID),
		})
		_ = client.SendJSON(errMsg)
		_ = client.Close()
		return
	}

	// The first frame from the UI carries the requested geometry.
	var open protocol.Message
	if err := raw.ReadJSON(&open); err != nil {
		_ = client.Close()
		return
	}
	var start protocol.TerminalStartPayload
	if open.Type == protocol.TypeTerminalStart {
		_ = open.ParsePayload(&start)
	}
	if start.Rows <= 0 {
		start.Rows = 24
	}
	if start.Cols <= 0 {
		start.Cols = 80
	}

	sess := newSession(uuid.NewString(), agentID, userID, start.WorkingDirectory, start.Rows, start.Cols, client)

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	metrics.TerminalSessionsActive.Inc()

	msg, _ := protocol.NewMessage(protocol.TypeTerminalStart, protocol.TerminalStartPayload{
		SessionID:        sess.ID,
		Rows:             start.Rows,
		Cols:             start.Cols,
		WorkingDirectory: start.WorkingDirectory,
	})
	if err := m.reg.Send(agentID, msg); err != nil {
		m.logger.Warn("terminal start send failed",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		m.Close(sess.ID, false)
		return
	}

	created, _ := protocol.NewMessage("session_created", protocol.SessionCreatedPayload{SessionID: sess.ID})
	if err := sess.sendToClient(created); err != nil {
		m.Close(sess.ID, true)
		return
	}

	m.logger.Info("terminal session opened",
		zap.String("session_id", sess.ID),
		zap.String("agent_id", agentID),
		zap.String("user_id", userID),
	)

	m.readUI(r.Context(), raw, sess)
}

// readUI is the UI-side read loop. It exits on connection error or an
// explicit terminal_close, cleaning up the session either way.
func (m *Manager) readUI(ctx context.Context, raw *websocket.Conn, sess *Session) {
	defer m.Close(sess.ID, true)

	for {
		var msg protocol.Message
		if err := raw.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				m.logger.Warn("terminal ui closed unexpectedly",
					zap.String("session_id", sess.ID),
					zap.Error(err),
				)
			}
			return
		}

		switch msg.Type {
		case protocol.TypeTerminalInput:
			var in protocol.TerminalDataPayload
			if err := msg.ParsePayload(&in); err != nil {
				continue
			}
			m.handleInput(ctx, sess, in.Data)

		case protocol.TypeTerminalResize:
			var rs protocol.TerminalResizePayload
			if err := msg.ParsePayload(&rs); err != nil {
				continue
			}
			sess.Resize(rs.Rows, rs.Cols)
			fwd, _ := protocol.NewMessage(protocol.TypeTerminalResize, protocol.TerminalResizePayload{
				SessionID: sess.ID,
				Rows:      rs.Rows,
				Cols:      rs.Cols,
			})
			_ = m.reg.Send(sess.AgentID, fwd)

		case protocol.TypeTerminalPing:
			sess.Touch()
			pong, _ := protocol.NewMessage(protocol.TypeTerminalPong, protocol.TerminalDataPayload{SessionID: sess.ID})
			_ = sess.sendToClient(pong)

		case protocol.TypeTerminalClose:
			return

		default:
			m.logger.Debug("terminal ui frame ignored",
				zap.String("session_id", sess.ID),
				zap.String("type", msg.Type),
			)
		}
	}
}

// handleInput forwards keystrokes to the agent and audits completed lines.
func (m *Manager) handleInput(ctx context.Context, sess *Session, data string) {
	for _, line := range sess.RecordInput(data) {
		entry := &db.TerminalCommand{
			SessionID: sess.ID,
			AgentID:   sess.AgentID,
			UserID:    sess.UserID,
			Command:   line,
			Timestamp: time.Now().UTC(),
		}
		if err := m.history.AppendTerminal(ctx, entry); err != nil {
			m.logger.Warn("terminal history append failed",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
		}
	}

	fwd, _ := protocol.NewMessage(protocol.TypeTerminalInput, protocol.TerminalDataPayload{
		SessionID: sess.ID,
		Data:      data,
	})
	if err := m.reg.Send(sess.AgentID, fwd); err != nil {
		m.logger.Warn("terminal input send failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		sess.setStatus(StatusError)
	}
}

// HandleAgentFrame routes a terminal_* frame received from an agent to its
// session. Frames for unknown sessions are dropped with a debug log — the
// session may have just been swept.
func (m *Manager) HandleAgentFrame(msg *protocol.Message) {
	var data protocol.TerminalDataPayload
	if err := msg.ParsePayload(&data); err != nil || data.SessionID == "" {
		m.logger.Debug("terminal agent frame without session_id", zap.String("type", msg.Type))
		return
	}

	m.mu.RLock()
	sess, ok := m.sessions[data.SessionID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("terminal frame for unknown session",
			zap.String("session_id", data.SessionID),
			zap.String("type", msg.Type),
		)
		return
	}

	switch msg.Type {
	case protocol.TypeTerminalOutput:
		sess.AppendOutput(data.Data)
		_ = sess.sendToClient(msg)

	case protocol.TypeTerminalError:
		_ = sess.sendToClient(msg)

	case protocol.TypeTerminalClosed:
		m.Close(sess.ID, false)
	}
}

// Get returns the session for an id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close tears a session down: removes it from the map, optionally notifies
// the agent, and closes the UI transport. Idempotent.
func (m *Manager) Close(sessionID string, notifyAgent bool) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.setStatus(StatusClosed)
	metrics.TerminalSessionsActive.Dec()

	if notifyAgent {
		msg, _ := protocol.NewMessage(protocol.TypeTerminalClose, protocol.TerminalDataPayload{SessionID: sessionID})
		_ = m.reg.Send(sess.AgentID, msg)
	}

	closed, _ := protocol.NewMessage(protocol.TypeTerminalClosed, protocol.TerminalDataPayload{SessionID: sessionID})
	_ = sess.sendToClient(closed)
	sess.closeClient()

	m.logger.Info("terminal session closed",
		zap.String("session_id", sessionID),
		zap.String("agent_id", sess.AgentID),
		zap.Duration("lifetime", time.Since(sess.CreatedAt)),
	)
}

// Sweep closes every session idle longer than the configured timeout and
// returns how many were closed. Safe to call from multiple janitor runs.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.RLock()
	var idle []string
	for id, sess := range m.sessions {
		if now.Sub(sess.LastActivity()) > m.idleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range idle {
		m.logger.Info("closing idle terminal session", zap.String("session_id", id))
		m.Close(id, true)
	}
	return len(idle)
}

// SweepInterval returns how often the janitor should call Sweep.
func (m *Manager) SweepInterval() time.Duration { return sweepInterval }
