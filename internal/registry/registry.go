// Package registry maintains the in-memory mapping between agents and their
// live transport sessions.
//
// When an agent connects and completes its register handshake, the gateway
// binds it here. The dispatcher uses this registry to push command frames onto
// the open transport.
//
// All state is in-memory and intentionally non-persistent: if the server
// restarts, agents reconnect and re-register automatically via their
// reconnection loop. The persistent agent record (hostname, tags, last_seen)
// lives in the database and is managed by AgentRepository.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/protocol"
)

// ErrNotConnected is returned by Send when no live session is bound to the
// requested agent.
var ErrNotConnected = errors.New("agent is not connected")

// Transport is the write side of one live connection. Real sessions are backed
// by a WebSocket write pump; mock sessions synthesise replies into the inbound
// pipeline instead of touching a network.
type Transport interface {
	// Send queues a frame for delivery. It must not block on network I/O;
	// an error means the connection is no longer usable.
	Send(msg *protocol.Message) error

	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// Session is the server-side runtime object representing one live transport.
// AgentID is empty until the agent's register frame is processed.
type Session struct {
	ConnectionID  string
	AgentID       string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	IsMock        bool

	transport Transport
}

// Transport returns the session's transport handle.
func (s *Session) Transport() Transport { return s.transport }

// Registry tracks which agents are currently connected and over which session.
// It is safe for concurrent use; all three mappings are kept consistent behind
// a single mutex, and no I/O happens inside the critical sections.
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu sync.Mutex

	// sessions maps connection_id to its session. Entries exist from Attach
	// until Detach regardless of whether an agent has bound yet.
	sessions map[string]*Session

	// agents maps agent_id to the connection_id currently bound to it.
	// At most one entry per agent — Bind swaps out any prior binding.
	agents map[string]string

	logger *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		agents:   make(map[string]string),
		logger:   logger.Named("registry"),
	}
}

// Attach creates a session for a freshly accepted transport and returns its
// connection id. The session has no agent bound until Bind is called.
func (r *Registry) Attach(t Transport) string {
	return r.attach(t, false)
}

// AttachMock creates a session flagged as mock. Mock sessions behave like real
// ones everywhere except diagnostics, which surface the IsMock flag.
func (r *Registry) AttachMock(t Transport) string {
	return r.attach(t, true)
}

func (r *Registry) attach(t Transport, mock bool) string {
	now := time.Now().UTC()
	s := &Session{
		ConnectionID:  uuid.NewString(),
		ConnectedAt:   now,
		LastHeartbeat: now,
		IsMock:        mock,
		transport:     t,
	}

	r.mu.Lock()
	r.sessions[s.ConnectionID] = s
	total := len(r.sessions)
	r.mu.Unlock()

	r.logger.Debug("transport attached",
		zap.String("connection_id", s.ConnectionID),
		zap.Bool("mock", mock),
		zap.Int("total_sessions", total),
	)
	return s.ConnectionID
}

// Bind associates an agent id with a session. If another live session already
// holds the agent, the binding is swapped atomically: the old session keeps
// running but loses its agent association, and a best-effort close is issued
// on its transport outside the lock. The old session's own detach later is a
// no-op for the mapping.
//
// Returns the replaced session's transport (nil if there was none) so callers
// can observe the swap, e.g. in tests.
func (r *Registry) Bind(connectionID, agentID string) (Transport, error) {
	var replaced Transport

	r.mu.Lock()
	s, ok := r.sessions[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil, errors.New("registry: unknown connection " + connectionID)
	}

	if oldConnID, exists := r.agents[agentID]; exists && oldConnID != connectionID {
		if old, ok := r.sessions[oldConnID]; ok {
			// The agent reconnected before the server noticed the previous
			// connection dying. The new binding wins.
			old.AgentID = ""
			replaced = old.transport
			r.logger.Warn("replacing existing agent connection",
				zap.String("agent_id", agentID),
				zap.String("old_connection_id", oldConnID),
				zap.String("new_connection_id", connectionID),
			)
		}
	}

	// The same connection re-registering under a new agent id must release its
	// previous binding, or the old id would dangle on a session that no longer
	// answers to it.
	if s.AgentID != "" && s.AgentID != agentID && r.agents[s.AgentID] == connectionID {
		delete(r.agents, s.AgentID)
		r.logger.Warn("connection re-registered under new agent id",
			zap.String("connection_id", connectionID),
			zap.String("old_agent_id", s.AgentID),
			zap.String("new_agent_id", agentID),
		)
	}

	s.AgentID = agentID
	r.agents[agentID] = connectionID
	total := len(r.agents)
	r.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close()
	}

	r.logger.Info("agent bound",
		zap.String("agent_id", agentID),
		zap.String("connection_id", connectionID),
		zap.Int("total_connected", total),
	)
	return replaced, nil
}

// Detach removes a session and, if it still owns its agent binding, the
// binding too. Idempotent — detaching an unknown connection is a no-op.
func (r *Registry) Detach(connectionID string) {
	r.mu.Lock()
	s, ok := r.sessions[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, connectionID)
	if s.AgentID != "" && r.agents[s.AgentID] == connectionID {
		delete(r.agents, s.AgentID)
	}
	total := len(r.agents)
	r.mu.Unlock()

	r.logger.Info("session detached",
		zap.String("connection_id", connectionID),
		zap.String("agent_id", s.AgentID),
		zap.Duration("session_duration", time.Since(s.ConnectedAt)),
		zap.Int("total_connected", total),
	)
}

// IsConnected reports whether a live session is bound to the agent.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[agentID]
	return ok
}

// SessionOf returns a copy of the session bound to the agent, or false.
func (r *Registry) SessionOf(agentID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.agents[agentID]
	if !ok {
		return Session{}, false
	}
	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Heartbeat records transport-level liveness for a session.
func (r *Registry) Heartbeat(connectionID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[connectionID]; ok {
		s.LastHeartbeat = at
	}
}

// ConnectedAgents returns the ids of all agents with a bound session,
// excluding mocks.
func (r *Registry) ConnectedAgents() []string {
	return r.connected(false)
}

// MockAgents returns the ids of all bound mock agents.
func (r *Registry) MockAgents() []string {
	return r.connected(true)
}

func (r *Registry) connected(mock bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.agents))
	for agentID, connID := range r.agents {
		if s, ok := r.sessions[connID]; ok && s.IsMock == mock {
			ids = append(ids, agentID)
		}
	}
	return ids
}

// Send looks up the agent's session and hands the frame to its transport.
// A transport failure detaches the session as a side effect, so the agent
// immediately appears offline to subsequent callers.
func (r *Registry) Send(agentID string, msg *protocol.Message) error {
	r.mu.Lock()
	connID, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return ErrNotConnected
	}
	s, ok := r.sessions[connID]
	if !ok {
		// A binding without a session is a consistency violation; drop it
		// rather than crash the caller.
		delete(r.agents, agentID)
		r.mu.Unlock()
		r.logger.Error("dropped dangling agent binding",
			zap.String("agent_id", agentID),
			zap.String("connection_id", connID),
		)
		return ErrNotConnected
	}
	t := s.transport
	r.mu.Unlock()

	// I/O happens outside the lock. The transport is a buffered handoff to a
	// write pump, so this does not block on the network either.
	if err := t.Send(msg); err != nil {
		r.logger.Warn("send failed, detaching session",
			zap.String("agent_id", agentID),
			zap.String("connection_id", connID),
			zap.Error(err),
		)
		r.Detach(connID)
		_ = t.Close()
		return err
	}
	return nil
}
