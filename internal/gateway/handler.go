// Package gateway terminates agent WebSocket connections. It owns the inbound
// message loop: decoding frames, enforcing the register-first handshake, and
// routing each message type to the registry, correlator, store, terminal
// manager, and event hub.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/correlator"
	"github.com/winfleet-io/winfleet/internal/db"
	"github.com/winfleet-io/winfleet/internal/events"
	"github.com/winfleet-io/winfleet/internal/metrics"
	"github.com/winfleet-io/winfleet/internal/protocol"
	"github.com/winfleet-io/winfleet/internal/registry"
	"github.com/winfleet-io/winfleet/internal/repository"
	"github.com/winfleet-io/winfleet/internal/terminal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Gateway handles the /ws/agent endpoint and the inbound half of the agent
// protocol. It also implements the result sink used by mock agents, so
// synthetic results flow through the identical delivery pipeline.
type Gateway struct {
	reg     *registry.Registry
	corr    *correlator.Correlator
	agents  repository.AgentRepository
	history repository.HistoryRepository
	terms   *terminal.Manager
	hub     *events.Hub
	logger  *zap.Logger
}

// New wires the gateway to its collaborators.
func New(
	reg *registry.Registry,
	corr *correlator.Correlator,
	agents repository.AgentRepository,
	history repository.HistoryRepository,
	terms *terminal.Manager,
	hub *events.Hub,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		reg:     reg,
		corr:    corr,
		agents:  agents,
		history: history,
		terms:   terms,
		hub:     hub,
		logger:  logger.Named("gateway"),
	}
}

// ServeAgent upgrades the request and runs the connection until the agent
// disconnects. The first frame must be a register; any other frame on a fresh
// connection closes the transport.
func (g *Gateway) ServeAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("agent upgrade failed", zap.Error(err))
		return
	}

	t := newWSTransport(conn, g.logger)
	connID := g.reg.Attach(t)
	go t.writePump()

	g.logger.Info("agent transport accepted",
		zap.String("connection_id", connID),
		zap.String("remote_addr", r.RemoteAddr),
	)

	g.readLoop(r.Context(), conn, t, connID, r.RemoteAddr)
}

// readLoop is the dedicated reader for one agent connection. Messages are
// processed strictly in receive order. Malformed frames are logged and
// skipped — content errors never close the transport, only the missing
// register handshake does.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, t *wsTransport, connID, remoteAddr string) {
	agentID := ""

	defer func() {
		g.reg.Detach(connID)
		_ = t.Close()
		g.updateConnectedGauges()
		if agentID != "" {
			g.hub.Publish(events.Event{
				Type:    events.EvAgentStatus,
				Topic:   "agent:" + agentID,
				Payload: map[string]any{"agent_id": agentID, "connected": false},
			})
			g.hub.Publish(events.Event{
				Type:    events.EvAgentStatus,
				Topic:   "agents",
				Payload: map[string]any{"agent_id": agentID, "connected": false},
			})
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		g.reg.Heartbeat(connID, time.Now().UTC())
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				g.logger.Warn("agent connection error",
					zap.String("connection_id", connID),
					zap.String("agent_id", agentID),
					zap.Error(err),
				)
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.logger.Warn("malformed agent frame",
				zap.String("connection_id", connID),
				zap.Error(err),
			)
			continue
		}

		if agentID == "" {
			if msg.Type != protocol.TypeRegister {
				g.logger.Warn("first frame was not register, closing",
					zap.String("connection_id", connID),
					zap.String("type", msg.Type),
				)
				return
			}
			agentID = g.handleRegister(ctx, connID, remoteAddr, &msg)
			if agentID == "" {
				return
			}
			continue
		}

		agentID = g.route(ctx, connID, agentID, &msg)
	}
}

// route dispatches one inbound frame from a registered agent. It returns the
// agent id the connection answers to from here on — a repeat register may
// rebind the connection under a different id.
func (g *Gateway) route(ctx context.Context, connID, agentID string, msg *protocol.Message) string {
	switch msg.Type {
	case protocol.TypeRegister:
		// Repeat register on a live connection: refresh the stored record and
		// adopt the (possibly changed) id for subsequent attribution.
		if id := g.handleRegister(ctx, connID, "", msg); id != "" {
			return id
		}

	case protocol.TypeHeartbeat:
		g.handleHeartbeat(ctx, connID, agentID, msg)

	case protocol.TypeCommandResult, protocol.TypePowershellResult:
		var res protocol.ResultPayload
		if err := msg.ParsePayload(&res); err != nil {
			g.logger.Warn("malformed result payload",
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
			return agentID
		}
		g.HandleCommandResult(ctx, agentID, &res)

	case protocol.TypeSystemInfoUpdate:
		g.handleSystemInfo(ctx, agentID, msg)

	case protocol.TypePong:
		g.logger.Debug("pong", zap.String("agent_id", agentID))

	default:
		if strings.HasPrefix(msg.Type, "terminal_") {
			g.terms.HandleAgentFrame(msg)
			return agentID
		}
		g.logger.Warn("unknown message type",
			zap.String("agent_id", agentID),
			zap.String("type", msg.Type),
		)
	}
	return agentID
}

// handleRegister binds the agent in the registry, upserts its store record,
// and replies with a welcome frame. Returns the bound agent id, or "" when
// the payload is unusable.
func (g *Gateway) handleRegister(ctx context.Context, connID, remoteAddr string, msg *protocol.Message) string {
	var reg protocol.RegisterPayload
	if err := msg.ParsePayload(&reg); err != nil || reg.ID == "" {
		g.logger.Warn("register without usable id",
			zap.String("connection_id", connID),
			zap.Error(err),
		)
		return ""
	}

	if _, err := g.reg.Bind(connID, reg.ID); err != nil {
		g.logger.Warn("bind failed",
			zap.String("connection_id", connID),
			zap.String("agent_id", reg.ID),
			zap.Error(err),
		)
		return ""
	}

	ip := reg.IP
	if ip == "" && remoteAddr != "" {
		if host, _, ok := strings.Cut(remoteAddr, ":"); ok {
			ip = host
		} else {
			ip = remoteAddr
		}
	}

	now := time.Now().UTC()
	rec := &db.Agent{
		ID:         reg.ID,
		Hostname:   reg.Hostname,
		IP:         ip,
		OS:         reg.OS,
		Version:    reg.AgentVersion(),
		Status:     "online",
		LastSeenAt: &now,
		Tags:       marshalOr(reg.Tags, "[]"),
		SystemInfo: marshalOr(reg.SystemInfo, "{}"),
	}
	if err := g.agents.Upsert(ctx, rec); err != nil {
		g.logger.Error("agent upsert failed",
			zap.String("agent_id", reg.ID),
			zap.Error(err),
		)
	}

	welcome, _ := protocol.NewMessage(protocol.TypeWelcome, protocol.WelcomePayload{
		AgentID:      reg.ID,
		ConnectionID: connID,
		Message:      "registered",
	})
	if err := g.reg.Send(reg.ID, welcome); err != nil {
		g.logger.Warn("welcome send failed",
			zap.String("agent_id", reg.ID),
			zap.Error(err),
		)
		return ""
	}

	g.updateConnectedGauges()
	g.hub.Publish(events.Event{
		Type:    events.EvAgentStatus,
		Topic:   "agents",
		Payload: map[string]any{"agent_id": reg.ID, "connected": true, "hostname": reg.Hostname},
	})

	g.logger.Info("agent registered",
		zap.String("agent_id", reg.ID),
		zap.String("hostname", reg.Hostname),
		zap.String("connection_id", connID),
	)
	return reg.ID
}

func (g *Gateway) handleHeartbeat(ctx context.Context, connID, agentID string, msg *protocol.Message) {
	now := time.Now().UTC()
	g.reg.Heartbeat(connID, now)

	var hb protocol.HeartbeatPayload
	_ = msg.ParsePayload(&hb)

	systemInfo := ""
	if hb.SystemInfo != nil {
		systemInfo = marshalOr(hb.SystemInfo, "")
	}
	if err := g.agents.Heartbeat(ctx, agentID, now, systemInfo); err != nil {
		g.logger.Warn("heartbeat persist failed",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}

	g.hub.Publish(events.Event{
		Type:    events.EvAgentHeartbeat,
		Topic:   "agent:" + agentID,
		Payload: map[string]any{"agent_id": agentID, "last_seen": now, "system_info": hb.SystemInfo},
	})
}

func (g *Gateway) handleSystemInfo(ctx context.Context, agentID string, msg *protocol.Message) {
	now := time.Now().UTC()
	info := "{}"
	if len(msg.Payload) > 0 {
		info = string(msg.Payload)
	}
	if err := g.agents.Heartbeat(ctx, agentID, now, info); err != nil {
		g.logger.Warn("system info persist failed",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
}

// HandleCommandResult delivers a command result into the correlator and
// appends the history row. It is the single entry point for results from real
// agents and from the mock subsystem alike.
func (g *Gateway) HandleCommandResult(ctx context.Context, agentID string, res *protocol.ResultPayload) {
	requestID := res.CorrelationID()
	if requestID == "" {
		g.logger.Warn("result without request_id dropped",
			zap.String("agent_id", agentID),
		)
		return
	}

	ts := res.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	resp := &correlator.Response{
		Success:       res.Success,
		Output:        res.NormalizedOutput(),
		Error:         res.Error,
		ExitCode:      res.ExitCode,
		ExecutionTime: res.ExecutionTime,
		Timestamp:     ts,
		Data:          structuredData(res),
	}
	g.corr.Deliver(requestID, resp)
	metrics.RequestsPending.Set(float64(g.corr.Pending()))

	command := ""
	if _, cmd, ok := g.corr.Request(requestID); ok {
		command = cmd
	}
	entry := &db.CommandHistory{
		AgentID:       agentID,
		Command:       command,
		Success:       res.Success,
		Output:        resp.Output,
		Error:         res.Error,
		ExecutionTime: res.ExecutionTime,
		Timestamp:     ts,
	}
	if err := g.history.Append(ctx, entry); err != nil {
		g.logger.Warn("history append failed",
			zap.String("agent_id", agentID),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}

	g.hub.Publish(events.Event{
		Type:  events.EvCommandResult,
		Topic: "commands",
		Payload: map[string]any{
			"agent_id":   agentID,
			"request_id": requestID,
			"success":    res.Success,
		},
	})
}

// structuredData recovers the agent's original output structure when it was
// not a plain string, for callers that want more than the flattened text.
func structuredData(res *protocol.ResultPayload) any {
	if len(res.Data) > 0 {
		var v any
		if err := json.Unmarshal(res.Data, &v); err == nil {
			return v
		}
	}
	if len(res.Output) > 0 && res.Output[0] != '"' {
		var v any
		if err := json.Unmarshal(res.Output, &v); err == nil {
			return v
		}
	}
	return nil
}

// updateConnectedGauges recomputes both connection gauges from the registry.
// Absolute sets are immune to missed increments on error paths.
func (g *Gateway) updateConnectedGauges() {
	metrics.AgentsConnected.WithLabelValues("real").Set(float64(len(g.reg.ConnectedAgents())))
	metrics.AgentsConnected.WithLabelValues("mock").Set(float64(len(g.reg.MockAgents())))
}

func marshalOr(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}
