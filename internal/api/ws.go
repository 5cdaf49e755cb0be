package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/events"
	"github.com/winfleet-io/winfleet/internal/gateway"
	"github.com/winfleet-io/winfleet/internal/terminal"
)

// WSHandler serves the three WebSocket surfaces: the agent transport, the
// per-agent terminal bridge, and the UI event stream.
type WSHandler struct {
	gw     *gateway.Gateway
	terms  *terminal.Manager
	hub    *events.Hub
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(gw *gateway.Gateway, terms *terminal.Manager, hub *events.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{gw: gw, terms: terms, hub: hub, logger: logger}
}

// Agent handles GET /ws/agent — the persistent agent transport.
func (h *WSHandler) Agent(w http.ResponseWriter, r *http.Request) {
	h.gw.ServeAgent(w, r)
}

// Terminal handles GET /api/v1/agents/{id}/terminal — one interactive
// session bridged to the agent.
func (h *WSHandler) Terminal(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	userID := ""
	if claims := claimsFromCtx(r.Context()); claims != nil {
		userID = claims.UserID
	}
	h.terms.ServeUI(w, r, agentID, userID)
}

// Events handles GET /api/v1/events?topics=agents,commands — the server-push
// event stream for UI clients. Unspecified topics default to the fleet-wide
// feeds.
func (h *WSHandler) Events(w http.ResponseWriter, r *http.Request) {
	topics := []string{"agents", "commands"}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = topics[:0]
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	client, err := events.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		h.logger.Warn("event stream upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
