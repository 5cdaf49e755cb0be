package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/db"
	"github.com/winfleet-io/winfleet/internal/liveness"
	"github.com/winfleet-io/winfleet/internal/protocol"
	"github.com/winfleet-io/winfleet/internal/registry"
	"github.com/winfleet-io/winfleet/internal/repository"
)

// agentView is the JSON shape agents are rendered as. The stored JSON text
// columns are expanded and connection state is recomputed from the registry
// on every read — it is never trusted from the database.
type agentView struct {
	ID          string         `json:"id"`
	Hostname    string         `json:"hostname"`
	IP          string         `json:"ip,omitempty"`
	OS          string         `json:"os,omitempty"`
	Version     string         `json:"version,omitempty"`
	Status      string         `json:"status"`
	LastSeenAt  *time.Time     `json:"last_seen,omitempty"`
	Tags        []string       `json:"tags"`
	SystemInfo  map[string]any `json:"system_info,omitempty"`
	IsConnected bool           `json:"is_connected"`
	IsMock      bool           `json:"is_mock,omitempty"`
}

// AgentHandler serves the /agents resource.
type AgentHandler struct {
	agents   repository.AgentRepository
	history  repository.HistoryRepository
	reg      *registry.Registry
	liveness *liveness.Tracker
	logger   *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(agents repository.AgentRepository, history repository.HistoryRepository, reg *registry.Registry, lv *liveness.Tracker, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		agents:   agents,
		history:  history,
		reg:      reg,
		liveness: lv,
		logger:   logger,
	}
}

func (h *AgentHandler) view(agent *db.Agent) agentView {
	v := agentView{
		ID:         agent.ID,
		Hostname:   agent.Hostname,
		IP:         agent.IP,
		OS:         agent.OS,
		Version:    agent.Version,
		Status:     agent.Status,
		LastSeenAt: agent.LastSeenAt,
		Tags:       []string{},
	}
	_ = json.Unmarshal([]byte(agent.Tags), &v.Tags)
	if agent.SystemInfo != "" && agent.SystemInfo != "{}" {
		_ = json.Unmarshal([]byte(agent.SystemInfo), &v.SystemInfo)
	}
	if s, ok := h.reg.SessionOf(agent.ID); ok {
		v.IsConnected = true
		v.IsMock = s.IsMock
	}
	return v
}

// List handles GET /agents. Rows sharing a hostname are deduplicated by the
// repository, keeping the most recently seen one.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := repository.AgentListOptions{
		Status:    q.Get("status"),
		Limit:     intParam(q.Get("limit"), 50),
		Offset:    intParam(q.Get("offset"), 0),
		OrderBy:   q.Get("order_by"),
		OrderDesc: q.Get("order_desc") == "true",
	}

	agents, total, err := h.agents.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("agent list failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	views := make([]agentView, 0, len(agents))
	for i := range agents {
		views = append(views, h.view(&agents[i]))
	}

	resp := map[string]any{"agents": views, "count": len(views)}
	if q.Get("include_total") == "true" {
		resp["total"] = total
	}
	Ok(w, resp)
}

type registerAgentRequest struct {
	ID       string   `json:"id"`
	Hostname string   `json:"hostname"`
	IP       string   `json:"ip"`
	OS       string   `json:"os"`
	Version  string   `json:"version"`
	Tags     []string `json:"tags"`
}

// Register handles POST /agents/register — server-side registration for
// agents provisioned before their first connection.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Hostname == "" {
		ErrBadRequest(w, "hostname is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Tags == nil {
		req.Tags = []string{}
	}
	tags, _ := json.Marshal(req.Tags)

	agent := &db.Agent{
		ID:         req.ID,
		Hostname:   req.Hostname,
		IP:         req.IP,
		OS:         req.OS,
		Version:    req.Version,
		Status:     "offline",
		Tags:       string(tags),
		SystemInfo: "{}",
	}
	if err := h.agents.Upsert(r.Context(), agent); err != nil {
		h.logger.Error("agent register failed", zap.String("agent_id", req.ID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, h.view(agent))
}

// GetByID handles GET /agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	agent, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, "agent not found: "+id)
			return
		}
		h.logger.Error("agent fetch failed", zap.String("agent_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, h.view(agent))
}

// Delete handles DELETE /agents/{id}. A live session, if any, is closed.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s, ok := h.reg.SessionOf(id); ok {
		_ = s.Transport().Close()
		h.reg.Detach(s.ConnectionID)
	}

	if err := h.agents.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, "agent not found: "+id)
			return
		}
		h.logger.Error("agent delete failed", zap.String("agent_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Refresh handles POST /agents/{id}/refresh: asks an attached agent for fresh
// system info and reconciles the persisted status with current attachment.
func (h *AgentHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	agent, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, "agent not found: "+id)
			return
		}
		ErrInternal(w)
		return
	}

	status := "offline"
	if h.reg.IsConnected(id) {
		status = "online"
		msg, _ := protocol.NewMessage(protocol.TypeSystemInfoRequest, nil)
		if err := h.reg.Send(id, msg); err != nil {
			status = "offline"
		}
	}

	now := time.Now().UTC()
	if err := h.agents.UpdateStatus(r.Context(), id, status, now); err != nil {
		h.logger.Error("agent refresh failed", zap.String("agent_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	agent.Status = status
	agent.LastSeenAt = &now
	Ok(w, h.view(agent))
}

// Status handles GET /agents/{id}/status, returning the liveness
// classification record.
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	agent, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, "agent not found: "+id)
			return
		}
		ErrInternal(w)
		return
	}
	Ok(w, h.liveness.Classify(agent, time.Now().UTC()))
}

// History handles GET /agents/{id}/history.
func (h *AgentHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	q := r.URL.Query()

	entries, err := h.history.ListByAgent(r.Context(), id, repository.ListOptions{
		Limit:  intParam(q.Get("limit"), 100),
		Offset: intParam(q.Get("offset"), 0),
	})
	if err != nil {
		h.logger.Error("history list failed", zap.String("agent_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"history": entries, "count": len(entries)})
}

// intParam parses a decimal query parameter, falling back on empty or
// malformed input.
func intParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
