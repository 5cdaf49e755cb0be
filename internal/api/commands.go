package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/dispatch"
)

// CommandHandler serves command execution and result retrieval.
type CommandHandler struct {
	disp   *dispatch.Dispatcher
	logger *zap.Logger
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(disp *dispatch.Dispatcher, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{disp: disp, logger: logger}
}

type executeRequest struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"` // seconds; 0 selects the server default
}

// Execute handles POST /agents/{id}/command: dispatch and block until the
// agent replies or the (clamped) timeout fires. Client disconnection does not
// cancel the command — the result stays retrievable via GetResult.
func (h *CommandHandler) Execute(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		ErrBadRequest(w, "command is required")
		return
	}

	resp, requestID, err := h.disp.Execute(r.Context(), agentID, req.Command, time.Duration(req.Timeout)*time.Second)
	if err != nil {
		h.writeDispatchError(w, agentID, err)
		return
	}

	Ok(w, map[string]any{
		"request_id": requestID,
		"result":     resp,
	})
}

// ExecuteAsync handles POST /agents/{id}/command/async: submit and return the
// request id immediately.
func (h *CommandHandler) ExecuteAsync(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req executeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		ErrBadRequest(w, "command is required")
		return
	}

	requestID, err := h.disp.Submit(agentID, req.Command, time.Duration(req.Timeout)*time.Second)
	if err != nil {
		h.writeDispatchError(w, agentID, err)
		return
	}

	JSON(w, http.StatusAccepted, map[string]any{
		"request_id": requestID,
		"status":     "pending",
	})
}

// GetResult handles GET /commands/{request_id}: the polling accessor for
// async submissions and for commands whose caller disconnected.
func (h *CommandHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")

	status, resp, ok := h.disp.Result(requestID)
	if !ok {
		JSON(w, http.StatusNotFound, map[string]any{
			"request_id": requestID,
			"status":     "not_found",
		})
		return
	}

	body := map[string]any{
		"request_id": requestID,
		"status":     status,
	}
	if resp != nil {
		body["result"] = resp
	}
	Ok(w, body)
}

// writeDispatchError maps dispatcher errors onto the HTTP error taxonomy,
// attaching troubleshooting hints for the disconnected-agent case.
func (h *CommandHandler) writeDispatchError(w http.ResponseWriter, agentID string, err error) {
	var notConnected *dispatch.NotConnectedError
	if errors.As(err, &notConnected) {
		suggestions := []string{
			"Verify the agent service is running on the target host",
			"Check the agent's server URL configuration",
		}
		if len(notConnected.AvailableAgents) == 0 && len(notConnected.MockAgents) == 0 {
			suggestions = append(suggestions, "No agents are connected; enable WINFLEET_ENABLE_TEST_MODE for mock agents")
		}
		Err(w, http.StatusNotFound, "agent_not_connected", err.Error(), map[string]any{
			"agent_id":         agentID,
			"available_agents": notConnected.AvailableAgents,
			"mock_agents":      notConnected.MockAgents,
		}, suggestions...)
		return
	}

	var sendFailed *dispatch.SendFailedError
	if errors.As(err, &sendFailed) {
		Err(w, http.StatusBadGateway, "send_failed", err.Error(), map[string]any{
			"agent_id": agentID,
		})
		return
	}

	h.logger.Error("dispatch failed", zap.String("agent_id", agentID), zap.Error(err))
	ErrInternal(w)
}
