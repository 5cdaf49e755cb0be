package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/bulk"
)

// BulkHandler serves POST /agents/bulk.
type BulkHandler struct {
	op     *bulk.Operator
	logger *zap.Logger
}

// NewBulkHandler creates a BulkHandler.
func NewBulkHandler(op *bulk.Operator, logger *zap.Logger) *BulkHandler {
	return &BulkHandler{op: op, logger: logger}
}

type bulkRequest struct {
	AgentIDs  []string  `json:"agent_ids"`
	Operation string    `json:"operation"`
	Args      bulk.Args `json:"args"`
}

// Run executes one operation across many agents. Per-agent failures populate
// failed[*].error without failing the envelope.
func (h *BulkHandler) Run(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	report, err := h.op.Run(r.Context(), req.AgentIDs, req.Operation, req.Args)
	if err != nil {
		if errors.Is(err, bulk.ErrInvalidArgument) {
			ErrBadRequest(w, err.Error())
			return
		}
		h.logger.Error("bulk operation failed", zap.String("op", req.Operation), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, report)
}
