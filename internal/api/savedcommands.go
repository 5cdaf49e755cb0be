package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/winfleet-io/winfleet/internal/db"
	"github.com/winfleet-io/winfleet/internal/repository"
)

// SavedCommandHandler serves the reusable command template resource.
type SavedCommandHandler struct {
	saved  repository.SavedCommandRepository
	logger *zap.Logger
}

// NewSavedCommandHandler creates a SavedCommandHandler.
func NewSavedCommandHandler(saved repository.SavedCommandRepository, logger *zap.Logger) *SavedCommandHandler {
	return &SavedCommandHandler{saved: saved, logger: logger}
}

type savedCommandRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Command     string `json:"command"`
	Parameters  string `json:"parameters"`
	Tags        string `json:"tags"`
	Version     string `json:"version"`
	Author      string `json:"author"`
}

// List handles GET /saved-commands with an optional category filter.
func (h *SavedCommandHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	cmds, total, err := h.saved.List(r.Context(), q.Get("category"), repository.ListOptions{
		Limit:  intParam(q.Get("limit"), 100),
		Offset: intParam(q.Get("offset"), 0),
	})
	if err != nil {
		h.logger.Error("saved command list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"commands": cmds, "total": total})
}

// Create handles POST /saved-commands.
func (h *SavedCommandHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req savedCommandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Command == "" {
		ErrBadRequest(w, "name and command are required")
		return
	}

	cmd := &db.SavedCommand{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		Command:     req.Command,
		Parameters:  req.Parameters,
		Tags:        req.Tags,
		Version:     req.Version,
		Author:      req.Author,
	}
	if cmd.Category == "" {
		cmd.Category = "general"
	}
	if cmd.Parameters == "" {
		cmd.Parameters = "[]"
	}
	if cmd.Tags == "" {
		cmd.Tags = "[]"
	}
	if cmd.Version == "" {
		cmd.Version = "1.0"
	}

	if err := h.saved.Create(r.Context(), cmd); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			Err(w, http.StatusConflict, "conflict", "a command with that name already exists", nil)
			return
		}
		h.logger.Error("saved command create failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, cmd)
}

// GetByID handles GET /saved-commands/{id}.
func (h *SavedCommandHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid command id")
		return
	}

	cmd, err := h.saved.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, "saved command not found")
			return
		}
		ErrInternal(w)
		return
	}
	Ok(w, cmd)
}

// Update handles PATCH /saved-commands/{id}.
func (h *SavedCommandHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid command id")
		return
	}

	cmd, err := h.saved.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w, "saved command not found")
			return
		}
		ErrInternal(w)
		return
	}

	var req savedCommandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name != "" {
		cmd.Name = req.Name
	}
	if req.Description != "" {
		cmd.Description = req.Description
	}
	if req.Category != "" {
		cmd.Category = req.Category
	}
	if req.Command != "" {
		cmd.Command = req.Command
	}
	if req.Parameters != "" {
		cmd.Parameters = req.Parameters
	}
	if req.Tags != "" {
		cmd.Tags = req.Tags
	}
	if req.Version != "" {
		cmd.Version = req.Version
	}

	if err := h.saved.Update(r.Context(), cmd); err != nil {
		h.logger.Error("saved command update failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, cmd)
}

// Delete handles DELETE /saved-commands/{id}. System templates are protected.
func (h *SavedCommandHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrBadRequest(w, "invalid command id")
		return
	}

	if err := h.saved.Delete(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			ErrNotFound(w, "saved command not found")
		case errors.Is(err, repository.ErrProtected):
			ErrForbidden(w)
		default:
			h.logger.Error("saved command delete failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	NoContent(w)
}
