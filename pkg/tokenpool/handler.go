package tokenpool

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bulkforge/orchestrator/internal/audit"
	"github.com/bulkforge/orchestrator/internal/httpserver"
)

// Handler provides HTTP handlers for the admin token pool API.
type Handler struct {
	logger *slog.Logger
	audit  *audit.Writer
	pool   *Pool
}

// NewHandler creates a Handler backed by the given Pool.
func NewHandler(logger *slog.Logger, auditWriter *audit.Writer, pool *Pool) *Handler {
	return &Handler{logger: logger, audit: auditWriter, pool: pool}
}

// Routes returns a chi.Router with all admin token routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Put("/", h.handleReplace)
	r.Patch("/{id}", h.handleUpdate)
	r.Delete("/{id}", h.handleDelete)
	return r
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.pool.List(r.Context())
	if err != nil {
		h.logger.Error("listing tokens", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list tokens")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"tokens": tokens,
		"count":  len(tokens),
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	token, err := h.pool.Create(r.Context(), req.Credential, req.Label)
	if err != nil {
		h.logger.Error("creating token", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create token")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"label": token.Label})
		h.audit.LogFromRequest(r, "create", "token", &token.ID, detail)
	}

	httpserver.Respond(w, http.StatusCreated, token)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid token ID")
		return
	}

	var req UpdateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	token, err := h.pool.Update(r.Context(), id, req.Label, req.IsActive)
	if err != nil {
		h.logger.Error("updating token", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to update token")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(req)
		h.audit.LogFromRequest(r, "update", "token", &token.ID, detail)
	}

	httpserver.Respond(w, http.StatusOK, token)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid token ID")
		return
	}

	if err := h.pool.Delete(r.Context(), id); err != nil {
		h.logger.Error("deleting token", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete token")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "delete", "token", &id, nil)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleReplace(w http.ResponseWriter, r *http.Request) {
	var req ReplaceRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	tokens, err := h.pool.ReplaceAll(r.Context(), req.Credentials)
	if err != nil {
		h.logger.Error("replacing tokens", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to replace tokens")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]int{"count": len(tokens)})
		h.audit.LogFromRequest(r, "replace", "token_pool", nil, detail)
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"tokens": tokens,
		"count":  len(tokens),
	})
}
