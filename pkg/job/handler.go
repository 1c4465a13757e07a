package job

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bulkforge/orchestrator/internal/audit"
	"github.com/bulkforge/orchestrator/internal/db"
	"github.com/bulkforge/orchestrator/internal/httpserver"
	"github.com/bulkforge/orchestrator/pkg/orcherr"
)

const maxImageUploadBytes = 10 << 20 // 10 MiB reference image ceiling.

// Handler provides the HTTP surface for the five job operations.
type Handler struct {
	logger  *slog.Logger
	pool    *pgxpool.Pool
	audit   *audit.Writer
	service *Service
}

// NewHandler creates a job Handler.
func NewHandler(pool *pgxpool.Pool, service *Service, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, pool: pool, audit: auditWriter, service: service}
}

// Routes returns a chi.Router with all job routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleSubmitSingle)
	r.Post("/bulk", h.handleSubmitBulk)
	r.Post("/image-to-video", h.handleSubmitImageToVideo)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/regenerate", h.handleRegenerate)
	})
	r.Get("/status", h.handleCheckStatus)
	r.Get("/history", h.handleListJobs)
	return r
}

func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (db.User, bool) {
	id, ok := httpserver.UserIDFromContext(r.Context())
	if !ok {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "user authentication required")
		return db.User{}, false
	}
	u, err := db.New(h.pool).GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "unknown user")
			return db.User{}, false
		}
		h.logger.Error("job: loading current user", "user_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load user")
		return db.User{}, false
	}
	return u, true
}

func (h *Handler) handleSubmitBulk(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req SubmitBulkRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.SubmitBulk(r.Context(), u, req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]any{"count": len(resp.JobIDs), "aspect_ratio": req.AspectRatio})
		h.audit.LogFromRequest(r, "submit_bulk", "job", nil, detail)
	}

	httpserver.Respond(w, http.StatusAccepted, resp)
}

func (h *Handler) handleSubmitSingle(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req SubmitSingleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.SubmitSingle(r.Context(), u, req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"aspect_ratio": req.AspectRatio, "scene_id": resp.SceneID})
		h.audit.LogFromRequest(r, "submit_single", "job", nil, detail)
	}

	httpserver.Respond(w, http.StatusAccepted, resp)
}

func (h *Handler) handleSubmitImageToVideo(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	if err := r.ParseMultipartForm(maxImageUploadBytes); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "failed to parse multipart form")
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "missing image file")
		return
	}
	defer file.Close()

	imageBytes := make([]byte, 0, maxImageUploadBytes)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := file.Read(buf)
		if n > 0 {
			imageBytes = append(imageBytes, buf[:n]...)
		}
		if readErr != nil {
			break
		}
	}

	mtype := mimetype.Detect(imageBytes)

	req := SubmitImageToVideoRequest{
		ImageBytes:  imageBytes,
		MimeType:    mtype.String(),
		Prompt:      r.FormValue("prompt"),
		AspectRatio: r.FormValue("aspect_ratio"),
	}
	if len(req.Prompt) < promptMinLength || len(req.Prompt) > promptMaxLength {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "prompt length out of bounds")
		return
	}
	if req.AspectRatio != "landscape" && req.AspectRatio != "portrait" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "aspect_ratio must be landscape or portrait")
		return
	}

	resp, err := h.service.SubmitImageToVideo(r.Context(), u, req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"aspect_ratio": req.AspectRatio, "mime_type": req.MimeType, "scene_id": resp.SceneID})
		h.audit.LogFromRequest(r, "submit_image_to_video", "job", nil, detail)
	}

	httpserver.Respond(w, http.StatusAccepted, resp)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job ID")
		return
	}

	j, err := db.New(h.pool).GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		h.logger.Error("job: getting job", "job_id", id, "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get job")
		return
	}

	httpserver.Respond(w, http.StatusOK, toResponse(j))
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	var status *db.JobStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := db.JobStatus(v)
		status = &s
	}

	jobs, total, err := h.service.ListJobs(r.Context(), u.ID, ListJobsRequest{
		Status: status,
		Limit:  params.PageSize,
		Offset: params.Offset,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	responses := make([]Response, len(jobs))
	for i, j := range jobs {
		responses[i] = toResponse(j)
	}

	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(responses, params, total))
}

func (h *Handler) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job ID")
		return
	}

	var req RegenerateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.Regenerate(r.Context(), u, id, req)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"aspect_ratio": req.AspectRatio, "scene_id": resp.SceneID})
		h.audit.LogFromRequest(r, "regenerate", "job", &id, detail)
	}

	httpserver.Respond(w, http.StatusAccepted, resp)
}

func (h *Handler) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	operationName := r.URL.Query().Get("operation_name")
	sceneID := r.URL.Query().Get("scene_id")
	credential := r.URL.Query().Get("token")
	if operationName == "" || sceneID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "operation_name and scene_id are required")
		return
	}

	resp, err := h.service.CheckStatus(r.Context(), credential, operationName, sceneID)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch orcherr.KindOf(err) {
	case orcherr.KindAuthorization:
		httpserver.RespondError(w, http.StatusForbidden, "forbidden", err.Error())
	case orcherr.KindValidation:
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
	case orcherr.KindNoTokensAvailable:
		httpserver.RespondError(w, http.StatusServiceUnavailable, "no_tokens_available", err.Error())
	default:
		h.logger.Error("job: service error", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to process job request")
	}
}
