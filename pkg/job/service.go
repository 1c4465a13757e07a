// Package job implements the five external operations spec.md §6 names:
// submitBulk, submitSingle, submitImageToVideo, regenerate, checkStatus.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bulkforge/orchestrator/internal/db"
	"github.com/bulkforge/orchestrator/internal/telemetry"
	"github.com/bulkforge/orchestrator/pkg/orcherr"
	"github.com/bulkforge/orchestrator/pkg/plan"
	"github.com/bulkforge/orchestrator/pkg/polling"
	"github.com/bulkforge/orchestrator/pkg/submission"
	"github.com/bulkforge/orchestrator/pkg/tokenpool"
	"github.com/bulkforge/orchestrator/pkg/upload"
	"github.com/bulkforge/orchestrator/pkg/upstreamapi"
)

// Service implements the five job operations against the store, the Token
// Pool, the Submission Queue, and the Polling Coordinator.
type Service struct {
	pool       *pgxpool.Pool
	tokens     *tokenpool.Pool
	submission *submission.Queue
	polling    *polling.Coordinator
	uploader   *upload.Uploader
	upAPI      *upstreamapi.Client
	logger     *slog.Logger
}

// New creates a job Service.
func New(pool *pgxpool.Pool, tokens *tokenpool.Pool, sq *submission.Queue, pc *polling.Coordinator, uploader *upload.Uploader, upAPI *upstreamapi.Client, logger *slog.Logger) *Service {
	return &Service{pool: pool, tokens: tokens, submission: sq, polling: pc, uploader: uploader, upAPI: upAPI, logger: logger}
}

// SubmitBulk creates one job row per prompt, increments the user's daily
// count by len(prompts), and enqueues them into the Submission Queue at the
// user's plan delay, per spec.md §6.
func (s *Service) SubmitBulk(ctx context.Context, u db.User, req SubmitBulkRequest) (SubmitBulkResponse, error) {
	now := time.Now()
	tier := plan.TierOf(u)
	decision := plan.CanBulkGenerate(u, len(req.Prompts), now)
	if !decision.Allowed {
		return SubmitBulkResponse{}, orcherr.New(orcherr.KindAuthorization, decision.Reason)
	}

	q := db.New(s.pool)
	ids := make([]uuid.UUID, 0, len(req.Prompts))
	queued := make([]submission.QueuedJob, 0, len(req.Prompts))

	for i, prompt := range req.Prompts {
		created, err := q.CreateJob(ctx, db.CreateJobParams{UserID: u.ID, Prompt: prompt, AspectRatio: req.AspectRatio})
		if err != nil {
			return SubmitBulkResponse{}, orcherr.Wrap(orcherr.KindTransientDB, "creating bulk job row", err)
		}
		ids = append(ids, created.ID)
		queued = append(queued, submission.QueuedJob{
			JobID:       created.ID,
			Prompt:      prompt,
			AspectRatio: req.AspectRatio,
			SceneNumber: i,
			UserID:      u.ID,
		})
	}

	if err := q.IncrementDailyCount(ctx, u.ID, len(req.Prompts)); err != nil {
		return SubmitBulkResponse{}, orcherr.Wrap(orcherr.KindTransientDB, "incrementing daily count", err)
	}

	batchConfig := tier.Bulk
	s.submission.Enqueue(ctx, queued, time.Duration(batchConfig.DelaySeconds)*time.Second)
	telemetry.JobsSubmittedTotal.WithLabelValues(req.AspectRatio).Add(float64(len(req.Prompts)))

	return SubmitBulkResponse{JobIDs: ids}, nil
}

// SubmitSingle synchronously submits one prompt upstream and starts polling
// internally, per spec.md §6.
func (s *Service) SubmitSingle(ctx context.Context, u db.User, req SubmitSingleRequest) (SubmitSingleResponse, error) {
	if decision := plan.CanGenerateVideo(u, time.Now()); !decision.Allowed {
		return SubmitSingleResponse{}, orcherr.New(orcherr.KindAuthorization, decision.Reason)
	}

	q := db.New(s.pool)
	created, err := q.CreateJob(ctx, db.CreateJobParams{UserID: u.ID, Prompt: req.Prompt, AspectRatio: req.AspectRatio})
	if err != nil {
		return SubmitSingleResponse{}, orcherr.Wrap(orcherr.KindTransientDB, "creating job row", err)
	}

	token, err := s.tokens.DispenseBatchToken(ctx)
	if err != nil {
		s.markFailed(ctx, created.ID, "no token available: "+err.Error())
		return SubmitSingleResponse{}, err
	}

	sceneID := fmt.Sprintf("single-%s-%d", created.ID, time.Now().UnixMilli())
	resp, err := s.upAPI.SubmitTextToVideo(ctx, token.Credential, upstreamapi.GenerateVideoRequest{
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		ModelKey:    modelKey(req.AspectRatio, false),
		Seed:        rand.Uint32(),
		SceneID:     sceneID,
	})
	if err != nil {
		s.tokens.RecordError(ctx, token.ID)
		s.markFailed(ctx, created.ID, err.Error())
		return SubmitSingleResponse{}, orcherr.Wrap(orcherr.KindTransientUpstream, "submitting to upstream", err)
	}

	if err := q.IncrementDailyCount(ctx, u.ID, 1); err != nil {
		s.logger.Error("job: incrementing daily count", "user_id", u.ID, "error", err)
	}

	updated, err := q.TransitionJob(ctx, db.TransitionJobParams{
		ID:            created.ID,
		Status:        db.JobStatusQueued,
		OperationName: &resp.OperationName,
		SceneID:       &sceneID,
		TokenUsed:     &token.ID,
	})
	if err != nil {
		return SubmitSingleResponse{}, orcherr.Wrap(orcherr.KindTransientDB, "persisting submitted job", err)
	}

	s.polling.EnqueueStatusCheck(updated, resp.OperationName, sceneID, &token)
	telemetry.JobsSubmittedTotal.WithLabelValues(req.AspectRatio).Inc()

	return SubmitSingleResponse{OperationName: resp.OperationName, SceneID: sceneID, TokenID: &token.ID}, nil
}

// SubmitImageToVideoRequest bundles an uploaded reference image with a prompt.
type SubmitImageToVideoRequest struct {
	ImageBytes  []byte
	MimeType    string
	Prompt      string
	AspectRatio string
}

// SubmitImageToVideo uploads the reference image upstream, then submits
// using a reference-image-capable model, per spec.md §6.
func (s *Service) SubmitImageToVideo(ctx context.Context, u db.User, req SubmitImageToVideoRequest) (SubmitSingleResponse, error) {
	now := time.Now()
	if decision := plan.CanAccessTool(u, plan.ToolImageToVideo, now); !decision.Allowed {
		return SubmitSingleResponse{}, orcherr.New(orcherr.KindAuthorization, decision.Reason)
	}
	if decision := plan.CanGenerateVideo(u, now); !decision.Allowed {
		return SubmitSingleResponse{}, orcherr.New(orcherr.KindAuthorization, decision.Reason)
	}

	q := db.New(s.pool)
	created, err := q.CreateJob(ctx, db.CreateJobParams{UserID: u.ID, Prompt: req.Prompt, AspectRatio: req.AspectRatio})
	if err != nil {
		return SubmitSingleResponse{}, orcherr.Wrap(orcherr.KindTransientDB, "creating job row", err)
	}

	token, err := s.tokens.DispenseBatchToken(ctx)
	if err != nil {
		s.markFailed(ctx, created.ID, "no token available: "+err.Error())
		return SubmitSingleResponse{}, err
	}

	uploaded, err := s.upAPI.UploadImage(ctx, token.Credential, req.ImageBytes, req.MimeType)
	if err != nil {
		s.tokens.RecordError(ctx, token.ID)
		s.markFailed(ctx, created.ID, "uploading reference image: "+err.Error())
		return SubmitSingleResponse{}, orcherr.Wrap(orcherr.KindTransientUpstream, "uploading reference image", err)
	}

	sceneID := fmt.Sprintf("i2v-%s-%d", created.ID, time.Now().UnixMilli())
	resp, err := s.upAPI.SubmitImageToVideo(ctx, token.Credential, upstreamapi.GenerateVideoRequest{
		Prompt:            req.Prompt,
		AspectRatio:       req.AspectRatio,
		ModelKey:          modelKey(req.AspectRatio, true),
		Seed:              rand.Uint32(),
		SceneID:           sceneID,
		ReferenceImageURI: uploaded.ImageURI,
	})
	if err != nil {
		s.tokens.RecordError(ctx, token.ID)
		s.markFailed(ctx, created.ID, err.Error())
		return SubmitSingleResponse{}, orcherr.Wrap(orcherr.KindTransientUpstream, "submitting image-to-video to upstream", err)
	}

	if err := q.IncrementDailyCount(ctx, u.ID, 1); err != nil {
		s.logger.Error("job: incrementing daily count", "user_id", u.ID, "error", err)
	}

	updated, err := q.TransitionJob(ctx, db.TransitionJobParams{
		ID:            created.ID,
		Status:        db.JobStatusQueued,
		OperationName: &resp.OperationName,
		SceneID:       &sceneID,
		TokenUsed:     &token.ID,
	})
	if err != nil {
		return SubmitSingleResponse{}, orcherr.Wrap(orcherr.KindTransientDB, "persisting submitted job", err)
	}

	s.polling.EnqueueStatusCheck(updated, resp.OperationName, sceneID, &token)
	telemetry.JobsSubmittedTotal.WithLabelValues(req.AspectRatio).Inc()

	return SubmitSingleResponse{OperationName: resp.OperationName, SceneID: sceneID, TokenID: &token.ID}, nil
}

// Regenerate resubmits a job with a token chosen either by
// `sceneNumber mod N_active` (bulk context) or by dispenseBatchToken
// otherwise, per spec.md §6.
func (s *Service) Regenerate(ctx context.Context, u db.User, jobID uuid.UUID, req RegenerateRequest) (SubmitSingleResponse, error) {
	q := db.New(s.pool)
	existing, err := q.GetJob(ctx, jobID)
	if err != nil {
		return SubmitSingleResponse{}, orcherr.Wrap(orcherr.KindTransientDB, "loading job to regenerate", err)
	}
	if existing.UserID != u.ID {
		return SubmitSingleResponse{}, orcherr.New(orcherr.KindAuthorization, "job does not belong to this user")
	}

	var token db.Token
	if req.SceneNumber != nil {
		token, err = s.tokens.GetTokenByScene(ctx, *req.SceneNumber)
	} else {
		token, err = s.tokens.DispenseBatchToken(ctx)
	}
	if err != nil {
		return SubmitSingleResponse{}, err
	}

	sceneID := fmt.Sprintf("regen-%s-%d", jobID, time.Now().UnixMilli())
	resp, err := s.upAPI.SubmitTextToVideo(ctx, token.Credential, upstreamapi.GenerateVideoRequest{
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		ModelKey:    modelKey(req.AspectRatio, false),
		Seed:        rand.Uint32(),
		SceneID:     sceneID,
	})
	if err != nil {
		s.tokens.RecordError(ctx, token.ID)
		return SubmitSingleResponse{}, orcherr.Wrap(orcherr.KindTransientUpstream, "resubmitting to upstream", err)
	}

	updated, err := q.TransitionJob(ctx, db.TransitionJobParams{
		ID:            jobID,
		Status:        db.JobStatusQueued,
		OperationName: &resp.OperationName,
		SceneID:       &sceneID,
		TokenUsed:     &token.ID,
	})
	if err != nil {
		return SubmitSingleResponse{}, orcherr.Wrap(orcherr.KindTransientDB, "persisting regenerated job", err)
	}

	s.polling.EnqueueStatusCheck(updated, resp.OperationName, sceneID, &token)

	return SubmitSingleResponse{OperationName: resp.OperationName, SceneID: sceneID, TokenID: &token.ID}, nil
}

// ListJobsRequest filters/paginates a user's job history, per spec.md §6's
// `(userId, createdAt desc)` listing.
type ListJobsRequest struct {
	Status *db.JobStatus
	Limit  int
	Offset int
}

// ListJobs returns a page of a user's jobs (newest first) and the total
// matching count, used to build the listing's page envelope.
func (s *Service) ListJobs(ctx context.Context, userID uuid.UUID, req ListJobsRequest) ([]db.Job, int, error) {
	q := db.New(s.pool)

	jobs, err := q.ListJobs(ctx, db.ListJobsParams{
		UserID: userID,
		Status: req.Status,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		return nil, 0, orcherr.Wrap(orcherr.KindTransientDB, "listing jobs", err)
	}

	total, err := q.CountJobs(ctx, userID, req.Status)
	if err != nil {
		return nil, 0, orcherr.Wrap(orcherr.KindTransientDB, "counting jobs", err)
	}

	return jobs, total, nil
}

// CheckStatus runs a single-shot poll outside the Coordinator, and on
// completion triggers the upload path with the same dedup guarantee, per
// spec.md §6.
func (s *Service) CheckStatus(ctx context.Context, credential, operationName, sceneID string) (CheckStatusResponse, error) {
	resp, err := s.upAPI.CheckStatus(ctx, credential, operationName)
	if err != nil {
		return CheckStatusResponse{}, orcherr.Wrap(orcherr.KindTransientUpstream, "checking upstream status", err)
	}

	if resp.Error != nil {
		msg := resp.Error.Message
		return CheckStatusResponse{Status: "failed", ErrorMessage: &msg}, nil
	}

	switch resp.Status {
	case "COMPLETED", "MEDIA_GENERATION_STATUS_COMPLETE", "MEDIA_GENERATION_STATUS_SUCCESSFUL":
		upstreamURL := upstreamapi.ExtractVideoURL(resp)
		if upstreamURL == "" {
			return CheckStatusResponse{Status: "processing"}, nil
		}
		hostedURL, err := s.uploader.Upload(ctx, sceneID, upstreamURL)
		if err != nil {
			msg := "media upload failed: " + err.Error()
			telemetry.JobsFailedTotal.WithLabelValues("upload").Inc()
			return CheckStatusResponse{Status: "failed", ErrorMessage: &msg}, nil
		}
		telemetry.JobsCompletedTotal.Inc()
		return CheckStatusResponse{Status: "completed", VideoURL: &hostedURL}, nil
	default:
		return CheckStatusResponse{Status: "processing"}, nil
	}
}

func (s *Service) markFailed(ctx context.Context, jobID uuid.UUID, message string) {
	if _, err := db.New(s.pool).TransitionJob(ctx, db.TransitionJobParams{ID: jobID, Status: db.JobStatusFailed, ErrorMessage: &message}); err != nil {
		s.logger.Error("job: marking failed", "job_id", jobID, "error", err)
	}
	telemetry.JobsFailedTotal.WithLabelValues("submission").Inc()
}

func modelKey(aspectRatio string, imageToVideo bool) string {
	switch {
	case aspectRatio == "portrait" && imageToVideo:
		return "veo-2.0-portrait-i2v"
	case aspectRatio == "portrait":
		return "veo-2.0-portrait-t2v"
	case imageToVideo:
		return "veo-2.0-landscape-i2v"
	default:
		return "veo-2.0-landscape-t2v"
	}
}
