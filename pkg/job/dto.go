package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/bulkforge/orchestrator/internal/db"
)

// promptMinLength/promptMaxLength bound a single prompt, per spec.md
// §6's "10 ≤ len(prompt) ≤ upper" precondition; the spec leaves "upper"
// unspecified, resolved here as 2000 characters (enough for a detailed
// shot description, short enough to reject pasted scripts).
const (
	promptMinLength = 10
	promptMaxLength = 2000
	maxBulkPrompts  = 100
)

// SubmitBulkRequest is the body for POST /api/v1/jobs/bulk.
type SubmitBulkRequest struct {
	Prompts     []string `json:"prompts" validate:"required,min=1,max=100,dive,min=10,max=2000"`
	AspectRatio string   `json:"aspect_ratio" validate:"required,oneof=landscape portrait"`
}

// SubmitBulkResponse is the response for a bulk submission.
type SubmitBulkResponse struct {
	JobIDs []uuid.UUID `json:"job_ids"`
}

// SubmitSingleRequest is the body for POST /api/v1/jobs.
type SubmitSingleRequest struct {
	Prompt      string `json:"prompt" validate:"required,min=10,max=2000"`
	AspectRatio string `json:"aspect_ratio" validate:"required,oneof=landscape portrait"`
}

// SubmitSingleResponse is the synchronous submit handle.
type SubmitSingleResponse struct {
	OperationName string     `json:"operation_name"`
	SceneID       string     `json:"scene_id"`
	TokenID       *uuid.UUID `json:"token_id,omitempty"`
}

// RegenerateRequest is the body for POST /api/v1/jobs/:id/regenerate.
type RegenerateRequest struct {
	Prompt      string `json:"prompt" validate:"required,min=10,max=2000"`
	AspectRatio string `json:"aspect_ratio" validate:"required,oneof=landscape portrait"`
	SceneNumber *int   `json:"scene_number,omitempty"`
}

// CheckStatusResponse is the response for a single-shot status poll.
type CheckStatusResponse struct {
	Status       string  `json:"status"`
	VideoURL     *string `json:"video_url,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// Response is the JSON representation of a job row.
type Response struct {
	ID                uuid.UUID  `json:"id"`
	UserID            uuid.UUID  `json:"user_id"`
	Prompt            string     `json:"prompt"`
	AspectRatio       string     `json:"aspect_ratio"`
	Status            string     `json:"status"`
	VideoURL          *string    `json:"video_url,omitempty"`
	OperationName     *string    `json:"operation_name,omitempty"`
	SceneID           *string    `json:"scene_id,omitempty"`
	RetryCount        int        `json:"retry_count"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	ReferenceImageURL *string    `json:"reference_image_url,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func toResponse(j db.Job) Response {
	return Response{
		ID:                j.ID,
		UserID:            j.UserID,
		Prompt:            j.Prompt,
		AspectRatio:       j.AspectRatio,
		Status:            string(j.Status),
		VideoURL:          j.VideoURL,
		OperationName:     j.OperationName,
		SceneID:           j.SceneID,
		RetryCount:        j.RetryCount,
		ErrorMessage:      j.ErrorMessage,
		ReferenceImageURL: j.ReferenceImageURL,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}
