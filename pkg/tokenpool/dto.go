package tokenpool

import (
	"time"

	"github.com/google/uuid"

	"github.com/bulkforge/orchestrator/internal/db"
)

// ReplaceRequest is the JSON body for PUT /api/v1/admin/tokens.
type ReplaceRequest struct {
	Credentials []string `json:"credentials" validate:"required,min=1,dive,required"`
}

// CreateRequest is the JSON body for POST /api/v1/admin/tokens/{id}.
type CreateRequest struct {
	Credential string `json:"credential" validate:"required"`
	Label      string `json:"label" validate:"required"`
}

// UpdateRequest is the JSON body for PATCH /api/v1/admin/tokens/{id}. Both
// fields are optional; an absent field leaves the column unchanged.
type UpdateRequest struct {
	Label    *string `json:"label,omitempty"`
	IsActive *bool   `json:"is_active,omitempty"`
}

// TokenResponse is the JSON response for a single token, never exposing the
// raw credential beyond a display-safe suffix.
type TokenResponse struct {
	ID                uuid.UUID  `json:"id"`
	Label             string     `json:"label"`
	CredentialSuffix  string     `json:"credential_suffix"`
	IsActive          bool       `json:"is_active"`
	CurrentBatchCount int        `json:"current_batch_count"`
	TotalGenerated    int64      `json:"total_generated"`
	InCooldown        bool       `json:"in_cooldown"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func toResponse(t db.Token, inCooldown bool) TokenResponse {
	suffix := t.Credential
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return TokenResponse{
		ID:                t.ID,
		Label:             t.Label,
		CredentialSuffix:  "..." + suffix,
		IsActive:          t.IsActive,
		CurrentBatchCount: t.CurrentBatchCount,
		TotalGenerated:    t.TotalGenerated,
		InCooldown:        inCooldown,
		LastUsedAt:        t.LastUsedAt,
		CreatedAt:         t.CreatedAt,
	}
}
