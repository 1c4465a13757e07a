// Package user exposes the account entity spec.md §3 defines: plan tier,
// expiry, and the daily generation counter the Plan Enforcer reads.
package user

import (
	"time"

	"github.com/google/uuid"

	"github.com/bulkforge/orchestrator/internal/db"
)

// CreateRequest is the JSON body for POST /api/v1/users.
type CreateRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Role     string `json:"role" validate:"required,oneof=user admin"`
	PlanTier string `json:"plan_tier" validate:"required,oneof=free scale empire"`
}

// UpdatePlanRequest is the JSON body for PUT /api/v1/users/:id/plan.
type UpdatePlanRequest struct {
	PlanTier   string     `json:"plan_tier" validate:"required,oneof=free scale empire"`
	PlanExpiry *time.Time `json:"plan_expiry"`
}

// Response is the JSON response for a single user.
type Response struct {
	ID            uuid.UUID  `json:"id"`
	Email         string     `json:"email"`
	Role          string     `json:"role"`
	PlanTier      string     `json:"plan_tier"`
	PlanStartedAt *time.Time `json:"plan_started_at,omitempty"`
	PlanExpiry    *time.Time `json:"plan_expiry,omitempty"`
	DailyCount    int        `json:"daily_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toResponse(u db.User) Response {
	return Response{
		ID:            u.ID,
		Email:         u.Email,
		Role:          string(u.Role),
		PlanTier:      string(u.PlanTier),
		PlanStartedAt: u.PlanStartedAt,
		PlanExpiry:    u.PlanExpiry,
		DailyCount:    u.DailyCount,
		CreatedAt:     u.CreatedAt,
		UpdatedAt:     u.UpdatedAt,
	}
}
