package user

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bulkforge/orchestrator/internal/db"
)

func TestToResponse_MapsAllFields(t *testing.T) {
	id := uuid.New()
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiry := started.AddDate(0, 1, 0)
	u := db.User{
		ID:            id,
		Email:         "demo@orchestrator.local",
		Role:          db.RoleAdmin,
		PlanTier:      db.PlanScale,
		PlanStartedAt: &started,
		PlanExpiry:    &expiry,
		DailyCount:    7,
		CreatedAt:     started,
		UpdatedAt:     started,
	}

	got := toResponse(u)

	if got.ID != id {
		t.Errorf("ID = %v, want %v", got.ID, id)
	}
	if got.Email != u.Email {
		t.Errorf("Email = %q, want %q", got.Email, u.Email)
	}
	if got.Role != "admin" {
		t.Errorf("Role = %q, want admin", got.Role)
	}
	if got.PlanTier != "scale" {
		t.Errorf("PlanTier = %q, want scale", got.PlanTier)
	}
	if got.DailyCount != 7 {
		t.Errorf("DailyCount = %d, want 7", got.DailyCount)
	}
	if got.PlanExpiry == nil || !got.PlanExpiry.Equal(expiry) {
		t.Errorf("PlanExpiry = %v, want %v", got.PlanExpiry, expiry)
	}
}

func TestToResponse_HandlesNilPlanFields(t *testing.T) {
	u := db.User{
		ID:       uuid.New(),
		Email:    "nil-plan@orchestrator.local",
		Role:     db.RoleUser,
		PlanTier: db.PlanFree,
	}

	got := toResponse(u)

	if got.PlanStartedAt != nil {
		t.Errorf("PlanStartedAt = %v, want nil", got.PlanStartedAt)
	}
	if got.PlanExpiry != nil {
		t.Errorf("PlanExpiry = %v, want nil", got.PlanExpiry)
	}
}
