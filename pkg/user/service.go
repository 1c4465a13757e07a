package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bulkforge/orchestrator/internal/db"
)

// Service encapsulates user account business logic.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewService creates a user Service.
func NewService(pool *pgxpool.Pool, logger *slog.Logger) *Service {
	return &Service{pool: pool, logger: logger}
}

// Get returns a single user by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Response, error) {
	u, err := db.New(s.pool).GetUser(ctx, id)
	if err != nil {
		return Response{}, fmt.Errorf("getting user: %w", err)
	}
	return toResponse(u), nil
}

// Create creates a new user on the given plan tier with zeroed counters.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Response, error) {
	u, err := db.New(s.pool).CreateUser(ctx, db.CreateUserParams{
		Email:    req.Email,
		Role:     db.Role(req.Role),
		PlanTier: db.PlanTier(req.PlanTier),
	})
	if err != nil {
		return Response{}, fmt.Errorf("creating user: %w", err)
	}
	return toResponse(u), nil
}

// UpdatePlan changes a user's plan tier and expiry.
func (s *Service) UpdatePlan(ctx context.Context, id uuid.UUID, req UpdatePlanRequest) (Response, error) {
	u, err := db.New(s.pool).UpdateUserPlan(ctx, db.UpdateUserPlanParams{
		ID:         id,
		PlanTier:   db.PlanTier(req.PlanTier),
		PlanExpiry: req.PlanExpiry,
	})
	if err != nil {
		return Response{}, fmt.Errorf("updating user plan: %w", err)
	}
	return toResponse(u), nil
}
