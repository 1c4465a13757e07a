// Package seed provisions a demo user and a handful of demo tokens so the
// API can be exercised locally without a real upstream account. It is
// idempotent: running it twice leaves the same demo user in place.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bulkforge/orchestrator/internal/db"
)

// DemoEmail identifies the seeded demo user. Only ever used by `seed` mode.
const DemoEmail = "demo@orchestrator.local"

// DemoTokenLabels names the tokens created for local development.
var DemoTokenLabels = []string{"demo-token-1", "demo-token-2", "demo-token-3"}

// Run provisions the demo user at the empire tier (no quota/tool gating to
// get in the way of local testing) plus three demo tokens for the rotation
// pool, unless they already exist.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	q := db.New(pool)

	if _, err := q.GetUserByEmail(ctx, DemoEmail); err == nil {
		logger.Info("seed: demo user already exists, skipping")
	} else if err != pgx.ErrNoRows {
		return fmt.Errorf("checking for existing demo user: %w", err)
	} else {
		u, err := q.CreateUser(ctx, db.CreateUserParams{
			Email:    DemoEmail,
			Role:     db.RoleUser,
			PlanTier: db.PlanEmpire,
		})
		if err != nil {
			return fmt.Errorf("creating demo user: %w", err)
		}
		logger.Info("seed: created demo user", "user_id", u.ID, "email", u.Email)
	}

	existing, err := q.GetActiveTokens(ctx)
	if err != nil {
		return fmt.Errorf("checking for existing tokens: %w", err)
	}
	if len(existing) > 0 {
		logger.Info("seed: tokens already present, skipping", "count", len(existing))
		return nil
	}

	credentials := make([]string, len(DemoTokenLabels))
	for i, label := range DemoTokenLabels {
		credentials[i] = "demo-credential-" + label
	}
	tokens, err := q.ReplaceAllTokens(ctx, credentials)
	if err != nil {
		return fmt.Errorf("creating demo tokens: %w", err)
	}
	logger.Info("seed: created demo tokens", "count", len(tokens))

	return nil
}
