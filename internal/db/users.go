package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// PlanTier is one of the three plan tiers in spec.md §4.3.
type PlanTier string

const (
	PlanFree   PlanTier = "free"
	PlanScale  PlanTier = "scale"
	PlanEmpire PlanTier = "empire"
)

// Role distinguishes admin users, who bypass all plan checks.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is a row of the users table.
type User struct {
	ID            uuid.UUID
	Email         string
	Role          Role
	PlanTier      PlanTier
	PlanStartedAt *time.Time
	PlanExpiry    *time.Time
	DailyCount    int
	LastResetDate time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const userColumns = `id, email, role, plan_tier, plan_started_at, plan_expiry, daily_count, last_reset_date, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Role, &u.PlanTier, &u.PlanStartedAt, &u.PlanExpiry,
		&u.DailyCount, &u.LastResetDate, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

// GetUser fetches a user by id.
func (q *Queries) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	u, err := withRetry(ctx, func() (User, error) {
		row := q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
		return scanUser(row)
	})
	if err != nil {
		return User{}, fmt.Errorf("getting user %s: %w", id, err)
	}
	return u, nil
}

// GetUserByEmail fetches a user by email, returning pgx.ErrNoRows if absent.
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return withRetry(ctx, func() (User, error) {
		row := q.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
		return scanUser(row)
	})
}

// CreateUserParams holds parameters for creating a user.
type CreateUserParams struct {
	Email    string
	Role     Role
	PlanTier PlanTier
}

// CreateUser inserts a new user with zeroed counters.
func (q *Queries) CreateUser(ctx context.Context, p CreateUserParams) (User, error) {
	u, err := withRetry(ctx, func() (User, error) {
		row := q.db.QueryRow(ctx, `
			INSERT INTO users (id, email, role, plan_tier, daily_count, last_reset_date, created_at, updated_at)
			VALUES (gen_random_uuid(), $1, $2, $3, 0, CURRENT_DATE, now(), now())
			RETURNING `+userColumns,
			p.Email, p.Role, p.PlanTier)
		return scanUser(row)
	})
	if err != nil {
		return User{}, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// UpdateUserPlanParams holds the fields updatePlan may change.
type UpdateUserPlanParams struct {
	ID         uuid.UUID
	PlanTier   PlanTier
	PlanExpiry *time.Time
}

// UpdateUserPlan changes a user's plan tier and expiry.
func (q *Queries) UpdateUserPlan(ctx context.Context, p UpdateUserPlanParams) (User, error) {
	u, err := withRetry(ctx, func() (User, error) {
		row := q.db.QueryRow(ctx, `
			UPDATE users
			SET plan_tier = $2, plan_expiry = $3, plan_started_at = now(), updated_at = now()
			WHERE id = $1
			RETURNING `+userColumns,
			p.ID, p.PlanTier, p.PlanExpiry)
		return scanUser(row)
	})
	if err != nil {
		return User{}, fmt.Errorf("updating plan for user %s: %w", p.ID, err)
	}
	return u, nil
}

// IncrementDailyCount atomically increments a user's daily job counter by n.
// Monotone and commutative under concurrent invocation because it is a
// single SQL UPDATE ... SET daily_count = daily_count + n.
func (q *Queries) IncrementDailyCount(ctx context.Context, userID uuid.UUID, n int) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		tag, err := q.db.Exec(ctx, `UPDATE users SET daily_count = daily_count + $2, updated_at = now() WHERE id = $1`, userID, n)
		if err != nil {
			return struct{}{}, err
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, backoff.Permanent(fmt.Errorf("incrementing daily count: user %s not found", userID))
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("incrementing daily count for user %s: %w", userID, err)
	}
	return nil
}

// ResetExpiredDailyCounts zeroes daily_count for every user whose
// last_reset_date is before today in the given timezone, and stamps
// last_reset_date to today. Used by the Housekeeper at local midnight.
func (q *Queries) ResetExpiredDailyCounts(ctx context.Context, today time.Time) (int64, error) {
	n, err := withRetry(ctx, func() (int64, error) {
		tag, err := q.db.Exec(ctx, `
			UPDATE users
			SET daily_count = 0, last_reset_date = $1, updated_at = now()
			WHERE last_reset_date < $1`, today)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
	if err != nil {
		return 0, fmt.Errorf("resetting expired daily counts: %w", err)
	}
	return n, nil
}
