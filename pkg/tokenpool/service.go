package tokenpool

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bulkforge/orchestrator/internal/db"
)

// List returns every token with its live cooldown state mixed in.
func (p *Pool) List(ctx context.Context) ([]TokenResponse, error) {
	q := db.New(p.pool)
	tokens, err := q.GetActiveTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}

	out := make([]TokenResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, toResponse(t, p.IsInCooldown(t.ID)))
	}
	return out, nil
}

// ReplaceAll atomically swaps the entire token set, clearing any in-memory
// cooldown/error state for tokens that no longer exist.
func (p *Pool) ReplaceAll(ctx context.Context, credentials []string) ([]TokenResponse, error) {
	q := db.New(p.pool)
	tokens, err := q.ReplaceAllTokens(ctx, credentials)
	if err != nil {
		return nil, fmt.Errorf("replacing tokens: %w", err)
	}

	p.resetMaps()
	p.invalidateSettingsCache(ctx)

	out := make([]TokenResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, toResponse(t, false))
	}
	return out, nil
}

// Create inserts a single active token, the individual-token counterpart to
// ReplaceAll's bulk swap.
func (p *Pool) Create(ctx context.Context, credential, label string) (TokenResponse, error) {
	q := db.New(p.pool)
	t, err := q.CreateToken(ctx, credential, label)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("creating token: %w", err)
	}
	return toResponse(t, false), nil
}

// Update applies a partial edit (label and/or active flag) to one token.
func (p *Pool) Update(ctx context.Context, id uuid.UUID, label *string, isActive *bool) (TokenResponse, error) {
	q := db.New(p.pool)
	t, err := q.UpdateToken(ctx, db.UpdateTokenParams{ID: id, Label: label, IsActive: isActive})
	if err != nil {
		return TokenResponse{}, fmt.Errorf("updating token: %w", err)
	}
	return toResponse(t, p.IsInCooldown(t.ID)), nil
}

// Delete removes a single token and clears its in-memory cooldown/error state.
func (p *Pool) Delete(ctx context.Context, id uuid.UUID) error {
	q := db.New(p.pool)
	if err := q.DeleteToken(ctx, id); err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}

	p.mu.Lock()
	delete(p.errorTimestamps, id)
	delete(p.cooldownUntil, id)
	p.mu.Unlock()

	return nil
}
