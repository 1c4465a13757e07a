package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// Token is a row of the tokens table (spec.md §3 "Token").
type Token struct {
	ID                uuid.UUID
	Credential        string
	Label             string
	IsActive          bool
	CurrentBatchCount int
	TotalGenerated    int64
	BatchStartedAt    *time.Time
	LastUsedAt        *time.Time
	CreatedAt         time.Time
}

const tokenColumns = `id, credential, label, is_active, current_batch_count, total_generated, batch_started_at, last_used_at, created_at`

func scanToken(row interface{ Scan(...any) error }) (Token, error) {
	var t Token
	err := row.Scan(&t.ID, &t.Credential, &t.Label, &t.IsActive, &t.CurrentBatchCount,
		&t.TotalGenerated, &t.BatchStartedAt, &t.LastUsedAt, &t.CreatedAt)
	return t, err
}

// GetActiveTokens returns every active token, ordered by creation time, the
// order the round-robin cursor indexes into.
func (q *Queries) GetActiveTokens(ctx context.Context) ([]Token, error) {
	out, err := withRetry(ctx, func() ([]Token, error) {
		rows, err := q.db.Query(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE is_active ORDER BY created_at ASC`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var tokens []Token
		for rows.Next() {
			t, err := scanToken(rows)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, t)
		}
		return tokens, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing active tokens: %w", err)
	}
	return out, nil
}

// GetTokenByID fetches a single token row, used to reconstruct a db.Token
// from a job's stored token_used reference (e.g. during crash recovery,
// where only the ID survives in the jobs table).
func (q *Queries) GetTokenByID(ctx context.Context, id uuid.UUID) (Token, error) {
	t, err := withRetry(ctx, func() (Token, error) {
		row := q.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id)
		return scanToken(row)
	})
	if err != nil {
		return Token{}, fmt.Errorf("getting token %s: %w", id, err)
	}
	return t, nil
}

// LockTokenForUpdate takes an exclusive row lock on a single token within the
// caller's transaction, serializing concurrent dispensers against that row.
// withRetry here retries only the single locking statement, never the
// enclosing dispense transaction, which the caller still rolls back on any
// error that survives the retry budget.
func (q *Queries) LockTokenForUpdate(ctx context.Context, id uuid.UUID) (Token, error) {
	t, err := withRetry(ctx, func() (Token, error) {
		row := q.db.QueryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1 FOR UPDATE`, id)
		return scanToken(row)
	})
	if err != nil {
		return Token{}, fmt.Errorf("locking token %s: %w", id, err)
	}
	return t, nil
}

// CreateToken inserts a single active token with the given credential and
// label, used by the Token Pool's individual-token admin route (spec.md
// §4.1's "Token CRUD", distinct from the bulk replaceAllTokens path).
func (q *Queries) CreateToken(ctx context.Context, credential, label string) (Token, error) {
	t, err := withRetry(ctx, func() (Token, error) {
		row := q.db.QueryRow(ctx, `
			INSERT INTO tokens (id, credential, label, is_active, current_batch_count, total_generated, created_at)
			VALUES (gen_random_uuid(), $1, $2, true, 0, 0, now())
			RETURNING `+tokenColumns,
			credential, label)
		return scanToken(row)
	})
	if err != nil {
		return Token{}, fmt.Errorf("creating token: %w", err)
	}
	return t, nil
}

// UpdateTokenParams holds the optional fields an admin may change on a
// single token; a nil field leaves the column untouched.
type UpdateTokenParams struct {
	ID       uuid.UUID
	Label    *string
	IsActive *bool
}

// UpdateToken applies a partial update to one token's label and/or active
// flag, returning the updated row.
func (q *Queries) UpdateToken(ctx context.Context, p UpdateTokenParams) (Token, error) {
	t, err := withRetry(ctx, func() (Token, error) {
		row := q.db.QueryRow(ctx, `
			UPDATE tokens
			SET label = COALESCE($2, label),
			    is_active = COALESCE($3, is_active)
			WHERE id = $1
			RETURNING `+tokenColumns,
			p.ID, p.Label, p.IsActive)
		return scanToken(row)
	})
	if err != nil {
		return Token{}, fmt.Errorf("updating token %s: %w", p.ID, err)
	}
	return t, nil
}

// DeleteToken removes a single token, clearing any tokenUsed reference to it
// first so the delete never violates the jobs foreign key.
func (q *Queries) DeleteToken(ctx context.Context, id uuid.UUID) error {
	if _, err := q.ClearTokenFromJobs(ctx, id); err != nil {
		return fmt.Errorf("deleting token %s: %w", id, err)
	}

	_, err := withRetry(ctx, func() (struct{}, error) {
		tag, err := q.db.Exec(ctx, `DELETE FROM tokens WHERE id = $1`, id)
		if err != nil {
			return struct{}{}, err
		}
		if tag.RowsAffected() == 0 {
			return struct{}{}, backoff.Permanent(fmt.Errorf("token %s not found", id))
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("deleting token %s: %w", id, err)
	}
	return nil
}

// ResetTokenBatch zeroes a token's batch counter and clears batch_started_at,
// called when a token's batch rolls over to the next token in rotation.
func (q *Queries) ResetTokenBatch(ctx context.Context, id uuid.UUID) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, err := q.db.Exec(ctx, `UPDATE tokens SET current_batch_count = 0, batch_started_at = NULL WHERE id = $1`, id)
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("resetting batch for token %s: %w", id, err)
	}
	return nil
}

// BumpTokenUsageParams holds the post-increment fields for a successful dispense.
type BumpTokenUsageParams struct {
	ID uuid.UUID
	// StampBatchStart is true when batch_started_at should be set to now()
	// because this is the first dispense of a fresh batch.
	StampBatchStart bool
}

// BumpTokenUsage atomically increments current_batch_count and
// total_generated, sets last_used_at, and stamps batch_started_at only if
// the batch is starting fresh (kept otherwise, per spec.md §4.2 step 8).
func (q *Queries) BumpTokenUsage(ctx context.Context, p BumpTokenUsageParams) (Token, error) {
	t, err := withRetry(ctx, func() (Token, error) {
		row := q.db.QueryRow(ctx, `
			UPDATE tokens
			SET current_batch_count = current_batch_count + 1,
			    total_generated = total_generated + 1,
			    last_used_at = now(),
			    batch_started_at = CASE WHEN $2 THEN now() ELSE batch_started_at END
			WHERE id = $1
			RETURNING `+tokenColumns,
			p.ID, p.StampBatchStart)
		return scanToken(row)
	})
	if err != nil {
		return Token{}, fmt.Errorf("bumping usage for token %s: %w", p.ID, err)
	}
	return t, nil
}

// RecordTokenError appends an error row for the token, used by the cooldown
// accounting in pkg/tokenpool to recompute the sliding error window from a
// durable source after a restart. The in-memory maps are authoritative
// during normal operation (spec.md §9).
func (q *Queries) RecordTokenError(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, err := q.db.Exec(ctx, `INSERT INTO token_errors (token_id, occurred_at) VALUES ($1, $2)`, id, at)
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("recording token error for %s: %w", id, err)
	}
	return nil
}

// ListRecentTokenErrors returns every token_errors row occurring at or
// after since, used by pkg/tokenpool to rebuild its in-memory error window
// and cooldown map on startup after an unclean shutdown.
func (q *Queries) ListRecentTokenErrors(ctx context.Context, since time.Time) ([]TokenError, error) {
	out, err := withRetry(ctx, func() ([]TokenError, error) {
		rows, err := q.db.Query(ctx, `SELECT token_id, occurred_at FROM token_errors WHERE occurred_at >= $1 ORDER BY occurred_at ASC`, since)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var errs []TokenError
		for rows.Next() {
			var te TokenError
			if err := rows.Scan(&te.TokenID, &te.OccurredAt); err != nil {
				return nil, err
			}
			errs = append(errs, te)
		}
		return errs, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing token errors since %s: %w", since, err)
	}
	return out, nil
}

// TokenError is a row of the token_errors table.
type TokenError struct {
	TokenID    uuid.UUID
	OccurredAt time.Time
}

// ReplaceAllTokens nullifies tokenUsed on every job, deletes every existing
// token, and inserts the given raw credentials with auto-generated labels —
// all within a single transaction, rejecting duplicate credentials.
// The caller (pkg/tokenpool) is responsible for running this against a
// transaction DBTX so the three steps are atomic.
func (q *Queries) ReplaceAllTokens(ctx context.Context, rawCredentials []string) ([]Token, error) {
	seen := make(map[string]struct{}, len(rawCredentials))
	for _, c := range rawCredentials {
		if _, dup := seen[c]; dup {
			return nil, fmt.Errorf("duplicate credential in replaceAllTokens input")
		}
		seen[c] = struct{}{}
	}

	if _, err := withRetry(ctx, func() (struct{}, error) {
		_, err := q.db.Exec(ctx, `UPDATE jobs SET token_used = NULL WHERE token_used IS NOT NULL`)
		return struct{}{}, err
	}); err != nil {
		return nil, fmt.Errorf("clearing tokenUsed references: %w", err)
	}

	if _, err := withRetry(ctx, func() (struct{}, error) {
		_, err := q.db.Exec(ctx, `DELETE FROM tokens`)
		return struct{}{}, err
	}); err != nil {
		return nil, fmt.Errorf("deleting existing tokens: %w", err)
	}

	out := make([]Token, 0, len(rawCredentials))
	for i, cred := range rawCredentials {
		label := fmt.Sprintf("token-%d", i+1)
		t, err := withRetry(ctx, func() (Token, error) {
			row := q.db.QueryRow(ctx, `
				INSERT INTO tokens (id, credential, label, is_active, current_batch_count, total_generated, created_at)
				VALUES (gen_random_uuid(), $1, $2, true, 0, 0, now())
				RETURNING `+tokenColumns,
				cred, label)
			return scanToken(row)
		})
		if err != nil {
			return nil, fmt.Errorf("inserting token %d: %w", i, err)
		}
		out = append(out, t)
	}

	if err := q.ResetTokenSettingsCursor(ctx); err != nil {
		return nil, err
	}

	return out, nil
}

// --- TokenSettings (singleton row, spec.md §3) ---

// TokenSettings is the singleton row_id=1 configuration row.
type TokenSettings struct {
	LastUsedTokenIndex int
	VideosPerBatch     int
	BatchDelaySeconds  int
}

// GetTokenSettings reads the singleton settings row, creating it with
// defaults on first access.
func (q *Queries) GetTokenSettings(ctx context.Context, defaultVideosPerBatch, defaultBatchDelaySeconds int) (TokenSettings, error) {
	s, err := withRetry(ctx, func() (TokenSettings, error) {
		var s TokenSettings
		err := q.db.QueryRow(ctx, `SELECT last_used_token_index, videos_per_batch, batch_delay_seconds FROM token_settings WHERE id = 1`).
			Scan(&s.LastUsedTokenIndex, &s.VideosPerBatch, &s.BatchDelaySeconds)
		if err == nil {
			return s, nil
		}

		// No row yet: insert defaults (ON CONFLICT handles the race where
		// another dispenser inserted it first).
		err = q.db.QueryRow(ctx, `
			INSERT INTO token_settings (id, last_used_token_index, videos_per_batch, batch_delay_seconds)
			VALUES (1, 0, $1, $2)
			ON CONFLICT (id) DO UPDATE SET id = token_settings.id
			RETURNING last_used_token_index, videos_per_batch, batch_delay_seconds`,
			defaultVideosPerBatch, defaultBatchDelaySeconds).
			Scan(&s.LastUsedTokenIndex, &s.VideosPerBatch, &s.BatchDelaySeconds)
		return s, err
	})
	if err != nil {
		return TokenSettings{}, fmt.Errorf("reading token settings: %w", err)
	}
	return s, nil
}

// UpdateTokenSettingsCursor persists the round-robin cursor.
func (q *Queries) UpdateTokenSettingsCursor(ctx context.Context, idx int) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, err := q.db.Exec(ctx, `UPDATE token_settings SET last_used_token_index = $1 WHERE id = 1`, idx)
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("updating token settings cursor: %w", err)
	}
	return nil
}

// ResetTokenSettingsCursor sets the cursor back to 0, used by ReplaceAllTokens.
func (q *Queries) ResetTokenSettingsCursor(ctx context.Context) error {
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, err := q.db.Exec(ctx, `UPDATE token_settings SET last_used_token_index = 0 WHERE id = 1`)
		return struct{}{}, err
	})
	if err != nil {
		return fmt.Errorf("resetting token settings cursor: %w", err)
	}
	return nil
}
