// Package tokenpool dispenses upstream video-generation credentials under
// two overlapping policies: batch rotation (a token services BatchSize
// consecutive dispenses before control advances round-robin) and error
// cooldown (a token that accumulates ErrorThreshold errors within
// ErrorWindow is excluded from dispense until Cooldown elapses).
//
// The pool is a pure interface over the store: it holds no back-reference
// to any caller and owns only its own in-memory error/cooldown maps, so the
// Polling Coordinator can depend on both the pool and the store as
// independently injected collaborators without a dependency cycle.
package tokenpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bulkforge/orchestrator/internal/db"
	"github.com/bulkforge/orchestrator/internal/telemetry"
	"github.com/bulkforge/orchestrator/pkg/orcherr"
)

// settingsCacheKey caches db.TokenSettings for settingsCacheTTL so a
// dispense under load doesn't round-trip Postgres on every call just to
// read the rotation cursor's starting point; the cache is never consulted
// once inside the row-locked section of DispenseBatchToken.
const (
	settingsCacheKey = "tokenpool:settings"
	settingsCacheTTL = 5 * time.Second
)

// Config holds the tunables from spec.md §4.2.
type Config struct {
	BatchSize         int
	ErrorWindow       time.Duration
	ErrorThreshold    int
	Cooldown          time.Duration
	VideosPerBatch    int
	BatchDelaySeconds int
}

// Pool dispenses tokens under batch-rotation and error-cooldown policy.
// Error timestamps and cooldown deadlines are held only in memory, per
// spec.md §9's "Global in-memory state is acceptable because there is a
// single process per deployment" design note.
type Pool struct {
	pool   *pgxpool.Pool
	cfg    Config
	rdb    *redis.Client
	logger *slog.Logger

	mu              sync.Mutex
	errorTimestamps map[uuid.UUID][]time.Time
	cooldownUntil   map[uuid.UUID]time.Time
}

// New creates a Pool backed by the given connection pool. rdb may be nil,
// in which case every dispense reads TokenSettings straight from Postgres.
func New(pgPool *pgxpool.Pool, cfg Config, rdb *redis.Client, logger *slog.Logger) *Pool {
	return &Pool{
		pool:            pgPool,
		cfg:             cfg,
		rdb:             rdb,
		logger:          logger,
		errorTimestamps: make(map[uuid.UUID][]time.Time),
		cooldownUntil:   make(map[uuid.UUID]time.Time),
	}
}

// DispenseBatchToken runs the spec.md §4.2 dispense-one algorithm in a
// single transaction: read the cursor, list active tokens, filter cooldown,
// lock the current token row, roll it over if its batch is exhausted, and
// atomically bump its counters.
func (p *Pool) DispenseBatchToken(ctx context.Context) (db.Token, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return db.Token{}, orcherr.Wrap(orcherr.KindTransientDB, "beginning dispense transaction", err)
	}
	defer tx.Rollback(ctx)

	q := db.New(tx)
	var cursorAdvanced bool

	settings, cached := p.cacheGetSettings(ctx)
	if !cached {
		settings, err = q.GetTokenSettings(ctx, p.cfg.VideosPerBatch, p.cfg.BatchDelaySeconds)
		if err != nil {
			return db.Token{}, orcherr.Wrap(orcherr.KindTransientDB, "reading token settings", err)
		}
		p.cacheSetSettings(ctx, settings)
	}

	all, err := q.GetActiveTokens(ctx)
	if err != nil {
		return db.Token{}, orcherr.Wrap(orcherr.KindTransientDB, "listing active tokens", err)
	}

	available := p.excludeCooldownAndNearThreshold(all, time.Now())
	if len(available) == 0 {
		telemetry.TokenDispenseFailuresTotal.Inc()
		return db.Token{}, orcherr.New(orcherr.KindNoTokensAvailable, "every active token is in cooldown, near the error threshold, or none exist")
	}

	i := settings.LastUsedTokenIndex % len(available)
	cur, err := q.LockTokenForUpdate(ctx, available[i].ID)
	if err != nil {
		return db.Token{}, orcherr.Wrap(orcherr.KindTransientDB, "locking token row", err)
	}

	if cur.CurrentBatchCount >= p.cfg.BatchSize {
		if err := q.ResetTokenBatch(ctx, cur.ID); err != nil {
			return db.Token{}, orcherr.Wrap(orcherr.KindTransientDB, "resetting exhausted batch", err)
		}
		i = (settings.LastUsedTokenIndex + 1) % len(available)
		cur, err = q.LockTokenForUpdate(ctx, available[i].ID)
		if err != nil {
			return db.Token{}, orcherr.Wrap(orcherr.KindTransientDB, "locking rolled-over token row", err)
		}
		if err := q.UpdateTokenSettingsCursor(ctx, i); err != nil {
			return db.Token{}, orcherr.Wrap(orcherr.KindTransientDB, "persisting rotation cursor", err)
		}
		cursorAdvanced = true
	}

	// batchStartedAt is stamped only the first time within a batch; kept
	// otherwise, per spec.md §4.2 step 8.
	updated, err := q.BumpTokenUsage(ctx, db.BumpTokenUsageParams{ID: cur.ID, StampBatchStart: cur.BatchStartedAt == nil})
	if err != nil {
		return db.Token{}, orcherr.Wrap(orcherr.KindTransientDB, "bumping token usage", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return db.Token{}, orcherr.Wrap(orcherr.KindTransientDB, "committing dispense transaction", err)
	}
	if cursorAdvanced {
		p.invalidateSettingsCache(ctx)
	}

	return updated, nil
}

// cacheGetSettings consults the Redis-backed settings cache, logging and
// falling through to Postgres on any Redis-side failure.
func (p *Pool) cacheGetSettings(ctx context.Context) (db.TokenSettings, bool) {
	if p.rdb == nil {
		return db.TokenSettings{}, false
	}
	val, err := p.rdb.Get(ctx, settingsCacheKey).Result()
	if err != nil {
		return db.TokenSettings{}, false
	}
	var settings db.TokenSettings
	if err := json.Unmarshal([]byte(val), &settings); err != nil {
		return db.TokenSettings{}, false
	}
	return settings, true
}

func (p *Pool) cacheSetSettings(ctx context.Context, settings db.TokenSettings) {
	if p.rdb == nil {
		return
	}
	payload, err := json.Marshal(settings)
	if err != nil {
		return
	}
	p.rdb.Set(ctx, settingsCacheKey, payload, settingsCacheTTL)
}

// invalidateSettingsCache drops the cached settings after a write so the
// next dispense re-reads the authoritative Postgres row.
func (p *Pool) invalidateSettingsCache(ctx context.Context) {
	if p.rdb == nil {
		return
	}
	p.rdb.Del(ctx, settingsCacheKey)
}

// excludeCooldownAndNearThreshold filters tokens currently in cooldown or
// within ErrorThreshold-1 errors of it, the same exclusion
// GetNextRotationToken applies, so a token the batch-rotation path would
// dispense can't immediately trip the threshold the polling path was
// already steering around.
func (p *Pool) excludeCooldownAndNearThreshold(tokens []db.Token, now time.Time) []db.Token {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]db.Token, 0, len(tokens))
	for _, t := range tokens {
		if until, ok := p.cooldownUntil[t.ID]; ok && now.Before(until) {
			continue
		}
		if p.pruneErrorsLocked(t.ID, now) >= p.cfg.ErrorThreshold-1 {
			continue
		}
		out = append(out, t)
	}
	return out
}

// GetTokenByScene selects an active token by `sceneNumber mod N_active`, the
// deterministic assignment spec.md §6's regenerate operation uses in a bulk
// context so repeated regenerations of the same scene land on the same token.
func (p *Pool) GetTokenByScene(ctx context.Context, sceneNumber int) (db.Token, error) {
	q := db.New(p.pool)
	all, err := q.GetActiveTokens(ctx)
	if err != nil {
		return db.Token{}, orcherr.Wrap(orcherr.KindTransientDB, "listing active tokens", err)
	}
	if len(all) == 0 {
		return db.Token{}, orcherr.New(orcherr.KindNoTokensAvailable, "no active tokens")
	}
	idx := sceneNumber % len(all)
	if idx < 0 {
		idx += len(all)
	}
	return all[idx], nil
}

// GetNextRotationToken returns the least-recently-used token among active,
// non-cooldown, non-near-threshold tokens, used by polling status checks
// where batch semantics do not apply (spec.md §4.2). "Near threshold" is
// ErrorThreshold-1 to leave headroom against concurrent dispensers.
func (p *Pool) GetNextRotationToken(ctx context.Context) (db.Token, error) {
	q := db.New(p.pool)
	all, err := q.GetActiveTokens(ctx)
	if err != nil {
		return db.Token{}, orcherr.Wrap(orcherr.KindTransientDB, "listing active tokens", err)
	}

	candidates := p.excludeCooldownAndNearThreshold(all, time.Now())

	if len(candidates) == 0 {
		return db.Token{}, orcherr.New(orcherr.KindNoTokensAvailable, "no token available below the near-threshold margin")
	}

	lru := candidates[0]
	for _, t := range candidates[1:] {
		if lruLess(t, lru) {
			lru = t
		}
	}
	return lru, nil
}

func lruLess(a, b db.Token) bool {
	aUsed, bUsed := a.LastUsedAt, b.LastUsedAt
	if aUsed == nil {
		return true
	}
	if bUsed == nil {
		return false
	}
	return aUsed.Before(*bUsed)
}

// RecordError appends the current instant to a token's error window, prunes
// entries older than ErrorWindow, and sets the cooldown deadline if the
// remaining count has reached ErrorThreshold. The error is also persisted
// to token_errors so LoadErrorHistory can rebuild this state after a
// restart; the in-memory maps stay authoritative during normal operation
// and a persistence failure here only logs, it never blocks the caller.
func (p *Pool) RecordError(ctx context.Context, tokenID uuid.UUID) {
	now := time.Now()

	p.mu.Lock()
	p.errorTimestamps[tokenID] = append(p.errorTimestamps[tokenID], now)
	count := p.pruneErrorsLocked(tokenID, now)

	if count >= p.cfg.ErrorThreshold {
		newEnd := now.Add(p.cfg.Cooldown)
		// Merge semantics: only extend an existing cooldown, never shorten it.
		if existing, ok := p.cooldownUntil[tokenID]; !ok || newEnd.After(existing) {
			p.cooldownUntil[tokenID] = newEnd
		}
	}
	telemetry.TokensInCooldown.Set(float64(len(p.cooldownUntil)))
	p.mu.Unlock()

	if p.pool == nil {
		return
	}
	if err := db.New(p.pool).RecordTokenError(ctx, tokenID, now); err != nil {
		p.logger.Error("tokenpool: persisting token error", "token_id", tokenID, "error", err)
	}
}

// LoadErrorHistory rebuilds the in-memory error window and cooldown map
// from token_errors, run once at worker startup so a restart does not
// silently forgive a token mid-cooldown.
func (p *Pool) LoadErrorHistory(ctx context.Context) error {
	since := time.Now().Add(-p.cfg.ErrorWindow)
	rows, err := db.New(p.pool).ListRecentTokenErrors(ctx, since)
	if err != nil {
		return fmt.Errorf("loading token error history: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, row := range rows {
		p.errorTimestamps[row.TokenID] = append(p.errorTimestamps[row.TokenID], row.OccurredAt)
	}
	for tokenID, ts := range p.errorTimestamps {
		if len(ts) >= p.cfg.ErrorThreshold {
			newEnd := ts[len(ts)-1].Add(p.cfg.Cooldown)
			if newEnd.After(time.Now()) {
				p.cooldownUntil[tokenID] = newEnd
			}
		}
	}
	return nil
}

// IsInCooldown lazily expires stale entries and reports whether tokenID is
// currently excluded from dispense.
func (p *Pool) IsInCooldown(tokenID uuid.UUID) bool {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	until, ok := p.cooldownUntil[tokenID]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	// Cooldown has lapsed: clear the error history per spec.md §4.2.
	delete(p.cooldownUntil, tokenID)
	delete(p.errorTimestamps, tokenID)
	telemetry.TokensInCooldown.Set(float64(len(p.cooldownUntil)))
	return false
}

// pruneErrorsLocked drops timestamps older than ErrorWindow and returns the
// remaining count. Caller must hold p.mu.
func (p *Pool) pruneErrorsLocked(tokenID uuid.UUID, now time.Time) int {
	ts := p.errorTimestamps[tokenID]
	cutoff := now.Add(-p.cfg.ErrorWindow)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.errorTimestamps[tokenID] = kept
	return len(kept)
}

// resetMaps discards every tracked error/cooldown entry, called after
// ReplaceAll since the old token IDs no longer exist.
func (p *Pool) resetMaps() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorTimestamps = make(map[uuid.UUID][]time.Time)
	p.cooldownUntil = make(map[uuid.UUID]time.Time)
}
