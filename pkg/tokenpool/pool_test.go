package tokenpool

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bulkforge/orchestrator/internal/db"
)

func testPool(cfg Config) *Pool {
	return &Pool{
		cfg:             cfg,
		errorTimestamps: make(map[uuid.UUID][]time.Time),
		cooldownUntil:   make(map[uuid.UUID]time.Time),
	}
}

func tokensWithIDs(ids ...uuid.UUID) []db.Token {
	out := make([]db.Token, 0, len(ids))
	for _, id := range ids {
		out = append(out, db.Token{ID: id})
	}
	return out
}

func TestRecordError_TripsCooldownAtThreshold(t *testing.T) {
	p := testPool(Config{ErrorWindow: 20 * time.Minute, ErrorThreshold: 10, Cooldown: 2 * time.Hour})
	tokenID := uuid.New()

	for i := 0; i < 9; i++ {
		p.RecordError(context.Background(), tokenID)
	}
	if p.IsInCooldown(tokenID) {
		t.Fatal("expected no cooldown before the 10th error")
	}

	p.RecordError(context.Background(), tokenID)
	if !p.IsInCooldown(tokenID) {
		t.Fatal("expected cooldown after the 10th error within the window")
	}
}

func TestRecordError_PrunesOldEntriesOutsideWindow(t *testing.T) {
	p := testPool(Config{ErrorWindow: 20 * time.Minute, ErrorThreshold: 10, Cooldown: 2 * time.Hour})
	tokenID := uuid.New()

	now := time.Now()
	p.mu.Lock()
	p.errorTimestamps[tokenID] = []time.Time{
		now.Add(-30 * time.Minute),
		now.Add(-25 * time.Minute),
	}
	p.mu.Unlock()

	for i := 0; i < 8; i++ {
		p.RecordError(context.Background(), tokenID)
	}

	if p.IsInCooldown(tokenID) {
		t.Fatal("expected entries older than the window to be pruned, keeping total below threshold")
	}
}

func TestCooldown_MergeSemanticsOnlyExtend(t *testing.T) {
	p := testPool(Config{ErrorWindow: 20 * time.Minute, ErrorThreshold: 10, Cooldown: 2 * time.Hour})
	tokenID := uuid.New()

	longEnd := time.Now().Add(3 * time.Hour)
	p.mu.Lock()
	p.cooldownUntil[tokenID] = longEnd
	p.mu.Unlock()

	for i := 0; i < 10; i++ {
		p.RecordError(context.Background(), tokenID)
	}

	p.mu.Lock()
	got := p.cooldownUntil[tokenID]
	p.mu.Unlock()

	if !got.Equal(longEnd) {
		t.Fatalf("expected existing longer cooldown to be preserved, got %v want %v", got, longEnd)
	}
}

func TestIsInCooldown_ExpiresAndClearsHistory(t *testing.T) {
	p := testPool(Config{ErrorWindow: 20 * time.Minute, ErrorThreshold: 10, Cooldown: 2 * time.Hour})
	tokenID := uuid.New()

	p.mu.Lock()
	p.cooldownUntil[tokenID] = time.Now().Add(-time.Second)
	p.errorTimestamps[tokenID] = []time.Time{time.Now()}
	p.mu.Unlock()

	if p.IsInCooldown(tokenID) {
		t.Fatal("expected a lapsed cooldown to report false")
	}

	p.mu.Lock()
	_, cooldownExists := p.cooldownUntil[tokenID]
	_, errorsExist := p.errorTimestamps[tokenID]
	p.mu.Unlock()

	if cooldownExists || errorsExist {
		t.Fatal("expected both cooldown and error history to be cleared once a cooldown lapses")
	}
}

func TestExcludeCooldownAndNearThreshold_FiltersBothCooldownAndNearThreshold(t *testing.T) {
	p := testPool(Config{ErrorWindow: 20 * time.Minute, ErrorThreshold: 10, Cooldown: 2 * time.Hour})
	active := uuid.New()
	cooling := uuid.New()
	nearThreshold := uuid.New()

	now := time.Now()
	p.mu.Lock()
	p.cooldownUntil[cooling] = now.Add(time.Hour)
	for i := 0; i < 9; i++ {
		p.errorTimestamps[nearThreshold] = append(p.errorTimestamps[nearThreshold], now)
	}
	p.mu.Unlock()

	tokens := tokensWithIDs(active, cooling, nearThreshold)
	available := p.excludeCooldownAndNearThreshold(tokens, now)

	if len(available) != 1 || available[0].ID != active {
		t.Fatalf("expected only the untouched token to remain, got %+v", available)
	}
}

// TestDispenseAndRotationPaths_ShareNearThresholdExclusion pins the review
// finding that DispenseBatchToken's cooldown filter and
// GetNextRotationToken's candidate filter must exclude the same tokens: both
// call excludeCooldownAndNearThreshold, so a token 9 errors into a
// threshold of 10 is unavailable to either path, not just the rotation one.
func TestDispenseAndRotationPaths_ShareNearThresholdExclusion(t *testing.T) {
	p := testPool(Config{ErrorWindow: 20 * time.Minute, ErrorThreshold: 10, Cooldown: 2 * time.Hour})
	nearThreshold := uuid.New()

	now := time.Now()
	p.mu.Lock()
	for i := 0; i < 9; i++ {
		p.errorTimestamps[nearThreshold] = append(p.errorTimestamps[nearThreshold], now)
	}
	p.mu.Unlock()

	tokens := tokensWithIDs(nearThreshold)
	if got := p.excludeCooldownAndNearThreshold(tokens, now); len(got) != 0 {
		t.Fatalf("expected the near-threshold token excluded from every dispense path, got %+v", got)
	}
}

func TestLruLess(t *testing.T) {
	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	a := db.Token{LastUsedAt: &older}
	b := db.Token{LastUsedAt: &newer}

	if !lruLess(a, b) {
		t.Fatal("expected token with older LastUsedAt to be considered more LRU")
	}
	if lruLess(b, a) {
		t.Fatal("expected token with newer LastUsedAt to not be considered more LRU")
	}

	never := db.Token{}
	if !lruLess(never, a) {
		t.Fatal("expected a never-used token to be more LRU than any used token")
	}
	if lruLess(a, never) {
		t.Fatal("expected a used token to not be more LRU than a never-used token")
	}
}

func TestResetMaps_ClearsAllTrackedState(t *testing.T) {
	p := testPool(Config{ErrorWindow: 20 * time.Minute, ErrorThreshold: 10, Cooldown: 2 * time.Hour})
	tokenID := uuid.New()

	p.RecordError(context.Background(), tokenID)
	p.resetMaps()

	if p.IsInCooldown(tokenID) {
		t.Fatal("expected resetMaps to clear all tracked cooldowns")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errorTimestamps) != 0 {
		t.Fatalf("expected empty error map after reset, got %d entries", len(p.errorTimestamps))
	}
}

func TestSettingsCache_NilRedisClientAlwaysMisses(t *testing.T) {
	p := testPool(Config{})

	if _, ok := p.cacheGetSettings(context.Background()); ok {
		t.Fatal("expected cacheGetSettings to miss with a nil redis client")
	}
	p.cacheSetSettings(context.Background(), db.TokenSettings{VideosPerBatch: 5})
	p.invalidateSettingsCache(context.Background())
}
