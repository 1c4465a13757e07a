package plan

import (
	"testing"
	"time"

	"github.com/bulkforge/orchestrator/internal/db"
)

func userWithTier(tier db.PlanTier, dailyCount int, expiry *time.Time) db.User {
	return db.User{Role: db.RoleUser, PlanTier: tier, DailyCount: dailyCount, PlanExpiry: expiry}
}

func TestIsPlanExpired(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	cases := []struct {
		name string
		u    db.User
		want bool
	}{
		{"free never expires", userWithTier(db.PlanFree, 0, &past), false},
		{"admin never expires", db.User{Role: db.RoleAdmin, PlanTier: db.PlanScale, PlanExpiry: &past}, false},
		{"scale with no expiry set", userWithTier(db.PlanScale, 0, nil), false},
		{"scale expired", userWithTier(db.PlanScale, 0, &past), true},
		{"scale not yet expired", userWithTier(db.PlanScale, 0, &future), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsPlanExpired(tc.u, now); got != tc.want {
				t.Errorf("IsPlanExpired() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCanAccessTool(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		u    db.User
		tool Tool
		want bool
	}{
		{"free can use veo", userWithTier(db.PlanFree, 0, nil), ToolVeo, true},
		{"free cannot bulk", userWithTier(db.PlanFree, 0, nil), ToolBulk, false},
		{"scale can bulk", userWithTier(db.PlanScale, 0, nil), ToolBulk, true},
		{"scale cannot script", userWithTier(db.PlanScale, 0, nil), ToolScript, false},
		{"empire can script", userWithTier(db.PlanEmpire, 0, nil), ToolScript, true},
		{"empire can imageToVideo", userWithTier(db.PlanEmpire, 0, nil), ToolImageToVideo, true},
		{"admin can script regardless of stored tier", db.User{Role: db.RoleAdmin, PlanTier: db.PlanFree}, ToolScript, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanAccessTool(tc.u, tc.tool, now).Allowed; got != tc.want {
				t.Errorf("CanAccessTool(%s) = %v, want %v", tc.tool, got, tc.want)
			}
		})
	}
}

func TestCanGenerateVideo(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	t.Run("free tier has zero daily limit", func(t *testing.T) {
		d := CanGenerateVideo(userWithTier(db.PlanFree, 0, nil), now)
		if d.Allowed {
			t.Fatal("expected free tier denied at zero quota")
		}
	})

	t.Run("scale under quota", func(t *testing.T) {
		d := CanGenerateVideo(userWithTier(db.PlanScale, 999, nil), now)
		if !d.Allowed || d.RemainingVideos != 1 {
			t.Fatalf("got allowed=%v remaining=%d, want allowed=true remaining=1", d.Allowed, d.RemainingVideos)
		}
	})

	t.Run("scale at quota", func(t *testing.T) {
		d := CanGenerateVideo(userWithTier(db.PlanScale, 1000, nil), now)
		if d.Allowed {
			t.Fatal("expected denial at exact daily limit")
		}
	})

	t.Run("expired plan denied even under quota", func(t *testing.T) {
		past := now.Add(-time.Hour)
		d := CanGenerateVideo(userWithTier(db.PlanEmpire, 0, &past), now)
		if d.Allowed {
			t.Fatal("expected denial for expired plan")
		}
	})
}

func TestCanBulkGenerate(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name       string
		u          db.User
		n          int
		wantAllow  bool
	}{
		{"free tool gate blocks before size check", userWithTier(db.PlanFree, 0, nil), 1, false},
		{"scale within maxPrompts and quota", userWithTier(db.PlanScale, 0, nil), 50, true},
		{"scale exceeds maxPrompts", userWithTier(db.PlanScale, 0, nil), 51, false},
		{"scale exceeds remaining quota", userWithTier(db.PlanScale, 960, nil), 50, false},
		{"empire exact remaining quota", userWithTier(db.PlanEmpire, 1900, nil), 100, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CanBulkGenerate(tc.u, tc.n, now).Allowed; got != tc.wantAllow {
				t.Errorf("CanBulkGenerate(n=%d) = %v, want %v", tc.n, got, tc.wantAllow)
			}
		})
	}
}

func TestGetBatchConfig(t *testing.T) {
	cases := []struct {
		name string
		u    db.User
		want BulkConfig
	}{
		{"free", userWithTier(db.PlanFree, 0, nil), BulkConfig{MaxBatch: 0, DelaySeconds: 0, MaxPrompts: 0}},
		{"scale", userWithTier(db.PlanScale, 0, nil), BulkConfig{MaxBatch: 7, DelaySeconds: 30, MaxPrompts: 50}},
		{"empire", userWithTier(db.PlanEmpire, 0, nil), BulkConfig{MaxBatch: 10, DelaySeconds: 10, MaxPrompts: 100}},
		{"admin with free tier stored gets empire config", db.User{Role: db.RoleAdmin, PlanTier: db.PlanFree}, BulkConfig{MaxBatch: 10, DelaySeconds: 10, MaxPrompts: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := GetBatchConfig(tc.u); got != tc.want {
				t.Errorf("GetBatchConfig() = %+v, want %+v", got, tc.want)
			}
		})
	}
}
