// Package plan enforces tool access, daily quota, batch sizing, and plan
// expiry per tier. It is pure: no I/O, no clock reads beyond what the
// caller passes in, so every rule is a table-driven function of its inputs.
package plan

import (
	"time"

	"github.com/bulkforge/orchestrator/internal/db"
)

// Tool is one of the gated capabilities a tier may or may not grant.
type Tool string

const (
	ToolVeo           Tool = "veo"
	ToolBulk          Tool = "bulk"
	ToolScript        Tool = "script"
	ToolTextToImage   Tool = "textToImage"
	ToolImageToVideo  Tool = "imageToVideo"
)

// BulkConfig is the bulk-generation envelope for a tier.
type BulkConfig struct {
	MaxBatch     int
	DelaySeconds int
	MaxPrompts   int
}

// Tier describes one plan tier's limits.
type Tier struct {
	DailyLimit   int
	AllowedTools map[Tool]bool
	Bulk         BulkConfig
}

var tiers = map[db.PlanTier]Tier{
	db.PlanFree: {
		DailyLimit:   0,
		AllowedTools: toolSet(ToolVeo),
		Bulk:         BulkConfig{MaxBatch: 0, DelaySeconds: 0, MaxPrompts: 0},
	},
	db.PlanScale: {
		DailyLimit:   1000,
		AllowedTools: toolSet(ToolVeo, ToolBulk),
		Bulk:         BulkConfig{MaxBatch: 7, DelaySeconds: 30, MaxPrompts: 50},
	},
	db.PlanEmpire: {
		DailyLimit:   2000,
		AllowedTools: toolSet(ToolVeo, ToolBulk, ToolScript, ToolTextToImage, ToolImageToVideo),
		Bulk:         BulkConfig{MaxBatch: 10, DelaySeconds: 10, MaxPrompts: 100},
	},
}

func toolSet(tools ...Tool) map[Tool]bool {
	m := make(map[Tool]bool, len(tools))
	for _, t := range tools {
		m[t] = true
	}
	return m
}

// TierOf returns the Tier definition for a user's plan tier, defaulting to
// the empire envelope for admins regardless of their stored plan_tier.
func TierOf(u db.User) Tier {
	if u.Role == db.RoleAdmin {
		return tiers[db.PlanEmpire]
	}
	return tiers[u.PlanTier]
}

// Decision is the result of a gate check: no exceptions used as control flow.
type Decision struct {
	Allowed         bool
	Reason          string
	RemainingVideos int
}

func allow(remaining int) Decision { return Decision{Allowed: true, RemainingVideos: remaining} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// IsPlanExpired reports whether a user's plan has lapsed as of now. Always
// false for admins and for the free tier, which has no expiry.
func IsPlanExpired(u db.User, now time.Time) bool {
	if u.Role == db.RoleAdmin || u.PlanTier == db.PlanFree {
		return false
	}
	if u.PlanExpiry == nil {
		return false
	}
	return now.After(*u.PlanExpiry)
}

// CanAccessTool checks whether a user may use a given tool right now.
func CanAccessTool(u db.User, tool Tool, now time.Time) Decision {
	if IsPlanExpired(u, now) {
		return deny("plan expired")
	}
	tier := TierOf(u)
	if !tier.AllowedTools[tool] {
		return deny("tool not available on this plan")
	}
	return allow(0)
}

// CanGenerateVideo checks whether a user may submit one more video job.
func CanGenerateVideo(u db.User, now time.Time) Decision {
	if IsPlanExpired(u, now) {
		return deny("plan expired")
	}
	tier := TierOf(u)
	if u.DailyCount >= tier.DailyLimit {
		return deny("daily quota exhausted")
	}
	return allow(tier.DailyLimit - u.DailyCount)
}

// CanBulkGenerate checks whether a user may submit a batch of n prompts:
// tool access first, then the tier's maxPrompts ceiling, then remaining
// daily quota.
func CanBulkGenerate(u db.User, n int, now time.Time) Decision {
	if d := CanAccessTool(u, ToolBulk, now); !d.Allowed {
		return d
	}
	tier := TierOf(u)
	if n > tier.Bulk.MaxPrompts {
		return deny("batch exceeds maximum prompts for this plan")
	}
	remaining := tier.DailyLimit - u.DailyCount
	if n > remaining {
		return deny("batch exceeds remaining daily quota")
	}
	return allow(remaining)
}

// GetBatchConfig returns the tier's bulk-generation envelope (admin ⇒ empire).
func GetBatchConfig(u db.User) BulkConfig {
	return TierOf(u).Bulk
}
