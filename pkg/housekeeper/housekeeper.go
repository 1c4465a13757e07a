// Package housekeeper runs the two periodic maintenance tasks of
// spec.md §4.7 from a single one-minute tick: a once-per-calendar-date
// daily counter reset at local midnight of a configured timezone, and an
// hourly failure-rate check that pages ops via Slack.
package housekeeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bulkforge/orchestrator/internal/db"
	"github.com/bulkforge/orchestrator/pkg/alerting"
)

const tickInterval = 1 * time.Minute

// Housekeeper owns the daily-reset and hourly-alert ticks.
type Housekeeper struct {
	pool     *pgxpool.Pool
	notifier *alerting.Notifier
	logger   *slog.Logger
	location *time.Location

	failureRateThreshold float64

	lastResetDate string
	lastAlertHour time.Time
}

// New creates a Housekeeper. timezone is the configured reset timezone
// (e.g. "UTC", "Asia/Karachi"); it falls back to UTC if it does not parse.
func New(pool *pgxpool.Pool, notifier *alerting.Notifier, logger *slog.Logger, timezone string, failureRateThreshold float64) *Housekeeper {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		logger.Warn("housekeeper: unknown timezone, falling back to UTC", "timezone", timezone, "error", err)
		loc = time.UTC
	}
	return &Housekeeper{
		pool:                  pool,
		notifier:              notifier,
		logger:                logger,
		location:              loc,
		failureRateThreshold:  failureRateThreshold,
	}
}

// Run ticks once a minute until ctx is cancelled, driving both maintenance
// tasks described by spec.md §4.7.
func (h *Housekeeper) Run(ctx context.Context) {
	h.logger.Info("housekeeper started", "tick_interval", tickInterval)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	h.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("housekeeper stopped")
			return
		case <-ticker.C:
			h.tick(ctx)
		}
	}
}

func (h *Housekeeper) tick(ctx context.Context) {
	now := time.Now().In(h.location)

	today := now.Format("2006-01-02")
	if today != h.lastResetDate {
		h.lastResetDate = today
		h.runDailyReset(ctx, now)
	}

	if h.lastAlertHour.IsZero() || now.Sub(h.lastAlertHour) >= time.Hour {
		h.lastAlertHour = now
		h.checkFailureRate(ctx, now)
	}
}

// runDailyReset implements resetExpiredDailyCounts(), called once per
// calendar date at local midnight of the configured timezone.
func (h *Housekeeper) runDailyReset(ctx context.Context, now time.Time) {
	q := db.New(h.pool)
	n, err := q.ResetExpiredDailyCounts(ctx, now)
	if err != nil {
		h.logger.Error("housekeeper: daily reset failed", "error", err)
		return
	}
	h.logger.Info("housekeeper: daily counts reset", "users_reset", n, "date", now.Format("2006-01-02"))
}

// checkFailureRate implements the hourly check that pages ops when the job
// failure rate over the last hour crosses the configured threshold.
func (h *Housekeeper) checkFailureRate(ctx context.Context, now time.Time) {
	q := db.New(h.pool)
	counts, err := q.CountJobsByOutcomeSince(ctx, now.Add(-time.Hour))
	if err != nil {
		h.logger.Error("housekeeper: failure-rate check failed", "error", err)
		return
	}

	total := counts.Completed + counts.Failed
	if total == 0 {
		return
	}

	rate := float64(counts.Failed) / float64(total)
	if rate < h.failureRateThreshold {
		return
	}

	h.logger.Warn("housekeeper: failure rate over threshold", "rate", rate, "failed", counts.Failed, "total", total)
	if err := h.notifier.PostFailureRateAlert(ctx, counts.Failed, total, rate); err != nil {
		h.logger.Error("housekeeper: posting failure-rate alert", "error", err)
	}
}
