// Package alerting posts operational notices (a failure-rate spike, a
// housekeeping run) to Slack, out of core scope but carried as the ambient
// ops-notification channel (spec.md §4.7 "mentioned for completeness").
package alerting

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts ops alerts to a configured Slack channel. A zero-value
// botToken makes it a logging-only noop.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken is empty, calls log instead of
// posting.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether this notifier has a real Slack client.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostFailureRateAlert notifies ops that the job failure rate over a
// housekeeping window crossed the configured threshold.
func (n *Notifier) PostFailureRateAlert(ctx context.Context, failed, total int, rate float64) error {
	text := fmt.Sprintf(":rotating_light: job failure rate %.0f%% (%d/%d) over the last housekeeping window", rate*100, failed, total)

	if !n.IsEnabled() {
		n.logger.Warn("slack notifier disabled, logging failure-rate alert instead", "text", text)
		return nil
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting failure-rate alert to slack: %w", err)
	}
	return nil
}
