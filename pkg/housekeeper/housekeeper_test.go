package housekeeper

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bulkforge/orchestrator/pkg/alerting"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_FallsBackToUTCOnUnknownTimezone(t *testing.T) {
	notifier := alerting.NewNotifier("", "", testLogger())
	h := New(nil, notifier, testLogger(), "Not/A_Real_Zone", 0.5)
	if h.location != time.UTC {
		t.Fatalf("expected fallback to UTC, got %v", h.location)
	}
}

func TestNew_HonorsConfiguredTimezone(t *testing.T) {
	notifier := alerting.NewNotifier("", "", testLogger())
	h := New(nil, notifier, testLogger(), "America/New_York", 0.5)
	if h.location.String() != "America/New_York" {
		t.Fatalf("got location %v, want America/New_York", h.location)
	}
}

func TestTick_AlertGateFiresOnceAnHour(t *testing.T) {
	h := &Housekeeper{lastAlertHour: time.Date(2026, 7, 31, 10, 30, 0, 0, time.UTC)}
	now := time.Date(2026, 7, 31, 10, 45, 0, 0, time.UTC)
	if now.Sub(h.lastAlertHour) >= time.Hour {
		t.Fatal("expected less than an hour to have elapsed, alert should not fire yet")
	}

	now = time.Date(2026, 7, 31, 11, 31, 0, 0, time.UTC)
	if now.Sub(h.lastAlertHour) < time.Hour {
		t.Fatal("expected an hour to have elapsed, alert should fire")
	}
}
