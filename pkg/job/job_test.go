package job

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bulkforge/orchestrator/internal/db"
)

func TestModelKey(t *testing.T) {
	cases := []struct {
		aspectRatio  string
		imageToVideo bool
		want         string
	}{
		{"landscape", false, "veo-2.0-landscape-t2v"},
		{"landscape", true, "veo-2.0-landscape-i2v"},
		{"portrait", false, "veo-2.0-portrait-t2v"},
		{"portrait", true, "veo-2.0-portrait-i2v"},
	}
	for _, tc := range cases {
		got := modelKey(tc.aspectRatio, tc.imageToVideo)
		if got != tc.want {
			t.Errorf("modelKey(%q, %v) = %q, want %q", tc.aspectRatio, tc.imageToVideo, got, tc.want)
		}
	}
}

func TestToResponse_MapsJobFields(t *testing.T) {
	id := uuid.New()
	userID := uuid.New()
	videoURL := "https://media.example/hosted"
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)

	j := db.Job{
		ID:          id,
		UserID:      userID,
		Prompt:      "a cat riding a bike",
		AspectRatio: "landscape",
		Status:      db.JobStatusCompleted,
		VideoURL:    &videoURL,
		RetryCount:  2,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	got := toResponse(j)

	if got.ID != id || got.UserID != userID {
		t.Fatalf("got ID/UserID %v/%v, want %v/%v", got.ID, got.UserID, id, userID)
	}
	if got.Status != "completed" {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.VideoURL == nil || *got.VideoURL != videoURL {
		t.Errorf("VideoURL = %v, want %q", got.VideoURL, videoURL)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
}
