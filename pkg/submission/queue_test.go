package submission

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestModelKeyFor(t *testing.T) {
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
		got := modelKeyFor(tc.aspectRatio, tc.imageToVideo)
		if got != tc.want {
			t.Errorf("modelKeyFor(%q, %v) = %q, want %q", tc.aspectRatio, tc.imageToVideo, got, tc.want)
		}
	}
}

func TestTakeBatch_PopsUpToNAndReportsRemaining(t *testing.T) {
	q := &Queue{items: []QueuedJob{{JobID: uuid.New()}, {JobID: uuid.New()}, {JobID: uuid.New()}}}

	batch, more := q.takeBatch(2)
	if len(batch) != 2 {
		t.Fatalf("expected a batch of 2, got %d", len(batch))
	}
	if !more {
		t.Fatal("expected more to be true with one item left")
	}
	if len(q.items) != 1 {
		t.Fatalf("expected 1 item left in the queue, got %d", len(q.items))
	}

	batch, more = q.takeBatch(2)
	if len(batch) != 1 {
		t.Fatalf("expected the final partial batch of 1, got %d", len(batch))
	}
	if more {
		t.Fatal("expected more to be false once the queue is empty")
	}
}

func TestTakeBatch_EmptyQueueClearsProcessing(t *testing.T) {
	q := &Queue{processing: true}

	batch, more := q.takeBatch(5)
	if batch != nil || more {
		t.Fatalf("expected (nil, false) from an empty queue, got (%v, %v)", batch, more)
	}
	if q.processing {
		t.Fatal("expected takeBatch to clear processing on an empty queue")
	}
}

func TestPublish_NilRedisClientIsNoop(t *testing.T) {
	q := &Queue{}
	q.publish(context.Background(), jobSubmittedChannel, map[string]any{"job_id": "x"})
}

func TestLifecycleChannelNames(t *testing.T) {
	if jobSubmittedChannel != "orchestrator:job:submitted" {
		t.Errorf("got %q, want orchestrator:job:submitted", jobSubmittedChannel)
	}
	if jobRetryingChannel != "orchestrator:job:retrying" {
		t.Errorf("got %q, want orchestrator:job:retrying", jobRetryingChannel)
	}
}
