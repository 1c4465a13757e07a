package upload

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpload_FetchThenRehost(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("video-bytes"))
	}))
	defer upstream.Close()

	var gotPreset string
	mediaHost := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parsing multipart form: %v", err)
		}
		gotPreset = r.FormValue("upload_preset")
		json.NewEncoder(w).Encode(map[string]string{"secure_url": "https://media.example/hosted-1"})
	}))
	defer mediaHost.Close()

	u := New(mediaHost.Client(), mediaHost.URL, "my_preset", newTestLogger(), nil)
	hostedURL, err := u.Upload(context.Background(), "scene-1", upstream.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hostedURL != "https://media.example/hosted-1" {
		t.Fatalf("got %q, want https://media.example/hosted-1", hostedURL)
	}
	if gotPreset != "my_preset" {
		t.Fatalf("got preset %q, want my_preset", gotPreset)
	}
}

func TestUpload_DedupesConcurrentCallsForSameScene(t *testing.T) {
	var fetchCount int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetchCount, 1)
		w.Write([]byte("video-bytes"))
	}))
	defer upstream.Close()

	mediaHost := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"secure_url": "https://media.example/hosted-2"})
	}))
	defer mediaHost.Close()

	u := New(mediaHost.Client(), mediaHost.URL, "preset", newTestLogger(), nil)

	done := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			got, err := u.Upload(context.Background(), "scene-shared", upstream.URL)
			if err != nil {
				t.Error(err)
			}
			done <- got
		}()
	}
	for i := 0; i < 2; i++ {
		<-done
	}

	if atomic.LoadInt32(&fetchCount) != 1 {
		t.Fatalf("expected exactly one fetch for two concurrent calls on the same scene, got %d", fetchCount)
	}
}

func TestRehost_NonRetryableClientErrorIsPermanent(t *testing.T) {
	mediaHost := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer mediaHost.Close()

	u := New(mediaHost.Client(), mediaHost.URL, "preset", newTestLogger(), nil)
	_, err := u.rehost(context.Background(), []byte("data"), "video/mp4")
	if err == nil {
		t.Fatal("expected an error for a 400 response")
	}
	if _, ok := err.(permanentError); !ok {
		t.Fatalf("expected a permanentError for a 4xx response, got %T", err)
	}
}

func TestFetch_ServerErrorIsNotPermanent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	u := New(upstream.Client(), "unused", "preset", newTestLogger(), nil)
	_, _, err := u.fetch(context.Background(), upstream.URL)
	if err == nil {
		t.Fatal("expected an error for a 503 response")
	}
	if _, ok := err.(permanentError); ok {
		t.Fatal("expected a 503 to be retryable, not classified as permanentError")
	}
}

func TestUploader_NilRedisClientSkipsCache(t *testing.T) {
	u := New(nil, "unused", "preset", newTestLogger(), nil)
	if _, ok := u.cacheGet(context.Background(), "scene-1"); ok {
		t.Fatal("expected cacheGet to miss with a nil redis client")
	}
	u.cacheSet(context.Background(), "scene-1", "https://media.example/hosted")
}

func TestDedupKeyPrefix(t *testing.T) {
	key := dedupKeyPrefix + "scene-1"
	if key != "upload:dedup:scene-1" {
		t.Errorf("got %q, want upload:dedup:scene-1", key)
	}
}

func TestJitteredBackoff_GrowsAndCapsAtMax(t *testing.T) {
	b := &jitteredBackoff{base: baseBackoff, max: maxBackoff}

	first := b.NextBackOff()
	if first <= 0 || first > baseBackoff*2 {
		t.Fatalf("expected first backoff near base %v, got %v", baseBackoff, first)
	}

	for i := 0; i < 10; i++ {
		b.NextBackOff()
	}
	capped := b.NextBackOff()
	if capped > maxBackoff+time.Duration(float64(maxBackoff)*jitterRatio) {
		t.Fatalf("expected backoff to stay capped near max %v, got %v", maxBackoff, capped)
	}

	b.Reset()
	if b.attempt != 0 {
		t.Fatalf("expected Reset to zero the attempt counter, got %d", b.attempt)
	}
}
