// Package upload re-hosts completed upstream video artifacts onto the
// media host, deduplicating concurrent completions for the same scene, per
// spec.md §4.6.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/bulkforge/orchestrator/internal/telemetry"
)

const (
	maxRetries  = 5
	baseBackoff = 1 * time.Second
	maxBackoff  = 10 * time.Second
	jitterRatio = 0.3

	// dedupCacheTTL bounds how long a re-host result is remembered across
	// process restarts, well past the longest plausible at-most-once window
	// for a single scene's polling + completion race.
	dedupCacheTTL  = 24 * time.Hour
	dedupKeyPrefix = "upload:dedup:"
)

// Uploader fetches an upstream artifact and re-hosts it on the media host,
// retrying transient transport failures and deduplicating concurrent
// completions for the same scene via a singleflight group for same-process
// races and a Redis cache for cross-process/cross-restart races (the
// Polling Coordinator and a CheckStatus call can complete the same scene
// from different processes).
type Uploader struct {
	httpClient *http.Client
	uploadURL  string
	preset     string
	logger     *slog.Logger
	rdb        *redis.Client

	group singleflight.Group
}

// New creates an Uploader pointed at the media host's unsigned upload
// endpoint. rdb may be nil, in which case only the in-process dedup applies.
func New(httpClient *http.Client, uploadURL, preset string, logger *slog.Logger, rdb *redis.Client) *Uploader {
	return &Uploader{httpClient: httpClient, uploadURL: uploadURL, preset: preset, logger: logger, rdb: rdb}
}

// Upload fetches bytes from upstreamURL and re-hosts them, returning the
// stable hosted URL. Concurrent calls sharing sceneID observe exactly one
// upload attempt and the same result; a failed attempt removes the
// in-flight entry so a later call may retry.
func (u *Uploader) Upload(ctx context.Context, sceneID, upstreamURL string) (string, error) {
	if cached, ok := u.cacheGet(ctx, sceneID); ok {
		telemetry.UploadDedupHitsTotal.Inc()
		return cached, nil
	}

	v, err, shared := u.group.Do(sceneID, func() (any, error) {
		return u.uploadOnce(ctx, upstreamURL)
	})
	if err != nil {
		u.group.Forget(sceneID)
		return "", err
	}
	if shared {
		telemetry.UploadDedupHitsTotal.Inc()
	}
	hostedURL := v.(string)
	u.cacheSet(ctx, sceneID, hostedURL)
	return hostedURL, nil
}

// cacheGet consults the Redis-backed dedup cache, logging and falling
// through on any Redis-side failure rather than failing the upload.
func (u *Uploader) cacheGet(ctx context.Context, sceneID string) (string, bool) {
	if u.rdb == nil {
		return "", false
	}
	val, err := u.rdb.Get(ctx, dedupKeyPrefix+sceneID).Result()
	if err != nil {
		if err != redis.Nil {
			u.logger.Warn("upload: redis dedup lookup failed, continuing without cache", "scene_id", sceneID, "error", err)
		}
		return "", false
	}
	return val, true
}

func (u *Uploader) cacheSet(ctx context.Context, sceneID, hostedURL string) {
	if u.rdb == nil {
		return
	}
	if err := u.rdb.Set(ctx, dedupKeyPrefix+sceneID, hostedURL, dedupCacheTTL).Err(); err != nil {
		u.logger.Warn("upload: failed to warm redis dedup cache", "scene_id", sceneID, "error", err)
	}
}

func (u *Uploader) uploadOnce(ctx context.Context, upstreamURL string) (string, error) {
	data, contentType, err := u.retrying(ctx, func() ([]byte, string, error) {
		return u.fetch(ctx, upstreamURL)
	})
	if err != nil {
		return "", fmt.Errorf("fetching upstream artifact: %w", err)
	}

	var hostedURL string
	_, _, err = u.retrying(ctx, func() ([]byte, string, error) {
		hostedURL, err = u.rehost(ctx, data, contentType)
		return nil, "", err
	})
	if err != nil {
		return "", fmt.Errorf("re-hosting artifact: %w", err)
	}
	return hostedURL, nil
}

// retrying wraps fn in up to maxRetries attempts with exponential backoff
// from baseBackoff to maxBackoff and ±jitterRatio jitter, retried only on
// the transport failures named by spec.md §4.6.
func (u *Uploader) retrying(ctx context.Context, fn func() ([]byte, string, error)) ([]byte, string, error) {
	var data []byte
	var contentType string

	op := func() (struct{}, error) {
		var err error
		data, contentType, err = fn()
		if permErr, ok := err.(permanentError); ok {
			return struct{}{}, backoff.Permanent(permErr.err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&jitteredBackoff{base: baseBackoff, max: maxBackoff}),
		backoff.WithMaxTries(maxRetries),
	)
	return data, contentType, err
}

// permanentError marks a failure spec.md §4.6 says must not be retried
// (anything outside its named transport-failure classes).
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }

// jitteredBackoff implements backoff.BackOff with exponential growth from
// base to max and ±jitterRatio jitter, per spec.md §4.6.
type jitteredBackoff struct {
	base, max time.Duration
	attempt   int
}

func (b *jitteredBackoff) NextBackOff() time.Duration {
	d := b.base * time.Duration(1<<uint(b.attempt))
	if d > b.max {
		d = b.max
	}
	b.attempt++

	jitter := float64(d) * jitterRatio
	delta := (rand.Float64()*2 - 1) * jitter
	return time.Duration(float64(d) + delta)
}

func (b *jitteredBackoff) Reset() { b.attempt = 0 }

func (u *Uploader) fetch(ctx context.Context, upstreamURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building fetch request: %w", err)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		// Network-level failures (fetch failed, ECONNRESET, ETIMEDOUT,
		// ECONNREFUSED, EPIPE, TLS errors) are retried per spec.md §4.6.
		return nil, "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, "", fmt.Errorf("fetch returned HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", permanentError{fmt.Errorf("fetch returned HTTP %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading fetch body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	return body, contentType, nil
}

func (u *Uploader) rehost(ctx context.Context, data []byte, contentType string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "artifact")
	if err != nil {
		return "", fmt.Errorf("building multipart part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing multipart body: %w", err)
	}
	if err := writer.WriteField("upload_preset", u.preset); err != nil {
		return "", fmt.Errorf("writing upload preset field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.uploadURL, &buf)
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("media host upload returned HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", permanentError{fmt.Errorf("media host upload returned HTTP %d", resp.StatusCode)}
	}

	var parsed struct {
		SecureURL string `json:"secure_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding media host response: %w", err)
	}
	if parsed.SecureURL == "" {
		return "", fmt.Errorf("media host response missing secure_url")
	}
	return parsed.SecureURL, nil
}
