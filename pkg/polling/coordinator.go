// Package polling drives every accepted job to a terminal state with a
// bounded worker pool, exponential backoff on transient failures, a
// mid-flight token switchover, and at-most-once media upload, per
// spec.md §4.5.
package polling

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bulkforge/orchestrator/internal/db"
	"github.com/bulkforge/orchestrator/internal/telemetry"
	"github.com/bulkforge/orchestrator/pkg/tokenpool"
	"github.com/bulkforge/orchestrator/pkg/upload"
	"github.com/bulkforge/orchestrator/pkg/upstreamapi"
)

const (
	maxConcurrentWorkers = 20
	pollInterval         = 15 * time.Second
	initialDelay         = 15 * time.Second
	maxAttempts          = 240
	retryAttempt         = 8
	heartbeatInterval    = 60 * time.Second
	maxBackoff           = 120 * time.Second
)

// statusCheck is one unit of polling work.
type statusCheck struct {
	job           db.Job
	operationName string
	sceneID       string
	token         *db.Token
}

// Coordinator owns the process-wide polling queue and worker counter
// described by spec.md §4.5.
type Coordinator struct {
	pool     *pgxpool.Pool
	tokens   *tokenpool.Pool
	upAPI    *upstreamapi.Client
	uploader *upload.Uploader
	logger   *slog.Logger

	mu      sync.Mutex
	pending []statusCheck
	active  int
}

// New creates a Coordinator.
func New(pool *pgxpool.Pool, tokens *tokenpool.Pool, upAPI *upstreamapi.Client, uploader *upload.Uploader, logger *slog.Logger) *Coordinator {
	return &Coordinator{pool: pool, tokens: tokens, upAPI: upAPI, uploader: uploader, logger: logger}
}

// recoveryStaleAfter bounds how long a queued job may sit untouched before
// Recover treats it as abandoned in-flight work rather than merely waiting
// its turn in the worker pool.
const recoveryStaleAfter = 5 * time.Minute

// Recover re-enqueues status checks for jobs left in "queued" whose
// updated_at predates recoveryStaleAfter, the crash-recovery sweep run once
// at worker startup: a process that died mid-poll leaves no in-memory
// record of work it had already accepted from upstream. Jobs missing an
// operation_name or scene_id (accepted by a submission that never
// persisted the full transition) are skipped rather than guessed at.
func (c *Coordinator) Recover(ctx context.Context) error {
	qr := db.New(c.pool)
	stale, err := qr.ListJobsByStatus(ctx, db.JobStatusQueued, time.Now().Add(-recoveryStaleAfter), 500)
	if err != nil {
		return fmt.Errorf("listing stale queued jobs: %w", err)
	}

	recovered := 0
	for _, job := range stale {
		if job.OperationName == nil || job.SceneID == nil {
			c.logger.Warn("polling: skipping stale queued job missing operation/scene", "job_id", job.ID)
			continue
		}

		var token *db.Token
		if job.TokenUsed != nil {
			t, err := qr.GetTokenByID(ctx, *job.TokenUsed)
			if err != nil {
				c.logger.Error("polling: reloading token for recovered job", "job_id", job.ID, "error", err)
			} else {
				token = &t
			}
		}

		c.EnqueueStatusCheck(job, *job.OperationName, *job.SceneID, token)
		recovered++
	}
	if recovered > 0 {
		c.logger.Info("polling: recovering stale queued jobs", "count", recovered)
	}
	return nil
}

// EnqueueStatusCheck appends work and spawns workers up to the cap, per
// spec.md §4.5's "Work intake".
func (c *Coordinator) EnqueueStatusCheck(job db.Job, operationName, sceneID string, token *db.Token) {
	c.mu.Lock()
	c.pending = append(c.pending, statusCheck{job: job, operationName: operationName, sceneID: sceneID, token: token})
	c.spawnLocked()
	c.mu.Unlock()
}

// spawnLocked starts workers while capacity and pending work both exist.
// Caller must hold c.mu.
func (c *Coordinator) spawnLocked() {
	for c.active < maxConcurrentWorkers && len(c.pending) > 0 {
		next := c.pending[0]
		c.pending = c.pending[1:]
		c.active++
		telemetry.PollingWorkersActive.Set(float64(c.active))
		go c.runWorker(context.Background(), next)
	}
}

// runWorker is the per-job worker algorithm of spec.md §4.5.
func (c *Coordinator) runWorker(ctx context.Context, work statusCheck) {
	defer func() {
		c.mu.Lock()
		c.active--
		telemetry.PollingWorkersActive.Set(float64(c.active))
		c.spawnLocked()
		c.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return
	case <-time.After(initialDelay):
	}

	job := work.job
	operationName := work.operationName
	sceneID := work.sceneID
	token := work.token
	retried := false
	consecutiveFailures := 0
	lastHeartbeat := time.Now()

	for attempts := 0; attempts < maxAttempts; attempts++ {
		if attempts > 0 {
			wait := pollInterval
			if consecutiveFailures > 0 {
				backoff := pollInterval * time.Duration(1<<uint(consecutiveFailures-1))
				jitter := time.Duration(rand.Int63n(int64(pollInterval)))
				wait = backoff + jitter
				if wait > maxBackoff {
					wait = maxBackoff
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		if time.Since(lastHeartbeat) >= heartbeatInterval {
			c.touchHeartbeat(ctx, job.ID)
			lastHeartbeat = time.Now()
		}

		if attempts == retryAttempt && !retried {
			retried = true
			newJob, newOp, newScene, newToken, err := c.switchToken(ctx, job, token)
			if err != nil {
				c.logger.Error("polling: mid-flight token switch failed", "job_id", job.ID, "error", err)
			} else {
				job, operationName, sceneID, token = newJob, newOp, newScene, newToken
				telemetry.TokenSwitchoversTotal.Inc()
			}
		}

		result, err := c.checkOnce(ctx, token, operationName)
		if err != nil {
			consecutiveFailures++
			continue
		}

		switch {
		case result.upstreamErr != "":
			if token != nil {
				c.tokens.RecordError(ctx, token.ID)
			}
			c.markFailed(ctx, job.ID, result.upstreamErr)
			return
		case result.videoURL != "":
			c.completeJob(ctx, job, sceneID, result.videoURL)
			return
		case result.transient:
			consecutiveFailures++
		default:
			consecutiveFailures = 0
		}
	}

	c.markFailed(ctx, job.ID, fmt.Sprintf("Video generation timed out after %d seconds (%d attempts)", int((initialDelay+time.Duration(maxAttempts)*pollInterval).Seconds()), maxAttempts))
}

type checkResult struct {
	videoURL    string
	upstreamErr string
	transient   bool
}

// checkOnce issues a single status request and classifies the response per
// spec.md §4.5 step 2.d.
func (c *Coordinator) checkOnce(ctx context.Context, token *db.Token, operationName string) (checkResult, error) {
	credential := ""
	if token != nil {
		credential = token.Credential
	}

	resp, err := c.upAPI.CheckStatus(ctx, credential, operationName)
	if err != nil {
		if httpErr, ok := err.(*upstreamapi.HTTPStatusError); ok && !httpErr.Transient() {
			// A definitive non-transient response (e.g. 400/404) is not a
			// stall: reset consecutiveFailures rather than counting it
			// toward the transient-failure budget.
			return checkResult{}, nil
		}
		return checkResult{transient: true}, nil
	}

	if resp.Error != nil {
		return checkResult{upstreamErr: resp.Error.Message}, nil
	}

	switch resp.Status {
	case "COMPLETED", "MEDIA_GENERATION_STATUS_COMPLETE", "MEDIA_GENERATION_STATUS_SUCCESSFUL":
		url := upstreamapi.ExtractVideoURL(resp)
		if url == "" {
			return checkResult{}, nil
		}
		return checkResult{videoURL: url}, nil
	default:
		return checkResult{}, nil
	}
}

// switchToken implements the mid-flight token switch of spec.md §4.5 step
// 2.c: record an error on the current token, dispense a replacement via
// rotation mode, re-submit with a new sceneId, and persist the new handle.
func (c *Coordinator) switchToken(ctx context.Context, job db.Job, current *db.Token) (db.Job, string, string, *db.Token, error) {
	if current != nil {
		c.tokens.RecordError(ctx, current.ID)
	}

	next, err := c.tokens.GetNextRotationToken(ctx)
	if err != nil {
		return job, "", "", nil, err
	}

	newSceneID := fmt.Sprintf("bulk-%s-%d", job.ID, time.Now().UnixMilli())
	resp, err := c.upAPI.SubmitTextToVideo(ctx, next.Credential, upstreamapi.GenerateVideoRequest{
		Prompt:      job.Prompt,
		AspectRatio: job.AspectRatio,
		ModelKey:    "veo-2.0-" + job.AspectRatio + "-t2v",
		Seed:        rand.Uint32(),
		SceneID:     newSceneID,
	})
	if err != nil {
		return job, "", "", nil, err
	}

	q := db.New(c.pool)
	updated, err := q.TransitionJob(ctx, db.TransitionJobParams{
		ID:            job.ID,
		Status:        db.JobStatusQueued,
		OperationName: &resp.OperationName,
		SceneID:       &newSceneID,
		TokenUsed:     &next.ID,
	})
	if err != nil {
		return job, "", "", nil, err
	}

	return updated, resp.OperationName, newSceneID, &next, nil
}

func (c *Coordinator) touchHeartbeat(ctx context.Context, jobID uuid.UUID) {
	_, err := db.New(c.pool).TransitionJob(ctx, db.TransitionJobParams{ID: jobID, Status: db.JobStatusQueued})
	if err != nil {
		c.logger.Warn("polling: heartbeat update failed", "job_id", jobID, "error", err)
	}
}

func (c *Coordinator) markFailed(ctx context.Context, jobID uuid.UUID, message string) {
	_, err := db.New(c.pool).TransitionJob(ctx, db.TransitionJobParams{ID: jobID, Status: db.JobStatusFailed, ErrorMessage: &message})
	if err != nil {
		c.logger.Error("polling: marking job failed", "job_id", jobID, "error", err)
	}
}

// completeJob uploads the upstream video to permanent storage (deduplicated
// per sceneID) and marks the job completed with the hosted URL.
func (c *Coordinator) completeJob(ctx context.Context, job db.Job, sceneID, upstreamURL string) {
	hostedURL, err := c.uploader.Upload(ctx, sceneID, upstreamURL)
	if err != nil {
		c.markFailed(ctx, job.ID, "media upload failed: "+err.Error())
		return
	}

	_, err = db.New(c.pool).TransitionJob(ctx, db.TransitionJobParams{
		ID:       job.ID,
		Status:   db.JobStatusCompleted,
		VideoURL: &hostedURL,
	})
	if err != nil {
		c.logger.Error("polling: marking job completed", "job_id", job.ID, "error", err)
	}
}
