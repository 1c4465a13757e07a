// Package submission smooths upstream submissions under a per-plan
// inter-batch delay and a global concurrency cap, per spec.md §4.4.
package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bulkforge/orchestrator/internal/db"
	"github.com/bulkforge/orchestrator/pkg/tokenpool"
	"github.com/bulkforge/orchestrator/pkg/upstreamapi"
)

const (
	maxConcurrentSubmissions = 8
	jobMaxRetries            = 2
	retryDelay               = 10 * time.Second

	// jobSubmittedChannel and jobRetryingChannel carry job-lifecycle events
	// for external notification consumers (e.g. a dashboard subscriber); the
	// Submission Queue only publishes best-effort, never blocking or failing
	// a submission on a publish error.
	jobSubmittedChannel = "orchestrator:job:submitted"
	jobRetryingChannel  = "orchestrator:job:retrying"
)

// QueuedJob is one prompt waiting to be submitted upstream.
type QueuedJob struct {
	JobID       uuid.UUID
	Prompt      string
	AspectRatio string
	SceneNumber int
	UserID      uuid.UUID
}

// PollEnqueuer hands a freshly-accepted operation to the Polling Coordinator.
// pkg/polling.Coordinator satisfies this; kept as an interface here to avoid
// an import cycle (polling depends on submission's retry primitives).
type PollEnqueuer interface {
	EnqueueStatusCheck(job db.Job, operationName, sceneID string, token *db.Token)
}

// Queue is the process-wide, in-memory submission queue described by
// spec.md §4.4: a single ordered sequence plus a processing flag, fed at a
// configurable per-batch delay and chunked under a global concurrency cap.
type Queue struct {
	pool    *pgxpool.Pool
	tokens  *tokenpool.Pool
	upAPI   *upstreamapi.Client
	pollers PollEnqueuer
	logger  *slog.Logger
	rdb     *redis.Client

	defaultVideosPerBatch int
	defaultBatchDelay     time.Duration

	mu         sync.Mutex
	items      []QueuedJob
	processing bool
}

// New creates a Queue. defaultVideosPerBatch/defaultBatchDelay are the
// fallback values read from TokenSettings when a caller does not override
// the inter-batch delay for their plan. rdb may be nil, in which case
// job-lifecycle events are not published.
func New(pool *pgxpool.Pool, tokens *tokenpool.Pool, upAPI *upstreamapi.Client, pollers PollEnqueuer, logger *slog.Logger, rdb *redis.Client, defaultVideosPerBatch int, defaultBatchDelay time.Duration) *Queue {
	return &Queue{
		pool:                  pool,
		tokens:                tokens,
		upAPI:                 upAPI,
		pollers:               pollers,
		logger:                logger,
		rdb:                   rdb,
		defaultVideosPerBatch: defaultVideosPerBatch,
		defaultBatchDelay:     defaultBatchDelay,
	}
}

// publish emits a job-lifecycle event to channel as a JSON payload, logging
// and continuing on any Redis-side failure; notification delivery never
// blocks or fails a submission.
func (q *Queue) publish(ctx context.Context, channel string, fields map[string]any) {
	if q.rdb == nil {
		return
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		q.logger.Error("submission: marshaling lifecycle event", "channel", channel, "error", err)
		return
	}
	if err := q.rdb.Publish(ctx, channel, string(payload)).Err(); err != nil {
		q.logger.Warn("submission: publishing lifecycle event", "channel", channel, "error", err)
	}
}

// staleAfter bounds how long a pending job may sit untouched before Recover
// treats it as abandoned by a crashed process rather than merely queued
// behind other work.
const staleAfter = 5 * time.Minute

// Recover re-enqueues pending jobs whose updated_at predates staleAfter,
// the crash-recovery sweep run once at worker startup: a process that died
// mid-drain leaves jobs in pending with no in-memory record of them.
func (q *Queue) Recover(ctx context.Context) error {
	qr := db.New(q.pool)
	stale, err := qr.ListJobsByStatus(ctx, db.JobStatusPending, time.Now().Add(-staleAfter), 500)
	if err != nil {
		return fmt.Errorf("listing stale pending jobs: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	jobs := make([]QueuedJob, 0, len(stale))
	for _, j := range stale {
		jobs = append(jobs, QueuedJob{JobID: j.ID, Prompt: j.Prompt, AspectRatio: j.AspectRatio, UserID: j.UserID})
	}
	q.logger.Info("submission: recovering stale pending jobs", "count", len(jobs))
	q.Enqueue(ctx, jobs, 0)
	return nil
}

// Enqueue appends jobs and starts the processor if it is not already
// running. delayOverride, if non-zero, replaces the default inter-batch
// delay for the duration of this processor run (a plan-specific delay).
func (q *Queue) Enqueue(ctx context.Context, jobs []QueuedJob, delayOverride time.Duration) {
	q.mu.Lock()
	q.items = append(q.items, jobs...)
	alreadyProcessing := q.processing
	q.processing = true
	q.mu.Unlock()

	if !alreadyProcessing {
		go q.drain(ctx, delayOverride)
	}
}

// drain is the processor loop of spec.md §4.4: take videosPerBatch items as
// one batch, submit the batch in chunks of at most maxConcurrentSubmissions
// concurrent submissions, sleep batchDelay between batches, and clear
// processing once the queue empties.
func (q *Queue) drain(ctx context.Context, delayOverride time.Duration) {
	videosPerBatch := q.defaultVideosPerBatch
	delay := q.defaultBatchDelay
	if delayOverride > 0 {
		delay = delayOverride
	}

	for {
		batch, more := q.takeBatch(videosPerBatch)
		if len(batch) == 0 {
			return
		}

		q.submitBatchInChunks(ctx, batch)

		if !more {
			q.mu.Lock()
			q.processing = false
			q.mu.Unlock()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// takeBatch pops up to n items from the front of the queue and reports
// whether items remain.
func (q *Queue) takeBatch(n int) ([]QueuedJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		q.processing = false
		return nil, false
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := q.items[:n]
	q.items = q.items[n:]
	return batch, len(q.items) > 0
}

// submitBatchInChunks processes batch in chunks of at most
// maxConcurrentSubmissions, awaiting each chunk before starting the next.
func (q *Queue) submitBatchInChunks(ctx context.Context, batch []QueuedJob) {
	for start := 0; start < len(batch); start += maxConcurrentSubmissions {
		end := start + maxConcurrentSubmissions
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]

		var wg sync.WaitGroup
		for _, item := range chunk {
			wg.Add(1)
			go func(item QueuedJob) {
				defer wg.Done()
				q.submitOne(ctx, item)
			}(item)
		}
		wg.Wait()
	}
}

// submitOne runs the per-job submission algorithm of spec.md §4.4.1.
func (q *Queue) submitOne(ctx context.Context, item QueuedJob) {
	qr := db.New(q.pool)

	job, err := qr.GetJob(ctx, item.JobID)
	if err != nil {
		q.logger.Error("submission: loading job", "job_id", item.JobID, "error", err)
		return
	}

	token, err := q.tokens.DispenseBatchToken(ctx)
	if err != nil {
		q.handleFailure(ctx, job, "no token available: "+err.Error(), nil)
		return
	}

	sceneID := fmt.Sprintf("bulk-%s-%d", item.JobID, time.Now().UnixMilli())
	req := upstreamapi.GenerateVideoRequest{
		Prompt:      item.Prompt,
		AspectRatio: item.AspectRatio,
		ModelKey:    modelKeyFor(item.AspectRatio, false),
		Seed:        rand.Uint32(),
		SceneID:     sceneID,
		ProjectID:   "",
	}

	resp, err := q.upAPI.SubmitTextToVideo(ctx, token.Credential, req)
	if err != nil {
		q.tokens.RecordError(ctx, token.ID)
		q.handleFailure(ctx, job, err.Error(), &token.ID)
		return
	}
	if resp.OperationName == "" {
		q.tokens.RecordError(ctx, token.ID)
		q.handleFailure(ctx, job, "upstream submission accepted with no operation name", &token.ID)
		return
	}

	updated, err := qr.TransitionJob(ctx, db.TransitionJobParams{
		ID:            job.ID,
		Status:        db.JobStatusQueued,
		OperationName: &resp.OperationName,
		SceneID:       &sceneID,
		TokenUsed:     &token.ID,
	})
	if err != nil {
		q.logger.Error("submission: persisting accepted job", "job_id", job.ID, "error", err)
		return
	}

	q.pollers.EnqueueStatusCheck(updated, resp.OperationName, sceneID, &token)

	q.publish(ctx, jobSubmittedChannel, map[string]any{
		"job_id":         updated.ID.String(),
		"user_id":        updated.UserID.String(),
		"status":         string(db.JobStatusQueued),
		"operation_name": resp.OperationName,
		"scene_id":       sceneID,
	})
}

// handleFailure implements spec.md §4.4's retry-or-fail policy: up to
// jobMaxRetries retries with retryDelay between, 3 total attempts.
func (q *Queue) handleFailure(ctx context.Context, job db.Job, message string, tokenID *uuid.UUID) {
	if tokenID != nil {
		q.tokens.RecordError(ctx, *tokenID)
	}

	qr := db.New(q.pool)

	if job.RetryCount < jobMaxRetries {
		next := job.RetryCount + 1
		errMsg := fmt.Sprintf("%s (Retry %d/%d)", message, next, jobMaxRetries)
		if _, err := qr.TransitionJob(ctx, db.TransitionJobParams{ID: job.ID, Status: db.JobStatusPending, ErrorMessage: &errMsg}); err != nil {
			q.logger.Error("submission: recording retry", "job_id", job.ID, "error", err)
			return
		}
		if _, err := qr.IncrementJobRetryCount(ctx, job.ID); err != nil {
			q.logger.Error("submission: bumping retry count", "job_id", job.ID, "error", err)
			return
		}

		q.publish(ctx, jobRetryingChannel, map[string]any{
			"job_id":      job.ID.String(),
			"user_id":     job.UserID.String(),
			"status":      string(db.JobStatusPending),
			"retry_count": next,
			"error":       message,
		})

		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			refreshed, err := db.New(q.pool).GetJob(ctx, job.ID)
			if err != nil {
				q.logger.Error("submission: reloading job for retry", "job_id", job.ID, "error", err)
				return
			}
			q.Enqueue(ctx, []QueuedJob{{JobID: refreshed.ID, Prompt: job.Prompt, AspectRatio: job.AspectRatio, UserID: job.UserID}}, 0)
		}()
		return
	}

	terminal := message
	if _, err := qr.TransitionJob(ctx, db.TransitionJobParams{ID: job.ID, Status: db.JobStatusFailed, ErrorMessage: &terminal}); err != nil {
		q.logger.Error("submission: marking job failed", "job_id", job.ID, "error", err)
	}
}

// modelKeyFor selects the upstream model key by aspect ratio and submission
// mode (text-to-video vs image-to-video), per spec.md §4.4.1 step 2.
func modelKeyFor(aspectRatio string, imageToVideo bool) string {
	switch {
	case aspectRatio == "portrait" && imageToVideo:
		return "veo-2.0-portrait-i2v"
	case aspectRatio == "portrait":
		return "veo-2.0-portrait-t2v"
	case imageToVideo:
		return "veo-2.0-landscape-i2v"
	default:
		return "veo-2.0-landscape-t2v"
	}
}
