package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a Job (spec.md §3 "Job"): created in
// pending, transitions to queued when accepted by the Submission Queue, to
// completed once the artifact is re-hosted, to failed on permanent failure.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is a row of the jobs table.
type Job struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Prompt            string
	AspectRatio       string
	Status            JobStatus
	VideoURL          *string
	OperationName     *string
	SceneID           *string
	TokenUsed         *uuid.UUID
	RetryCount        int
	ErrorMessage      *string
	Metadata          json.RawMessage
	ReferenceImageURL *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const jobColumns = `id, user_id, prompt, aspect_ratio, status, video_url, operation_name, scene_id, token_used, retry_count, error_message, metadata, reference_image_url, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.UserID, &j.Prompt, &j.AspectRatio, &j.Status, &j.VideoURL,
		&j.OperationName, &j.SceneID, &j.TokenUsed, &j.RetryCount, &j.ErrorMessage,
		&j.Metadata, &j.ReferenceImageURL, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// CreateJobParams holds the fields needed to enqueue a new job.
type CreateJobParams struct {
	UserID            uuid.UUID
	Prompt            string
	AspectRatio       string
	ReferenceImageURL *string
	Metadata          json.RawMessage
}

// CreateJob inserts a new job in the pending state.
func (q *Queries) CreateJob(ctx context.Context, p CreateJobParams) (Job, error) {
	metadata := p.Metadata
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	j, err := withRetry(ctx, func() (Job, error) {
		row := q.db.QueryRow(ctx, `
			INSERT INTO jobs (id, user_id, prompt, aspect_ratio, status, retry_count, metadata, reference_image_url, created_at, updated_at)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, 0, $5, $6, now(), now())
			RETURNING `+jobColumns,
			p.UserID, p.Prompt, p.AspectRatio, JobStatusPending, metadata, p.ReferenceImageURL)
		return scanJob(row)
	})
	if err != nil {
		return Job{}, fmt.Errorf("creating job: %w", err)
	}
	return j, nil
}

// GetJob fetches a job by id.
func (q *Queries) GetJob(ctx context.Context, id uuid.UUID) (Job, error) {
	j, err := withRetry(ctx, func() (Job, error) {
		row := q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
		return scanJob(row)
	})
	if err != nil {
		return Job{}, fmt.Errorf("getting job %s: %w", id, err)
	}
	return j, nil
}

// ListJobsParams filters/paginates a user's jobs, newest first.
type ListJobsParams struct {
	UserID uuid.UUID
	Status *JobStatus
	Limit  int
	Offset int
}

// ListJobs returns a page of a user's jobs ordered by created_at descending.
func (q *Queries) ListJobs(ctx context.Context, p ListJobsParams) ([]Job, error) {
	out, err := withRetry(ctx, func() ([]Job, error) {
		rows, err := q.db.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE user_id = $1 AND ($2::text IS NULL OR status = $2)
			ORDER BY created_at DESC
			LIMIT $3 OFFSET $4`,
			p.UserID, p.Status, p.Limit, p.Offset)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var jobs []Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, j)
		}
		return jobs, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs for user %s: %w", p.UserID, err)
	}
	return out, nil
}

// CountJobs counts a user's jobs, optionally filtered by status, for the
// total/total_pages fields of a job history listing page.
func (q *Queries) CountJobs(ctx context.Context, userID uuid.UUID, status *JobStatus) (int, error) {
	n, err := withRetry(ctx, func() (int, error) {
		var n int
		err := q.db.QueryRow(ctx, `
			SELECT count(*) FROM jobs
			WHERE user_id = $1 AND ($2::text IS NULL OR status = $2)`, userID, status).Scan(&n)
		return n, err
	})
	if err != nil {
		return 0, fmt.Errorf("counting jobs for user %s: %w", userID, err)
	}
	return n, nil
}

// ListJobsByStatus returns every job in a given status whose updated_at is
// older than before, oldest first, used by the Submission Queue and
// Polling Coordinator to find abandoned in-flight work on restart after an
// unclean shutdown.
func (q *Queries) ListJobsByStatus(ctx context.Context, status JobStatus, before time.Time, limit int) ([]Job, error) {
	out, err := withRetry(ctx, func() ([]Job, error) {
		rows, err := q.db.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE status = $1 AND updated_at < $2
			ORDER BY updated_at ASC
			LIMIT $3`, status, before, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var jobs []Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, j)
		}
		return jobs, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing jobs by status %s: %w", status, err)
	}
	return out, nil
}

// TransitionJobParams moves a job to a new status with whichever optional
// fields apply to that transition. Nil pointers leave the existing column
// unchanged.
type TransitionJobParams struct {
	ID            uuid.UUID
	Status        JobStatus
	OperationName *string
	SceneID       *string
	TokenUsed     *uuid.UUID
	VideoURL      *string
	ErrorMessage  *string
}

// TransitionJob updates a job's status and whichever associated fields the
// caller supplies, always bumping updated_at. Columns are only overwritten
// when the corresponding pointer is non-nil, using COALESCE against the
// existing value so unrelated transitions don't clobber earlier fields
// (e.g. marking "processing" doesn't erase the token_used set by "submitting").
func (q *Queries) TransitionJob(ctx context.Context, p TransitionJobParams) (Job, error) {
	j, err := withRetry(ctx, func() (Job, error) {
		row := q.db.QueryRow(ctx, `
			UPDATE jobs
			SET status = $2,
			    operation_name = COALESCE($3, operation_name),
			    scene_id = COALESCE($4, scene_id),
			    token_used = COALESCE($5, token_used),
			    video_url = COALESCE($6, video_url),
			    error_message = COALESCE($7, error_message),
			    updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns,
			p.ID, p.Status, p.OperationName, p.SceneID, p.TokenUsed, p.VideoURL, p.ErrorMessage)
		return scanJob(row)
	})
	if err != nil {
		return Job{}, fmt.Errorf("transitioning job %s to %s: %w", p.ID, p.Status, err)
	}
	return j, nil
}

// IncrementJobRetryCount bumps retry_count by one and returns the new job
// row, used by the Submission Queue and Polling Coordinator when a job is
// requeued after a transient failure.
func (q *Queries) IncrementJobRetryCount(ctx context.Context, id uuid.UUID) (Job, error) {
	j, err := withRetry(ctx, func() (Job, error) {
		row := q.db.QueryRow(ctx, `
			UPDATE jobs
			SET retry_count = retry_count + 1, updated_at = now()
			WHERE id = $1
			RETURNING `+jobColumns, id)
		return scanJob(row)
	})
	if err != nil {
		return Job{}, fmt.Errorf("incrementing retry count for job %s: %w", id, err)
	}
	return j, nil
}

// CountJobsSince counts a user's jobs created at or after since, used by the
// Plan Enforcer's monthly quota check.
func (q *Queries) CountJobsSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	n, err := withRetry(ctx, func() (int, error) {
		var n int
		err := q.db.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE user_id = $1 AND created_at >= $2`, userID, since).Scan(&n)
		return n, err
	})
	if err != nil {
		return 0, fmt.Errorf("counting jobs since %s for user %s: %w", since, userID, err)
	}
	return n, nil
}

// JobStatusCounts is the housekeeper's failure-rate window aggregate.
type JobStatusCounts struct {
	Completed int
	Failed    int
}

// CountJobsByOutcomeSince counts terminal jobs (completed/failed) updated at
// or after since, used by the Housekeeper to compute a rolling failure rate.
func (q *Queries) CountJobsByOutcomeSince(ctx context.Context, since time.Time) (JobStatusCounts, error) {
	out, err := withRetry(ctx, func() (JobStatusCounts, error) {
		var out JobStatusCounts
		err := q.db.QueryRow(ctx, `
			SELECT
				count(*) FILTER (WHERE status = 'completed'),
				count(*) FILTER (WHERE status = 'failed')
			FROM jobs
			WHERE updated_at >= $1 AND status IN ('completed', 'failed')`, since).
			Scan(&out.Completed, &out.Failed)
		return out, err
	})
	if err != nil {
		return JobStatusCounts{}, fmt.Errorf("counting job outcomes since %s: %w", since, err)
	}
	return out, nil
}

// ClearTokenFromJobs nulls token_used on every job referencing the given
// token, used when a token is removed from the pool mid-flight.
func (q *Queries) ClearTokenFromJobs(ctx context.Context, tokenID uuid.UUID) (int64, error) {
	n, err := withRetry(ctx, func() (int64, error) {
		tag, err := q.db.Exec(ctx, `UPDATE jobs SET token_used = NULL, updated_at = now() WHERE token_used = $1`, tokenID)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	})
	if err != nil {
		return 0, fmt.Errorf("clearing token %s from jobs: %w", tokenID, err)
	}
	return n, nil
}
