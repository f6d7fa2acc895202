package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pidline/internal/config"
	"pidline/internal/db"
	"pidline/internal/domain"
	"pidline/internal/metrics"
	"pidline/internal/repo"
)

var (
	ErrNotQueueable  = errors.New("action cannot be queued")
	ErrNotProcessing = errors.New("job is not processing")
)

const (
	lastErrorSuperseded = "superseded by pending job"
	lastErrorStale      = "processing lease expired"
)

// Queue persists deferred lifecycle requests. At most one pending job exists
// per (record, action); the partial unique index on jobs backs that up.
type Queue struct {
	Repo        repo.Repo
	MaxAttempts int
	Now         func() time.Time
	Log         *slog.Logger
	Metrics     *metrics.Metrics
}

func New(r repo.Repo, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultMaxAttempts
	}
	return &Queue{Repo: r, MaxAttempts: maxAttempts, Now: time.Now, Log: slog.Default()}
}

func (q *Queue) now() time.Time {
	if q.Now == nil {
		return time.Now()
	}
	return q.Now()
}

func (q *Queue) log() *slog.Logger {
	if q.Log == nil {
		return slog.Default()
	}
	return q.Log
}

// EnqueueRequest describes a job to create. Zero ScheduledAt means now and
// zero MaxAttempts uses the queue default.
type EnqueueRequest struct {
	RecordID    int64
	Action      domain.Action
	Priority    int
	ScheduledAt time.Time
	MaxAttempts int
}

// Enqueue creates a pending job, or returns the existing pending job for the
// same record and action with created=false.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (job domain.Job, created bool, err error) {
	if !req.Action.Queueable() {
		return domain.Job{}, false, fmt.Errorf("%w: %s", ErrNotQueueable, req.Action)
	}
	if req.RecordID <= 0 {
		return domain.Job{}, false, errors.New("record id required")
	}
	now := q.now()
	scheduled := req.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.MaxAttempts
	}
	err = q.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := q.Repo.PendingJob(ctx, tx, req.RecordID, req.Action)
		if err == nil {
			job = existing
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		job = domain.Job{
			RecordID:    req.RecordID,
			Action:      req.Action,
			Status:      domain.JobPending,
			Priority:    req.Priority,
			ScheduledAt: db.FormatTime(scheduled),
			MaxAttempts: maxAttempts,
			CreatedAt:   db.FormatTime(now),
		}
		id, err := q.Repo.InsertJob(ctx, tx, job)
		if err != nil {
			return err
		}
		job.ID = id
		created = true
		return nil
	})
	if errors.Is(err, repo.ErrConflict) {
		// Lost a race with another writer; theirs is the pending job.
		job, err = q.Repo.PendingJob(ctx, nil, req.RecordID, req.Action)
		return job, false, err
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	if created {
		q.log().Debug("job enqueued", "job_id", job.ID, "record_id", job.RecordID, "action", job.Action, "priority", job.Priority)
	}
	return job, created, nil
}

// Due returns pending jobs whose time has come, in dispatch order.
func (q *Queue) Due(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = config.DefaultBatchSize
	}
	return q.Repo.DueJobs(ctx, db.FormatTime(q.now()), limit)
}

// Claim moves a pending job to processing and counts the attempt. It
// reports false when the job was claimed elsewhere.
func (q *Queue) Claim(ctx context.Context, id int64) (bool, error) {
	return q.Repo.ClaimJob(ctx, id, db.FormatTime(q.now()))
}

// Complete marks a processing job completed.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	now := db.FormatTime(q.now())
	err := q.Repo.FinishJob(ctx, nil, id, domain.JobCompleted, nil, &now)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("job %d: %w", id, ErrNotProcessing)
	}
	return err
}

// Fail records a failed attempt. The job returns to pending when retry is
// set and attempts remain, otherwise it is failed for good. The resulting
// status is returned.
func (q *Queue) Fail(ctx context.Context, id int64, msg string, retry bool) (domain.JobStatus, error) {
	var status domain.JobStatus
	err := q.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		job, err := q.Repo.GetJob(ctx, tx, id)
		if err != nil {
			return err
		}
		status, err = q.release(ctx, tx, job, msg, retry)
		return err
	})
	if errors.Is(err, repo.ErrNotFound) {
		return "", fmt.Errorf("job %d: %w", id, ErrNotProcessing)
	}
	return status, err
}

func (q *Queue) release(ctx context.Context, tx *sql.Tx, job domain.Job, msg string, retry bool) (domain.JobStatus, error) {
	if job.Status != domain.JobProcessing {
		return "", repo.ErrNotFound
	}
	now := db.FormatTime(q.now())
	if retry && job.Attempts < job.MaxAttempts {
		other, err := q.Repo.PendingJob(ctx, tx, job.RecordID, job.Action)
		switch {
		case err == nil:
			msg = fmt.Sprintf("%s; %s %d", msg, lastErrorSuperseded, other.ID)
		case errors.Is(err, repo.ErrNotFound):
			return domain.JobPending, q.Repo.FinishJob(ctx, tx, job.ID, domain.JobPending, &msg, nil)
		default:
			return "", err
		}
	}
	return domain.JobFailed, q.Repo.FinishJob(ctx, tx, job.ID, domain.JobFailed, &msg, &now)
}

// RecoverStale returns processing jobs started more than olderThan ago to
// pending, or fails them when their attempts are spent. It returns the
// number of jobs touched.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := db.FormatTime(q.now().Add(-olderThan))
	stale, err := q.Repo.StaleJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var n int
	for _, job := range stale {
		var status domain.JobStatus
		err := q.Repo.WithTx(ctx, func(tx *sql.Tx) error {
			cur, err := q.Repo.GetJob(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			status, err = q.release(ctx, tx, cur, lastErrorStale, true)
			return err
		})
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		q.log().Warn("recovered stale job", "job_id", job.ID, "record_id", job.RecordID, "action", job.Action, "status", status)
	}
	q.Metrics.AddRecovered(n)
	return n, nil
}

func (q *Queue) Get(ctx context.Context, id int64) (domain.Job, error) {
	return q.Repo.GetJob(ctx, nil, id)
}

func (q *Queue) List(ctx context.Context, f repo.JobFilters) ([]domain.Job, error) {
	return q.Repo.ListJobs(ctx, f)
}

// Stats counts jobs per status. Every status is present in the result.
func (q *Queue) Stats(ctx context.Context) (map[domain.JobStatus]int, error) {
	counts, err := q.Repo.CountJobsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range []domain.JobStatus{domain.JobPending, domain.JobProcessing, domain.JobCompleted, domain.JobFailed} {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}
