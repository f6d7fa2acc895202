package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pidline/internal/domain"
	"pidline/internal/lifecycle"
	"pidline/internal/metrics"
)

// WorkerActor is the actor recorded for queued operations.
const WorkerActor = "queue-worker"

// Dispatcher runs one queued lifecycle action.
type Dispatcher interface {
	Dispatch(ctx context.Context, action domain.Action, recordID int64, actor string) (lifecycle.Result, error)
}

// Worker drains due jobs through a Dispatcher.
type Worker struct {
	Queue      *Queue
	Dispatcher Dispatcher
	Log        *slog.Logger
	Metrics    *metrics.Metrics
	// StaleAfter, when positive, lets Run recover processing jobs whose
	// lease has expired before each tick.
	StaleAfter time.Duration
}

func NewWorker(q *Queue, d Dispatcher) *Worker {
	return &Worker{Queue: q, Dispatcher: d, Log: q.log(), Metrics: q.Metrics}
}

// TickReport summarizes one Tick.
type TickReport struct {
	Selected  int `json:"selected"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

// Tick processes up to batchSize due jobs one at a time. A failure or panic
// in one job never stops the rest of the batch.
func (w *Worker) Tick(ctx context.Context, batchSize int) (TickReport, error) {
	var report TickReport
	jobs, err := w.Queue.Due(ctx, batchSize)
	if err != nil {
		return report, fmt.Errorf("select due jobs: %w", err)
	}
	report.Selected = len(jobs)
	for _, job := range jobs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		ok, err := w.Queue.Claim(ctx, job.ID)
		if err != nil {
			w.log().Error("claim job", "job_id", job.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		report.Claimed++
		switch w.process(ctx, job) {
		case domain.JobCompleted:
			report.Completed++
		case domain.JobPending:
			report.Retried++
		case domain.JobFailed:
			report.Failed++
		}
	}
	return report, nil
}

func (w *Worker) process(ctx context.Context, job domain.Job) domain.JobStatus {
	log := w.log().With("job_id", job.ID, "record_id", job.RecordID, "action", job.Action, "attempt", job.Attempts+1)
	res, err := w.dispatch(ctx, job)

	var status domain.JobStatus
	switch {
	case err != nil:
		log.Error("job dispatch error", "error", err)
		status, err = w.Queue.Fail(ctx, job.ID, err.Error(), false)
	case res.OK:
		status = domain.JobCompleted
		err = w.Queue.Complete(ctx, job.ID)
	default:
		status, err = w.Queue.Fail(ctx, job.ID, res.Message, !res.Kind.Terminal())
	}
	if err != nil {
		log.Error("record job outcome", "error", err)
		return ""
	}
	w.Metrics.IncJob(string(job.Action), string(status))
	log.Info("job processed", "status", status, "message", res.Message)
	return status
}

// dispatch runs the job and turns a panic into a retryable failure.
func (w *Worker) dispatch(ctx context.Context, job domain.Job) (res lifecycle.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = lifecycle.Result{Action: job.Action, Kind: lifecycle.KindInternal, Retryable: true, Message: fmt.Sprintf("panic: %v", p)}
			err = nil
		}
	}()
	return w.Dispatcher.Dispatch(ctx, job.Action, job.RecordID, WorkerActor)
}

// Run ticks every interval until ctx is done.
func (w *Worker) Run(ctx context.Context, interval time.Duration, batchSize int) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.runOnce(ctx, batchSize)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) runOnce(ctx context.Context, batchSize int) {
	if w.StaleAfter > 0 {
		if _, err := w.Queue.RecoverStale(ctx, w.StaleAfter); err != nil && ctx.Err() == nil {
			w.log().Error("recover stale jobs", "error", err)
		}
	}
	report, err := w.Tick(ctx, batchSize)
	if err != nil && ctx.Err() == nil {
		w.log().Error("worker tick", "error", err)
		return
	}
	if report.Claimed > 0 {
		w.log().Info("worker tick", "selected", report.Selected, "completed", report.Completed, "retried", report.Retried, "failed", report.Failed)
	}
}

func (w *Worker) log() *slog.Logger {
	if w.Log == nil {
		return slog.Default()
	}
	return w.Log
}
