package repo

import (
	"context"
	"database/sql"
	"errors"

	"pidline/internal/domain"
)

const jobColumns = `id,record_id,action,status,priority,scheduled_at,attempts,max_attempts,last_error,created_at,started_at,completed_at`

func scanJob(row scanner) (domain.Job, error) {
	var j domain.Job
	var lastErr, started, completed sql.NullString
	err := row.Scan(&j.ID, &j.RecordID, &j.Action, &j.Status, &j.Priority, &j.ScheduledAt, &j.Attempts, &j.MaxAttempts, &lastErr, &j.CreatedAt, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.LastError = stringPtr(lastErr)
	j.StartedAt = stringPtr(started)
	j.CompletedAt = stringPtr(completed)
	return j, nil
}

// InsertJob inserts a pending job and returns its id. A second pending job
// for the same (record, action) yields ErrConflict.
func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO jobs(record_id,action,status,priority,scheduled_at,attempts,max_attempts,last_error,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		j.RecordID, j.Action, j.Status, j.Priority, j.ScheduledAt, j.Attempts, j.MaxAttempts, nullableStringPtr(j.LastError), j.CreatedAt)
	if isUniqueViolation(err) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetJob(ctx context.Context, tx *sql.Tx, id int64) (domain.Job, error) {
	return scanJob(r.q(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
}

// PendingJob returns the pending job for (record, action), if any.
func (r Repo) PendingJob(ctx context.Context, tx *sql.Tx, recordID int64, action domain.Action) (domain.Job, error) {
	return scanJob(r.q(tx).QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE record_id=? AND action=? AND status=?`, recordID, action, domain.JobPending))
}

// DueJobs returns pending jobs eligible at now, highest priority first and
// oldest-due first among equal priorities.
func (r Repo) DueJobs(ctx context.Context, now string, limit int) ([]domain.Job, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=? AND scheduled_at<=? AND attempts<max_attempts
ORDER BY priority DESC, scheduled_at ASC, created_at ASC, id ASC LIMIT ?`, domain.JobPending, now, limit)
}

// ClaimJob atomically moves a pending job to processing. It reports false
// when another worker claimed it first or it is no longer eligible.
func (r Repo) ClaimJob(ctx context.Context, id int64, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE jobs SET status=?, attempts=attempts+1, started_at=?, completed_at=NULL
WHERE id=? AND status=? AND attempts<max_attempts`, domain.JobProcessing, now, id, domain.JobPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinishJob sets the terminal or retry outcome of a processing job.
func (r Repo) FinishJob(ctx context.Context, tx *sql.Tx, id int64, status domain.JobStatus, lastErr *string, completedAt *string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE jobs SET status=?, last_error=?, completed_at=? WHERE id=? AND status=?`,
		status, nullableStringPtr(lastErr), nullableStringPtr(completedAt), id, domain.JobProcessing)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StaleJobs returns processing jobs started before the cutoff.
func (r Repo) StaleJobs(ctx context.Context, before string) ([]domain.Job, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=? AND started_at<? ORDER BY id ASC`, domain.JobProcessing, before)
}

type JobFilters struct {
	Status   domain.JobStatus
	Action   domain.Action
	RecordID int64
	Limit    int
}

// ListJobs returns jobs newest first.
func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.RecordID > 0 {
		clauses = append(clauses, "record_id=?")
		args = append(args, f.RecordID)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs ` + where(clauses) + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryJobs(ctx, query, args...)
}

// CountJobsByStatus returns the number of jobs per status.
func (r Repo) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.JobStatus]int{}
	for rows.Next() {
		var status domain.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

func (r Repo) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}
