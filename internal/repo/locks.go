package repo

import (
	"context"
	"database/sql"
	"errors"

	"pidline/internal/domain"
)

// AcquireRecordLock takes the lease on recordID for holder until expiresAt.
// A lease held by another holder is only taken over once it has expired.
func (r Repo) AcquireRecordLock(ctx context.Context, recordID int64, holder, now, expiresAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO record_locks(record_id,holder,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(record_id) DO UPDATE SET holder=excluded.holder, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE record_locks.holder=excluded.holder OR record_locks.expires_at<=?`, recordID, holder, now, expiresAt, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseRecordLock drops holder's lease on recordID. Releasing a lease
// that was taken over is a no-op.
func (r Repo) ReleaseRecordLock(ctx context.Context, recordID int64, holder string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM record_locks WHERE record_id=? AND holder=?`, recordID, holder)
	return err
}

func (r Repo) GetRecordLock(ctx context.Context, recordID int64) (domain.RecordLock, error) {
	var l domain.RecordLock
	err := r.DB.QueryRowContext(ctx, `SELECT record_id,holder,acquired_at,expires_at FROM record_locks WHERE record_id=?`, recordID).
		Scan(&l.RecordID, &l.Holder, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return l, ErrNotFound
	}
	return l, err
}
