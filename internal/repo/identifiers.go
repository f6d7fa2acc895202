package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pidline/internal/domain"
)

const identifierColumns = `id,identifier,record_id,COALESCE(group_code,''),state,last_payload_json,last_sync_at,deactivation_reason,created_at,updated_at`

func scanIdentifier(row scanner) (domain.IdentifierRecord, error) {
	var rec domain.IdentifierRecord
	var payload, syncAt, reason sql.NullString
	err := row.Scan(&rec.ID, &rec.Identifier, &rec.RecordID, &rec.GroupCode, &rec.State, &payload, &syncAt, &reason, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if payload.Valid {
		rec.LastRegisteredPayload = []byte(payload.String)
	}
	rec.LastSyncAt = stringPtr(syncAt)
	rec.DeactivationReason = stringPtr(reason)
	return rec, nil
}

// InsertIdentifier persists a newly minted identifier. A second identifier
// for the same record or a duplicate identifier string yields ErrConflict.
func (r Repo) InsertIdentifier(ctx context.Context, tx *sql.Tx, rec domain.IdentifierRecord) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO identifiers(id,record_id,identifier,group_code,state,last_payload_json,last_sync_at,deactivation_reason,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.RecordID, rec.Identifier, nullable(rec.GroupCode), rec.State, nullable(string(rec.LastRegisteredPayload)),
		nullableStringPtr(rec.LastSyncAt), nullableStringPtr(rec.DeactivationReason), rec.CreatedAt, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("identifier for record %d: %w", rec.RecordID, ErrConflict)
	}
	return err
}

// UpdateIdentifier overwrites the mutable columns; identifier and record_id
// never change.
func (r Repo) UpdateIdentifier(ctx context.Context, tx *sql.Tx, rec domain.IdentifierRecord) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE identifiers SET state=?, last_payload_json=?, last_sync_at=?, deactivation_reason=?, updated_at=? WHERE id=?`,
		rec.State, nullable(string(rec.LastRegisteredPayload)), nullableStringPtr(rec.LastSyncAt), nullableStringPtr(rec.DeactivationReason), rec.UpdatedAt, rec.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetIdentifierByRecord(ctx context.Context, tx *sql.Tx, recordID int64) (domain.IdentifierRecord, error) {
	return scanIdentifier(r.q(tx).QueryRowContext(ctx, `SELECT `+identifierColumns+` FROM identifiers WHERE record_id=?`, recordID))
}

func (r Repo) GetIdentifier(ctx context.Context, id string) (domain.IdentifierRecord, error) {
	return scanIdentifier(r.DB.QueryRowContext(ctx, `SELECT `+identifierColumns+` FROM identifiers WHERE id=? OR identifier=?`, id, id))
}

type IdentifierFilters struct {
	GroupCode      string
	State          domain.IdentifierState
	ExcludeDeleted bool
	AfterRecordID  int64
	Limit          int
}

// ListIdentifiers returns identifiers ordered by owning record id.
func (r Repo) ListIdentifiers(ctx context.Context, f IdentifierFilters) ([]domain.IdentifierRecord, error) {
	var clauses []string
	var args []any
	if f.GroupCode != "" {
		clauses = append(clauses, "group_code=?")
		args = append(args, f.GroupCode)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.ExcludeDeleted {
		clauses = append(clauses, "state<>?")
		args = append(args, domain.StateDeleted)
	}
	if f.AfterRecordID > 0 {
		clauses = append(clauses, "record_id>?")
		args = append(args, f.AfterRecordID)
	}
	query := `SELECT ` + identifierColumns + ` FROM identifiers ` + where(clauses) + ` ORDER BY record_id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IdentifierRecord
	for rows.Next() {
		rec, err := scanIdentifier(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountIdentifiersByState feeds the identifier gauge and stats views.
func (r Repo) CountIdentifiersByState(ctx context.Context) (map[domain.IdentifierState]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM identifiers GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.IdentifierState]int{}
	for rows.Next() {
		var state domain.IdentifierState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		res[state] = n
	}
	return res, rows.Err()
}
