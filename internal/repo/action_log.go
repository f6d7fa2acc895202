package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"pidline/internal/domain"
)

// InsertAction appends one action log entry and returns its id.
func (r Repo) InsertAction(ctx context.Context, e domain.ActionLogEntry) (int64, error) {
	details := "{}"
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return 0, fmt.Errorf("marshal action details: %w", err)
		}
		details = string(data)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO action_log(identifier_id,record_id,action,state_before,state_after,details_json,actor_id,ts) VALUES (?,?,?,?,?,?,?,?)`,
		nullableStringPtr(e.IdentifierID), e.RecordID, e.Action, e.StateBefore, e.StateAfter, details, e.ActorID, e.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type ActionFilters struct {
	RecordID int64
	Action   domain.LogAction
	// Before pages backwards from an entry id.
	Before int64
	Limit  int
}

// ListActions returns entries newest first.
func (r Repo) ListActions(ctx context.Context, f ActionFilters) ([]domain.ActionLogEntry, error) {
	var clauses []string
	var args []any
	if f.RecordID > 0 {
		clauses = append(clauses, "record_id=?")
		args = append(args, f.RecordID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	return r.queryActions(ctx, `SELECT id,identifier_id,record_id,action,state_before,state_after,details_json,actor_id,ts FROM action_log `+where(clauses)+` ORDER BY id DESC LIMIT ?`, args...)
}

// ActionsAfter returns entries with ids greater than the cursor in ascending
// order.
func (r Repo) ActionsAfter(ctx context.Context, limit int, cursor int64) ([]domain.ActionLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryActions(ctx, `SELECT id,identifier_id,record_id,action,state_before,state_after,details_json,actor_id,ts FROM action_log WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestActionID returns the most recent entry id, 0 when the log is empty.
func (r Repo) LatestActionID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM action_log`).Scan(&id)
	return id, err
}

func (r Repo) queryActions(ctx context.Context, query string, args ...any) ([]domain.ActionLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionLogEntry
	for rows.Next() {
		var e domain.ActionLogEntry
		var identifierID, details sql.NullString
		if err := rows.Scan(&e.ID, &identifierID, &e.RecordID, &e.Action, &e.StateBefore, &e.StateAfter, &details, &e.ActorID, &e.TS); err != nil {
			return nil, err
		}
		e.IdentifierID = stringPtr(identifierID)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("decode action %d details: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
