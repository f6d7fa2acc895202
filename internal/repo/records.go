package repo

import (
	"context"
	"database/sql"
	"errors"

	"pidline/internal/domain"
)

const recordColumns = `id,title,COALESCE(identifier,''),COALESCE(slug,''),COALESCE(repository_code,''),COALESCE(level,''),
COALESCE(date_display,''),COALESCE(date_start,''),COALESCE(date_end,''),COALESCE(creators,''),COALESCE(contributors,''),
COALESCE(description,''),COALESCE(subjects,''),COALESCE(language,''),has_digital_object,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.SourceRecord, error) {
	var rec domain.SourceRecord
	var digital int
	err := row.Scan(&rec.ID, &rec.Title, &rec.Identifier, &rec.Slug, &rec.RepositoryCode, &rec.Level,
		&rec.DateDisplay, &rec.DateStart, &rec.DateEnd, &rec.Creators, &rec.Contributors,
		&rec.Description, &rec.Subjects, &rec.Language, &digital, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	rec.HasDigitalObject = digital != 0
	return rec, err
}

// UpsertRecord stores a source record and replaces its property set.
func (r Repo) UpsertRecord(ctx context.Context, rec domain.SourceRecord) error {
	return r.WithTx(ctx, func(tx *sql.Tx) error {
		digital := 0
		if rec.HasDigitalObject {
			digital = 1
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO source_records(id,title,identifier,slug,repository_code,level,date_display,date_start,date_end,creators,contributors,description,subjects,language,has_digital_object,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, identifier=excluded.identifier, slug=excluded.slug,
repository_code=excluded.repository_code, level=excluded.level, date_display=excluded.date_display,
date_start=excluded.date_start, date_end=excluded.date_end, creators=excluded.creators,
contributors=excluded.contributors, description=excluded.description, subjects=excluded.subjects,
language=excluded.language, has_digital_object=excluded.has_digital_object, updated_at=excluded.updated_at`,
			rec.ID, rec.Title, nullable(rec.Identifier), nullable(rec.Slug), nullable(rec.RepositoryCode), nullable(rec.Level),
			nullable(rec.DateDisplay), nullable(rec.DateStart), nullable(rec.DateEnd), nullable(rec.Creators), nullable(rec.Contributors),
			nullable(rec.Description), nullable(rec.Subjects), nullable(rec.Language), digital, rec.UpdatedAt)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM record_properties WHERE record_id=?`, rec.ID); err != nil {
			return err
		}
		for k, v := range rec.Properties {
			if _, err := tx.ExecContext(ctx, `INSERT INTO record_properties(record_id,key,value) VALUES (?,?,?)`, rec.ID, k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRecord loads a source record together with its extension properties.
func (r Repo) GetRecord(ctx context.Context, id int64) (domain.SourceRecord, error) {
	rec, err := scanRecord(r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM source_records WHERE id=?`, id))
	if err != nil {
		return rec, err
	}
	rec.Properties, err = r.recordProperties(ctx, id)
	return rec, err
}

func (r Repo) recordProperties(ctx context.Context, id int64) (map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT key,value FROM record_properties WHERE record_id=?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	props := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		props[k] = v
	}
	return props, rows.Err()
}

type RecordFilters struct {
	RepositoryCode string
	Levels         []string
	// WithoutIdentifier restricts to records never minted.
	WithoutIdentifier bool
	DigitalOnly       bool
	AfterID           int64
	Limit             int
}

// ListRecords returns records ordered by id without their properties.
func (r Repo) ListRecords(ctx context.Context, f RecordFilters) ([]domain.SourceRecord, error) {
	var clauses []string
	var args []any
	if f.RepositoryCode != "" {
		clauses = append(clauses, "repository_code=?")
		args = append(args, f.RepositoryCode)
	}
	if len(f.Levels) > 0 {
		ph := make([]byte, 0, len(f.Levels)*2)
		for i, lvl := range f.Levels {
			if i > 0 {
				ph = append(ph, ',')
			}
			ph = append(ph, '?')
			args = append(args, lvl)
		}
		clauses = append(clauses, "level IN ("+string(ph)+")")
	}
	if f.WithoutIdentifier {
		clauses = append(clauses, "NOT EXISTS (SELECT 1 FROM identifiers i WHERE i.record_id=source_records.id)")
	}
	if f.DigitalOnly {
		clauses = append(clauses, "has_digital_object=1")
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	query := `SELECT ` + recordColumns + ` FROM source_records ` + where(clauses) + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SourceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
