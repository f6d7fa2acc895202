// Package export renders minted identifiers for downstream systems.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"pidline/internal/domain"
)

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

var csvHeader = []string{"record_id", "identifier", "state", "group_code", "last_sync_at", "deactivation_reason", "created_at", "updated_at"}

// Row is the exported view of one identifier. The last registered payload
// is left out.
type Row struct {
	RecordID           int64                  `json:"record_id"`
	Identifier         string                 `json:"identifier"`
	State              domain.IdentifierState `json:"state"`
	GroupCode          string                 `json:"group_code,omitempty"`
	LastSyncAt         string                 `json:"last_sync_at,omitempty"`
	DeactivationReason string                 `json:"deactivation_reason,omitempty"`
	CreatedAt          string                 `json:"created_at"`
	UpdatedAt          string                 `json:"updated_at"`
}

func toRow(rec domain.IdentifierRecord) Row {
	row := Row{
		RecordID:   rec.RecordID,
		Identifier: rec.Identifier,
		State:      rec.State,
		GroupCode:  rec.GroupCode,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if rec.LastSyncAt != nil {
		row.LastSyncAt = *rec.LastSyncAt
	}
	if rec.DeactivationReason != nil {
		row.DeactivationReason = *rec.DeactivationReason
	}
	return row
}

// ContentType returns the media type for format.
func ContentType(format string) string {
	if format == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Write renders recs to w as csv or json.
func Write(w io.Writer, format string, recs []domain.IdentifierRecord) error {
	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		for _, rec := range recs {
			row := toRow(rec)
			if err := cw.Write([]string{
				strconv.FormatInt(row.RecordID, 10),
				row.Identifier,
				string(row.State),
				row.GroupCode,
				row.LastSyncAt,
				row.DeactivationReason,
				row.CreatedAt,
				row.UpdatedAt,
			}); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	case FormatJSON, "":
		rows := make([]Row, 0, len(recs))
		for _, rec := range recs {
			rows = append(rows, toRow(rec))
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	return fmt.Errorf("unsupported export format %q", format)
}
