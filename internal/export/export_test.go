package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pidline/internal/domain"
)

func sample() []domain.IdentifierRecord {
	sync := "2024-01-02T03:04:05.000000Z"
	reason := "duplicate, withdrawn"
	return []domain.IdentifierRecord{
		{ID: "a", Identifier: "10.5072/REPO-1", RecordID: 1, GroupCode: "REPO", State: domain.StateFindable, LastSyncAt: &sync, CreatedAt: sync, UpdatedAt: sync},
		{ID: "b", Identifier: "10.5072/REPO-2", RecordID: 2, State: domain.StateDeleted, DeactivationReason: &reason, CreatedAt: sync, UpdatedAt: sync},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatCSV, sample()))
	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "10.5072/REPO-1", rows[1][1])
	assert.Equal(t, "duplicate, withdrawn", rows[2][5])
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, sample()))
	var rows []Row
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, domain.StateDeleted, rows[1].State)
	assert.NotContains(t, buf.String(), "last_registered_payload")
}

func TestWriteEmptyJSONIsArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, nil))
	assert.Equal(t, "[]\n", buf.String())
}

func TestWriteUnknownFormat(t *testing.T) {
	assert.Error(t, Write(&bytes.Buffer{}, "xml", nil))
}
