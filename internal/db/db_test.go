package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesWorkspace(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(Config{Workspace: ws})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())

	var fk int
	require.NoError(t, conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)

	_, err = os.Stat(filepath.Join(ws, ".pidline"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, ".pidline", "pidline.db"), Path(ws))
}

func TestFormatTimeOrdersLexically(t *testing.T) {
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	a := FormatTime(base)
	b := FormatTime(base.Add(time.Microsecond))
	c := FormatTime(base.Add(10 * time.Second))
	assert.Less(t, a, b)
	assert.Less(t, b, c)
	assert.Equal(t, "2024-01-02T03:04:05.000000Z", a)
}
