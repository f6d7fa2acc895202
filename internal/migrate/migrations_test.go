package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pidline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	v1, err := Migrate(ctx, conn, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v1, 1)

	v2, err := Migrate(ctx, conn, nil)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	for _, table := range []string{"settings", "source_records", "record_properties", "identifiers", "action_log", "jobs"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestPendingJobUniqueness(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	_, err = Migrate(context.Background(), conn, nil)
	require.NoError(t, err)

	insert := `INSERT INTO jobs(record_id,action,status,priority,scheduled_at,attempts,max_attempts,created_at) VALUES (1,'mint',?,0,'t',0,3,'t')`
	_, err = conn.Exec(insert, "pending")
	require.NoError(t, err)
	_, err = conn.Exec(insert, "pending")
	assert.Error(t, err)
	_, err = conn.Exec(insert, "completed")
	assert.NoError(t, err)
}
