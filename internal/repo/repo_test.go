package repo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pidline/internal/config"
	"pidline/internal/db"
	"pidline/internal/domain"
	"pidline/internal/migrate"
)

func setupRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn, nil)
	require.NoError(t, err)
	return Repo{DB: conn}
}

func TestConfigRoundTrip(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	_, err := r.GetConfig(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	cfg := config.Default()
	cfg.Registration.DefaultPublisher = "Archive X"
	require.NoError(t, r.PutConfig(ctx, cfg))

	got, err := r.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Archive X", got.Registration.DefaultPublisher)
	assert.Equal(t, cfg.Registration.Mapping, got.Registration.Mapping)
}

func TestRecordPropertiesReplaced(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	rec := domain.SourceRecord{ID: 7, Title: "Letters", RepositoryCode: "REPO", HasDigitalObject: true,
		Properties: map[string]string{"rights": "CC-BY", "extent": "2 boxes"}, UpdatedAt: "2024-01-01T00:00:00.000000Z"}
	require.NoError(t, r.UpsertRecord(ctx, rec))

	rec.Title = "Letters, revised"
	rec.Properties = map[string]string{"rights": "CC0"}
	require.NoError(t, r.UpsertRecord(ctx, rec))

	got, err := r.GetRecord(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Letters, revised", got.Title)
	assert.True(t, got.HasDigitalObject)
	assert.Equal(t, map[string]string{"rights": "CC0"}, got.Properties)

	_, err = r.GetRecord(ctx, 8)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRecordsWithoutIdentifier(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	for i, lvl := range []string{"fonds", "item", "fonds"} {
		require.NoError(t, r.UpsertRecord(ctx, domain.SourceRecord{ID: int64(i + 1), Title: "r", Level: lvl, UpdatedAt: "t"}))
	}
	require.NoError(t, r.InsertIdentifier(ctx, nil, domain.IdentifierRecord{ID: "a", Identifier: "10.1/a", RecordID: 1, State: domain.StateFindable, CreatedAt: "t", UpdatedAt: "t"}))

	recs, err := r.ListRecords(ctx, RecordFilters{Levels: []string{"fonds"}, WithoutIdentifier: true})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(3), recs[0].ID)
}

func TestInsertIdentifierConflict(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, r.UpsertRecord(ctx, domain.SourceRecord{ID: 1, Title: "r", UpdatedAt: "t"}))
	first := domain.IdentifierRecord{ID: "a", Identifier: "10.1/a", RecordID: 1, State: domain.StateDraft, CreatedAt: "t", UpdatedAt: "t"}
	require.NoError(t, r.InsertIdentifier(ctx, nil, first))

	second := first
	second.ID = "b"
	second.Identifier = "10.1/b"
	assert.ErrorIs(t, r.InsertIdentifier(ctx, nil, second), ErrConflict)

	reason := "withdrawn"
	first.State = domain.StateDeleted
	first.DeactivationReason = &reason
	first.LastRegisteredPayload = []byte(`{"doi":"10.1/a"}`)
	require.NoError(t, r.UpdateIdentifier(ctx, nil, first))

	got, err := r.GetIdentifierByRecord(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeleted, got.State)
	require.NotNil(t, got.DeactivationReason)
	assert.Equal(t, "withdrawn", *got.DeactivationReason)
	assert.JSONEq(t, `{"doi":"10.1/a"}`, string(got.LastRegisteredPayload))

	byString, err := r.GetIdentifier(ctx, "10.1/a")
	require.NoError(t, err)
	assert.Equal(t, "a", byString.ID)
}

func TestActionLogOrdering(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.InsertAction(ctx, domain.ActionLogEntry{RecordID: 1, Action: domain.LogMintFailed, StateBefore: domain.StateNone,
			StateAfter: domain.StateNone, Details: map[string]any{"n": i}, ActorID: "tester", TS: "t"})
		require.NoError(t, err)
	}
	latest, err := r.ListActions(ctx, ActionFilters{RecordID: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Greater(t, latest[0].ID, latest[1].ID)
	assert.Nil(t, latest[0].IdentifierID)

	after, err := r.ActionsAfter(ctx, 10, latest[1].ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, latest[0].ID, after[0].ID)

	maxID, err := r.LatestActionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest[0].ID, maxID)
}

func TestClaimJobIsExclusive(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()
	id, err := r.InsertJob(ctx, nil, domain.Job{RecordID: 1, Action: domain.ActionMint, Status: domain.JobPending, ScheduledAt: "t", MaxAttempts: 3, CreatedAt: "t"})
	require.NoError(t, err)

	_, err = r.InsertJob(ctx, nil, domain.Job{RecordID: 1, Action: domain.ActionMint, Status: domain.JobPending, ScheduledAt: "t", MaxAttempts: 3, CreatedAt: "t"})
	assert.ErrorIs(t, err, ErrConflict)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.ClaimJob(ctx, id, "u")
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	job, err := r.GetJob(ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestRecordLockLease(t *testing.T) {
	r := setupRepo(t)
	ctx := context.Background()

	ok, err := r.AcquireRecordLock(ctx, 4, "a", "2024-03-15T09:30:00.000000Z", "2024-03-15T09:40:00.000000Z")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.AcquireRecordLock(ctx, 4, "b", "2024-03-15T09:31:00.000000Z", "2024-03-15T09:41:00.000000Z")
	require.NoError(t, err)
	assert.False(t, ok, "live lease held by another holder")

	ok, err = r.AcquireRecordLock(ctx, 4, "a", "2024-03-15T09:32:00.000000Z", "2024-03-15T09:42:00.000000Z")
	require.NoError(t, err)
	assert.True(t, ok, "holder renews its own lease")

	require.NoError(t, r.ReleaseRecordLock(ctx, 4, "b"))
	lock, err := r.GetRecordLock(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "a", lock.Holder)
	assert.Equal(t, "2024-03-15T09:42:00.000000Z", lock.ExpiresAt)

	ok, err = r.AcquireRecordLock(ctx, 4, "b", "2024-03-15T09:42:00.000000Z", "2024-03-15T09:52:00.000000Z")
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, r.ReleaseRecordLock(ctx, 4, "b"))
	_, err = r.GetRecordLock(ctx, 4)
	assert.ErrorIs(t, err, ErrNotFound)
}
