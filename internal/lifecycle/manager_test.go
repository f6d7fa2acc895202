package lifecycle_test

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pidline/internal/config"
	"pidline/internal/db"
	"pidline/internal/domain"
	"pidline/internal/lifecycle"
	"pidline/internal/logger"
	"pidline/internal/migrate"
	"pidline/internal/registration"
	"pidline/internal/registration/fake"
	"pidline/internal/repo"
)

var fixedNow = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Registration(_ context.Context, group string) (config.Registration, error) {
	return s.cfg.Resolve(group)
}

type testEnv struct {
	Manager  *lifecycle.Manager
	Repo     repo.Repo
	Registry *fake.Registry
	Config   *config.Config
	Ctx      context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn, nil)
	require.NoError(t, err)

	reg := fake.NewRegistry()
	t.Cleanup(reg.Close)

	enabled := true
	cfg := config.Default()
	cfg.Registration.Enabled = &enabled
	cfg.Registration.BaseURL = reg.URL()
	cfg.Registration.ResolverBaseURL = reg.ResolverURL()
	cfg.Registration.LandingBaseURL = reg.LandingURL()
	cfg.Registration.Prefix = "10.5072"
	cfg.Registration.TimeoutSeconds = 5

	r := repo.Repo{DB: conn}
	mgr := lifecycle.New(r, staticConfig{cfg: cfg}, registration.NewClient(reg.Server.Client(), nil), registration.NewResolver(reg.Server.Client()))
	mgr.Now = func() time.Time { return fixedNow }
	mgr.Mapper.Now = mgr.Now
	mgr.Log = logger.Discard()
	return testEnv{Manager: mgr, Repo: r, Registry: reg, Config: cfg, Ctx: ctx}
}

func (env testEnv) seedRecord(t *testing.T, rec domain.SourceRecord) {
	t.Helper()
	if rec.RepositoryCode == "" {
		rec.RepositoryCode = "REPO"
	}
	require.NoError(t, env.Repo.UpsertRecord(env.Ctx, rec))
}

func (env testEnv) actions(t *testing.T, recordID int64) []domain.ActionLogEntry {
	t.Helper()
	entries, err := env.Repo.ListActions(env.Ctx, repo.ActionFilters{RecordID: recordID})
	require.NoError(t, err)
	return entries
}

func (env testEnv) state(t *testing.T, recordID int64) domain.IdentifierState {
	t.Helper()
	cur, err := env.Repo.GetIdentifierByRecord(env.Ctx, nil, recordID)
	if err != nil {
		require.ErrorIs(t, err, repo.ErrNotFound)
		return domain.StateNone
	}
	return cur.State
}

func TestMintWithDefaultsAndGroupPublisher(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Registration.SuffixTemplate = "{repository_code}/{year}/{object_id}"
	env.Config.Groups = map[string]config.Registration{"REPO": {DefaultPublisher: "Archive X"}}
	env.seedRecord(t, domain.SourceRecord{ID: 42, Title: "Field Notes 1923"})

	res, err := env.Manager.Mint(env.Ctx, 42, domain.StateFindable, "alice")
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, "10.5072/REPO/2024/42", res.Identifier)
	assert.Equal(t, domain.StateFindable, res.State)

	reqs := env.Registry.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, registration.EventPublish, reqs[0].Event)
	assert.Equal(t, []any{map[string]any{"name": "Unknown"}}, reqs[0].Attributes["creators"])
	assert.Equal(t, []any{map[string]any{"title": "Field Notes 1923"}}, reqs[0].Attributes["titles"])
	assert.Equal(t, "Archive X", reqs[0].Attributes["publisher"])
	assert.Equal(t, env.Registry.LandingURL()+"/42", reqs[0].Attributes["url"])

	cur, err := env.Repo.GetIdentifierByRecord(env.Ctx, nil, 42)
	require.NoError(t, err)
	assert.Equal(t, "10.5072/REPO/2024/42", cur.Identifier)
	assert.Equal(t, "REPO", cur.GroupCode)
	require.NotNil(t, cur.LastSyncAt)
	assert.Equal(t, db.FormatTime(fixedNow), *cur.LastSyncAt)
	assert.Contains(t, string(cur.LastRegisteredPayload), `"event":"publish"`)

	entries := env.actions(t, 42)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LogMint, entries[0].Action)
	assert.Equal(t, domain.StateNone, entries[0].StateBefore)
	assert.Equal(t, domain.StateFindable, entries[0].StateAfter)
	assert.Equal(t, "alice", entries[0].ActorID)
	require.NotNil(t, entries[0].IdentifierID)
	assert.Equal(t, cur.ID, *entries[0].IdentifierID)
}

func TestMintUsesConfiguredDefaultState(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Registration.DefaultState = domain.StateDraft
	env.seedRecord(t, domain.SourceRecord{ID: 7, Title: "Minutes", Slug: "minutes"})

	res, err := env.Manager.Mint(env.Ctx, 7, "", "")
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, domain.StateDraft, res.State)
	assert.Equal(t, "10.5072/REPO-7", res.Identifier)

	reqs := env.Registry.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, registration.EventDraft, reqs[0].Event)
	assert.Equal(t, env.Registry.LandingURL()+"/minutes", reqs[0].Attributes["url"])
}

func TestMintRejectsInvalidTarget(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Manager.Mint(env.Ctx, 1, domain.StateDeleted, "")
	require.Error(t, err)
	assert.Empty(t, env.actions(t, 1))
}

func TestMintIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	env.seedRecord(t, domain.SourceRecord{ID: 5, Title: "Letters"})

	first, err := env.Manager.Mint(env.Ctx, 5, domain.StateRegistered, "")
	require.NoError(t, err)
	require.True(t, first.OK)

	second, err := env.Manager.Mint(env.Ctx, 5, domain.StateFindable, "")
	require.NoError(t, err)
	assert.False(t, second.OK)
	assert.Equal(t, lifecycle.KindPrecondition, second.Kind)
	assert.False(t, second.Retryable)
	assert.Contains(t, second.Message, "already exists")
	assert.Equal(t, first.Identifier, second.Identifier)
	assert.Equal(t, domain.StateRegistered, env.state(t, 5))
	assert.Len(t, env.Registry.Requests(), 1)

	entries := env.actions(t, 5)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.LogMintFailed, entries[0].Action)
	assert.Equal(t, domain.StateRegistered, entries[0].StateBefore)
	assert.Equal(t, domain.StateRegistered, entries[0].StateAfter)
}

func TestConcurrentMintsProduceOneIdentifier(t *testing.T) {
	env := newTestEnv(t)
	env.seedRecord(t, domain.SourceRecord{ID: 9, Title: "Diaries"})

	var wg sync.WaitGroup
	results := make([]lifecycle.Result, 6)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.Manager.Mint(env.Ctx, 9, domain.StateFindable, "")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	var ok int
	for _, res := range results {
		if res.OK {
			ok++
			continue
		}
		assert.Contains(t, []lifecycle.Kind{lifecycle.KindPrecondition, lifecycle.KindBusy}, res.Kind)
	}
	assert.Equal(t, 1, ok)
	list, err := env.Repo.ListIdentifiers(env.Ctx, repo.IdentifierFilters{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Len(t, env.actions(t, 9), len(results))
}

func TestMintFailures(t *testing.T) {
	t.Run("missing record", func(t *testing.T) {
		env := newTestEnv(t)
		res, err := env.Manager.Mint(env.Ctx, 404, domain.StateFindable, "")
		require.NoError(t, err)
		assert.Equal(t, lifecycle.KindPrecondition, res.Kind)
		entries := env.actions(t, 404)
		require.Len(t, entries, 1)
		assert.Equal(t, domain.LogMintFailed, entries[0].Action)
	})
	t.Run("no config for group", func(t *testing.T) {
		env := newTestEnv(t)
		off := false
		env.Config.Groups = map[string]config.Registration{"OFF": {Enabled: &off}}
		env.seedRecord(t, domain.SourceRecord{ID: 3, Title: "x", RepositoryCode: "OFF"})
		res, err := env.Manager.Mint(env.Ctx, 3, domain.StateFindable, "")
		require.NoError(t, err)
		assert.Equal(t, lifecycle.KindConfig, res.Kind)
		assert.False(t, res.Retryable)
		assert.Empty(t, env.Registry.Requests())
		assert.Equal(t, domain.StateNone, env.state(t, 3))
	})
	t.Run("endpoint rejection", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedRecord(t, domain.SourceRecord{ID: 4, Title: "x"})
		env.Registry.FailWith(http.StatusUnprocessableEntity)
		res, err := env.Manager.Mint(env.Ctx, 4, domain.StateFindable, "")
		require.NoError(t, err)
		assert.Equal(t, lifecycle.KindRejected, res.Kind)
		assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
		assert.False(t, res.Retryable)
		assert.Equal(t, domain.StateNone, env.state(t, 4))
		entries := env.actions(t, 4)
		require.Len(t, entries, 1)
		assert.Equal(t, "forced failure", entries[0].Details["error_title"])
	})
	t.Run("endpoint unavailable", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedRecord(t, domain.SourceRecord{ID: 6, Title: "x"})
		env.Registry.FailWith(http.StatusServiceUnavailable)
		res, err := env.Manager.Mint(env.Ctx, 6, domain.StateFindable, "")
		require.NoError(t, err)
		assert.Equal(t, lifecycle.KindRejected, res.Kind)
		assert.True(t, res.Retryable)
	})
}

func TestUpdateKeepsStateAndRefreshesPayload(t *testing.T) {
	env := newTestEnv(t)
	env.seedRecord(t, domain.SourceRecord{ID: 11, Title: "Old title"})
	res, err := env.Manager.Mint(env.Ctx, 11, domain.StateRegistered, "")
	require.NoError(t, err)
	require.True(t, res.OK)

	env.seedRecord(t, domain.SourceRecord{ID: 11, Title: "New title"})
	later := fixedNow.Add(time.Hour)
	env.Manager.Now = func() time.Time { return later }

	res, err = env.Manager.Update(env.Ctx, 11, "bob")
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, domain.StateRegistered, res.State)

	reqs := env.Registry.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPut, reqs[1].Method)
	assert.Equal(t, registration.EventRegister, reqs[1].Event)

	cur, err := env.Repo.GetIdentifierByRecord(env.Ctx, nil, 11)
	require.NoError(t, err)
	assert.Contains(t, string(cur.LastRegisteredPayload), "New title")
	assert.Equal(t, db.FormatTime(later), *cur.LastSyncAt)
}

func TestUpdateWithoutIdentifierFails(t *testing.T) {
	env := newTestEnv(t)
	env.seedRecord(t, domain.SourceRecord{ID: 12, Title: "x"})
	res, err := env.Manager.Update(env.Ctx, 12, "")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.KindPrecondition, res.Kind)
	entries := env.actions(t, 12)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LogUpdateFailed, entries[0].Action)
}

func TestDeactivateKeepsIdentifierResolvable(t *testing.T) {
	env := newTestEnv(t)
	env.seedRecord(t, domain.SourceRecord{ID: 21, Title: "Photographs"})
	res, err := env.Manager.Mint(env.Ctx, 21, domain.StateFindable, "")
	require.NoError(t, err)
	require.True(t, res.OK)

	res, err = env.Manager.Deactivate(env.Ctx, 21, "withdrawn by depositor", "carol")
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, domain.StateDeleted, res.State)

	cur, err := env.Repo.GetIdentifierByRecord(env.Ctx, nil, 21)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeleted, cur.State)
	require.NotNil(t, cur.DeactivationReason)
	assert.Equal(t, "withdrawn by depositor", *cur.DeactivationReason)

	reqs := env.Registry.Requests()
	assert.Equal(t, http.MethodPatch, reqs[len(reqs)-1].Method)
	assert.Equal(t, registration.EventHide, reqs[len(reqs)-1].Event)

	again, err := env.Manager.Mint(env.Ctx, 21, domain.StateFindable, "")
	require.NoError(t, err)
	assert.False(t, again.OK)
	assert.Equal(t, lifecycle.KindPrecondition, again.Kind)

	verify, err := env.Manager.Verify(env.Ctx, 21, "")
	require.NoError(t, err)
	assert.True(t, verify.OK, verify.Message)
	assert.Equal(t, domain.StateDeleted, env.state(t, 21))
}

func TestReactivate(t *testing.T) {
	env := newTestEnv(t)
	env.seedRecord(t, domain.SourceRecord{ID: 22, Title: "Maps"})
	_, err := env.Manager.Mint(env.Ctx, 22, domain.StateRegistered, "")
	require.NoError(t, err)

	res, err := env.Manager.Reactivate(env.Ctx, 22, "")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, lifecycle.KindPrecondition, res.Kind)
	assert.Equal(t, domain.StateRegistered, env.state(t, 22))

	_, err = env.Manager.Deactivate(env.Ctx, 22, "", "")
	require.NoError(t, err)
	res, err = env.Manager.Reactivate(env.Ctx, 22, "")
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, domain.StateFindable, env.state(t, 22))

	cur, err := env.Repo.GetIdentifierByRecord(env.Ctx, nil, 22)
	require.NoError(t, err)
	assert.Nil(t, cur.DeactivationReason)
}

func TestVerifyReportsUnresolvedIdentifier(t *testing.T) {
	env := newTestEnv(t)
	env.seedRecord(t, domain.SourceRecord{ID: 31, Title: "x"})
	_, err := env.Manager.Mint(env.Ctx, 31, domain.StateDraft, "")
	require.NoError(t, err)

	env.Config.Registration.ResolverBaseURL = env.Registry.URL() + "/nowhere"
	res, err := env.Manager.Verify(env.Ctx, 31, "")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, lifecycle.KindRejected, res.Kind)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, domain.StateDraft, env.state(t, 31))

	entries := env.actions(t, 31)
	assert.Equal(t, domain.LogVerify, entries[0].Action)
	assert.Equal(t, false, entries[0].Details["ok"])
}

func TestDispatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedRecord(t, domain.SourceRecord{ID: 41, Title: "x"})
	res, err := env.Manager.Dispatch(env.Ctx, domain.ActionMint, 41, "")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, domain.ActionMint, res.Action)

	_, err = env.Manager.Dispatch(env.Ctx, domain.ActionDeactivate, 41, "")
	assert.Error(t, err)
}

func TestLandingURL(t *testing.T) {
	cfg := config.Registration{LandingBaseURL: "https://archive.example.org/records"}
	assert.Equal(t, "https://archive.example.org/records/field-notes", lifecycle.LandingURL(domain.SourceRecord{ID: 3, Slug: "field-notes"}, cfg))
	assert.Equal(t, "https://archive.example.org/records/"+strconv.Itoa(3), lifecycle.LandingURL(domain.SourceRecord{ID: 3}, cfg))
	assert.Empty(t, lifecycle.LandingURL(domain.SourceRecord{ID: 3}, config.Registration{}))
}
