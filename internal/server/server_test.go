package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pidline/internal/bulk"
	"pidline/internal/config"
	"pidline/internal/db"
	"pidline/internal/domain"
	"pidline/internal/lifecycle"
	"pidline/internal/logger"
	"pidline/internal/metrics"
	"pidline/internal/migrate"
	"pidline/internal/queue"
	"pidline/internal/registration"
	"pidline/internal/registration/fake"
	"pidline/internal/repo"
)

type staticConfig struct{ cfg *config.Config }

func (s staticConfig) Registration(_ context.Context, group string) (config.Registration, error) {
	return s.cfg.Resolve(group)
}

type testServer struct {
	URL      string
	Repo     repo.Repo
	Registry *fake.Registry
	client   *http.Client
}

func newTestServer(t *testing.T) *testServer {
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

	r := repo.Repo{DB: conn}
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	mgr := lifecycle.New(r, staticConfig{cfg: cfg}, registration.NewClient(reg.Server.Client(), m), registration.NewResolver(reg.Server.Client()))
	mgr.Log = logger.Discard()
	mgr.Metrics = m
	q := queue.New(r, 3)
	q.Log = logger.Discard()

	handler, err := New(Config{
		Repo:     r,
		Manager:  mgr,
		Queue:    q,
		BasePath: "/v1",
		Metrics:  promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Log:      logger.Discard(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	for _, rec := range []domain.SourceRecord{
		{ID: 1, Title: "Field Notes", RepositoryCode: "REPO", Slug: "field-notes"},
		{ID: 2, Title: "Letters", RepositoryCode: "REPO"},
	} {
		require.NoError(t, r.UpsertRecord(ctx, rec))
	}
	return &testServer{URL: srv.URL, Repo: r, Registry: reg, client: srv.Client()}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var health map[string]string
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health["status"])
}

func TestIdentifierLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/v1/records/1/identifier"

	res, body := doJSON(t, srv.client, http.MethodPost, base, map[string]any{"state": "findable"}, map[string]string{ActorHeader: "alice"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var minted lifecycle.Result
	require.NoError(t, json.Unmarshal(body, &minted))
	assert.True(t, minted.OK)
	assert.Equal(t, "10.5072/REPO-1", minted.Identifier)

	res, body = doJSON(t, srv.client, http.MethodPost, base, nil, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "precondition_failed", env.Error.Code)

	res, body = doJSON(t, srv.client, http.MethodGet, base, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var ident domain.IdentifierRecord
	require.NoError(t, json.Unmarshal(body, &ident))
	assert.Equal(t, domain.StateFindable, ident.State)

	res, body = doJSON(t, srv.client, http.MethodPut, base, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, srv.client, http.MethodPost, base+"/verify", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, srv.client, http.MethodPost, base+"/deactivate", map[string]any{"reason": "duplicate"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, srv.client, http.MethodPost, base+"/deactivate", nil, nil)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))

	res, body = doJSON(t, srv.client, http.MethodPost, base+"/reactivate", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = doJSON(t, srv.client, http.MethodGet, base+"/actions?limit=3", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var page paginatedActions
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 3)
	assert.Equal(t, domain.LogReactivate, page.Items[0].Action)
	require.NotEmpty(t, page.NextCursor)

	res, body = doJSON(t, srv.client, http.MethodGet, base+"/actions?cursor="+page.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var rest paginatedActions
	require.NoError(t, json.Unmarshal(body, &rest))
	require.Len(t, rest.Items, 3)
	assert.Equal(t, domain.LogMint, rest.Items[len(rest.Items)-1].Action)
	assert.Equal(t, "alice", rest.Items[len(rest.Items)-1].ActorID)
}

func TestOperationsUseRecordFromPath(t *testing.T) {
	srv := newTestServer(t)

	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/records/2/identifier", nil, map[string]string{ActorHeader: "bob"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var minted lifecycle.Result
	require.NoError(t, json.Unmarshal(body, &minted))
	assert.Equal(t, "10.5072/REPO-2", minted.Identifier)

	stored, err := srv.Repo.GetIdentifierByRecord(context.Background(), nil, 2)
	require.NoError(t, err)
	assert.Equal(t, "10.5072/REPO-2", stored.Identifier)
	_, err = srv.Repo.GetIdentifierByRecord(context.Background(), nil, 1)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	res, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/records/2/identifier/deactivate", map[string]any{"reason": "withdrawn"}, map[string]string{ActorHeader: "bob"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	stored, err = srv.Repo.GetIdentifierByRecord(context.Background(), nil, 2)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDeleted, stored.State)
	require.NotNil(t, stored.DeactivationReason)
	assert.Equal(t, "withdrawn", *stored.DeactivationReason)

	entries, err := srv.Repo.ListActions(context.Background(), repo.ActionFilters{RecordID: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "bob", e.ActorID)
	}

	res, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/records/0/identifier", nil, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
	all, err := srv.Repo.ListActions(context.Background(), repo.ActionFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMissingIdentifierIs404(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/records/2/identifier", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestRegistrationFailureMapsToBadGateway(t *testing.T) {
	srv := newTestServer(t)
	srv.Registry.FailWith(http.StatusUnprocessableEntity)
	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/records/2/identifier", nil, nil)
	require.Equal(t, http.StatusBadGateway, res.StatusCode, string(body))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "registration_rejected", env.Error.Code)
	assert.Contains(t, env.Error.Details, "result")
}

func TestJobsOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{"record_id": 2, "action": "mint", "priority": 10}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var first EnqueueJobResponse
	require.NoError(t, json.Unmarshal(body, &first))
	assert.True(t, first.Created)

	res, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{"record_id": 2, "action": "mint"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var again EnqueueJobResponse
	require.NoError(t, json.Unmarshal(body, &again))
	assert.False(t, again.Created)
	assert.Equal(t, first.Job.ID, again.Job.ID)

	res, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/jobs", map[string]any{"record_id": 2, "action": "deactivate"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

	res, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/jobs/dispatch", map[string]any{"batch_size": 5}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var report queue.TickReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, 1, report.Completed)

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/jobs/stats", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var stats JobStatsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 1, stats.Counts[domain.JobCompleted])
	assert.Equal(t, 0, stats.Counts[domain.JobPending])

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/jobs?status=completed", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var jobs paginatedJobs
	require.NoError(t, json.Unmarshal(body, &jobs))
	require.Len(t, jobs.Items, 1)

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/jobs/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestBulkAndExport(t *testing.T) {
	srv := newTestServer(t)
	for _, id := range []string{"1", "2"} {
		res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/records/"+id+"/identifier", nil, nil)
		require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	}

	res, body := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/bulk/resync", map[string]any{"group": "REPO"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var report bulk.Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, bulk.Report{Selected: 2, Succeeded: 2}, report)

	res, body = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/bulk/enqueue", map[string]any{"action": "verify"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var enq BulkEnqueueResponse
	require.NoError(t, json.Unmarshal(body, &enq))
	assert.Equal(t, 2, enq.Enqueued)

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/identifiers/export?format=csv", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.True(t, strings.HasPrefix(res.Header.Get("Content-Type"), "text/csv"))
	rows, err := csv.NewReader(bytes.NewReader(body)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/identifiers?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var page paginatedIdentifiers
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "1", page.NextCursor)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/records/1/identifier", nil, nil)

	res, body := doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), `pidline_lifecycle_operations_total{action="mint",outcome="ok"} 1`)
	assert.Contains(t, string(body), "pidline_registration_requests_total")

	res, body = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "/v1/records/{record_id}/identifier")
}

type hookSink struct {
	mu      sync.Mutex
	actions []string
	secret  string
}

func (h *hookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var evt webhookEvent
	_ = json.NewDecoder(r.Body).Decode(&evt)
	h.mu.Lock()
	h.actions = append(h.actions, evt.Action)
	h.secret = r.Header.Get("X-Pidline-Secret")
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func TestWebhookDeliversMatchingActions(t *testing.T) {
	srv := newTestServer(t)
	sink := &hookSink{}
	hookSrv := httptest.NewServer(sink)
	defer hookSrv.Close()

	d := NewWebhookDispatcher(srv.Repo, []config.Webhook{{URL: hookSrv.URL, Events: []string{"mint", "*_failed"}, Secret: "s3cret"}}, logger.Discard())
	ctx := context.Background()
	d.DispatchAll(ctx)

	doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/records/1/identifier", nil, nil)
	doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/records/1/identifier", nil, nil)
	doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/records/1/identifier", nil, nil)

	d.DispatchAll(ctx)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{"mint", "mint_failed"}, sink.actions)
	assert.Equal(t, "s3cret", sink.secret)
}

func TestWebhookRunStopsWithContext(t *testing.T) {
	d := NewWebhookDispatcher(nil, nil, logger.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, d.Run(ctx))
}
