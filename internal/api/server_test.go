package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/smartfollow/harvester/internal/config"
	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/dispatcher"
	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/observation"
	"github.com/smartfollow/harvester/internal/okx"
	"github.com/smartfollow/harvester/internal/storage/memory"
	"github.com/smartfollow/harvester/internal/store"
)

var t0 = time.Date(2025, 9, 7, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fixture struct {
	tasks      *memory.TaskStore
	logs       *memory.LogStore
	projects   *memory.ProjectStore
	tombstones *memory.TombstoneStore
	snapshots  *memory.SnapshotStore
	server     *Server
}

func newFixture(t *testing.T, auth config.AuthConfig, ready ReadyFunc) *fixture {
	t.Helper()
	f := &fixture{
		tasks:      memory.NewTaskStore(),
		logs:       memory.NewLogStore(),
		projects:   memory.NewProjectStore(),
		tombstones: memory.NewTombstoneStore(),
		snapshots:  memory.NewSnapshotStore(),
	}
	f.server = NewServer(Deps{
		Tasks:      f.tasks,
		Logs:       f.logs,
		Projects:   f.projects,
		Tombstones: f.tombstones,
		Snapshots:  f.snapshots,
		Trades:     memory.NewTradeStore(),
		Dispatcher: dispatcher.New(f.tasks, nil),
		Clock:      fakeClock{now: t0},
		APIs:       []string{okx.APILeadTraders, okx.APIPublicStats},
		Ready:      ready,
	}, auth, zap.NewNop())
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seedTask(t *testing.T) *crawler.Task {
	t.Helper()
	planned, err := okx.PlanTask(okx.APILeadTraders, map[string]string{"instType": "SWAP"}, t0, time.Hour)
	require.NoError(t, err)
	task, err := crawler.NewTask(planned.Key, planned.ParamsJSON, t0)
	require.NoError(t, err)
	stored, _, err := f.tasks.Ensure(context.Background(), task)
	require.NoError(t, err)
	return stored
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.AuthConfig{}, nil)

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReadyzReportsDependencyFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.AuthConfig{}, func(context.Context) error { return errors.New("db down") })

	rec := f.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.AuthConfig{}, nil)

	f.do(t, http.MethodGet, "/healthz", nil)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_SubmitTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.AuthConfig{}, nil)
	body := []byte(`{"api_name":"COPYTRADING_PUBLIC_STATS","params":{"instType":"SWAP","uniqueCode":"A1"}}`)

	rec := f.do(t, http.MethodPost, "/v1/tasks", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := decode[struct {
		Task    crawler.Task `json:"task"`
		Created bool         `json:"created"`
	}](t, rec)
	require.True(t, first.Created)
	require.Equal(t, crawler.TaskPending, first.Task.Status)
	require.Equal(t, "202509071200", first.Task.Key.WindowKey)

	rec = f.do(t, http.MethodPost, "/v1/tasks", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[struct {
		Task    crawler.Task `json:"task"`
		Created bool         `json:"created"`
	}](t, rec)
	require.False(t, second.Created)
	require.Equal(t, first.Task.ID, second.Task.ID)
}

func TestServer_SubmitTaskRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.AuthConfig{}, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "{invalid"},
		{name: "unknown api", body: `{"api_name":"NOPE"}`},
		{name: "subpositions not enabled", body: `{"api_name":"COPYTRADING_PUBLIC_SUBPOSITIONS_HISTORY"}`},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodPost, "/v1/tasks", []byte(tt.body))
		require.Equal(t, http.StatusBadRequest, rec.Code, tt.name)
	}
}

func TestServer_GetListAndCancelTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.AuthConfig{}, nil)
	task := f.seedTask(t)
	path := fmt.Sprintf("/v1/tasks/%d", task.ID)

	rec := f.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), okx.APILeadTraders)

	rec = f.do(t, http.MethodGet, "/v1/tasks?status=pending&exchange=okx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Tasks []crawler.Task `json:"tasks"`
	}](t, rec)
	require.Len(t, list.Tasks, 1)

	rec = f.do(t, http.MethodPost, path+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), string(crawler.TaskCancelled))

	rec = f.do(t, http.MethodPost, path+"/cancel", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"cancel task failed"}`, rec.Body.String())
}

func TestServer_TaskErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.AuthConfig{}, nil)

	tests := []struct {
		name string
		path string
		want int
	}{
		{name: "malformed id", path: "/v1/tasks/abc", want: http.StatusBadRequest},
		{name: "missing task", path: "/v1/tasks/42", want: http.StatusNotFound},
		{name: "missing task logs", path: "/v1/tasks/42/logs", want: http.StatusNotFound},
		{name: "bad status filter", path: "/v1/tasks?status=sleeping", want: http.StatusBadRequest},
		{name: "bad limit", path: "/v1/tasks?limit=-1", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := f.do(t, http.MethodGet, tt.path, nil)
		require.Equal(t, tt.want, rec.Code, tt.name)
	}
}

func TestServer_ListTaskLogs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.AuthConfig{}, nil)
	task := f.seedTask(t)
	for i := range 3 {
		at := t0.Add(time.Duration(i) * time.Second)
		log, err := crawler.NewFailureLog(crawler.FailureParams{
			LogRequest: crawler.LogRequest{
				TaskID:   task.ID,
				Exchange: domain.ExchangeOKX,
				Target:   "https://www.okx.com/x",
				Method:   http.MethodGet,
			},
			StartedAt:  at,
			FinishedAt: at,
			StatusCode: http.StatusBadGateway,
			ErrorMsg:   "HTTP 502",
		})
		require.NoError(t, err)
		log.ID = fmt.Sprintf("log-%d", i)
		require.NoError(t, f.logs.Append(context.Background(), log))
	}

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/v1/tasks/%d/logs?limit=2", task.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[struct {
		Logs []crawler.CrawlLog `json:"logs"`
	}](t, rec)
	require.Len(t, out.Logs, 2)
}

func TestServer_ProjectRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.AuthConfig{}, nil)
	ctx := context.Background()
	key, err := domain.NewProjectKey(domain.ExchangeOKX, "A1")
	require.NoError(t, err)
	project, err := observation.NewProjectFromBrief(key, observation.ProjectBrief{ExternalID: "A1", Name: "alpha"}, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.projects.Upsert(ctx, project))
	ts, err := observation.OpenTombstone(key, t0.Add(-30*time.Minute), "", "", "")
	require.NoError(t, err)
	require.NoError(t, f.tombstones.Open(ctx, ts))
	snap, err := observation.NewSnapshot(observation.SnapshotParams{
		ProjectKey: key,
		SnapshotTs: t0.Add(-10 * time.Minute),
		Source:     domain.SourceOKXRank,
		Visibility: domain.VisibilityVisible,
		RawJSON:    `{"uniqueCode":"A1"}`,
	})
	require.NoError(t, err)
	_, err = f.snapshots.Insert(ctx, snap)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/v1/projects/OKX:A1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "alpha")

	rec = f.do(t, http.MethodGet, "/v1/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "A1")

	rec = f.do(t, http.MethodGet, "/v1/projects/OKX:A1/tombstones", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "from_ts")

	rec = f.do(t, http.MethodGet, "/v1/projects/OKX:A1/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "uniqueCode")

	rec = f.do(t, http.MethodGet, "/v1/projects/OKX:A1/snapshots?from=2025-09-07T12:30:00Z&to=2025-09-07T12:00:00Z", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/projects/OKX:A1/trades", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/projects/OKX:ZZ", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/projects/garbage", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/trades/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_APIKeyRequired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, config.AuthConfig{Enabled: true, APIKey: "secret"}, nil)

	rec := f.do(t, http.MethodGet, "/v1/tasks", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	for _, key := range []string{"secre", "secret2", "SECRET"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
		req.Header.Set("X-API-Key", key)
		rec = httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusForbidden, rec.Code, key)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteStoreError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		want     int
		wantBody string
	}{
		{name: "validation", err: domain.Invalid("op", "bad"), want: http.StatusBadRequest},
		{name: "not found", err: fmt.Errorf("wrap: %w", store.ErrNotFound), want: http.StatusNotFound, wantBody: "not found"},
		{name: "conflict", err: domain.Conflict("op", "terminal"), want: http.StatusInternalServerError, wantBody: "op failed"},
		{name: "lease busy", err: store.ErrLeaseBusy, want: http.StatusInternalServerError, wantBody: "op failed"},
		{name: "duplicate", err: store.ErrDuplicateKey, want: http.StatusInternalServerError, wantBody: "op failed"},
		{name: "deadline", err: context.DeadlineExceeded, want: http.StatusGatewayTimeout, wantBody: "request timed out"},
		{name: "unclassified", err: errors.New("boom at 10.0.0.5"), want: http.StatusInternalServerError, wantBody: "op failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			core, logs := observer.New(zap.DebugLevel)
			rec := httptest.NewRecorder()
			writeStoreError(rec, zap.New(core), "op", tt.err)
			require.Equal(t, tt.want, rec.Code)
			require.Equal(t, 1, logs.Len())
			require.Equal(t, tt.err.Error(), logs.All()[0].ContextMap()["error"])
			if tt.wantBody != "" {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				require.Equal(t, tt.wantBody, body["error"])
			}
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
