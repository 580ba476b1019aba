package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smartfollow/harvester/internal/config"
	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/store"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:    config.ServerConfig{Port: 8080},
		Crawler:   config.CrawlerConfig{Workers: 2, WorkerPrefix: "test", LeaseTTLSeconds: 60, PollIntervalMs: 10, MaxAttempts: 3},
		Planner:   config.PlannerConfig{Enabled: true, IntervalSeconds: 60, RankWindowMinutes: 10},
		OKX:       config.OKXConfig{BaseURL: "http://127.0.0.1:1", InstType: "SWAP", Limit: 20},
		HTTP:      config.HTTPConfig{TimeoutSeconds: 5, BackoffInitialMs: 1, BackoffMaxMs: 2},
		RateLimit: config.RateLimitConfig{DefaultRPS: 100, Burst: 10},
		Storage: config.StorageConfig{
			Backend:        config.BackendMemory,
			ArchiveBackend: config.BackendLocal,
			LocalDir:       filepath.Join(t.TempDir(), "archive"),
			ContentType:    "application/json",
		},
		Telemetry: config.TelemetryConfig{ServiceName: "harvester-test"},
	}
}

func TestBuildWithMemoryBackends(t *testing.T) {
	cfg := memoryConfig(t)
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	created, existing, err := app.PlanOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, created)
	require.Zero(t, existing)

	tasks, err := app.Repositories().Tasks.List(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, crawler.TaskPending, tasks[0].Status)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tasks", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := []byte(`{"api_name":"COPYTRADING_PUBLIC_SUBPOSITIONS_HISTORY","params":{"uniqueCode":"A1"}}`)
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPlanOnceWithoutPlanner(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Planner.Enabled = false
	app, err := BuildWithLogger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(context.Background())) }()

	_, _, err = app.PlanOnce(context.Background())
	require.Error(t, err)
}

func TestMigrateWithoutPersistentBackend(t *testing.T) {
	t.Parallel()
	require.NoError(t, Migrate(context.Background(), memoryConfig(t), zap.NewNop()))
}
