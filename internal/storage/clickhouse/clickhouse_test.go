package clickhouse

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/observation"
	"github.com/smartfollow/harvester/internal/storage/migrations"
)

func TestParseDSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		dsn      string
		addr     string
		user     string
		password string
		database string
		wantErr  bool
	}{
		{name: "defaults port", dsn: "clickhouse://localhost/harvester", addr: "localhost:9000", database: "harvester"},
		{name: "full", dsn: "clickhouse://u:p@ch:9440/db", addr: "ch:9440", user: "u", password: "p", database: "db"},
		{name: "wrong scheme", dsn: "postgres://localhost/db", wantErr: true},
		{name: "no host", dsn: "clickhouse:///db", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			opts, err := parseDSN(tc.dsn)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, clickhouse.Native, opts.Protocol)
			require.Equal(t, []string{tc.addr}, opts.Addr)
			require.Equal(t, tc.user, opts.Auth.Username)
			require.Equal(t, tc.password, opts.Auth.Password)
			require.Equal(t, tc.database, opts.Auth.Database)
		})
	}
}

// setupTestDB starts ClickHouse and applies the embedded migrations.
func setupTestDB(t *testing.T) *Conn {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "clickhouse/clickhouse-server:24.1-alpine",
			ExposedPorts: []string{"9000/tcp", "8123/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForLog("Application: Ready for connections").
					WithStartupTimeout(60*time.Second),
				wait.ForListeningPort("9000/tcp"),
			),
			Env: map[string]string{
				"CLICKHOUSE_DB":       "harvester",
				"CLICKHOUSE_USER":     "default",
				"CLICKHOUSE_PASSWORD": "",
			},
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	conn, err := NewConn(ctx, fmt.Sprintf("clickhouse://%s:%s/harvester", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = migrations.RunClickhouse(ctx, conn)
	require.NoError(t, err)
	return conn
}

func TestSnapshotStoreDedupsByIdentity(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	s := NewSnapshotStore(conn)

	t0 := time.Date(2025, 9, 7, 12, 0, 0, 123_000_000, time.UTC)
	key := domain.ProjectKey{Exchange: domain.ExchangeOKX, ExternalID: "ABC123"}
	aum := decimal.RequireFromString("1500.25")
	followers := 42
	snap, err := observation.NewSnapshot(observation.SnapshotParams{
		ProjectKey: key, SnapshotTs: t0, Source: domain.SourceOKXRank, DataVer: "v1",
		Visibility: domain.VisibilityVisible, AumUSD: &aum, Followers: &followers, RawJSON: `{"a":1}`,
	})
	require.NoError(t, err)

	inserted, err := s.Insert(ctx, snap)
	require.NoError(t, err)
	require.True(t, inserted)
	inserted, err = s.Insert(ctx, snap)
	require.NoError(t, err)
	require.False(t, inserted)

	detail := *snap
	detail.Source = domain.SourceOKXDetail
	inserted, err = s.Insert(ctx, &detail)
	require.NoError(t, err)
	require.True(t, inserted)

	got, err := s.List(ctx, key, t0, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, domain.SourceOKXDetail, got[0].Source)
	require.True(t, got[0].AumUSD.Equal(aum))
	require.Equal(t, "1500.25", got[1].AumUSD.String())
	require.Equal(t, 42, *got[1].Followers)
	require.Nil(t, got[1].WinRatio)
	require.True(t, got[1].SnapshotTs.Equal(t0))
}
