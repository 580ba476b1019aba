package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/smartfollow/harvester/internal/config"
	chstore "github.com/smartfollow/harvester/internal/storage/clickhouse"
	"github.com/smartfollow/harvester/internal/storage/migrations"
	pgstore "github.com/smartfollow/harvester/internal/storage/postgres"
)

// Migrate applies the embedded schema to every configured database.
func Migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Storage.Backend != config.BackendPostgres && cfg.Storage.SnapshotBackend != config.BackendClickhouse {
		logger.Info("no persistent backend configured; nothing to migrate")
		return nil
	}
	if cfg.Storage.Backend == config.BackendPostgres {
		pool, err := pgstore.NewPool(ctx, pgstore.Config{DSN: cfg.DB.DSN, MaxConns: 2})
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		defer pool.Close()
		applied, err := migrations.RunPostgres(ctx, pool)
		if err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
		logger.Info("postgres migrations applied", zap.Strings("files", applied))
	}
	if cfg.Storage.SnapshotBackend == config.BackendClickhouse {
		conn, err := chstore.NewConn(ctx, cfg.Clickhouse.DSN)
		if err != nil {
			return fmt.Errorf("clickhouse init failed: %w", err)
		}
		defer conn.Close() //nolint:errcheck // read-only after migrations
		applied, err := migrations.RunClickhouse(ctx, conn)
		if err != nil {
			return fmt.Errorf("clickhouse migrations: %w", err)
		}
		logger.Info("clickhouse migrations applied", zap.Strings("files", applied))
	}
	return nil
}

// PlanOnce runs a single planning pass against the configured stores.
func (a *App) PlanOnce(ctx context.Context) (int, int, error) {
	if a.planner == nil {
		return 0, 0, fmt.Errorf("planner disabled")
	}
	sum, err := a.planner.Plan(ctx)
	if err != nil {
		return sum.Created, sum.Existing, fmt.Errorf("plan: %w", err)
	}
	return sum.Created, sum.Existing, nil
}
