// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/smartfollow/harvester/internal/api"
	"github.com/smartfollow/harvester/internal/clock/system"
	"github.com/smartfollow/harvester/internal/config"
	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/dispatcher"
	collyfetcher "github.com/smartfollow/harvester/internal/fetcher/colly"
	"github.com/smartfollow/harvester/internal/hash/sha256"
	"github.com/smartfollow/harvester/internal/id/uuid"
	"github.com/smartfollow/harvester/internal/ingest"
	"github.com/smartfollow/harvester/internal/logging"
	"github.com/smartfollow/harvester/internal/okx"
	"github.com/smartfollow/harvester/internal/planner"
	"github.com/smartfollow/harvester/internal/policy/ratelimit"
	memorypublisher "github.com/smartfollow/harvester/internal/publisher/memory"
	gcppublisher "github.com/smartfollow/harvester/internal/publisher/pubsub"
	chstore "github.com/smartfollow/harvester/internal/storage/clickhouse"
	gcsstorage "github.com/smartfollow/harvester/internal/storage/gcs"
	localstorage "github.com/smartfollow/harvester/internal/storage/local"
	memorystorage "github.com/smartfollow/harvester/internal/storage/memory"
	pgstore "github.com/smartfollow/harvester/internal/storage/postgres"
	rediscache "github.com/smartfollow/harvester/internal/storage/redis"
	"github.com/smartfollow/harvester/internal/store"
	"github.com/smartfollow/harvester/internal/telemetry"
	"github.com/smartfollow/harvester/internal/worker"
)

// Repositories groups the stores the harvester reads and writes.
type Repositories struct {
	Tasks      store.TaskRepository
	Logs       store.LogRepository
	Projects   store.ProjectRepository
	Tombstones store.TombstoneRepository
	Snapshots  store.SnapshotRepository
	Trades     store.TradeRepository
}

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	clock           crawler.Clock
	repos           Repositories
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	planner         *planner.Planner
	signer          *okx.Signer
	pool            *pgstore.Pool
	chConn          *chstore.Conn
	redisClient     *goredis.Client
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	tracerShutdown  telemetry.Shutdown
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort      int    `json:"server_port"`
		Workers         int    `json:"workers"`
		StorageBackend  string `json:"storage_backend"`
		SnapshotBackend string `json:"snapshot_backend,omitempty"`
		ArchiveBackend  string `json:"archive_backend"`
		Signed          bool   `json:"signed"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:      cfg.Server.Port,
		Workers:         cfg.Crawler.Workers,
		StorageBackend:  cfg.Storage.Backend,
		SnapshotBackend: cfg.Storage.SnapshotBackend,
		ArchiveBackend:  cfg.Storage.ArchiveBackend,
		Signed:          cfg.OKX.AccessKey != "",
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Repositories exposes the wired stores.
func (a *App) Repositories() Repositories {
	return a.repos
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.OKX.SyncClock && a.signer.Enabled() {
		client := &http.Client{Timeout: a.cfg.FetchTimeout()}
		okx.SyncClock(ctx, client, a.cfg.OKX.BaseURL, a.signer, a.clock.Now, a.logger.Named("okx"))
	}

	// Expire closed windows before workers start leasing the oldest tasks.
	if a.planner != nil {
		if _, err := a.planner.Plan(ctx); err != nil {
			a.logger.Warn("initial planning pass failed", zap.Error(err))
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawler.Workers))
		a.dispatch.Run(ctx)
	}()
	if a.planner != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("planner started")
			a.planner.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.chConn != nil {
		if err := a.chConn.Close(); err != nil {
			a.logger.Warn("clickhouse close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// ready pings the external databases.
func (a *App) ready(ctx context.Context) error {
	if a.pool != nil {
		if err := a.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if a.chConn != nil {
		if err := a.chConn.Ping(ctx); err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
	}
	return nil
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.Build(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return logger, nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	_, shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		Region:      cfg.Telemetry.Region,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = shutdown

	app.logger.Info("building application dependencies")
	if err := setupRepositories(ctx, app); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	blobStore, err := setupArchive(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	ingestor := ingest.New(ingest.Deps{
		Projects:   app.repos.Projects,
		Tombstones: app.repos.Tombstones,
		Snapshots:  app.repos.Snapshots,
		Trades:     app.repos.Trades,
		Publisher:  publisher,
	}, ingest.Config{
		Topic:          cfg.PubSub.TopicName,
		SnapshotBucket: config.Minutes(cfg.Ingest.SnapshotBucketMinutes),
	}, logger)
	handlers := okx.Handlers(cfg.OKX.BaseURL, ingestor, logger.Named("okx"))

	app.dispatch = setupDispatcher(app, blobStore, handlers)
	app.planner = setupPlanner(app)

	apis := make([]string, 0, len(handlers))
	for name := range handlers {
		apis = append(apis, name)
	}
	sort.Strings(apis)
	app.apiServer = api.NewServer(api.Deps{
		Tasks:      app.repos.Tasks,
		Logs:       app.repos.Logs,
		Projects:   app.repos.Projects,
		Tombstones: app.repos.Tombstones,
		Snapshots:  app.repos.Snapshots,
		Trades:     app.repos.Trades,
		Dispatcher: app.dispatch,
		Clock:      app.clock,
		APIs:       apis,
		Ready:      app.ready,
	}, cfg.Auth, logger)

	return app, nil
}

func setupRepositories(ctx context.Context, app *App) error {
	cfg := app.cfg
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := pgstore.NewPool(ctx, pgstore.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        int32(cfg.DB.MaxConns), //nolint:gosec // validated config
			MinConns:        int32(cfg.DB.MinConns), //nolint:gosec // validated config
			MaxConnLifetime: config.Minutes(cfg.DB.MaxConnLifetimeMinutes),
		})
		if err != nil {
			return fmt.Errorf("postgres init failed: %w", err)
		}
		app.pool = pool
		app.repos = Repositories{
			Tasks:      pgstore.NewTaskStore(pool),
			Logs:       pgstore.NewLogStore(pool),
			Projects:   pgstore.NewProjectStore(pool),
			Tombstones: pgstore.NewTombstoneStore(pool),
			Snapshots:  pgstore.NewSnapshotStore(pool),
			Trades:     pgstore.NewTradeStore(pool),
		}
		app.logger.Info("using postgres repositories")
	default:
		app.repos = Repositories{
			Tasks:      memorystorage.NewTaskStore(),
			Logs:       memorystorage.NewLogStore(),
			Projects:   memorystorage.NewProjectStore(),
			Tombstones: memorystorage.NewTombstoneStore(),
			Snapshots:  memorystorage.NewSnapshotStore(),
			Trades:     memorystorage.NewTradeStore(),
		}
		app.logger.Warn("using in-memory repositories; state is lost on restart")
	}

	if cfg.Storage.SnapshotBackend == config.BackendClickhouse {
		conn, err := chstore.NewConn(ctx, cfg.Clickhouse.DSN)
		if err != nil {
			return fmt.Errorf("clickhouse init failed: %w", err)
		}
		app.chConn = conn
		app.repos.Snapshots = chstore.NewSnapshotStore(conn)
		app.logger.Info("using clickhouse snapshot store")
	}

	if cfg.Redis.Addr != "" {
		client, err := rediscache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		app.redisClient = client
		app.repos.Logs = rediscache.NewLogCache(app.repos.Logs, client, config.Minutes(cfg.Redis.TTLMinutes))
		app.logger.Info("crawl log cache enabled", zap.String("addr", cfg.Redis.Addr))
	}
	return nil
}

func setupArchive(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch app.cfg.Storage.ArchiveBackend {
	case config.BackendGCS:
		app.logger.Info("using GCS archive backend", zap.String("bucket", app.cfg.Storage.GCSBucket))
		blobs, client, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket: app.cfg.Storage.GCSBucket,
			Prefix: app.cfg.Storage.Prefix,
		}, app.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		app.storage = client
		return blobs, nil
	case config.BackendLocal:
		app.logger.Info("using local archive backend", zap.String("path", app.cfg.Storage.LocalDir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		return blobs, nil
	default:
		app.logger.Info("using in-memory archive backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.pubsubPublisher.EnableMessageOrdering = app.cfg.PubSub.EnableOrdering
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupDispatcher(
	app *App,
	blobStore crawler.BlobStore,
	handlers map[string]crawler.PageHandler,
) *dispatcher.Dispatcher {
	cfg := app.cfg
	app.signer = okx.NewSigner(okx.Credentials{
		AccessKey:  cfg.OKX.AccessKey,
		SecretKey:  cfg.OKX.SecretKey,
		Passphrase: cfg.OKX.Passphrase,
	}, time.Duration(cfg.OKX.ClockOffsetMs)*time.Millisecond)

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.RateLimit.DefaultRPS,
		DefaultBurst: cfg.RateLimit.Burst,
		PathRPS:      cfg.RateLimit.PathRPS,
	})
	app.logger.Info("rate limiter configured",
		zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
		zap.Int("burst", cfg.RateLimit.Burst),
		zap.Int("path_overrides", len(cfg.RateLimit.PathRPS)),
	)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	}, collyfetcher.Deps{
		Signer:  app.signer,
		Limiter: limiter,
		Clock:   app.clock,
	})
	app.logger.Info("using colly fetcher",
		zap.String("user_agent", cfg.Crawler.UserAgent),
		zap.Bool("signed", app.signer.Enabled()),
	)

	retry := crawler.NewExponentialRetryPolicy(
		cfg.Crawler.MaxAttempts,
		time.Duration(cfg.HTTP.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.HTTP.BackoffMaxMs)*time.Millisecond,
	)
	deps := worker.Deps{
		Tasks:    app.repos.Tasks,
		Logs:     app.repos.Logs,
		Blobs:    blobStore,
		Fetcher:  fetcher,
		Handlers: handlers,
		Hasher:   sha256.New(),
		Clock:    app.clock,
		IDs:      uuid.NewUUIDGenerator(),
		Retry:    retry,
	}

	runners := make([]dispatcher.Runner, 0, cfg.Crawler.Workers)
	for i := 0; i < cfg.Crawler.Workers; i++ {
		runners = append(runners, worker.New(deps, worker.Config{
			WorkerID:     fmt.Sprintf("%s-%d", cfg.Crawler.WorkerPrefix, i),
			LeaseTTL:     cfg.LeaseTTL(),
			PollInterval: time.Duration(cfg.Crawler.PollIntervalMs) * time.Millisecond,
			ContentType:  cfg.Storage.ContentType,
		}, app.logger.Named("worker").With(zap.Int("index", i))))
	}
	return dispatcher.New(app.repos.Tasks, runners)
}

func setupPlanner(app *App) *planner.Planner {
	cfg := app.cfg
	if !cfg.Planner.Enabled {
		app.logger.Info("planner disabled; tasks must be submitted via the API")
		return nil
	}
	return planner.New(app.repos.Tasks, app.repos.Projects, app.clock, planner.Config{
		Interval:     time.Duration(cfg.Planner.IntervalSeconds) * time.Second,
		RankWindow:   config.Minutes(cfg.Planner.RankWindowMinutes),
		DetailWindow: config.Minutes(cfg.Planner.DetailWindowMinutes),
		TradeWindow:  config.Minutes(cfg.Planner.TradeWindowMinutes),
		Rank: okx.LeadTradersQuery{
			InstType: cfg.OKX.InstType,
			SortType: cfg.OKX.SortType,
			Limit:    cfg.OKX.Limit,
		},
		LastDays:    cfg.OKX.LastDays,
		TradeLimit:  cfg.OKX.TradeLimit,
		MaxProjects: cfg.Planner.MaxProjects,
		Details:     cfg.Planner.Details,
		Trades:      cfg.Planner.Trades,
	}, app.logger)
}
