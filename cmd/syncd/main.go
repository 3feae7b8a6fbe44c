package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dailysync/internal/api"
	"dailysync/internal/config"
	"dailysync/internal/connectivity"
	"dailysync/internal/database"
	"dailysync/internal/debounce"
	"dailysync/internal/domain"
	"dailysync/internal/events"
	"dailysync/internal/logging"
	"dailysync/internal/metrics"
	"dailysync/internal/models"
	"dailysync/internal/queue"
	"dailysync/internal/remote"
	"dailysync/internal/repository"
	"dailysync/internal/service"
	"dailysync/internal/syncer"
	"dailysync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := initStorage(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer store.close()

	bus := events.NewEventBus()
	unsubscribe := bus.Subscribe(events.EventNotice, func(event *events.Event) error {
		var notice models.Notice
		if err := event.Decode(&notice); err != nil {
			return err
		}
		logger.Info().Str("notice", string(notice.Kind)).Msg(notice.Message)
		return nil
	})
	defer unsubscribe()

	remoteStore := initRemote(cfg, &logger)
	monitor := initMonitor(cfg, bus, &logger)
	pending := queue.New(store.local, &logger)

	orchestrator, err := syncer.NewOrchestrator(syncer.Options{
		Queue:           pending,
		Remote:          remoteStore,
		Connectivity:    monitor,
		Processor:       worker.NewProcessor(&logger),
		DeadLetters:     store.deadLetters,
		Events:          bus,
		Logger:          &logger,
		RetryCeiling:    cfg.Sync.RetryCeiling,
		MaxOperationAge: cfg.Sync.MaxOperationAge,
		UserConcurrency: cfg.Sync.MaxConcurrent,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	deps := service.Deps{
		Local:   store.local,
		Remote:  remoteStore,
		Queue:   orchestrator,
		Offline: monitor,
		Guard:   debounce.NewGuard(cfg.Sync.MaxConcurrent),
		Logger:  &logger,
	}
	tasks, err := service.NewTaskService(deps, cfg.Sync.DebounceQuiet)
	if err != nil {
		return fmt.Errorf("init task service: %w", err)
	}
	streaks, err := service.NewStreakService(deps)
	if err != nil {
		return fmt.Errorf("init streak service: %w", err)
	}

	startMetrics(ctx, cfg, &logger)
	go monitor.Start(ctx)
	if store.db != nil {
		go database.NewBackupService(store.db, cfg.Backup, &logger).Start(ctx)
	}
	if err := orchestrator.Start(ctx, cfg.Sync.Interval); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	limiter := api.NewRateLimiter(cfg.API.RateLimit)
	var httpServer *api.HTTPServer
	if cfg.API.HTTP.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, api.Backend{
			Engine:  orchestrator,
			Pending: pending,
			Tasks:   tasks,
			Streaks: streaks,
			Network: monitor,
		}, limiter, &logger)
	}
	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(cfg.API, orchestrator, limiter, &logger)
		if err != nil {
			return err
		}
	}

	startServers(ctx, grpcServer, httpServer, &logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	// Pending debounced saves fall back to the queue when they fail, so flush
	// before the orchestrator stops.
	if err := tasks.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("flush pending saves")
	}
	orchestrator.Stop()

	logger.Info().Int("pending", pending.Total(shutdownCtx)).Msg("sync daemon stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd-main").Logger()

	return cfg, logger, closer, nil
}

type storage struct {
	local       domain.LocalStore
	deadLetters domain.DeadLetterSink
	db          *database.DB
	redis       *redis.Client
}

func (s *storage) close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.redis != nil {
		_ = repository.Close(s.redis)
	}
}

func initStorage(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*storage, error) {
	store := &storage{}

	openDB := func() error {
		if store.db != nil {
			return nil
		}
		db, err := database.NewDB(cfg.Database.Path, logger)
		if err != nil {
			logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
			return err
		}
		store.db = db
		return nil
	}
	openRedis := func() {
		if store.redis != nil {
			return
		}
		store.redis = repository.NewRedisClient(cfg.Redis)
		if err := repository.Ping(ctx, store.redis); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, local store starts degraded")
			return
		}
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}

	switch cfg.Storage.Driver {
	case config.StorageSQLite:
		if err := openDB(); err != nil {
			return nil, err
		}
		store.local = store.db
	case config.StorageRedis:
		openRedis()
		store.local = repository.NewFailoverLocalStore(
			repository.NewRedisLocalStore(store.redis, 0),
			repository.NewMemoryLocalStore(),
			logger,
		)
	default:
		logger.Warn().Msg("memory storage selected: pending operations will not survive a restart")
		store.local = repository.NewMemoryLocalStore()
	}

	if cfg.Storage.EncryptionKey != "" {
		sealed, err := repository.NewSealedLocalStore(store.local, cfg.Storage.EncryptionKey)
		if err != nil {
			store.close()
			return nil, fmt.Errorf("init sealed store: %w", err)
		}
		store.local = sealed
	}

	switch cfg.Sync.DeadLetter {
	case config.DeadLetterSQLite:
		if err := openDB(); err != nil {
			store.close()
			return nil, err
		}
		store.deadLetters = store.db
	case config.DeadLetterRedis:
		openRedis()
		store.deadLetters = repository.NewRedisDeadLetters(store.redis)
	}

	return store, nil
}

func initRemote(cfg *config.Config, logger *zerolog.Logger) domain.RemoteStore {
	if cfg.Remote.Mode == config.RemoteMemory {
		logger.Warn().Msg("remote mode is memory: nothing leaves this process")
		return remote.NewMemoryStore()
	}
	return remote.NewHTTPStore(cfg.Remote, logger)
}

func initMonitor(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) *connectivity.Monitor {
	var prober connectivity.Prober
	if cfg.Remote.Mode == config.RemoteHTTP && cfg.Connectivity.ProbeURL != "" {
		prober = &connectivity.HTTPProber{
			URL:    cfg.Connectivity.ProbeURL,
			APIKey: cfg.Remote.APIKey,
			Client: &http.Client{Timeout: cfg.Connectivity.ProbeTimeout},
		}
	}
	return connectivity.NewMonitor(connectivity.Options{
		Prober:          prober,
		Host:            connectivity.InterfaceSignal{},
		ProbeTimeout:    cfg.Connectivity.ProbeTimeout,
		PollInterval:    cfg.Connectivity.PollInterval,
		MaxPollInterval: cfg.Connectivity.MaxPollInterval,
		Events:          bus,
		Logger:          logger,
	})
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

// startServers blocks until ctx is done.
func startServers(ctx context.Context, grpcServer *api.GRPCServer, httpServer *api.HTTPServer, logger *zerolog.Logger) {
	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	if httpServer != nil {
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	logger.Info().Bool("http", httpServer != nil).Bool("grpc", grpcServer != nil).Msg("sync daemon started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
