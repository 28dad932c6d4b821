// cmd/dispatcher/serve.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"notification-dispatcher/internal/api"
	"notification-dispatcher/internal/broadcast"
	commonaws "notification-dispatcher/internal/common/aws"
	"notification-dispatcher/internal/common/config"
	"notification-dispatcher/internal/common/database"
	commonhttp "notification-dispatcher/internal/common/http"
	"notification-dispatcher/internal/common/logger"
	"notification-dispatcher/internal/common/observability"
	"notification-dispatcher/internal/dispatch"
	"notification-dispatcher/internal/fanout"
	"notification-dispatcher/internal/idempotency"
	"notification-dispatcher/internal/presence"
	"notification-dispatcher/internal/push"
	"notification-dispatcher/internal/queue"
	"notification-dispatcher/internal/sessions"
	"notification-dispatcher/internal/storage"
	sendpush "notification-dispatcher/internal/workers/notification/send-push"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func newLogger(cfg *config.Config) *zap.Logger {
	return logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
}

func serve(ctx context.Context, cfg *config.Config) error {
	zapLog := newLogger(cfg)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting notification dispatcher...",
		zap.String("version", version),
		zap.String("environment", cfg.App.Environment),
		zap.String("provider", cfg.Push.Provider),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(cfg.App.Name)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	readiness := map[string]api.Pinger{}

	// --- Storage ---
	var store storage.Store
	switch cfg.Storage.Backend {
	case config.StorageBackendMemory:
		zapLog.Warn("Using in-memory storage; records are lost on restart")
		store = storage.NewMemoryStore()
	default:
		pg, err := connectPostgres(cfg, zapLog)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = storage.NewPostgresStore(pg.GetDB())
		readiness["postgres"] = pg
	}

	// --- Idempotency ---
	var idemStore idempotency.Store
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendMemory:
		idemStore = idempotency.NewMemoryStore(time.Minute)
	default:
		rdb, err := connectRedis(cfg, zapLog)
		if err != nil {
			return err
		}
		defer rdb.Close()
		idemStore = idempotency.NewRedisStore(rdb.GetClient())
		readiness["redis"] = rdb
	}
	guard := idempotency.NewGuard(idemStore, config.GetDuration(cfg.Idempotency.TTL), log)

	// --- Push provider ---
	sender, err := newSender(ctx, cfg, log)
	if err != nil {
		return err
	}

	// --- Worker pool ---
	pushCfg := sendpush.LoadConfig(cfg)
	handler := sendpush.NewHandler(pushCfg, sender, store, log)
	pool := queue.NewPool(handler, queue.OptionsFromConfig(cfg.Dispatch, pushCfg.Timeout), obs, log)
	pool.Start()

	scheduler := broadcast.NewScheduler(pool, cfg.Broadcast.ChunkSize, config.GetDuration(cfg.Broadcast.Stagger), log)

	// --- Presence ---
	manager := presence.NewManager(cfg.Presence.Shards, log)
	endpoint := presence.NewEndpoint(manager, store, presence.EndpointOptions{
		WriteTimeout: config.GetDuration(cfg.Presence.WriteTimeout),
		PingInterval: config.GetDuration(cfg.Presence.PingInterval),
		UnreadLimit:  cfg.Presence.UnreadLimit,
	}, log)

	// --- Services ---
	planner := fanout.NewPlanner(store, store, log)
	service := dispatch.NewService(guard, planner, store, pool, scheduler, manager,
		dispatch.Options{BatchThreshold: cfg.Dispatch.BatchThreshold}, log)
	registrar := sessions.NewRegistrar(store, sessions.Options{
		MaxPerUser:     cfg.Sessions.MaxPerUser,
		StaleAfterDays: cfg.Sessions.StaleAfterDays,
	}, log)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      api.NewHandler(service, registrar, endpoint, readiness, log).Routes(),
		ReadTimeout:  config.GetDuration(cfg.Server.ReadTimeout),
		WriteTimeout: config.GetDuration(cfg.Server.WriteTimeout),
	}

	serverErr := make(chan error, 1)
	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		zapLog.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			zapLog.Error("HTTP server failed", zap.Error(err))
		}
	}

	// Stop intake first, then drain the workers within the grace period.
	grace := config.GetDuration(cfg.Dispatch.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	manager.CloseAll()
	if err := pool.Shutdown(shutdownCtx); err != nil {
		zapLog.Warn("Worker pool shutdown incomplete", zap.Error(err))
	}

	zapLog.Info("Notification dispatcher stopped")
	return nil
}

func connectPostgres(cfg *config.Config, zapLog *zap.Logger) (*database.PostgresClient, error) {
	var pg *database.PostgresClient
	err := retryWithBackoff(func() error {
		client, err := database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			client.Close()
			return err
		}
		pg = client
		return nil
	}, 5, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		return nil, err
	}
	zapLog.Info("Connected to PostgreSQL",
		zap.String("host", cfg.Database.Postgres.Host),
		zap.Any("pool", pg.Stats()))
	return pg, nil
}

func connectRedis(cfg *config.Config, zapLog *zap.Logger) (*database.RedisClient, error) {
	var rdb *database.RedisClient
	err := retryWithBackoff(func() error {
		client, err := database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			client.Close()
			return err
		}
		rdb = client
		return nil
	}, 5, 2*time.Second, zapLog, "Redis connection")
	if err != nil {
		return nil, err
	}
	zapLog.Info("Connected to Redis", zap.String("address", cfg.Database.Redis.Address))
	return rdb, nil
}

func newSender(ctx context.Context, cfg *config.Config, log logger.Logger) (push.Sender, error) {
	switch cfg.Push.Provider {
	case config.PushProviderSNS:
		client, err := commonaws.NewSNSClient(ctx, cfg.Push.SNS.Region)
		if err != nil {
			return nil, fmt.Errorf("init sns client: %w", err)
		}
		return push.NewSNSSender(client, cfg.Push.SNS.PlatformApplicationARN, cfg.Push.BatchSize, log), nil

	default:
		keyJSON, err := os.ReadFile(cfg.Push.FCM.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read fcm credentials: %w", err)
		}
		source, err := push.NewServiceAccountSource(keyJSON)
		if err != nil {
			return nil, err
		}
		projectID := cfg.Push.FCM.ProjectID
		if projectID == "" {
			projectID = source.ProjectID()
		}
		httpClient := commonhttp.NewClient(config.GetDuration(cfg.Push.RequestTimeout))
		creds := push.NewCredentialCache(source, httpClient, projectID, push.CredentialOptions{
			RefreshMargin:  config.GetDuration(cfg.Push.Credentials.RefreshMargin),
			TokenLifetime:  config.GetDuration(cfg.Push.Credentials.TokenLifetime),
			RefreshTimeout: config.GetDuration(cfg.Push.Credentials.RefreshTimeout),
		}, log)
		return push.NewFCMClient(creds, push.FCMOptions{
			Endpoint:  cfg.Push.FCM.Endpoint,
			BatchSize: cfg.Push.BatchSize,
			RateLimit: cfg.Push.RateLimit,
		}, log), nil
	}
}

func migrate(ctx context.Context, cfg *config.Config) error {
	zapLog := newLogger(cfg)
	defer zapLog.Sync()

	pg, err := connectPostgres(cfg, zapLog)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := storage.NewPostgresStore(pg.GetDB()).Migrate(ctx); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	zapLog.Info("Schema applied")
	return nil
}
