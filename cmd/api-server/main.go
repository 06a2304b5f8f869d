package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-token-queue/internal/api"
	"github.com/hackgods/clinic-token-queue/internal/config"
	"github.com/hackgods/clinic-token-queue/internal/db"
	"github.com/hackgods/clinic-token-queue/internal/logging"
	"github.com/hackgods/clinic-token-queue/internal/metrics"
	"github.com/hackgods/clinic-token-queue/internal/queue"
	"github.com/hackgods/clinic-token-queue/internal/realtime"
	redisclient "github.com/hackgods/clinic-token-queue/internal/redis"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel, cfg.LogFormat).With().Str("service", "api-server").Logger()
	logger.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("timezone", cfg.ClinicTimezone).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	logger.Info().Msg("connected to Postgres")

	if err := db.Migrate(rootCtx, pgPool); err != nil {
		logger.Fatal().Err(err).Msg("schema migration error")
	}

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing redis")
		}
	}()
	logger.Info().Msg("connected to Redis")

	m := metrics.NewCollector("api-server")

	hub := realtime.NewHub(m, logger)
	relay := realtime.NewRelay(rdb, hub, logger)
	broadcaster := realtime.NewBroadcaster(realtime.NewRedisSink(rdb), cfg.BroadcastMaxElapsed, m, logger)

	allocator := queue.NewTokenAllocator(redisclient.NewTokenCounter(rdb), m, logger)
	svc, err := queue.NewService(
		queue.NewPgRepository(pgPool),
		allocator,
		redisclient.NewRedisKeyLocker(rdb, cfg.LockTTL),
		broadcaster,
		cfg,
		queue.WithMetrics(m),
		queue.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("queue service setup error")
	}

	router := api.NewRouter(api.RouterConfig{
		Service:   svc,
		Health:    api.NewHealthHandler(pgPool, api.RedisPinger{Client: rdb}, cfg.Env, version),
		WebSocket: realtime.NewHandler(hub, svc, logger),
		Metrics:   m,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort("", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return rootCtx },
	}

	g, gctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		return broadcaster.Run(gctx)
	})
	g.Go(func() error {
		return relay.Run(gctx, nil)
	})
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down api-server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("api-server stopped with error")
		return
	}
	logger.Info().Msg("api-server stopped")
}
