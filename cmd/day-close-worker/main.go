package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/config"
	"github.com/hackgods/clinic-token-queue/internal/db"
	"github.com/hackgods/clinic-token-queue/internal/logging"
	"github.com/hackgods/clinic-token-queue/internal/metrics"
	"github.com/hackgods/clinic-token-queue/internal/queue"
	"github.com/hackgods/clinic-token-queue/internal/realtime"
	redisclient "github.com/hackgods/clinic-token-queue/internal/redis"
)

const batchSize = 500

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config load error")
	}

	logger := logging.New(cfg.Env, cfg.LogLevel, cfg.LogFormat).With().Str("service", "day-close-worker").Logger()
	logger.Info().Str("env", cfg.Env).Dur("interval", cfg.WorkerInterval).Msg("day-close worker starting up")

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

	m := metrics.NewCollector("day-close-worker")

	// Displays still showing yesterday's queue see it empty out.
	broadcaster := realtime.NewBroadcaster(realtime.NewRedisSink(rdb), cfg.BroadcastMaxElapsed, m, logger)
	go func() { _ = broadcaster.Run(rootCtx) }()

	svc, err := queue.NewService(
		queue.NewPgRepository(pgPool),
		queue.NewTokenAllocator(redisclient.NewTokenCounter(rdb), m, logger),
		redisclient.NewRedisKeyLocker(rdb, cfg.LockTTL),
		broadcaster,
		cfg,
		queue.WithMetrics(m),
		queue.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("queue service setup error")
	}

	runOnce(rootCtx, svc, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("shutdown signal received, stopping day-close worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, logger)
		}
	}
}

// runOnce closes batches until nothing from earlier days is left open.
func runOnce(ctx context.Context, svc *queue.Service, logger zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	total := 0
	for {
		closed, err := svc.CloseDay(runCtx, batchSize)
		total += closed
		if err != nil {
			logger.Error().Err(err).Int("closed", total).Msg("day-close run error")
			return
		}
		if closed < batchSize {
			break
		}
	}
	logger.Info().Int("closed", total).Dur("took", time.Since(start)).Msg("day-close run complete")
}
