package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/medgrid/slotbooker/internal/booking"
	"github.com/medgrid/slotbooker/internal/cache"
	"github.com/medgrid/slotbooker/internal/config"
	"github.com/medgrid/slotbooker/internal/db"
	"github.com/medgrid/slotbooker/internal/reconciler"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "reconciler").Logger()
	log.Info().Msg("reconciler starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.ReconcileInterval).
		Int("horizon_days", cfg.ReconcileHorizonDays).
		Msg("configured")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	rdb, err := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	repo := booking.NewPgRepository(pgPool)
	index := cache.NewRedisIndex(rdb, cfg.CacheTTL)
	locker := reconciler.NewRedisPassLocker(rdb, cfg.PassLockTTL)

	rec := reconciler.New(repo, index, locker, log, cfg.ReconcileHorizonDays)
	rec.Run(rootCtx, cfg.ReconcileInterval)
}
