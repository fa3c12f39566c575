package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/driftsync/driftsync/internal/admission"
	"github.com/driftsync/driftsync/internal/api"
	"github.com/driftsync/driftsync/internal/changer"
	"github.com/driftsync/driftsync/internal/cloud"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/database"
	"github.com/driftsync/driftsync/internal/inspect"
	"github.com/driftsync/driftsync/internal/metrics"
	"github.com/driftsync/driftsync/internal/repository"
	"github.com/driftsync/driftsync/internal/signing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("load config")
	}
	log := newLogger(cfg.LogLevel)

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	if err := database.Migrate(ctx, cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}
	store := repository.NewPostgres(pool, cfg.LockTTL)

	clouds, err := buildClouds(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init cloud storage")
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	svc := admission.NewService(store, clouds, changer.NewRegistry(), inspect.NewRegistry(), m, log)

	queueClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer queueClient.Close()
	finisher := admission.NewFinisher(queueClient, nil, store, log)

	signer := signing.NewSigner(cfg.JWTSecret)
	srv := api.New(cfg, svc, finisher, signer, registry, log)
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

// buildClouds registers the configured vendor adapters. The memory adapter is
// always present so dev sharing groups work without credentials.
func buildClouds(ctx context.Context, cfg *config.Config) (*cloud.Registry, error) {
	clouds := cloud.NewRegistry()
	clouds.Register("memory", cloud.NewMemoryStorage())

	minioStore, err := cloud.NewMinio(cloud.MinioConfig{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := minioStore.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	clouds.Register("minio", minioStore)

	s3Store, err := cloud.NewS3(ctx, cloud.S3Config{
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		return nil, err
	}
	clouds.Register("s3", s3Store)
	return clouds, nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}
