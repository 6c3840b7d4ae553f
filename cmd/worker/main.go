package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"audiogen/internal/config"
	"audiogen/internal/events"
	"audiogen/internal/ledger"
	"audiogen/internal/provider"
	"audiogen/internal/queue"
	"audiogen/internal/refund"
	"audiogen/internal/storage"
	"audiogen/internal/store"
	"audiogen/internal/telemetry"
	workerproc "audiogen/internal/worker"
)

func main() {
	cfg := config.Load()
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "worker").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	q := queue.NewRedisQueue(cfg)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	uploader, err := storage.NewFromConfig(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init artifact storage")
	}
	gen := provider.NewHTTPClient(cfg.ProviderURL, cfg.ProviderTimeout)

	ledgerSvc := ledger.NewService(st, st, log)
	sink := events.NewRedisSink(redisClient, cfg.EventStream, log)
	failures := refund.NewHandler(st, st, ledgerSvc, sink, log)
	handler := workerproc.NewAudioHandler(cfg.ProviderFormat, gen, uploader, st, sink, log)

	processor := workerproc.NewProcessor(cfg, q, st, failures, handler.Handle, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Dur("visibility", cfg.VisibilityTimeout).
		Dur("backoff_base", cfg.BackoffBase).
		Int("max_retries", cfg.MaxRetries).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil {
		log.Info().Err(err).Msg("worker stopped")
	}
}
