package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/sms-relay/internal/common"
	"github.com/example/sms-relay/internal/inbound"
	"github.com/example/sms-relay/internal/outbound"
	"github.com/example/sms-relay/internal/provider"
	"github.com/example/sms-relay/internal/registry"
	"github.com/example/sms-relay/internal/secrets"
	"github.com/example/sms-relay/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("sender")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort)
	defer metricsSrv.Shutdown(context.Background())

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL must be provided")
	}
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()
	st := store.New(pool)

	cipher, err := secrets.NewCipher(cfg.SessionSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("SESSION_SECRET must be provided")
	}

	var cache *registry.ServiceCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		cache = registry.NewServiceCache(rdb, cfg.RedisCacheTTL)
	}

	// Simulated contact replies from the fake provider are ingested the same
	// way a real inbound webhook would be.
	replies := &inbound.SyncIngestor{Store: st, Logger: logger}
	sink := func(msg provider.InboundMessage) {
		raw, err := json.Marshal(map[string]string{
			"id":        msg.ServiceID,
			"from":      msg.From,
			"to":        msg.To,
			"body":      msg.Body,
			"profileId": msg.ProfileID,
		})
		if err != nil {
			return
		}
		if err := replies.Ingest(context.Background(), provider.ServiceTypeFake, msg, raw); err != nil {
			logger.Error().Err(err).Msg("failed to ingest simulated reply")
		}
	}

	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}
	providers := provider.NewRegistry(
		&provider.AssembleAdapter{BaseURL: cfg.AssembleBaseURL, Cipher: cipher, Client: httpClient},
		&provider.TwilioAdapter{BaseURL: cfg.TwilioBaseURL, Cipher: cipher, Client: httpClient},
		&provider.NexmoAdapter{BaseURL: cfg.NexmoBaseURL, Cipher: cipher, Client: httpClient},
		provider.NewFakeAdapter(cfg.SimulatedReplyRatio, sink),
	)

	worker := outbound.Worker{
		ReaderFactory: func() *kafka.Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers: cfg.KafkaBrokers,
				GroupID: cfg.ServiceName,
				Topic:   cfg.SendTopic,
			})
		},
		Pipeline: &outbound.Pipeline{
			Store:     st,
			Resolver:  registry.New(st, cache),
			Providers: providers,
			Timeout:   cfg.ProviderTimeout,
			Logger:    logger,
		},
		Logger: logger,
	}

	logger.Info().Msg("sender worker started")
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("sender worker stopped")
	}
}
