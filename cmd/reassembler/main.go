package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"github.com/example/sms-relay/internal/common"
	"github.com/example/sms-relay/internal/inbound"
	"github.com/example/sms-relay/internal/provider"
	"github.com/example/sms-relay/internal/secrets"
	"github.com/example/sms-relay/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("reassembler")
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

	// Reassembly only parses stored payloads; no outbound calls are made.
	providers := provider.NewRegistry(
		&provider.AssembleAdapter{Cipher: cipher},
		&provider.TwilioAdapter{Cipher: cipher},
		&provider.NexmoAdapter{Cipher: cipher},
		provider.NewFakeAdapter(0, nil),
	)

	worker := inbound.Worker{
		ReaderFactory: func() *kafka.Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers: cfg.KafkaBrokers,
				GroupID: cfg.ServiceName,
				Topic:   cfg.PendingPartTopic,
			})
		},
		Reassembler: &inbound.Reassembler{
			Parts:     st,
			Ingestor:  &inbound.SyncIngestor{Store: st, Logger: logger},
			Providers: providers,
			Logger:    logger,
		},
		Logger: logger,
	}

	logger.Info().Msg("reassembler worker started")
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("reassembler worker stopped")
	}
}
