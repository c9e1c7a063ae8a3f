package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/sms-relay/internal/common"
	"github.com/example/sms-relay/internal/dlr"
	"github.com/example/sms-relay/internal/inbound"
	"github.com/example/sms-relay/internal/provider"
	"github.com/example/sms-relay/internal/registry"
	"github.com/example/sms-relay/internal/secrets"
	"github.com/example/sms-relay/internal/store"
	"github.com/example/sms-relay/internal/webhook"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("webhook")
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
	services := registry.New(st, cache)

	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}
	providers := provider.NewRegistry(
		&provider.AssembleAdapter{BaseURL: cfg.AssembleBaseURL, Cipher: cipher, Client: httpClient},
		&provider.TwilioAdapter{BaseURL: cfg.TwilioBaseURL, Cipher: cipher, Client: httpClient},
		&provider.NexmoAdapter{BaseURL: cfg.NexmoBaseURL, Cipher: cipher, Client: httpClient},
		provider.NewFakeAdapter(0, nil),
	)

	var ingestor inbound.Ingestor
	if cfg.JobsSameProcess {
		ingestor = &inbound.SyncIngestor{Store: st, Logger: logger}
	} else {
		partWriter := &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Topic:    cfg.PendingPartTopic,
			Balancer: &kafka.Hash{},
		}
		defer partWriter.Close()
		ingestor = &inbound.DeferredIngestor{
			Parts:  st,
			Queue:  &inbound.KafkaPartQueue{Writer: partWriter},
			Logger: logger,
		}
	}

	srv := &http.Server{
		Addr: ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: (&webhook.Server{
			Services:  services,
			Providers: providers,
			Ingestor:  ingestor,
			Reports:   &dlr.Pipeline{Store: st, Providers: providers, Logger: logger},
			BaseURL:   cfg.WebhookBaseURL,
			Logger:    logger,
		}).Router(),
	}

	go func() {
		logger.Info().Int("port", cfg.HTTPPort).Msg("webhook service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
