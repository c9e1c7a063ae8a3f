// Command replay resubmits messages stuck in error status through the
// outbound pipeline. Intended for operators after a provider outage; sends
// are idempotent on the provider side only to the extent the vendor
// deduplicates, so inspect with -dry-run first.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/sms-relay/internal/common"
	"github.com/example/sms-relay/internal/outbound"
	"github.com/example/sms-relay/internal/provider"
	"github.com/example/sms-relay/internal/registry"
	"github.com/example/sms-relay/internal/secrets"
	"github.com/example/sms-relay/internal/store"
)

func main() {
	since := flag.Duration("since", 24*time.Hour, "replay messages that errored within this window")
	limit := flag.Int("limit", 100, "maximum number of messages to replay")
	dryRun := flag.Bool("dry-run", false, "list candidates without sending")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("replay")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := common.NewLogger(cfg.ServiceName)

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL must be provided")
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

	httpClient := &http.Client{Timeout: cfg.ProviderTimeout}
	pipeline := &outbound.Pipeline{
		Store:    st,
		Resolver: registry.New(st, nil),
		Providers: provider.NewRegistry(
			&provider.AssembleAdapter{BaseURL: cfg.AssembleBaseURL, Cipher: cipher, Client: httpClient},
			&provider.TwilioAdapter{BaseURL: cfg.TwilioBaseURL, Cipher: cipher, Client: httpClient},
			&provider.NexmoAdapter{BaseURL: cfg.NexmoBaseURL, Cipher: cipher, Client: httpClient},
			provider.NewFakeAdapter(0, nil),
		),
		Timeout: cfg.ProviderTimeout,
		Logger:  logger,
	}

	failed, err := st.ListFailedMessages(ctx, time.Now().Add(-*since), *limit)
	if err != nil {
		logger.Fatal().Err(err).Msg("list failed messages")
	}
	logger.Info().Int("count", len(failed)).Dur("since", *since).Msg("found failed messages")

	var replayed, skipped int
	for _, msg := range failed {
		if ctx.Err() != nil {
			break
		}
		if *dryRun {
			logger.Info().
				Str("message_id", msg.ID).
				Int64("campaign_contact_id", msg.CampaignContactID).
				Str("contact_number", msg.ContactNumber).
				Msg("would replay")
			continue
		}

		organizationID, err := st.OrganizationForCampaignContact(ctx, msg.CampaignContactID)
		if err != nil {
			logger.Error().Err(err).Str("message_id", msg.ID).Msg("skipping message without organization")
			skipped++
			continue
		}
		if err := pipeline.Send(ctx, msg.ID, organizationID); err != nil {
			logger.Error().Err(err).Str("message_id", msg.ID).Msg("replay rejected")
			skipped++
			continue
		}
		replayed++
	}

	logger.Info().Int("replayed", replayed).Int("skipped", skipped).Msg("replay finished")
}
