// Package outbound sends persisted messages through the provider bound to
// the contact, recording the observed outcome on the message row.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/sms-relay/internal/model"
	"github.com/example/sms-relay/internal/provider"
)

var (
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_sent_total",
		Help: "Outbound messages accepted by a provider",
	}, []string{"service"})
	sendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "message_send_failures_total",
		Help: "Outbound sends that ended in error status",
	}, []string{"service"})
)

type MessageStore interface {
	GetMessage(ctx context.Context, id string) (model.Message, error)
	ContactZipForCampaignContact(ctx context.Context, campaignContactID int64) (*string, error)
	MarkSending(ctx context.Context, id string) error
	MarkSent(ctx context.Context, id, service, serviceID string, raw []byte) error
	MarkSendError(ctx context.Context, id string) error
}

type ServiceResolver interface {
	ResolveForContact(ctx context.Context, campaignContactID, organizationID int64) (model.MessagingService, error)
}

type Pipeline struct {
	Store     MessageStore
	Resolver  ServiceResolver
	Providers *provider.Registry
	// Timeout bounds the whole send attempt including retries; a timed-out
	// send ends in error status, never stuck in queued.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Send pushes one message through its provider. Configuration problems
// (unknown message, no messaging service) surface as errors before any
// status mutation; provider request failures are converted to error status
// and logged, never returned.
func (p *Pipeline) Send(ctx context.Context, messageID string, organizationID int64) error {
	msg, err := p.Store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load message %s: %w", messageID, err)
	}
	if msg.IsFromContact {
		return fmt.Errorf("message %s is inbound, refusing to send", messageID)
	}
	if msg.SendStatus == model.StatusDelivered {
		return nil
	}

	svc, err := p.Resolver.ResolveForContact(ctx, msg.CampaignContactID, organizationID)
	if err != nil {
		return fmt.Errorf("resolve messaging service for message %s: %w", messageID, err)
	}

	adapter, err := p.Providers.Get(svc.ServiceType)
	if err != nil {
		return fmt.Errorf("resolve provider for message %s: %w", messageID, err)
	}

	zip, err := p.Store.ContactZipForCampaignContact(ctx, msg.CampaignContactID)
	if err != nil {
		return fmt.Errorf("resolve contact zip for message %s: %w", messageID, err)
	}

	payload := provider.OutboundPayload{
		ProfileID:      svc.ID,
		To:             msg.ContactNumber,
		Body:           msg.Text,
		MediaURLs:      msg.MediaURLs,
		ContactZipCode: zip,
	}

	if err := p.Store.MarkSending(ctx, msg.ID); err != nil {
		return err
	}

	result, err := p.deliver(ctx, adapter, svc, payload)
	if err != nil {
		p.Logger.Error().
			Err(err).
			Str("message_id", msg.ID).
			Str("service", svc.ServiceType).
			Str("profile_id", svc.ID).
			Str("to", payload.To).
			Str("body", payload.Body).
			Msg("failed to send message")
		sendFailures.WithLabelValues(svc.ServiceType).Inc()
		if markErr := p.Store.MarkSendError(ctx, msg.ID); markErr != nil {
			return fmt.Errorf("record send failure for message %s: %w", msg.ID, markErr)
		}
		return nil
	}

	if err := p.Store.MarkSent(ctx, msg.ID, svc.ServiceType, result.ServiceID, result.Raw); err != nil {
		return fmt.Errorf("record send result for message %s: %w", msg.ID, err)
	}
	messagesSent.WithLabelValues(svc.ServiceType).Inc()
	return nil
}

func (p *Pipeline) deliver(ctx context.Context, adapter provider.Adapter, svc model.MessagingService, payload provider.OutboundPayload) (provider.SendResult, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	op := backoff.NewExponentialBackOff()
	op.MaxElapsedTime = timeout

	var result provider.SendResult
	err := backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		sent, err := adapter.SendMessage(attemptCtx, svc, payload)
		if err != nil {
			// A timed-out request may already have been accepted by the
			// provider; resubmitting it would send the text twice.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = sent
		return nil
	}, backoff.WithContext(op, ctx))
	return result, err
}
