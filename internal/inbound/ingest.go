// Package inbound converts validated provider webhooks into durable
// conversation messages, either synchronously or through pending parts and
// a reassembly worker.
package inbound

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/sms-relay/internal/common"
	"github.com/example/sms-relay/internal/model"
	"github.com/example/sms-relay/internal/phone"
	"github.com/example/sms-relay/internal/provider"
	"github.com/example/sms-relay/internal/store"
)

var inboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "inbound_messages_total",
	Help: "Inbound webhook messages by outcome",
}, []string{"service", "outcome"})

// Ingestor accepts one parsed inbound message. Implementations are chosen
// at process startup: SyncIngestor persists inline, DeferredIngestor parks
// the raw payload for the reassembly worker.
type Ingestor interface {
	Ingest(ctx context.Context, serviceType string, msg provider.InboundMessage, raw []byte) error
}

type ConversationStore interface {
	ResolveConversation(ctx context.Context, serviceType, profileID, contactNumber string) (model.Conversation, error)
	SaveIncomingMessage(ctx context.Context, msg model.Message) (bool, error)
}

type SyncIngestor struct {
	Store  ConversationStore
	Logger zerolog.Logger
}

// Ingest matches the message to an existing conversation and persists it.
// An unroutable message is logged and dropped: unsolicited texts to
// unassigned numbers are not retained.
func (s *SyncIngestor) Ingest(ctx context.Context, serviceType string, msg provider.InboundMessage, raw []byte) error {
	contactNumber := phone.FormatOrOriginal(msg.From)
	userNumber := phone.FormatOrOriginal(msg.To)

	conv, err := s.Store.ResolveConversation(ctx, serviceType, msg.ProfileID, contactNumber)
	if errors.Is(err, store.ErrNotFound) {
		logger := common.WithContext(ctx, s.Logger)
		logger.Error().
			Str("service", serviceType).
			Str("service_id", msg.ServiceID).
			Str("contact_number", contactNumber).
			Str("profile_id", msg.ProfileID).
			Msg("could not match inbound message to existing conversation")
		inboundMessages.WithLabelValues(serviceType, "unroutable").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("match conversation: %w", err)
	}

	numSegments := msg.NumSegments
	numMedia := msg.NumMedia
	record := model.Message{
		ID:                uuid.NewString(),
		CampaignContactID: conv.CampaignContactID,
		AssignmentID:      conv.AssignmentID,
		ContactNumber:     contactNumber,
		UserNumber:        userNumber,
		IsFromContact:     true,
		Text:              FormatBody(msg.Body, msg.NumMedia),
		Service:           serviceType,
		ServiceID:         msg.ServiceID,
		SendStatus:        model.StatusDelivered,
		NumSegments:       &numSegments,
		NumMedia:          &numMedia,
		ServiceResponse:   bytes.ReplaceAll(raw, []byte{0}, nil),
		CreatedAt:         time.Now().UTC(),
	}

	inserted, err := s.Store.SaveIncomingMessage(ctx, record)
	if err != nil {
		return fmt.Errorf("save incoming message: %w", err)
	}
	if inserted {
		inboundMessages.WithLabelValues(serviceType, "persisted").Inc()
	} else {
		inboundMessages.WithLabelValues(serviceType, "duplicate").Inc()
	}
	return nil
}

type PartStore interface {
	InsertPendingPart(ctx context.Context, part model.PendingMessagePart) error
	InsertPendingPartLinked(ctx context.Context, part model.PendingMessagePart, concatRef string) (string, error)
	PartsForMessage(ctx context.Context, rootID string) ([]model.PendingMessagePart, error)
	DeletePartsForMessage(ctx context.Context, rootID string) error
}

// PartEnqueuer hands a stored part's root id to the reassembly worker.
type PartEnqueuer interface {
	EnqueuePart(ctx context.Context, rootID string) error
}

type DeferredIngestor struct {
	Parts  PartStore
	Queue  PartEnqueuer
	Logger zerolog.Logger
}

// Ingest stores the raw payload as a pending part and notifies the
// reassembly worker. Multi-part fragments are linked under the first-seen
// fragment of the same concat reference.
func (d *DeferredIngestor) Ingest(ctx context.Context, serviceType string, msg provider.InboundMessage, raw []byte) error {
	part := model.PendingMessagePart{
		ID:             uuid.NewString(),
		Service:        serviceType,
		ServiceID:      msg.ServiceID,
		ServiceMessage: raw,
		UserNumber:     phone.FormatOrOriginal(msg.To),
		ContactNumber:  phone.FormatOrOriginal(msg.From),
		CreatedAt:      time.Now().UTC(),
	}

	rootID := part.ID
	if msg.ConcatRef != "" {
		var err error
		rootID, err = d.Parts.InsertPendingPartLinked(ctx, part, msg.ConcatRef)
		if err != nil {
			return fmt.Errorf("store linked pending part: %w", err)
		}
	} else if err := d.Parts.InsertPendingPart(ctx, part); err != nil {
		return fmt.Errorf("store pending part: %w", err)
	}

	inboundMessages.WithLabelValues(serviceType, "deferred").Inc()
	return d.Queue.EnqueuePart(ctx, rootID)
}
