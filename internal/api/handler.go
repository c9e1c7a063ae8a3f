// Package api accepts outbound send intents from the campaign application
// and queues them for the sender worker. The message row is created queued
// before the queue write so a crashed enqueue can be replayed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/sms-relay/internal/common"
	"github.com/example/sms-relay/internal/model"
	"github.com/example/sms-relay/internal/outbound"
	"github.com/example/sms-relay/internal/phone"
)

var (
	sendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "send_requests_total",
		Help: "Total /messages send intents received",
	}, []string{"status"})
	sendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "send_request_duration_seconds",
		Help:    "Latency for /messages send intents",
		Buckets: prometheus.DefBuckets,
	})
)

// MessageCreator persists one outbound message idempotently by message key.
type MessageCreator interface {
	CreateOutboundMessage(ctx context.Context, msg model.Message, messageKey string) (model.Message, bool, error)
}

type Handler struct {
	repo     MessageCreator
	producer *kafka.Writer
	tracer   trace.Tracer
	logger   zerolog.Logger
}

func NewHandler(repo MessageCreator, producer *kafka.Writer, logger zerolog.Logger) *Handler {
	return &Handler{
		repo:     repo,
		producer: producer,
		tracer:   otel.Tracer("api"),
		logger:   logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/messages", h.send)
	return r
}

// SendIntent is the caller-facing request body. ContactNumber is normalized
// to E.164 before persisting.
type SendIntent struct {
	OrganizationID    int64    `json:"organization_id"`
	CampaignContactID int64    `json:"campaign_contact_id"`
	AssignmentID      int64    `json:"assignment_id"`
	ContactNumber     string   `json:"contact_number"`
	UserNumber        string   `json:"user_number"`
	Text              string   `json:"text"`
	MediaURLs         []string `json:"media_urls"`
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "send-intent")
	defer span.End()

	messageKey := r.Header.Get("x-message-key")
	if messageKey == "" {
		h.respondErr(ctx, w, http.StatusBadRequest, errors.New("missing x-message-key header"))
		return
	}

	var req SendIntent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}
	if err := validateIntent(req); err != nil {
		h.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}
	contactNumber, err := phone.Format(req.ContactNumber)
	if err != nil {
		h.respondErr(ctx, w, http.StatusBadRequest, err)
		return
	}

	start := time.Now()

	msg := model.Message{
		ID:                uuid.NewString(),
		CampaignContactID: req.CampaignContactID,
		AssignmentID:      req.AssignmentID,
		ContactNumber:     contactNumber,
		UserNumber:        phone.FormatOrOriginal(req.UserNumber),
		Text:              req.Text,
		MediaURLs:         req.MediaURLs,
		SendStatus:        model.StatusQueued,
		CreatedAt:         time.Now().UTC(),
	}

	saved, duplicate, err := h.repo.CreateOutboundMessage(ctx, msg, messageKey)
	if err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}

	sendLatency.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.String("message.id", saved.ID))

	if duplicate {
		sendRequests.WithLabelValues("duplicate").Inc()
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message_id": saved.ID,
			"status":     "duplicate",
		})
		return
	}

	payload, err := json.Marshal(outbound.SendRequest{
		MessageID:      saved.ID,
		OrganizationID: req.OrganizationID,
	})
	if err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}
	if err := h.producer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(req.CampaignContactID, 10)),
		Value: payload,
	}); err != nil {
		h.respondErr(ctx, w, http.StatusInternalServerError, err)
		return
	}

	sendRequests.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"message_id": saved.ID})
}

func (h *Handler) respondErr(ctx context.Context, w http.ResponseWriter, status int, err error) {
	logger := common.WithContext(ctx, h.logger)
	logger.Error().Err(err).Int("status", status).Msg("send intent rejected")
	sendRequests.WithLabelValues(http.StatusText(status)).Inc()
	http.Error(w, err.Error(), status)
}

func validateIntent(req SendIntent) error {
	if req.OrganizationID == 0 {
		return errors.New("organization_id is required")
	}
	if req.CampaignContactID == 0 {
		return errors.New("campaign_contact_id is required")
	}
	if req.ContactNumber == "" {
		return errors.New("contact_number is required")
	}
	if req.Text == "" && len(req.MediaURLs) == 0 {
		return errors.New("text or media_urls is required")
	}
	return nil
}
