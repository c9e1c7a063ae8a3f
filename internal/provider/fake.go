package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/sms-relay/internal/model"
)

const ServiceTypeFake = "fakeservice"

// FakeAdapter fake-sends messages so the rest of the system can run without
// a real vendor account. With ReplyRatio > 0 it schedules a simulated
// contact reply for a fraction of sends, delivered through ReplySink after
// a short delay.
type FakeAdapter struct {
	ReplyRatio float64
	ReplyDelay time.Duration
	ReplySink  func(InboundMessage)

	mu   sync.Mutex
	rand *rand.Rand
}

func NewFakeAdapter(replyRatio float64, sink func(InboundMessage)) *FakeAdapter {
	return &FakeAdapter{
		ReplyRatio: replyRatio,
		ReplyDelay: 200 * time.Millisecond,
		ReplySink:  sink,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (f *FakeAdapter) Name() string { return ServiceTypeFake }

func (f *FakeAdapter) SendMessage(_ context.Context, _ model.MessagingService, payload OutboundPayload) (SendResult, error) {
	serviceID := "fake_" + uuid.NewString()
	raw, _ := json.Marshal(map[string]string{"id": serviceID, "status": "sent"})

	if f.ReplySink != nil && f.roll() {
		reply := InboundMessage{
			ServiceID:   "fakereply_" + uuid.NewString(),
			From:        payload.To,
			To:          payload.ProfileID,
			Body:        fmt.Sprintf("[Auto Reply]: %s", payload.Body),
			NumSegments: 1,
			ReceivedAt:  time.Now().UTC(),
			ProfileID:   payload.ProfileID,
		}
		time.AfterFunc(f.ReplyDelay, func() { f.ReplySink(reply) })
	}

	return SendResult{ServiceID: serviceID, Raw: raw}, nil
}

func (f *FakeAdapter) roll() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rand.Float64() < f.ReplyRatio
}

// The fake service has no signature scheme; any webhook claiming to be
// fake traffic is accepted. Only useful in development environments.
func (f *FakeAdapter) ValidateInboundWebhook(model.MessagingService, WebhookRequest) bool {
	return true
}

func (f *FakeAdapter) ValidateDeliveryReportWebhook(model.MessagingService, WebhookRequest) bool {
	return true
}

type fakeInboundPayload struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	ProfileID string `json:"profileId"`
}

func (f *FakeAdapter) ParseInboundMessage(raw []byte) (InboundMessage, error) {
	var payload fakeInboundPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return InboundMessage{}, fmt.Errorf("decode fake inbound payload: %w", err)
	}
	if payload.ID == "" {
		return InboundMessage{}, errors.New("fake inbound payload missing id")
	}
	return InboundMessage{
		ServiceID:   payload.ID,
		From:        payload.From,
		To:          payload.To,
		Body:        payload.Body,
		NumSegments: 1,
		ReceivedAt:  time.Now().UTC(),
		ProfileID:   payload.ProfileID,
	}, nil
}

func (f *FakeAdapter) ParseDeliveryReport(raw []byte) (DeliveryReport, error) {
	var payload struct {
		ID        string `json:"id"`
		EventType string `json:"eventType"`
		ProfileID string `json:"profileId"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return DeliveryReport{}, fmt.Errorf("decode fake delivery report: %w", err)
	}
	if payload.ID == "" {
		return DeliveryReport{}, errors.New("fake delivery report missing id")
	}
	return DeliveryReport{
		ServiceID:   payload.ID,
		EventType:   payload.EventType,
		ProfileID:   payload.ProfileID,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func (f *FakeAdapter) MapDeliveryStatus(providerStatus string) model.SendStatus {
	switch providerStatus {
	case "queued":
		return model.StatusQueued
	case "sending":
		return model.StatusSending
	case "sent":
		return model.StatusSent
	case "delivered":
		return model.StatusDelivered
	}
	return model.StatusError
}
