package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/example/sms-relay/internal/model"
	"github.com/example/sms-relay/internal/provider"
	"github.com/example/sms-relay/internal/registry"
)

type memoryMessageStore struct {
	mu       sync.Mutex
	messages map[string]*model.Message
	zip      *string
}

func newMemoryMessageStore(msgs ...*model.Message) *memoryMessageStore {
	s := &memoryMessageStore{messages: map[string]*model.Message{}}
	for _, m := range msgs {
		s.messages[m.ID] = m
	}
	return s
}

func (s *memoryMessageStore) GetMessage(_ context.Context, id string) (model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return model.Message{}, errors.New("not found")
	}
	return *msg, nil
}

func (s *memoryMessageStore) ContactZipForCampaignContact(context.Context, int64) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zip, nil
}

func (s *memoryMessageStore) MarkSending(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id].SendStatus = model.StatusSending
	return nil
}

func (s *memoryMessageStore) MarkSent(_ context.Context, id, service, serviceID string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[id]
	msg.SendStatus = model.StatusSent
	msg.Service = service
	msg.ServiceID = serviceID
	msg.ServiceResponse = raw
	now := time.Now().UTC()
	msg.SentAt = &now
	return nil
}

func (s *memoryMessageStore) MarkSendError(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id].SendStatus = model.StatusError
	return nil
}

type staticResolver struct {
	svc model.MessagingService
	err error
}

func (r staticResolver) ResolveForContact(context.Context, int64, int64) (model.MessagingService, error) {
	return r.svc, r.err
}

type scriptedAdapter struct {
	name    string
	result  provider.SendResult
	err     error
	calls   int
	payload provider.OutboundPayload
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) SendMessage(_ context.Context, _ model.MessagingService, payload provider.OutboundPayload) (provider.SendResult, error) {
	a.calls++
	a.payload = payload
	return a.result, a.err
}

func (a *scriptedAdapter) ValidateInboundWebhook(model.MessagingService, provider.WebhookRequest) bool {
	return true
}

func (a *scriptedAdapter) ValidateDeliveryReportWebhook(model.MessagingService, provider.WebhookRequest) bool {
	return true
}

func (a *scriptedAdapter) ParseInboundMessage([]byte) (provider.InboundMessage, error) {
	return provider.InboundMessage{}, errors.New("not implemented")
}

func (a *scriptedAdapter) ParseDeliveryReport([]byte) (provider.DeliveryReport, error) {
	return provider.DeliveryReport{}, errors.New("not implemented")
}

func (a *scriptedAdapter) MapDeliveryStatus(string) model.SendStatus { return model.StatusError }

func queuedMessage(id string) *model.Message {
	return &model.Message{
		ID:                id,
		CampaignContactID: 100,
		ContactNumber:     "+12024561111",
		Text:              "hello",
		SendStatus:        model.StatusQueued,
		CreatedAt:         time.Now().UTC(),
	}
}

func TestSendSuccess(t *testing.T) {
	msg := queuedMessage("m1")
	store := newMemoryMessageStore(msg)
	adapter := &scriptedAdapter{name: "twilio", result: provider.SendResult{ServiceID: "SM1", Raw: []byte(`{"sid":"SM1"}`)}}
	svc := model.MessagingService{ID: "MG1", ServiceType: "twilio"}

	p := &Pipeline{
		Store:     store,
		Resolver:  staticResolver{svc: svc},
		Providers: provider.NewRegistry(adapter),
		Timeout:   time.Second,
		Logger:    zerolog.Nop(),
	}

	if err := p.Send(context.Background(), "m1", 7); err != nil {
		t.Fatalf("Send: %v", err)
	}

	saved, _ := store.GetMessage(context.Background(), "m1")
	if saved.SendStatus != model.StatusSent {
		t.Fatalf("status=%s, expected sent", saved.SendStatus)
	}
	if saved.Service != "twilio" || saved.ServiceID != "SM1" {
		t.Fatalf("provider identity not recorded: %+v", saved)
	}
	if saved.SentAt == nil || len(saved.ServiceResponse) == 0 {
		t.Fatalf("audit fields not recorded: %+v", saved)
	}
	if adapter.payload.To != "+12024561111" || adapter.payload.ProfileID != "MG1" {
		t.Fatalf("unexpected payload: %+v", adapter.payload)
	}
}

func TestSendProviderFailureMarksError(t *testing.T) {
	msg := queuedMessage("m1")
	store := newMemoryMessageStore(msg)
	adapter := &scriptedAdapter{name: "twilio", err: backoff.Permanent(errors.New("401 unauthorized"))}

	p := &Pipeline{
		Store:     store,
		Resolver:  staticResolver{svc: model.MessagingService{ID: "MG1", ServiceType: "twilio"}},
		Providers: provider.NewRegistry(adapter),
		Timeout:   100 * time.Millisecond,
		Logger:    zerolog.Nop(),
	}

	// Provider failure must not propagate.
	if err := p.Send(context.Background(), "m1", 7); err != nil {
		t.Fatalf("Send returned error for provider failure: %v", err)
	}

	saved, _ := store.GetMessage(context.Background(), "m1")
	if saved.SendStatus != model.StatusError {
		t.Fatalf("status=%s, expected error", saved.SendStatus)
	}
	if saved.ServiceID != "" {
		t.Fatalf("service id must not be assigned on failure")
	}
}

func TestSendNoMessagingServiceLeavesQueued(t *testing.T) {
	msg := queuedMessage("m1")
	store := newMemoryMessageStore(msg)

	p := &Pipeline{
		Store:     store,
		Resolver:  staticResolver{err: registry.ErrNoMessagingService},
		Providers: provider.NewRegistry(),
		Timeout:   time.Second,
		Logger:    zerolog.Nop(),
	}

	err := p.Send(context.Background(), "m1", 7)
	if !errors.Is(err, registry.ErrNoMessagingService) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	saved, _ := store.GetMessage(context.Background(), "m1")
	if saved.SendStatus != model.StatusQueued {
		t.Fatalf("status=%s, configuration failure must not mutate status", saved.SendStatus)
	}
}

func TestSendRetriesTransientFailure(t *testing.T) {
	msg := queuedMessage("m1")
	store := newMemoryMessageStore(msg)

	attempts := 0
	adapter := &flakyAdapter{failures: 2, onCall: func() { attempts++ }}

	p := &Pipeline{
		Store:     store,
		Resolver:  staticResolver{svc: model.MessagingService{ID: "p1", ServiceType: "flaky"}},
		Providers: provider.NewRegistry(adapter),
		Timeout:   5 * time.Second,
		Logger:    zerolog.Nop(),
	}

	if err := p.Send(context.Background(), "m1", 7); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if attempts < 3 {
		t.Fatalf("expected retries, got %d attempts", attempts)
	}

	saved, _ := store.GetMessage(context.Background(), "m1")
	if saved.SendStatus != model.StatusSent {
		t.Fatalf("status=%s, expected sent after retries", saved.SendStatus)
	}
}

func TestSendTimeoutIsNotRetried(t *testing.T) {
	msg := queuedMessage("m1")
	store := newMemoryMessageStore(msg)

	// A timed-out request may already have been accepted upstream, so a
	// second attempt could deliver the text twice.
	adapter := &scriptedAdapter{name: "twilio", err: fmt.Errorf("post message: %w", context.DeadlineExceeded)}

	p := &Pipeline{
		Store:     store,
		Resolver:  staticResolver{svc: model.MessagingService{ID: "MG1", ServiceType: "twilio"}},
		Providers: provider.NewRegistry(adapter),
		Timeout:   30 * time.Second,
		Logger:    zerolog.Nop(),
	}

	if err := p.Send(context.Background(), "m1", 7); err != nil {
		t.Fatalf("Send returned error for provider failure: %v", err)
	}

	if adapter.calls != 1 {
		t.Fatalf("timed-out send attempted %d times, expected 1", adapter.calls)
	}
	saved, _ := store.GetMessage(context.Background(), "m1")
	if saved.SendStatus != model.StatusError {
		t.Fatalf("status=%s, expected error", saved.SendStatus)
	}
}

func TestSendPayloadCarriesContactZip(t *testing.T) {
	msg := queuedMessage("m1")
	store := newMemoryMessageStore(msg)
	zip := "20001"
	store.zip = &zip
	adapter := &scriptedAdapter{name: "twilio", result: provider.SendResult{ServiceID: "SM1", Raw: []byte(`{}`)}}

	p := &Pipeline{
		Store:     store,
		Resolver:  staticResolver{svc: model.MessagingService{ID: "MG1", ServiceType: "twilio"}},
		Providers: provider.NewRegistry(adapter),
		Timeout:   time.Second,
		Logger:    zerolog.Nop(),
	}

	if err := p.Send(context.Background(), "m1", 7); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if adapter.payload.ContactZipCode == nil || *adapter.payload.ContactZipCode != "20001" {
		t.Fatalf("contact zip not forwarded to provider: %+v", adapter.payload)
	}
}

func TestSendReplayAfterError(t *testing.T) {
	msg := queuedMessage("m1")
	msg.SendStatus = model.StatusError
	store := newMemoryMessageStore(msg)
	adapter := &scriptedAdapter{name: "twilio", result: provider.SendResult{ServiceID: "SM2", Raw: []byte(`{}`)}}

	p := &Pipeline{
		Store:     store,
		Resolver:  staticResolver{svc: model.MessagingService{ID: "MG1", ServiceType: "twilio"}},
		Providers: provider.NewRegistry(adapter),
		Timeout:   time.Second,
		Logger:    zerolog.Nop(),
	}

	if err := p.Send(context.Background(), "m1", 7); err != nil {
		t.Fatalf("replay Send: %v", err)
	}

	saved, _ := store.GetMessage(context.Background(), "m1")
	if saved.SendStatus != model.StatusSent || saved.ServiceID != "SM2" {
		t.Fatalf("replay did not reassign service id: %+v", saved)
	}
}

type flakyAdapter struct {
	failures int
	onCall   func()
}

func (a *flakyAdapter) Name() string { return "flaky" }

func (a *flakyAdapter) SendMessage(context.Context, model.MessagingService, provider.OutboundPayload) (provider.SendResult, error) {
	a.onCall()
	if a.failures > 0 {
		a.failures--
		return provider.SendResult{}, errors.New("503 service unavailable")
	}
	return provider.SendResult{ServiceID: "ok-1", Raw: []byte(`{}`)}, nil
}

func (a *flakyAdapter) ValidateInboundWebhook(model.MessagingService, provider.WebhookRequest) bool {
	return true
}

func (a *flakyAdapter) ValidateDeliveryReportWebhook(model.MessagingService, provider.WebhookRequest) bool {
	return true
}

func (a *flakyAdapter) ParseInboundMessage([]byte) (provider.InboundMessage, error) {
	return provider.InboundMessage{}, errors.New("not implemented")
}

func (a *flakyAdapter) ParseDeliveryReport([]byte) (provider.DeliveryReport, error) {
	return provider.DeliveryReport{}, errors.New("not implemented")
}

func (a *flakyAdapter) MapDeliveryStatus(string) model.SendStatus { return model.StatusError }
