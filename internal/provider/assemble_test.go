package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/example/sms-relay/internal/model"
	"github.com/example/sms-relay/internal/secrets"
)

func newTestService(t *testing.T, cipher *secrets.Cipher, apiKey string) model.MessagingService {
	t.Helper()
	encrypted, err := cipher.Encrypt(apiKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	return model.MessagingService{
		ID:                 "profile-1",
		OrganizationID:     1,
		ServiceType:        ServiceTypeAssemble,
		EncryptedAuthToken: encrypted,
		Active:             true,
	}
}

func signAssemble(apiKey, material string) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(material))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestAssembleValidateInboundWebhook(t *testing.T) {
	cipher, err := secrets.NewCipher("test-secret")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	adapter := &AssembleAdapter{Cipher: cipher}
	svc := newTestService(t, cipher, "numbers-key")

	body := []byte(`{"id":"msg-42","profileId":"profile-1"}`)

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{"valid", signAssemble("numbers-key", "msg-42"), true},
		{"wrong key", signAssemble("other-key", "msg-42"), false},
		{"wrong material", signAssemble("numbers-key", "msg-43"), false},
		{"empty", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := adapter.ValidateInboundWebhook(svc, WebhookRequest{Signature: tc.signature, Body: body})
			if got != tc.want {
				t.Fatalf("ValidateInboundWebhook=%v, expected %v", got, tc.want)
			}
		})
	}
}

func TestAssembleValidateDeliveryReportWebhook(t *testing.T) {
	cipher, err := secrets.NewCipher("test-secret")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	adapter := &AssembleAdapter{Cipher: cipher}
	svc := newTestService(t, cipher, "numbers-key")

	body := []byte(`{"id":"msg-42","eventType":"delivered","profileId":"profile-1"}`)

	if !adapter.ValidateDeliveryReportWebhook(svc, WebhookRequest{
		Signature: signAssemble("numbers-key", "msg-42delivered"),
		Body:      body,
	}) {
		t.Fatalf("expected valid delivery report signature to pass")
	}
	if adapter.ValidateDeliveryReportWebhook(svc, WebhookRequest{
		Signature: signAssemble("numbers-key", "msg-42queued"),
		Body:      body,
	}) {
		t.Fatalf("signature over wrong event type must fail")
	}
}

func TestAssembleParseInboundMessage(t *testing.T) {
	adapter := &AssembleAdapter{}
	raw := []byte(`{
		"id": "msg-42",
		"from": "+15551234567",
		"to": "+15559876543",
		"body": "hello",
		"receivedAt": "2024-03-01T12:00:00Z",
		"numSegments": 2,
		"numMedia": 1,
		"mediaUrls": ["https://media.example/1.jpg"],
		"profileId": "profile-1"
	}`)

	msg, err := adapter.ParseInboundMessage(raw)
	if err != nil {
		t.Fatalf("ParseInboundMessage: %v", err)
	}
	if msg.ServiceID != "msg-42" || msg.From != "+15551234567" || msg.Body != "hello" {
		t.Fatalf("unexpected parse result: %+v", msg)
	}
	if msg.NumSegments != 2 || msg.NumMedia != 1 || len(msg.MediaURLs) != 1 {
		t.Fatalf("segment/media fields not mapped: %+v", msg)
	}
	if msg.ProfileID != "profile-1" {
		t.Fatalf("profile id not mapped: %+v", msg)
	}

	if _, err := adapter.ParseInboundMessage([]byte(`{"from":"+1555"}`)); err == nil {
		t.Fatalf("expected error for payload without id")
	}
}

func TestAssembleParseDeliveryReport(t *testing.T) {
	adapter := &AssembleAdapter{}
	raw := []byte(`{
		"id": "msg-42",
		"eventType": "delivered",
		"profileId": "profile-1",
		"errorCodes": ["30007"],
		"generatedAt": "2024-03-01T12:00:05Z",
		"extra": {"num_segments": 3, "num_media": 0}
	}`)

	report, err := adapter.ParseDeliveryReport(raw)
	if err != nil {
		t.Fatalf("ParseDeliveryReport: %v", err)
	}
	if report.ServiceID != "msg-42" || report.EventType != "delivered" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.NumSegments == nil || *report.NumSegments != 3 {
		t.Fatalf("num_segments not extracted: %+v", report)
	}
	if report.NumMedia == nil || *report.NumMedia != 0 {
		t.Fatalf("num_media not extracted: %+v", report)
	}
	if len(report.ErrorCodes) != 1 || report.ErrorCodes[0] != "30007" {
		t.Fatalf("error codes not extracted: %+v", report)
	}

	withoutExtra, err := adapter.ParseDeliveryReport([]byte(`{"id":"msg-9","eventType":"sent"}`))
	if err != nil {
		t.Fatalf("ParseDeliveryReport without extra: %v", err)
	}
	if withoutExtra.NumSegments != nil || withoutExtra.NumMedia != nil {
		t.Fatalf("counts should be nil when vendor omits extra: %+v", withoutExtra)
	}
}
