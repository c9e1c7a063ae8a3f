package provider

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/example/sms-relay/internal/model"
	"github.com/example/sms-relay/internal/secrets"
)

func signTwilio(authToken, requestURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for key := range form {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var material strings.Builder
	material.WriteString(requestURL)
	for _, key := range keys {
		for _, value := range form[key] {
			material.WriteString(key)
			material.WriteString(value)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(material.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioValidateWebhook(t *testing.T) {
	cipher, err := secrets.NewCipher("test-secret")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	adapter := &TwilioAdapter{Cipher: cipher}

	encrypted, err := cipher.Encrypt("auth-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	svc := model.MessagingService{ID: "MG123", ServiceType: ServiceTypeTwilio, EncryptedAuthToken: encrypted}

	requestURL := "https://relay.example/v1/twilio/inbound"
	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("From", "+15551234567")
	form.Set("Body", "hi there")

	valid := adapter.ValidateInboundWebhook(svc, WebhookRequest{
		Signature: signTwilio("auth-token", requestURL, form),
		URL:       requestURL,
		Body:      []byte(form.Encode()),
	})
	if !valid {
		t.Fatalf("expected valid signature to pass")
	}

	tampered := adapter.ValidateInboundWebhook(svc, WebhookRequest{
		Signature: signTwilio("auth-token", requestURL, form),
		URL:       requestURL,
		Body:      []byte(form.Encode() + "&Body=changed"),
	})
	if tampered {
		t.Fatalf("tampered body must fail validation")
	}

	wrongToken := adapter.ValidateDeliveryReportWebhook(svc, WebhookRequest{
		Signature: signTwilio("other-token", requestURL, form),
		URL:       requestURL,
		Body:      []byte(form.Encode()),
	})
	if wrongToken {
		t.Fatalf("signature from wrong token must fail validation")
	}
}

func TestTwilioParseInboundMessage(t *testing.T) {
	adapter := &TwilioAdapter{}
	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("From", "+15551234567")
	form.Set("To", "+15559876543")
	form.Set("Body", "hello")
	form.Set("NumMedia", "2")
	form.Set("NumSegments", "1")
	form.Set("MediaUrl0", "https://media.example/0.jpg")
	form.Set("MediaUrl1", "https://media.example/1.jpg")
	form.Set("MessagingServiceSid", "MG123")

	msg, err := adapter.ParseInboundMessage([]byte(form.Encode()))
	if err != nil {
		t.Fatalf("ParseInboundMessage: %v", err)
	}
	if msg.ServiceID != "SM123" || msg.NumMedia != 2 || len(msg.MediaURLs) != 2 {
		t.Fatalf("unexpected parse result: %+v", msg)
	}
	if msg.ProfileID != "MG123" {
		t.Fatalf("messaging service sid not mapped: %+v", msg)
	}
}

func TestTwilioParseDeliveryReport(t *testing.T) {
	adapter := &TwilioAdapter{}
	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("MessageStatus", "undelivered")
	form.Set("ErrorCode", "30005")

	report, err := adapter.ParseDeliveryReport([]byte(form.Encode()))
	if err != nil {
		t.Fatalf("ParseDeliveryReport: %v", err)
	}
	if report.ServiceID != "SM123" || report.EventType != "undelivered" {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.ErrorCodes) != 1 || report.ErrorCodes[0] != "30005" {
		t.Fatalf("error code not extracted: %+v", report)
	}
}
