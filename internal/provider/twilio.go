package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/sms-relay/internal/model"
	"github.com/example/sms-relay/internal/secrets"
)

const ServiceTypeTwilio = "twilio"

const TwilioSignatureHeader = "X-Twilio-Signature"

type TwilioAdapter struct {
	BaseURL string
	Cipher  *secrets.Cipher
	Client  *http.Client
}

func (t *TwilioAdapter) Name() string { return ServiceTypeTwilio }

type twilioSendResponse struct {
	SID       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
}

func (t *TwilioAdapter) SendMessage(ctx context.Context, svc model.MessagingService, payload OutboundPayload) (SendResult, error) {
	authToken, err := t.Cipher.Decrypt(svc.EncryptedAuthToken)
	if err != nil {
		return SendResult{}, backoff.Permanent(fmt.Errorf("decrypt twilio credential: %w", err))
	}

	form := url.Values{}
	form.Set("To", payload.To)
	form.Set("MessagingServiceSid", payload.ProfileID)
	form.Set("Body", payload.Body)
	for _, mediaURL := range payload.MediaURLs {
		form.Add("MediaUrl", mediaURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.BaseURL, svc.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(svc.AccountSID, authToken)

	resp, err := t.client().Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return SendResult{}, err
	}
	if resp.StatusCode >= 500 {
		return SendResult{}, fmt.Errorf("twilio temporary error: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return SendResult{}, backoff.Permanent(fmt.Errorf("twilio permanent error: %s", resp.Status))
	}

	var parsed twilioSendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return SendResult{}, backoff.Permanent(fmt.Errorf("decode twilio response: %w", err))
	}
	if parsed.SID == "" {
		return SendResult{}, backoff.Permanent(errors.New("twilio response missing message sid"))
	}

	return SendResult{ServiceID: parsed.SID, Raw: raw}, nil
}

func (t *TwilioAdapter) ValidateInboundWebhook(svc model.MessagingService, req WebhookRequest) bool {
	return t.verify(svc, req)
}

func (t *TwilioAdapter) ValidateDeliveryReportWebhook(svc model.MessagingService, req WebhookRequest) bool {
	return t.verify(svc, req)
}

// verify recomputes Twilio's request signature: base64 HMAC-SHA1 over the
// full request URL followed by each POST parameter name and value in
// lexicographic order.
func (t *TwilioAdapter) verify(svc model.MessagingService, req WebhookRequest) bool {
	authToken, err := t.Cipher.Decrypt(svc.EncryptedAuthToken)
	if err != nil {
		return false
	}
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return false
	}

	keys := make([]string, 0, len(form))
	for key := range form {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var material strings.Builder
	material.WriteString(req.URL)
	for _, key := range keys {
		for _, value := range form[key] {
			material.WriteString(key)
			material.WriteString(value)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(material.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(req.Signature))
}

func (t *TwilioAdapter) ParseInboundMessage(raw []byte) (InboundMessage, error) {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return InboundMessage{}, fmt.Errorf("decode twilio inbound payload: %w", err)
	}
	sid := form.Get("MessageSid")
	if sid == "" {
		return InboundMessage{}, errors.New("twilio inbound payload missing MessageSid")
	}

	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	numSegments, _ := strconv.Atoi(form.Get("NumSegments"))
	if numSegments == 0 {
		numSegments = 1
	}
	mediaURLs := make([]string, 0, numMedia)
	for i := 0; i < numMedia; i++ {
		if mediaURL := form.Get("MediaUrl" + strconv.Itoa(i)); mediaURL != "" {
			mediaURLs = append(mediaURLs, mediaURL)
		}
	}

	return InboundMessage{
		ServiceID:   sid,
		From:        form.Get("From"),
		To:          form.Get("To"),
		Body:        form.Get("Body"),
		NumSegments: numSegments,
		NumMedia:    numMedia,
		MediaURLs:   mediaURLs,
		ReceivedAt:  time.Now().UTC(),
		ProfileID:   form.Get("MessagingServiceSid"),
	}, nil
}

func (t *TwilioAdapter) ParseDeliveryReport(raw []byte) (DeliveryReport, error) {
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return DeliveryReport{}, fmt.Errorf("decode twilio delivery report: %w", err)
	}
	sid := form.Get("MessageSid")
	if sid == "" {
		return DeliveryReport{}, errors.New("twilio delivery report missing MessageSid")
	}

	var errorCodes []string
	if code := form.Get("ErrorCode"); code != "" {
		errorCodes = []string{code}
	}

	return DeliveryReport{
		ServiceID:   sid,
		EventType:   form.Get("MessageStatus"),
		ProfileID:   form.Get("MessagingServiceSid"),
		ErrorCodes:  errorCodes,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func (t *TwilioAdapter) MapDeliveryStatus(providerStatus string) model.SendStatus {
	switch providerStatus {
	case "accepted", "queued":
		return model.StatusQueued
	case "sending":
		return model.StatusSending
	case "sent":
		return model.StatusSent
	case "delivered":
		return model.StatusDelivered
	case "undelivered", "failed", "canceled":
		return model.StatusError
	}
	return model.StatusError
}

func (t *TwilioAdapter) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return &http.Client{Timeout: 5 * time.Second}
}
