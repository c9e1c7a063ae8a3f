package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/sms-relay/internal/model"
	"github.com/example/sms-relay/internal/secrets"
)

const ServiceTypeNexmo = "nexmo"

type NexmoAdapter struct {
	BaseURL string
	Cipher  *secrets.Cipher
	Client  *http.Client
}

func (n *NexmoAdapter) Name() string { return ServiceTypeNexmo }

type nexmoSendResponse struct {
	Messages []struct {
		MessageID string `json:"message-id"`
		Status    string `json:"status"`
		ErrorText string `json:"error-text"`
	} `json:"messages"`
}

func (n *NexmoAdapter) SendMessage(ctx context.Context, svc model.MessagingService, payload OutboundPayload) (SendResult, error) {
	apiSecret, err := n.Cipher.Decrypt(svc.EncryptedAuthToken)
	if err != nil {
		return SendResult{}, backoff.Permanent(fmt.Errorf("decrypt nexmo credential: %w", err))
	}

	request := map[string]string{
		"api_key":    svc.AccountSID,
		"api_secret": apiSecret,
		"from":       payload.ProfileID,
		"to":         strings.TrimPrefix(payload.To, "+"),
		"text":       payload.Body,
	}
	body, err := json.Marshal(request)
	if err != nil {
		return SendResult{}, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.BaseURL+"/sms/json", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client().Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return SendResult{}, err
	}
	if resp.StatusCode >= 500 {
		return SendResult{}, fmt.Errorf("nexmo temporary error: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return SendResult{}, backoff.Permanent(fmt.Errorf("nexmo permanent error: %s", resp.Status))
	}

	var parsed nexmoSendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return SendResult{}, backoff.Permanent(fmt.Errorf("decode nexmo response: %w", err))
	}
	if len(parsed.Messages) == 0 {
		return SendResult{}, backoff.Permanent(errors.New("nexmo response missing messages"))
	}
	first := parsed.Messages[0]
	// Status "0" is success; everything else is a request-level rejection.
	if first.Status != "0" {
		return SendResult{}, backoff.Permanent(fmt.Errorf("nexmo rejected message: %s (%s)", first.Status, first.ErrorText))
	}

	return SendResult{ServiceID: first.MessageID, Raw: raw}, nil
}

func (n *NexmoAdapter) ValidateInboundWebhook(svc model.MessagingService, req WebhookRequest) bool {
	return n.verify(svc, req)
}

func (n *NexmoAdapter) ValidateDeliveryReportWebhook(svc model.MessagingService, req WebhookRequest) bool {
	return n.verify(svc, req)
}

// verify recomputes Nexmo's payload signature: HMAC-SHA256 over "&key=value"
// for every scalar field except sig, keys sorted.
func (n *NexmoAdapter) verify(svc model.MessagingService, req WebhookRequest) bool {
	secret, err := n.Cipher.Decrypt(svc.EncryptedAuthToken)
	if err != nil {
		return false
	}
	var payload map[string]any
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return false
	}

	keys := make([]string, 0, len(payload))
	for key := range payload {
		if key == "sig" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var material strings.Builder
	for _, key := range keys {
		value, ok := payload[key].(string)
		if !ok {
			continue
		}
		material.WriteString("&")
		material.WriteString(key)
		material.WriteString("=")
		material.WriteString(value)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(material.String()))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(req.Signature)))
}

type nexmoInboundPayload struct {
	MessageID        string `json:"messageId"`
	MSISDN           string `json:"msisdn"`
	To               string `json:"to"`
	Text             string `json:"text"`
	MessageTimestamp string `json:"message-timestamp"`
	Concat           string `json:"concat"`
	ConcatRef        string `json:"concat-ref"`
	ConcatPart       string `json:"concat-part"`
	ConcatTotal      string `json:"concat-total"`
	ProfileID        string `json:"profileId"`
}

func (n *NexmoAdapter) ParseInboundMessage(raw []byte) (InboundMessage, error) {
	var payload nexmoInboundPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return InboundMessage{}, fmt.Errorf("decode nexmo inbound payload: %w", err)
	}
	if payload.MessageID == "" {
		return InboundMessage{}, errors.New("nexmo inbound payload missing messageId")
	}

	receivedAt, err := time.Parse("2006-01-02 15:04:05", payload.MessageTimestamp)
	if err != nil {
		receivedAt = time.Now().UTC()
	}

	msg := InboundMessage{
		ServiceID:   payload.MessageID,
		From:        payload.MSISDN,
		To:          payload.To,
		Body:        payload.Text,
		NumSegments: 1,
		ReceivedAt:  receivedAt,
		ProfileID:   payload.ProfileID,
	}
	if payload.Concat == "true" {
		msg.ConcatRef = payload.ConcatRef
		msg.ConcatPart, _ = strconv.Atoi(payload.ConcatPart)
		msg.ConcatTotal, _ = strconv.Atoi(payload.ConcatTotal)
		if msg.ConcatTotal > 0 {
			msg.NumSegments = msg.ConcatTotal
		}
	}
	return msg, nil
}

type nexmoDeliveryReportPayload struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	ErrCode   string `json:"err-code"`
	ProfileID string `json:"profileId"`
}

func (n *NexmoAdapter) ParseDeliveryReport(raw []byte) (DeliveryReport, error) {
	var payload nexmoDeliveryReportPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return DeliveryReport{}, fmt.Errorf("decode nexmo delivery report: %w", err)
	}
	if payload.MessageID == "" {
		return DeliveryReport{}, errors.New("nexmo delivery report missing messageId")
	}

	var errorCodes []string
	if payload.ErrCode != "" && payload.ErrCode != "0" {
		errorCodes = []string{payload.ErrCode}
	}

	return DeliveryReport{
		ServiceID:   payload.MessageID,
		EventType:   payload.Status,
		ProfileID:   payload.ProfileID,
		ErrorCodes:  errorCodes,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

func (n *NexmoAdapter) MapDeliveryStatus(providerStatus string) model.SendStatus {
	switch providerStatus {
	case "accepted", "buffered":
		return model.StatusSending
	case "submitted":
		return model.StatusSent
	case "delivered":
		return model.StatusDelivered
	case "expired", "failed", "rejected", "unknown":
		return model.StatusError
	}
	return model.StatusError
}

func (n *NexmoAdapter) client() *http.Client {
	if n.Client != nil {
		return n.Client
	}
	return &http.Client{Timeout: 5 * time.Second}
}
