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
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/sms-relay/internal/model"
	"github.com/example/sms-relay/internal/secrets"
)

const ServiceTypeAssemble = "assemble-numbers"

// AssembleSignatureHeader carries the HMAC the Numbers switchboard computes
// over the message id (inbound) or id+eventType (delivery reports).
const AssembleSignatureHeader = "x-assemble-signature"

// Assemble Numbers event-type vocabulary.
const (
	assembleQueued              = "queued"
	assembleSending             = "sending"
	assembleSent                = "sent"
	assembleDelivered           = "delivered"
	assembleSendingFailed       = "sending_failed"
	assembleDeliveryFailed      = "delivery_failed"
	assembleDeliveryUnconfirmed = "delivery_unconfirmed"
)

type AssembleAdapter struct {
	BaseURL string
	Cipher  *secrets.Cipher
	Client  *http.Client
}

func (a *AssembleAdapter) Name() string { return ServiceTypeAssemble }

type assembleSendRequest struct {
	ProfileID      string   `json:"profileId"`
	To             string   `json:"to"`
	Body           string   `json:"body"`
	MediaURLs      []string `json:"mediaUrls,omitempty"`
	ContactZipCode *string  `json:"contactZipCode,omitempty"`
}

type assembleSendResponse struct {
	Data struct {
		OutboundMessage struct {
			ID string `json:"id"`
		} `json:"outboundMessage"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (a *AssembleAdapter) SendMessage(ctx context.Context, svc model.MessagingService, payload OutboundPayload) (SendResult, error) {
	apiKey, err := a.Cipher.Decrypt(svc.EncryptedAuthToken)
	if err != nil {
		return SendResult{}, backoff.Permanent(fmt.Errorf("decrypt assemble credential: %w", err))
	}

	body, err := json.Marshal(assembleSendRequest{
		ProfileID:      payload.ProfileID,
		To:             payload.To,
		Body:           payload.Body,
		MediaURLs:      payload.MediaURLs,
		ContactZipCode: payload.ContactZipCode,
	})
	if err != nil {
		return SendResult{}, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/outbound-messages", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+apiKey)

	resp, err := a.client().Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return SendResult{}, err
	}
	if resp.StatusCode >= 500 {
		return SendResult{}, fmt.Errorf("assemble temporary error: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return SendResult{}, backoff.Permanent(fmt.Errorf("assemble permanent error: %s", resp.Status))
	}

	var parsed assembleSendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return SendResult{}, backoff.Permanent(fmt.Errorf("decode assemble response: %w", err))
	}
	if len(parsed.Errors) > 0 {
		return SendResult{}, backoff.Permanent(errors.New(parsed.Errors[0].Message))
	}
	if parsed.Data.OutboundMessage.ID == "" {
		return SendResult{}, backoff.Permanent(errors.New("assemble response missing outbound message id"))
	}

	return SendResult{ServiceID: parsed.Data.OutboundMessage.ID, Raw: raw}, nil
}

func (a *AssembleAdapter) ValidateInboundWebhook(svc model.MessagingService, req WebhookRequest) bool {
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Body, &payload); err != nil || payload.ID == "" {
		return false
	}
	return a.verify(svc, req.Signature, payload.ID)
}

func (a *AssembleAdapter) ValidateDeliveryReportWebhook(svc model.MessagingService, req WebhookRequest) bool {
	var payload struct {
		ID        string `json:"id"`
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(req.Body, &payload); err != nil || payload.ID == "" {
		return false
	}
	return a.verify(svc, req.Signature, payload.ID+payload.EventType)
}

func (a *AssembleAdapter) verify(svc model.MessagingService, signature, material string) bool {
	apiKey, err := a.Cipher.Decrypt(svc.EncryptedAuthToken)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(material))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type assembleInboundPayload struct {
	ID          string   `json:"id"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Body        string   `json:"body"`
	ReceivedAt  string   `json:"receivedAt"`
	NumSegments int      `json:"numSegments"`
	NumMedia    int      `json:"numMedia"`
	MediaURLs   []string `json:"mediaUrls"`
	ProfileID   string   `json:"profileId"`
}

func (a *AssembleAdapter) ParseInboundMessage(raw []byte) (InboundMessage, error) {
	var payload assembleInboundPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return InboundMessage{}, fmt.Errorf("decode assemble inbound payload: %w", err)
	}
	if payload.ID == "" {
		return InboundMessage{}, errors.New("assemble inbound payload missing id")
	}
	receivedAt, err := time.Parse(time.RFC3339, payload.ReceivedAt)
	if err != nil {
		receivedAt = time.Now().UTC()
	}
	return InboundMessage{
		ServiceID:   payload.ID,
		From:        payload.From,
		To:          payload.To,
		Body:        payload.Body,
		NumSegments: payload.NumSegments,
		NumMedia:    payload.NumMedia,
		MediaURLs:   payload.MediaURLs,
		ReceivedAt:  receivedAt,
		ProfileID:   payload.ProfileID,
	}, nil
}

type assembleDeliveryReportPayload struct {
	ID          string   `json:"id"`
	EventType   string   `json:"eventType"`
	ProfileID   string   `json:"profileId"`
	ErrorCodes  []string `json:"errorCodes"`
	GeneratedAt string   `json:"generatedAt"`
	Extra       *struct {
		NumSegments int `json:"num_segments"`
		NumMedia    int `json:"num_media"`
	} `json:"extra"`
}

func (a *AssembleAdapter) ParseDeliveryReport(raw []byte) (DeliveryReport, error) {
	var payload assembleDeliveryReportPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return DeliveryReport{}, fmt.Errorf("decode assemble delivery report: %w", err)
	}
	if payload.ID == "" {
		return DeliveryReport{}, errors.New("assemble delivery report missing id")
	}
	generatedAt, err := time.Parse(time.RFC3339, payload.GeneratedAt)
	if err != nil {
		generatedAt = time.Now().UTC()
	}
	report := DeliveryReport{
		ServiceID:   payload.ID,
		EventType:   payload.EventType,
		ProfileID:   payload.ProfileID,
		ErrorCodes:  payload.ErrorCodes,
		GeneratedAt: generatedAt,
	}
	if payload.Extra != nil {
		segments, media := payload.Extra.NumSegments, payload.Extra.NumMedia
		report.NumSegments = &segments
		report.NumMedia = &media
	}
	return report, nil
}

func (a *AssembleAdapter) MapDeliveryStatus(providerStatus string) model.SendStatus {
	switch providerStatus {
	case assembleQueued:
		return model.StatusQueued
	case assembleSending:
		return model.StatusSending
	case assembleSent:
		return model.StatusSent
	case assembleDelivered:
		return model.StatusDelivered
	case assembleSendingFailed, assembleDeliveryFailed, assembleDeliveryUnconfirmed:
		return model.StatusError
	}
	return model.StatusError
}

func (a *AssembleAdapter) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return &http.Client{Timeout: 5 * time.Second}
}
