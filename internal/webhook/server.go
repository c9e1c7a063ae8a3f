// Package webhook exposes the per-provider HTTP callback endpoints. The
// boundary rejects unauthenticated traffic (missing header -> 400, bad
// signature -> 403) so the pipelines only ever see validated payloads.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/sms-relay/internal/common"
	"github.com/example/sms-relay/internal/inbound"
	"github.com/example/sms-relay/internal/model"
	"github.com/example/sms-relay/internal/provider"
	"github.com/example/sms-relay/internal/registry"
)

const maxBodyBytes = 1 << 20

const validationFailedBody = "Request validation failed."

var webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "webhook_events_total",
	Help: "Total webhook events processed",
}, []string{"provider", "kind", "status"})

// ServiceResolver maps the profile id a provider embeds in its callback to
// the stored messaging service holding that provider's credential.
type ServiceResolver interface {
	ServiceByID(ctx context.Context, id string) (model.MessagingService, error)
}

// ReportHandler applies one validated delivery report.
type ReportHandler interface {
	Handle(ctx context.Context, serviceType string, report provider.DeliveryReport, raw []byte) error
}

type Server struct {
	Services  ServiceResolver
	Providers *provider.Registry
	Ingestor  inbound.Ingestor
	Reports   ReportHandler
	// BaseURL is the externally visible URL prefix; providers that sign the
	// request URL need it to survive reverse proxies.
	BaseURL string
	Logger  zerolog.Logger
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/{provider}/inbound", s.handleInbound)
	r.Post("/{provider}/dlr", s.handleDeliveryReport)
	return r
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "inbound-webhook")
	defer span.End()

	adapter, body, svc, ok := s.authenticate(ctx, w, r, "inbound", func(a provider.Adapter, svc model.MessagingService, req provider.WebhookRequest) bool {
		return a.ValidateInboundWebhook(svc, req)
	})
	if !ok {
		return
	}

	msg, err := adapter.ParseInboundMessage(body)
	if err != nil {
		s.respondErr(ctx, w, adapter.Name(), "inbound", http.StatusBadRequest, err)
		return
	}
	if msg.ProfileID == "" {
		msg.ProfileID = svc.ID
	}
	span.SetAttributes(attribute.String("message.service_id", msg.ServiceID))

	if err := s.Ingestor.Ingest(ctx, adapter.Name(), msg, body); err != nil {
		s.respondErr(ctx, w, adapter.Name(), "inbound", http.StatusInternalServerError, err)
		return
	}

	webhookEvents.WithLabelValues(adapter.Name(), "inbound", "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeliveryReport(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("webhook").Start(r.Context(), "delivery-report-webhook")
	defer span.End()

	adapter, body, svc, ok := s.authenticate(ctx, w, r, "dlr", func(a provider.Adapter, svc model.MessagingService, req provider.WebhookRequest) bool {
		return a.ValidateDeliveryReportWebhook(svc, req)
	})
	if !ok {
		return
	}

	report, err := adapter.ParseDeliveryReport(body)
	if err != nil {
		s.respondErr(ctx, w, adapter.Name(), "dlr", http.StatusBadRequest, err)
		return
	}
	if report.ProfileID == "" {
		report.ProfileID = svc.ID
	}
	span.SetAttributes(attribute.String("message.service_id", report.ServiceID))

	if err := s.Reports.Handle(ctx, adapter.Name(), report, body); err != nil {
		s.respondErr(ctx, w, adapter.Name(), "dlr", http.StatusInternalServerError, err)
		return
	}

	webhookEvents.WithLabelValues(adapter.Name(), "dlr", "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

// authenticate runs the shared boundary checks: adapter lookup, signature
// material presence, profile resolution, cryptographic validation. It writes
// the response itself when any check fails.
func (s *Server) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request, kind string, validate func(provider.Adapter, model.MessagingService, provider.WebhookRequest) bool) (provider.Adapter, []byte, model.MessagingService, bool) {
	name := chi.URLParam(r, "provider")
	adapter, err := s.Providers.Get(name)
	if err != nil {
		s.respondErr(ctx, w, name, kind, http.StatusNotFound, err)
		return nil, nil, model.MessagingService{}, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.respondErr(ctx, w, name, kind, http.StatusBadRequest, err)
		return nil, nil, model.MessagingService{}, false
	}

	sig, present := signatureMaterial(adapter.Name(), r, body)
	if !present {
		s.respondErr(ctx, w, name, kind, http.StatusBadRequest, errors.New("missing webhook signature"))
		return nil, nil, model.MessagingService{}, false
	}

	profileID := extractProfileID(adapter.Name(), body)
	svc, err := s.Services.ServiceByID(ctx, profileID)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownService) {
			s.reject(ctx, w, name, kind, err)
			return nil, nil, model.MessagingService{}, false
		}
		s.respondErr(ctx, w, name, kind, http.StatusInternalServerError, err)
		return nil, nil, model.MessagingService{}, false
	}

	req := provider.WebhookRequest{
		Signature: sig,
		URL:       s.requestURL(r),
		Body:      body,
	}
	if !validate(adapter, svc, req) {
		s.reject(ctx, w, name, kind, errors.New("invalid webhook signature"))
		return nil, nil, model.MessagingService{}, false
	}
	return adapter, body, svc, true
}

// signatureMaterial pulls the provider's signature out of the request.
// Absence means the caller never attempted to sign; that is a 400, not a 403.
func signatureMaterial(serviceType string, r *http.Request, body []byte) (string, bool) {
	switch serviceType {
	case provider.ServiceTypeAssemble:
		sig := r.Header.Get(provider.AssembleSignatureHeader)
		return sig, sig != ""
	case provider.ServiceTypeTwilio:
		sig := r.Header.Get(provider.TwilioSignatureHeader)
		return sig, sig != ""
	case provider.ServiceTypeNexmo:
		// Nexmo signs inline rather than via header.
		var payload struct {
			Sig string `json:"sig"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.Sig == "" {
			return "", false
		}
		return payload.Sig, true
	}
	return "", true
}

// extractProfileID finds the messaging profile id in the raw payload without
// committing to a full parse; validation needs the stored credential first.
func extractProfileID(serviceType string, body []byte) string {
	if serviceType == provider.ServiceTypeTwilio {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return ""
		}
		return form.Get("MessagingServiceSid")
	}
	var payload struct {
		ProfileID string `json:"profileId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.ProfileID
}

func (s *Server) requestURL(r *http.Request) string {
	if s.BaseURL != "" {
		return s.BaseURL + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// reject answers a failed signature check. The body is a fixed string so it
// can never echo attacker-controlled payload content.
func (s *Server) reject(ctx context.Context, w http.ResponseWriter, name, kind string, err error) {
	logger := common.WithContext(ctx, s.Logger)
	logger.Warn().Err(err).Str("provider", name).Str("kind", kind).Msg("webhook rejected")
	webhookEvents.WithLabelValues(name, kind, "rejected").Inc()
	http.Error(w, validationFailedBody, http.StatusForbidden)
}

func (s *Server) respondErr(ctx context.Context, w http.ResponseWriter, name, kind string, status int, err error) {
	logger := common.WithContext(ctx, s.Logger)
	logger.Error().Err(err).Str("provider", name).Str("kind", kind).Int("status", status).Msg("webhook handler error")
	webhookEvents.WithLabelValues(name, kind, "error").Inc()
	http.Error(w, err.Error(), status)
}
