package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/sms-relay/internal/model"
	"github.com/example/sms-relay/internal/provider"
	"github.com/example/sms-relay/internal/registry"
	"github.com/example/sms-relay/internal/secrets"
)

type fakeResolver struct {
	services map[string]model.MessagingService
}

func (f *fakeResolver) ServiceByID(_ context.Context, id string) (model.MessagingService, error) {
	svc, ok := f.services[id]
	if !ok {
		return model.MessagingService{}, fmt.Errorf("%w: %s", registry.ErrUnknownService, id)
	}
	return svc, nil
}

type recordingIngestor struct {
	calls []provider.InboundMessage
}

func (r *recordingIngestor) Ingest(_ context.Context, _ string, msg provider.InboundMessage, _ []byte) error {
	r.calls = append(r.calls, msg)
	return nil
}

type recordingReports struct {
	calls []provider.DeliveryReport
}

func (r *recordingReports) Handle(_ context.Context, _ string, report provider.DeliveryReport, _ []byte) error {
	r.calls = append(r.calls, report)
	return nil
}

const testAPIKey = "assemble-api-key"

func testServer(t *testing.T) (*Server, *recordingIngestor, *recordingReports) {
	t.Helper()
	cipher, err := secrets.NewCipher("session-secret")
	if err != nil {
		t.Fatal(err)
	}
	encrypted, err := cipher.Encrypt(testAPIKey)
	if err != nil {
		t.Fatal(err)
	}

	resolver := &fakeResolver{services: map[string]model.MessagingService{
		"profile-1": {
			ID:                 "profile-1",
			OrganizationID:     1,
			ServiceType:        provider.ServiceTypeAssemble,
			EncryptedAuthToken: encrypted,
			Active:             true,
		},
	}}
	ingestor := &recordingIngestor{}
	reports := &recordingReports{}
	srv := &Server{
		Services:  resolver,
		Providers: provider.NewRegistry(&provider.AssembleAdapter{Cipher: cipher}),
		Ingestor:  ingestor,
		Reports:   reports,
		Logger:    zerolog.Nop(),
	}
	return srv, ingestor, reports
}

func sign(material string) string {
	mac := hmac.New(sha256.New, []byte(testAPIKey))
	mac.Write([]byte(material))
	return hex.EncodeToString(mac.Sum(nil))
}

func post(t *testing.T, srv *Server, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestInboundMissingSignatureHeader(t *testing.T) {
	srv, ingestor, _ := testServer(t)

	rec := post(t, srv, "/assemble-numbers/inbound", `{"id":"in-1","profileId":"profile-1"}`, nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, expected 400", rec.Code)
	}
	if len(ingestor.calls) != 0 {
		t.Fatal("unsigned request must never reach the pipeline")
	}
}

func TestInboundInvalidSignature(t *testing.T) {
	srv, ingestor, _ := testServer(t)

	rec := post(t, srv, "/assemble-numbers/inbound", `{"id":"in-1","profileId":"profile-1"}`, map[string]string{
		provider.AssembleSignatureHeader: sign("some-other-id"),
	})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, expected 403", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != validationFailedBody {
		t.Fatalf("body=%q, expected fixed rejection text", got)
	}
	if len(ingestor.calls) != 0 {
		t.Fatal("forged request must never reach the pipeline")
	}
}

func TestInboundValidSignature(t *testing.T) {
	srv, ingestor, _ := testServer(t)

	body := `{"id":"in-1","from":"+12024561111","to":"+12024561414","body":"hello","numSegments":1,"profileId":"profile-1"}`
	rec := post(t, srv, "/assemble-numbers/inbound", body, map[string]string{
		provider.AssembleSignatureHeader: sign("in-1"),
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, expected 200: %s", rec.Code, rec.Body.String())
	}
	if len(ingestor.calls) != 1 {
		t.Fatalf("expected one ingested message, got %d", len(ingestor.calls))
	}
	msg := ingestor.calls[0]
	if msg.ServiceID != "in-1" || msg.From != "+12024561111" || msg.Body != "hello" {
		t.Fatalf("unexpected parsed message: %+v", msg)
	}
}

func TestDeliveryReportValidSignature(t *testing.T) {
	srv, _, reports := testServer(t)

	body := `{"id":"out-9","eventType":"delivered","profileId":"profile-1"}`
	rec := post(t, srv, "/assemble-numbers/dlr", body, map[string]string{
		provider.AssembleSignatureHeader: sign("out-9" + "delivered"),
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, expected 200: %s", rec.Code, rec.Body.String())
	}
	if len(reports.calls) != 1 {
		t.Fatalf("expected one handled report, got %d", len(reports.calls))
	}
	if reports.calls[0].ServiceID != "out-9" || reports.calls[0].EventType != "delivered" {
		t.Fatalf("unexpected parsed report: %+v", reports.calls[0])
	}
}

func TestDeliveryReportSignedOverWrongMaterial(t *testing.T) {
	srv, _, reports := testServer(t)

	// Signature only covers the id; delivery reports sign id+eventType.
	body := `{"id":"out-9","eventType":"delivered","profileId":"profile-1"}`
	rec := post(t, srv, "/assemble-numbers/dlr", body, map[string]string{
		provider.AssembleSignatureHeader: sign("out-9"),
	})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, expected 403", rec.Code)
	}
	if len(reports.calls) != 0 {
		t.Fatal("forged report must never reach the pipeline")
	}
}

func TestUnknownProfileIsRejected(t *testing.T) {
	srv, ingestor, _ := testServer(t)

	rec := post(t, srv, "/assemble-numbers/inbound", `{"id":"in-1","profileId":"profile-missing"}`, map[string]string{
		provider.AssembleSignatureHeader: sign("in-1"),
	})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, expected 403", rec.Code)
	}
	if len(ingestor.calls) != 0 {
		t.Fatal("unresolvable profile must never reach the pipeline")
	}
}

func TestUnknownProviderIs404(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := post(t, srv, "/carrier-pigeon/inbound", `{}`, nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, expected 404", rec.Code)
	}
}
