// Package provider holds the uniform adapter contract every SMS vendor
// integration satisfies. A new vendor is added by implementing Adapter and
// registering it under its service-type name; nothing outside this package
// knows any provider's wire protocol.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/example/sms-relay/internal/model"
)

// OutboundPayload is the provider-agnostic send request. Optional fields
// are pointers so adapters can omit them entirely where a vendor rejects
// blank values.
type OutboundPayload struct {
	ProfileID      string
	To             string
	Body           string
	MediaURLs      []string
	ContactZipCode *string
}

// SendResult reports a successfully submitted message. Raw carries the
// unmodified provider response for the audit trail.
type SendResult struct {
	ServiceID string
	Raw       []byte
}

// InboundMessage is the canonical shape of a parsed inbound webhook.
type InboundMessage struct {
	ServiceID   string
	From        string
	To          string
	Body        string
	NumSegments int
	NumMedia    int
	MediaURLs   []string
	ReceivedAt  time.Time
	ProfileID   string
	// Multi-part linkage, populated by providers that deliver long
	// messages fragment by fragment. ConcatRef groups the fragments,
	// ConcatPart/ConcatTotal order them. Zero values mean single-part.
	ConcatRef   string
	ConcatPart  int
	ConcatTotal int
}

// DeliveryReport is the canonical shape of a parsed status callback.
// NumSegments/NumMedia are nil when the vendor reports counts out of band.
type DeliveryReport struct {
	ServiceID   string
	EventType   string
	ProfileID   string
	ErrorCodes  []string
	GeneratedAt time.Time
	NumSegments *int
	NumMedia    *int
}

// WebhookRequest is the signature material of one webhook delivery.
type WebhookRequest struct {
	// Signature is the value of the provider's signature header, or its
	// in-body signature field for vendors that sign the payload inline.
	Signature string
	// URL is the full externally visible request URL (some vendors sign it).
	URL string
	// Body is the raw request body.
	Body []byte
}

// Adapter is the capability set one vendor integration must provide.
// Validate methods return false on any mismatch and never fail; the caller
// maps false to HTTP 403. MapDeliveryStatus is total: unknown vendor codes
// map to StatusError.
type Adapter interface {
	Name() string
	SendMessage(ctx context.Context, svc model.MessagingService, payload OutboundPayload) (SendResult, error)
	ValidateInboundWebhook(svc model.MessagingService, req WebhookRequest) bool
	ValidateDeliveryReportWebhook(svc model.MessagingService, req WebhookRequest) bool
	ParseInboundMessage(raw []byte) (InboundMessage, error)
	ParseDeliveryReport(raw []byte) (DeliveryReport, error)
	MapDeliveryStatus(providerStatus string) model.SendStatus
}

// Registry resolves adapters by stored service-type name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown messaging service type %q", name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
