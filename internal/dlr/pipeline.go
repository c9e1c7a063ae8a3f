// Package dlr applies asynchronous provider status callbacks to previously
// sent messages. Reports may arrive zero, one or many times in any order;
// the persisted status only ever advances.
package dlr

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/example/sms-relay/internal/common"
	"github.com/example/sms-relay/internal/model"
	"github.com/example/sms-relay/internal/provider"
)

var deliveryReports = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "delivery_reports_total",
	Help: "Delivery report callbacks by outcome",
}, []string{"service", "outcome"})

type ReportStore interface {
	ApplyDeliveryReport(ctx context.Context, service, serviceID string, status model.SendStatus, errorCodes []string, numSegments, numMedia *int) (bool, error)
	LogDeliveryReport(ctx context.Context, service, serviceID string, raw []byte) error
}

type Pipeline struct {
	Store     ReportStore
	Providers *provider.Registry
	Logger    zerolog.Logger
}

// Handle applies one signature-validated delivery report. A report whose
// provider message id matches nothing is logged and discarded; no message
// row is ever fabricated for it.
func (p *Pipeline) Handle(ctx context.Context, serviceType string, report provider.DeliveryReport, raw []byte) error {
	logger := common.WithContext(ctx, p.Logger)

	// Raw audit record first, regardless of how the update goes.
	if err := p.Store.LogDeliveryReport(ctx, serviceType, report.ServiceID, raw); err != nil {
		logger.Error().Err(err).Str("service_id", report.ServiceID).Msg("failed to log delivery report")
	}

	adapter, err := p.Providers.Get(serviceType)
	if err != nil {
		return fmt.Errorf("resolve provider: %w", err)
	}

	status := adapter.MapDeliveryStatus(report.EventType)
	errorCodes := report.ErrorCodes
	if status == model.StatusError && len(errorCodes) == 0 {
		// Keep the vendor's own vocabulary around for diagnosis.
		errorCodes = []string{report.EventType}
	}

	matched, err := p.Store.ApplyDeliveryReport(ctx, serviceType, report.ServiceID, status, errorCodes, report.NumSegments, report.NumMedia)
	if err != nil {
		return fmt.Errorf("apply delivery report: %w", err)
	}
	if !matched {
		logger.Warn().
			Str("service", serviceType).
			Str("service_id", report.ServiceID).
			Str("event_type", report.EventType).
			Msg("delivery report for unknown message, discarding")
		deliveryReports.WithLabelValues(serviceType, "unknown").Inc()
		return nil
	}

	deliveryReports.WithLabelValues(serviceType, "applied").Inc()
	return nil
}
