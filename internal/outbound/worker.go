package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// SendRequest is the queue payload asking for one message to be sent.
type SendRequest struct {
	MessageID      string `json:"message_id"`
	OrganizationID int64  `json:"organization_id"`
}

// Worker drains the send topic and runs each request through the pipeline.
type Worker struct {
	ReaderFactory func() *kafka.Reader
	Pipeline      *Pipeline
	Logger        zerolog.Logger
}

func (w *Worker) Run(ctx context.Context) error {
	if w.ReaderFactory == nil || w.Pipeline == nil {
		return errors.New("sender worker requires a reader factory and a pipeline")
	}
	reader := w.ReaderFactory()
	defer reader.Close()
	tracer := otel.Tracer("sender")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}

		var req SendRequest
		if err := json.Unmarshal(m.Value, &req); err != nil {
			w.Logger.Error().Err(err).Msg("failed to decode send request")
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		spanCtx, span := tracer.Start(ctx, "send_message")
		span.SetAttributes(attribute.String("message.id", req.MessageID))

		if err := w.Pipeline.Send(spanCtx, req.MessageID, req.OrganizationID); err != nil {
			// Configuration errors: nothing a redelivery would fix.
			span.RecordError(err)
			w.Logger.Error().Err(err).Str("message_id", req.MessageID).Msg("send request rejected")
		}

		span.End()
		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}
