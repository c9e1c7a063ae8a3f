package inbound

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

// Worker drains the pending-part topic and reassembles each referenced
// message.
type Worker struct {
	ReaderFactory func() *kafka.Reader
	Reassembler   *Reassembler
	Logger        zerolog.Logger
}

func (w *Worker) Run(ctx context.Context) error {
	if w.ReaderFactory == nil || w.Reassembler == nil {
		return errors.New("reassembler worker requires a reader factory and a reassembler")
	}
	reader := w.ReaderFactory()
	defer reader.Close()
	tracer := otel.Tracer("reassembler")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}

		var notice partNotice
		if err := json.Unmarshal(m.Value, &notice); err != nil {
			w.Logger.Error().Err(err).Msg("failed to decode part notice")
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		spanCtx, span := tracer.Start(ctx, "reassemble_message")
		span.SetAttributes(attribute.String("part.root_id", notice.RootID))

		if err := w.Reassembler.Process(spanCtx, notice.RootID); err != nil {
			span.RecordError(err)
			span.End()
			w.Logger.Error().Err(err).Str("root_id", notice.RootID).Msg("reassembly failed")
			// Leave the offset uncommitted so the notice is redelivered.
			return err
		}

		span.End()
		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}
