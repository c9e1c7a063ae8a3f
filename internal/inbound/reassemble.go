package inbound

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/sms-relay/internal/provider"
)

// Reassembler folds the pending parts of one logical inbound message into
// a canonical message and persists it through the synchronous path.
// Processing is idempotent: a root id whose parts were already consumed is
// a no-op, and redelivered webhooks collapse on the message's unique
// provider id.
type Reassembler struct {
	Parts     PartStore
	Ingestor  *SyncIngestor
	Providers *provider.Registry
	Logger    zerolog.Logger
}

func (r *Reassembler) Process(ctx context.Context, rootID string) error {
	parts, err := r.Parts.PartsForMessage(ctx, rootID)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return nil
	}

	adapter, err := r.Providers.Get(parts[0].Service)
	if err != nil {
		return fmt.Errorf("reassemble %s: %w", rootID, err)
	}

	parsed := make([]provider.InboundMessage, 0, len(parts))
	for _, part := range parts {
		msg, err := adapter.ParseInboundMessage(part.ServiceMessage)
		if err != nil {
			return fmt.Errorf("reparse part %s: %w", part.ID, err)
		}
		parsed = append(parsed, msg)
	}

	root := parsed[0]
	if root.ConcatTotal > len(parsed) {
		// Not all fragments have arrived; the next fragment's enqueue
		// retries the fold.
		r.Logger.Debug().
			Str("root_id", rootID).
			Int("have", len(parsed)).
			Int("want", root.ConcatTotal).
			Msg("waiting for remaining message parts")
		return nil
	}

	merged := fold(parsed)

	if err := r.Ingestor.Ingest(ctx, parts[0].Service, merged, parts[0].ServiceMessage); err != nil {
		return err
	}

	return r.Parts.DeletePartsForMessage(ctx, rootID)
}

// fold orders fragments by their part number and concatenates the bodies.
// The root fragment supplies every other field.
func fold(parsed []provider.InboundMessage) provider.InboundMessage {
	sort.SliceStable(parsed, func(i, j int) bool {
		return parsed[i].ConcatPart < parsed[j].ConcatPart
	})

	var body strings.Builder
	media := make([]string, 0)
	for _, msg := range parsed {
		body.WriteString(msg.Body)
		media = append(media, msg.MediaURLs...)
	}

	merged := parsed[0]
	merged.Body = body.String()
	merged.MediaURLs = media
	merged.NumMedia = len(media)
	if len(parsed) > 1 {
		merged.NumSegments = len(parsed)
	}
	return merged
}
