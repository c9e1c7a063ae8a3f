package inbound

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

// partNotice is the queue payload pointing the reassembly worker at one
// stored root part.
type partNotice struct {
	RootID string `json:"root_id"`
}

// KafkaPartQueue publishes part notices to the pending-part topic.
type KafkaPartQueue struct {
	Writer *kafka.Writer
}

func (q *KafkaPartQueue) EnqueuePart(ctx context.Context, rootID string) error {
	payload, err := json.Marshal(partNotice{RootID: rootID})
	if err != nil {
		return err
	}
	// Keying by root id keeps all fragments of one message on one
	// partition, so the worker sees them in arrival order.
	return q.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rootID),
		Value: payload,
	})
}
