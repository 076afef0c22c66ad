package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/fintech/transaction-core/internal/interfaces"
	"github.com/fintech/transaction-core/internal/models/events"
)

// Publisher writes TransactionCompleted events to a Kafka topic. Messages are
// keyed on the idempotency key so all events for one transaction land on the
// same partition.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a publisher for the given brokers and topic.
func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	var key string
	if completed, ok := event.(events.TransactionCompleted); ok {
		key = completed.IdempotencyKey
	}
	return p.PublishMessage(ctx, key, data)
}

// PublishMessage writes one pre-serialized event. The outbox relay uses this
// path to deliver persisted payloads.
func (p *Publisher) PublishMessage(ctx context.Context, key string, payload []byte) error {
	msg := kafka.Message{Value: payload}
	if key != "" {
		msg.Key = []byte(key)
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

var _ interfaces.EventPublisher = (*Publisher)(nil)
