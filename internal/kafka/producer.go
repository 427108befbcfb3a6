package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Producer publishes raw messages. Stage tasks go through the Enqueuer,
// which picks the topic; this is the shared transport underneath it and
// the batch-event publisher.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
}

// NewProducer connects a producer to the given brokers. Messages are keyed
// by document ID, and the hash balancer keeps every message for one
// document on the same partition so its tasks arrive in order.
func NewProducer(brokers []string) Producer {
	return &producer{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}}
}

func (p *producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	// Carry the active trace into the message so the consumer side can
	// continue it.
	carrier := make(HeaderCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header(carrier),
		Time:    time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
