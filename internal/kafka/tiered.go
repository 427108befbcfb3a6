package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/joeott/legal-doc-processor-sub006/internal/domain"
)

// fetcher is the narrow reader surface the tiered consumer needs;
// *kafka.Reader satisfies it.
type fetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type tier struct {
	priority domain.Priority
	reader   fetcher
}

// TieredConsumer consumes one stage's three priority topics with weighted
// fair dispatch: each round grants every tier credits proportional to its
// weight (high 6, normal 3, low 1), so higher tiers are served
// preferentially but lower tiers are never starved.
type TieredConsumer struct {
	tiers     []tier
	fetchWait time.Duration
	logger    *slog.Logger
}

// NewTieredConsumer creates readers for every priority tier of a stage.
// topicFor maps a tier to its topic name (see StageTopic).
func NewTieredConsumer(brokers []string, topicFor func(domain.Priority) string, groupID string, logger *slog.Logger) *TieredConsumer {
	tiers := make([]tier, 0, len(domain.Priorities()))
	for _, p := range domain.Priorities() {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topicFor(p),
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6, // 10 MB
			MaxWait:        500 * time.Millisecond,
			CommitInterval: 0, // manual commit only
			StartOffset:    kafka.FirstOffset,
		})
		tiers = append(tiers, tier{priority: p, reader: r})
	}
	return &TieredConsumer{
		tiers:     tiers,
		fetchWait: 200 * time.Millisecond,
		logger:    logger,
	}
}

// newTieredConsumer wires pre-built fetchers; used by tests.
func newTieredConsumer(tiers []tier, fetchWait time.Duration, logger *slog.Logger) *TieredConsumer {
	return &TieredConsumer{tiers: tiers, fetchWait: fetchWait, logger: logger}
}

// Subscribe runs the deficit round-robin dispatch loop until ctx is
// cancelled. Offsets commit only after the handler returns nil
// (at-least-once delivery).
func (c *TieredConsumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		for _, t := range c.tiers {
			credits := t.priority.Weight()
			for credits > 0 {
				served, err := c.serveOne(ctx, t, handler)
				if err != nil {
					if ctx.Err() != nil {
						return nil // normal shutdown
					}
					return err
				}
				if !served {
					// Tier is idle right now; give the rest of its credits back
					// and move on so an empty high tier can't stall low tiers.
					break
				}
				credits--
			}
		}
	}
}

// serveOne fetches at most one message from the tier, waiting no longer
// than fetchWait. served is false when the tier had nothing ready.
func (c *TieredConsumer) serveOne(ctx context.Context, t tier, handler HandlerFunc) (served bool, err error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchWait)
	m, err := t.reader.FetchMessage(fetchCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("kafka fetch (%s): %w", t.priority, err)
	}

	msg := Message{
		Topic:   m.Topic,
		Key:     m.Key,
		Value:   m.Value,
		Offset:  m.Offset,
		Headers: m.Headers,
	}

	carrier := HeaderCarrier(m.Headers)
	msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

	if err := handler(msgCtx, msg); err != nil {
		// Do NOT commit — Kafka re-delivers after restart or rebalance.
		c.logger.Error("message handler failed, skipping commit",
			slog.String("topic", m.Topic),
			slog.Int64("offset", m.Offset),
			slog.String("error", err.Error()),
		)
		return true, nil
	}

	if err := t.reader.CommitMessages(ctx, m); err != nil {
		c.logger.Error("failed to commit kafka offset",
			slog.String("topic", m.Topic),
			slog.Int64("offset", m.Offset),
			slog.String("error", err.Error()),
		)
	}
	return true, nil
}

// Close closes every tier's reader.
func (c *TieredConsumer) Close() error {
	var firstErr error
	for _, t := range c.tiers {
		if err := t.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
