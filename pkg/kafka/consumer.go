// Package kafka wraps segmentio/kafka-go for the pipeline's topics: OCR
// completion notifications come in through a Consumer, text-ready events go
// out through a Producer. Values are JSON on both sides.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/config"
	"github.com/segmentio/kafka-go"
)

// MessageHandler processes one message. A nil return commits the offset, so
// handlers return nil for messages they want dropped.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// Consumer reads one topic as part of a consumer group. Offsets are
// committed in order, so a failing message is redelivered in place rather
// than skipped; after maxAttempts it is logged and committed to keep the
// partition moving.
type Consumer struct {
	reader      *kafka.Reader
	handler     MessageHandler
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
	})
	return newConsumer(r, topic, handler, cfg.HandlerAttempts, cfg.HandlerBackoff)
}

func newConsumer(r *kafka.Reader, topic string, handler MessageHandler, attempts int, backoff time.Duration) *Consumer {
	if attempts <= 0 {
		attempts = 1
	}
	return &Consumer{
		reader:      r,
		handler:     handler,
		maxAttempts: attempts,
		backoff:     backoff,
		logger:      slog.Default().With("component", "kafka-consumer", "topic", topic),
	}
}

// Start consumes until ctx is cancelled. A message interrupted by shutdown
// stays uncommitted and is redelivered to the next group member.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started", "max_attempts", c.maxAttempts)
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		log := c.logger.With("partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key))
		log.Debug("message received", "value_size", len(msg.Value))

		if err := c.deliver(ctx, log, msg.Key, msg.Value); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				return nil
			}
			log.Error("dropping message after repeated failures", "attempts", c.maxAttempts, "error", err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Error("failed to commit message", "error", err)
		}
	}
}

// deliver calls the handler until it succeeds, attempts run out or ctx
// ends, doubling the wait between attempts.
func (c *Consumer) deliver(ctx context.Context, log *slog.Logger, key, value []byte) error {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, key, value)
		if err == nil {
			return nil
		}
		if attempt >= c.maxAttempts {
			return err
		}
		log.Warn("handler failed, redelivering", "attempt", attempt, "retry_in", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON unmarshals a message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
