// Package publisher announces extracted text to downstream consumers over
// Kafka. Events are keyed by record id so every event for one record lands
// on the same partition.
package publisher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/Document-Ingestion-Pipeline/pkg/kafka"
)

// EventTypeTextReady is set as the event-type header.
const EventTypeTextReady = "document.text_ready"

type Producer interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Publisher produces TextReadyEvents.
type Publisher struct {
	producer Producer
	logger   *slog.Logger
}

func New(producer Producer) *Publisher {
	return &Publisher{
		producer: producer,
		logger:   slog.Default().With("component", "publisher"),
	}
}

// PublishTextReady sends ev to the text-ready topic.
func (p *Publisher) PublishTextReady(ctx context.Context, ev *ingestion.TextReadyEvent) error {
	event := kafka.Event{
		Key:   ev.RecordID,
		Type:  EventTypeTextReady,
		Value: ev,
	}
	if err := p.producer.Publish(ctx, event); err != nil {
		return fmt.Errorf("publishing text ready for %s: %w", ev.RecordID, err)
	}
	p.logger.Debug("text ready published",
		"record_id", ev.RecordID,
		"ref", ev.ExtractedTextRef,
	)
	return nil
}
